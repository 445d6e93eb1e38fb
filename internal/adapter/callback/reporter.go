package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/semmidev/phylax-runner/internal/config"
	"github.com/semmidev/phylax-runner/internal/domain"
	"github.com/semmidev/phylax-runner/internal/version"
)

const (
	SignatureHeader  = "X-Signature-256"
	JobIDHeader      = "X-Job-Id"
	DeliveryIDHeader = "X-Delivery-Id"
)

// Payload is the status notification body.
type Payload struct {
	JobID     string        `json:"job_id"`
	Status    domain.Status `json:"status"`
	Message   string        `json:"message"`
	Timestamp string        `json:"timestamp"`
}

// MetadataPayload is posted to <url>/metadata after a verified upload.
type MetadataPayload struct {
	JobID     string          `json:"job_id"`
	Metadata  domain.Metadata `json:"metadata"`
	Timestamp string          `json:"timestamp"`
}

type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
}

// Reporter notifies the control plane about job progress. Deliveries are
// retried a bounded number of times and never alter the job outcome.
type Reporter struct {
	url     string
	secret  string
	client  *http.Client
	logger  Logger
	retries int
	backoff time.Duration
	now     func() time.Time
}

type Option func(*Reporter)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Reporter) { r.client = c }
}

// WithBackoff sets the delay before the second attempt; it doubles after.
func WithBackoff(d time.Duration) Option {
	return func(r *Reporter) { r.backoff = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

func New(cfg config.CallbackConfig, logger Logger, opts ...Option) *Reporter {
	r := &Reporter{
		url:     cfg.URL,
		secret:  cfg.Secret,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		retries: 3,
		backoff: time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reporter) Report(ctx context.Context, jobID string, status domain.Status, message string) error {
	body, err := json.Marshal(Payload{
		JobID:     jobID,
		Status:    status,
		Message:   message,
		Timestamp: r.timestamp(),
	})
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}
	return r.deliver(ctx, r.url, jobID, status, body)
}

func (r *Reporter) ReportMetadata(ctx context.Context, jobID string, meta domain.Metadata) error {
	body, err := json.Marshal(MetadataPayload{
		JobID:     jobID,
		Metadata:  meta,
		Timestamp: r.timestamp(),
	})
	if err != nil {
		return fmt.Errorf("marshal metadata payload: %w", err)
	}
	return r.deliver(ctx, strings.TrimRight(r.url, "/")+"/metadata", jobID, "metadata", body)
}

func (r *Reporter) timestamp() string {
	return r.now().UTC().Format(time.RFC3339)
}

func (r *Reporter) deliver(ctx context.Context, url, jobID string, status domain.Status, body []byte) error {
	deliveryID := uuid.NewString()
	signature := Sign(body, r.secret)

	var lastErr error
	attempt := 0
	for attempt < r.retries {
		if attempt > 0 {
			backoff := r.backoff << (attempt - 1)
			r.logger.Debugw("retrying callback", "attempt", attempt+1, "backoff", backoff.String(), "status", status)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				return &domain.CallbackDeliveryError{URL: url, Status: status, Attempts: attempt, Err: lastErr}
			case <-time.After(backoff):
			}
		}
		attempt++

		retry, err := r.send(ctx, url, jobID, deliveryID, signature, body)
		if err == nil {
			r.logger.Infow("callback delivered", "status", status, "attempts", attempt)
			return nil
		}
		lastErr = err
		r.logger.Warnw("callback attempt failed", "status", status, "attempt", attempt, "error", err)
		if !retry {
			break
		}
	}

	return &domain.CallbackDeliveryError{URL: url, Status: status, Attempts: attempt, Err: lastErr}
}

// send performs one POST and reports whether a failure is worth retrying.
func (r *Reporter) send(ctx context.Context, url, jobID, deliveryID, signature string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set(SignatureHeader, signature)
	req.Header.Set(JobIDHeader, jobID)
	req.Header.Set(DeliveryIDHeader, deliveryID)

	resp, err := r.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("send callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}

	retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout
	return retry, fmt.Errorf("callback returned status %d", resp.StatusCode)
}

// Sign computes the HMAC-SHA256 of the exact body bytes, formatted as
// "sha256=<hex>".
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against body in constant time.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
