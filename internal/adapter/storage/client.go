package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/semmidev/phylax-runner/internal/config"
	"github.com/semmidev/phylax-runner/internal/domain"
)

// Client moves artifacts to and from one bucket, trying each strategy in
// order until one succeeds.
type Client struct {
	strategies    []Strategy
	verifiers     []Verifier
	logger        Logger
	retentionDays int

	winner Strategy
}

type Option func(*Client)

// WithRetentionDays tags uploaded objects with the retention hint.
func WithRetentionDays(days int) Option {
	return func(c *Client) { c.retentionDays = days }
}

// WithVerifiers replaces the independent verifiers.
func WithVerifiers(v ...Verifier) Option {
	return func(c *Client) { c.verifiers = v }
}

func NewClient(strategies []Strategy, logger Logger, opts ...Option) *Client {
	c := &Client{strategies: strategies, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// New builds the configured strategies and the CLI listing verifier.
func New(ctx context.Context, cfg *config.StorageConfig, logger Logger, opts ...Option) (*Client, error) {
	strategies := make([]Strategy, 0, len(cfg.Strategies))
	for _, name := range cfg.Strategies {
		var (
			s   Strategy
			err error
		)
		switch name {
		case config.StrategySDK:
			s, err = NewSDK(ctx, cfg)
		case config.StrategySigned:
			s, err = NewSigned(cfg)
		default:
			err = fmt.Errorf("unknown storage strategy %q", name)
		}
		if err != nil {
			return nil, fmt.Errorf("storage strategy %s: %w", name, err)
		}
		strategies = append(strategies, s)
	}
	if len(strategies) == 0 {
		return nil, errors.New("no storage strategies configured")
	}

	opts = append([]Option{WithVerifiers(NewCLIVerifier(cfg))}, opts...)
	return NewClient(strategies, logger, opts...), nil
}

func (c *Client) Upload(ctx context.Context, artifact *domain.Artifact, bucket, key string) (*domain.UploadResult, error) {
	obj := objectFor(artifact, c.retentionDays)

	var (
		attempts []domain.StrategyAttempt
		errs     error
	)
	for _, s := range c.strategies {
		start := time.Now()
		err := c.put(ctx, s, bucket, key, obj)
		attempts = append(attempts, domain.StrategyAttempt{Strategy: s.Name(), Err: err})

		if err == nil {
			c.winner = s
			c.logger.Infow("upload completed",
				"strategy", s.Name(), "bucket", bucket, "key", key,
				"bytes", obj.Size, "duration", time.Since(start).String())
			return &domain.UploadResult{
				Strategy: s.Name(),
				Bucket:   bucket,
				Key:      key,
				Size:     obj.Size,
				Attempts: attempts,
			}, nil
		}

		c.logger.Warnw("upload strategy failed",
			"strategy", s.Name(), "bucket", bucket, "key", key, "error", err)
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.Name(), err))

		if ctx.Err() != nil {
			break
		}
	}

	return nil, &domain.UploadFailure{TransferFailure: domain.TransferFailure{
		Bucket:   bucket,
		Key:      key,
		Attempts: attempts,
		Err:      errs,
	}}
}

func (c *Client) put(ctx context.Context, s Strategy, bucket, key string, obj Object) error {
	if err := s.EnsureBucket(ctx, bucket); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	if err := s.Put(ctx, bucket, key, obj); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Verify confirms the object exists with the expected size. Independent
// verifiers are preferred; when none can run, the winning upload strategy's
// own stat is used and the result is marked as not independent.
func (c *Client) Verify(ctx context.Context, bucket, key string, wantSize int64) (*domain.Verification, error) {
	for _, v := range c.verifiers {
		info, err := v.Lookup(ctx, bucket, key)
		if err != nil && !errors.Is(err, domain.ErrObjectNotFound) {
			c.logger.Warnw("verifier unavailable", "method", v.Name(), "key", key, "error", err)
			if ctx.Err() != nil {
				return nil, &domain.VerificationFailure{Bucket: bucket, Key: key, Method: v.Name(), Err: err}
			}
			continue
		}
		return c.judge(bucket, key, v.Name(), true, info, err, wantSize)
	}

	s := c.winner
	if s == nil {
		if len(c.strategies) == 0 {
			return nil, &domain.VerificationFailure{Bucket: bucket, Key: key, Reason: "no verification method available"}
		}
		s = c.strategies[0]
	}

	method := "stat:" + s.Name()
	c.logger.Warnw("falling back to upload strategy for verification; result is not independent of the upload path",
		"method", method, "key", key)

	info, err := s.Stat(ctx, bucket, key)
	if err != nil && !errors.Is(err, domain.ErrObjectNotFound) {
		return nil, &domain.VerificationFailure{Bucket: bucket, Key: key, Method: method, Err: err}
	}
	return c.judge(bucket, key, method, false, info, err, wantSize)
}

func (c *Client) judge(bucket, key, method string, independent bool, info domain.ObjectInfo, lookupErr error, wantSize int64) (*domain.Verification, error) {
	if lookupErr != nil {
		return nil, &domain.VerificationFailure{Bucket: bucket, Key: key, Method: method, Reason: "object not found", Err: lookupErr}
	}
	if info.Size != wantSize {
		return nil, &domain.VerificationFailure{
			Bucket: bucket,
			Key:    key,
			Method: method,
			Reason: fmt.Sprintf("size mismatch: expected %d bytes, found %d", wantSize, info.Size),
		}
	}

	c.logger.Infow("upload verified", "method", method, "independent", independent, "key", key, "bytes", info.Size)
	return &domain.Verification{
		Method:      method,
		Independent: independent,
		Exists:      true,
		Size:        info.Size,
	}, nil
}

// Download fetches key into dir. Partial files are removed before the next
// strategy is tried.
func (c *Client) Download(ctx context.Context, bucket, key, dir string) (string, error) {
	dest := filepath.Join(dir, localName(key))

	var (
		attempts []domain.StrategyAttempt
		errs     error
	)
	for _, s := range c.strategies {
		err := c.get(ctx, s, bucket, key, dest)
		attempts = append(attempts, domain.StrategyAttempt{Strategy: s.Name(), Err: err})

		if err == nil {
			c.winner = s
			c.logger.Infow("download completed", "strategy", s.Name(), "bucket", bucket, "key", key, "path", dest)
			return dest, nil
		}

		_ = os.Remove(dest)
		c.logger.Warnw("download strategy failed", "strategy", s.Name(), "bucket", bucket, "key", key, "error", err)
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.Name(), err))

		if ctx.Err() != nil {
			break
		}
	}

	return "", &domain.DownloadFailure{TransferFailure: domain.TransferFailure{
		Bucket:   bucket,
		Key:      key,
		Attempts: attempts,
		Err:      errs,
	}}
}

func (c *Client) get(ctx context.Context, s Strategy, bucket, key, dest string) (err error) {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close local file: %w", cerr)
		}
	}()

	return s.Get(ctx, bucket, key, f)
}

func localName(key string) string {
	name := filepath.Base(strings.TrimRight(key, "/"))
	if name == "." || name == "/" || name == "" {
		return "artifact"
	}
	return name
}
