package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/semmidev/phylax-runner/internal/config"
	"github.com/semmidev/phylax-runner/internal/domain"
	"github.com/semmidev/phylax-runner/internal/version"
)

const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// SignedStrategy issues plain HTTP requests signed with SigV4. It shares no
// request pipeline with the SDK strategy, so it keeps working when a provider
// rejects something the SDK adds.
type SignedStrategy struct {
	httpClient *http.Client
	endpoint   *url.URL
	region     string
	creds      aws.Credentials
	signer     *v4.Signer
	now        func() time.Time
}

func NewSigned(cfg *config.StorageConfig) (*SignedStrategy, error) {
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	endpoint.Path = strings.TrimRight(endpoint.Path, "/")
	endpoint.RawPath = ""

	return &SignedStrategy{
		httpClient: &http.Client{Timeout: 30 * time.Minute},
		endpoint:   endpoint,
		region:     cfg.Region,
		creds: aws.Credentials{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Source:          "phylax-runner",
		},
		signer: v4.NewSigner(func(o *v4.SignerOptions) {
			o.DisableURIPathEscaping = true
		}),
		now: time.Now,
	}, nil
}

func (s *SignedStrategy) Name() string { return config.StrategySigned }

type signedRequest struct {
	method      string
	bucket      string
	key         string
	body        io.Reader
	size        int64
	payloadHash string
	header      http.Header
}

// objectURL builds a path-style URL. RawPath carries the strict S3 encoding,
// which is also what gets signed.
func (s *SignedStrategy) objectURL(bucket, key string) *url.URL {
	u := *s.endpoint
	u.Path = s.endpoint.Path + "/" + bucket
	u.RawPath = s.endpoint.EscapedPath() + "/" + escapePath(bucket)
	if key != "" {
		u.Path += "/" + key
		u.RawPath += "/" + escapePath(key)
	}
	return &u
}

func (s *SignedStrategy) do(ctx context.Context, r signedRequest) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.method, s.objectURL(r.bucket, r.key).String(), r.body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.body != nil {
		req.ContentLength = r.size
	}

	payloadHash := r.payloadHash
	if payloadHash == "" {
		payloadHash = emptyPayloadHash
	}
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	req.Header.Set("User-Agent", version.UserAgent())

	if err := s.signer.SignHTTP(ctx, s.creds, req, payloadHash, "s3", s.region, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", r.method, req.URL.Redacted(), err)
	}
	return resp, nil
}

func (s *SignedStrategy) EnsureBucket(ctx context.Context, bucket string) error {
	resp, err := s.do(ctx, signedRequest{method: http.MethodHead, bucket: bucket})
	if err != nil {
		return err
	}
	drain(resp)

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode != http.StatusNotFound:
		return fmt.Errorf("failed to check bucket: HTTP %d", resp.StatusCode)
	}

	var body []byte
	if s.region != "" && s.region != config.DefaultRegion {
		body = []byte(`<CreateBucketConfiguration xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><LocationConstraint>` +
			s.region + `</LocationConstraint></CreateBucketConfiguration>`)
	}

	req := signedRequest{method: http.MethodPut, bucket: bucket}
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		req.body = bytes.NewReader(body)
		req.size = int64(len(body))
		req.payloadHash = hex.EncodeToString(sum[:])
	}

	resp, err = s.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	apiErr := readError(resp)
	if apiErr.Code == "BucketAlreadyOwnedByYou" || apiErr.Code == "BucketAlreadyExists" {
		return nil
	}
	return fmt.Errorf("failed to create bucket: %w", apiErr)
}

func (s *SignedStrategy) Put(ctx context.Context, bucket, key string, obj Object) error {
	file, err := os.Open(obj.Path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	payloadHash := obj.Checksum
	if payloadHash == "" {
		payloadHash = "UNSIGNED-PAYLOAD"
	}

	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	for k, v := range obj.Metadata {
		header.Set("X-Amz-Meta-"+k, v)
	}

	resp, err := s.do(ctx, signedRequest{
		method:      http.MethodPut,
		bucket:      bucket,
		key:         key,
		body:        file,
		size:        obj.Size,
		payloadHash: payloadHash,
		header:      header,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to upload object: %w", readError(resp))
	}
	drain(resp)
	return nil
}

func (s *SignedStrategy) Get(ctx context.Context, bucket, key string, w io.WriterAt) error {
	resp, err := s.do(ctx, signedRequest{method: http.MethodGet, bucket: bucket, key: key})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		drain(resp)
		return fmt.Errorf("%w: s3://%s/%s", domain.ErrObjectNotFound, bucket, key)
	default:
		return fmt.Errorf("failed to download object: %w", readError(resp))
	}

	if _, err := io.Copy(io.NewOffsetWriter(w, 0), resp.Body); err != nil {
		return fmt.Errorf("failed to read object body: %w", err)
	}
	return nil
}

func (s *SignedStrategy) Stat(ctx context.Context, bucket, key string) (domain.ObjectInfo, error) {
	resp, err := s.do(ctx, signedRequest{method: http.MethodHead, bucket: bucket, key: key})
	if err != nil {
		return domain.ObjectInfo{}, err
	}
	drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return domain.ObjectInfo{}, fmt.Errorf("%w: s3://%s/%s", domain.ErrObjectNotFound, bucket, key)
	default:
		return domain.ObjectInfo{}, fmt.Errorf("failed to stat object: HTTP %d", resp.StatusCode)
	}

	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return domain.ObjectInfo{}, fmt.Errorf("invalid Content-Length: %w", err)
	}
	modified, _ := http.ParseTime(resp.Header.Get("Last-Modified"))

	return domain.ObjectInfo{Key: key, Size: size, LastModified: modified}, nil
}

// APIError is an S3 XML error document.
type APIError struct {
	StatusCode int    `xml:"-"`
	Code       string `xml:"Code"`
	Message    string `xml:"Message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func readError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = xml.Unmarshal(body, apiErr)
	return apiErr
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// escapePath applies S3's canonical URI encoding: everything except
// unreserved characters and '/' is percent-encoded.
func escapePath(p string) string {
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		c := p[i]
		if isUnreserved(c) || c == '/' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' ||
		c == '-' || c == '_' || c == '.' || c == '~'
}
