package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/semmidev/phylax-runner/internal/config"
	"github.com/semmidev/phylax-runner/internal/domain"
)

// CLIVerifier lists the bucket with the provider's command line client, a
// code path that shares nothing with either upload strategy.
type CLIVerifier struct {
	bin       string
	endpoint  string
	region    string
	accessKey string
	secretKey string
	timeout   time.Duration
}

func NewCLIVerifier(cfg *config.StorageConfig) *CLIVerifier {
	return &CLIVerifier{
		bin:       cfg.VerifyCLI,
		endpoint:  cfg.Endpoint,
		region:    cfg.Region,
		accessKey: cfg.AccessKeyID,
		secretKey: cfg.SecretAccessKey,
		timeout:   2 * time.Minute,
	}
}

func (v *CLIVerifier) Name() string { return "cli:" + v.bin }

type listing struct {
	Contents []struct {
		Key          string `json:"Key"`
		Size         int64  `json:"Size"`
		LastModified string `json:"LastModified"`
	} `json:"Contents"`
}

func (v *CLIVerifier) Lookup(ctx context.Context, bucket, key string) (domain.ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, v.bin,
		"s3api", "list-objects-v2",
		"--bucket", bucket,
		"--prefix", key,
		"--endpoint-url", v.endpoint,
		"--region", v.region,
		"--output", "json",
	)
	cmd.Env = append(os.Environ(),
		"AWS_ACCESS_KEY_ID="+v.accessKey,
		"AWS_SECRET_ACCESS_KEY="+v.secretKey,
		"AWS_DEFAULT_REGION="+v.region,
		"AWS_EC2_METADATA_DISABLED=true",
		"AWS_PAGER=",
	)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return domain.ObjectInfo{}, fmt.Errorf("%w: %s", domain.ErrToolNotFound, v.bin)
		}
		return domain.ObjectInfo{}, fmt.Errorf("%s list-objects-v2: %w: %s", v.bin, err, strings.TrimSpace(stderr.String()))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return domain.ObjectInfo{}, fmt.Errorf("%w: s3://%s/%s", domain.ErrObjectNotFound, bucket, key)
	}

	var l listing
	if err := json.Unmarshal(out, &l); err != nil {
		return domain.ObjectInfo{}, fmt.Errorf("failed to parse %s output: %w", v.bin, err)
	}

	for _, obj := range l.Contents {
		if obj.Key != key {
			continue
		}
		modified, _ := time.Parse(time.RFC3339, obj.LastModified)
		return domain.ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: modified}, nil
	}
	return domain.ObjectInfo{}, fmt.Errorf("%w: s3://%s/%s", domain.ErrObjectNotFound, bucket, key)
}
