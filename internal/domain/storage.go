package domain

import (
	"context"
	"time"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// StrategyAttempt records one strategy tried during an upload or download.
type StrategyAttempt struct {
	Strategy string
	Err      error
}

type UploadResult struct {
	Strategy      string
	Bucket        string
	Key           string
	Size          int64
	ConfirmedSize int64
	Attempts      []StrategyAttempt
}

type Verification struct {
	Method      string
	Independent bool
	Exists      bool
	Size        int64
}

type Storage interface {
	Upload(ctx context.Context, artifact *Artifact, bucket, key string) (*UploadResult, error)
	Verify(ctx context.Context, bucket, key string, wantSize int64) (*Verification, error)
	Download(ctx context.Context, bucket, key, dir string) (string, error)
}
