package storage

import (
	"context"
	"io"
	"strconv"

	"github.com/semmidev/phylax-runner/internal/domain"
)

// Strategy is one independent way of talking to the object store.
type Strategy interface {
	Name() string
	EnsureBucket(ctx context.Context, bucket string) error
	Put(ctx context.Context, bucket, key string, obj Object) error
	Get(ctx context.Context, bucket, key string, w io.WriterAt) error
	Stat(ctx context.Context, bucket, key string) (domain.ObjectInfo, error)
}

// Verifier looks an object up through a channel other than the one used to
// write it. A missing object is reported as domain.ErrObjectNotFound.
type Verifier interface {
	Name() string
	Lookup(ctx context.Context, bucket, key string) (domain.ObjectInfo, error)
}

// Object is a local file to be stored under a key.
type Object struct {
	Path     string
	Size     int64
	Checksum string
	Metadata map[string]string
}

func objectFor(artifact *domain.Artifact, retentionDays int) Object {
	meta := map[string]string{"sha256": artifact.Checksum}
	if retentionDays > 0 {
		meta["retention-days"] = strconv.Itoa(retentionDays)
	}
	return Object{
		Path:     artifact.Path,
		Size:     artifact.Size,
		Checksum: artifact.Checksum,
		Metadata: meta,
	}
}

type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
}
