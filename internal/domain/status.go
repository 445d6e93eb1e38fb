package domain

import "context"

type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Metadata describes a verified upload for the metadata callback.
type Metadata struct {
	ObjectKey     string `json:"object_key"`
	Bytes         int64  `json:"bytes"`
	Checksum      string `json:"checksum"`
	Strategy      string `json:"strategy"`
	Verification  string `json:"verification"`
	RetentionDays int    `json:"retention_days"`
}

type Reporter interface {
	Report(ctx context.Context, jobID string, status Status, message string) error
	ReportMetadata(ctx context.Context, jobID string, meta Metadata) error
}
