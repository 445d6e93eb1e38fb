package domain

import "context"

// Database wraps one vendor dump/restore tool pair.
type Database interface {
	// Backup dumps into workDir and returns the finished artifact.
	Backup(ctx context.Context, workDir string) (*Artifact, error)
	// Restore loads a downloaded artifact into the configured database.
	Restore(ctx context.Context, artifact *Artifact) error
	Engine() Engine
}
