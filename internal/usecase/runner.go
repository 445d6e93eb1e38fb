package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/semmidev/phylax-runner/internal/config"
	"github.com/semmidev/phylax-runner/internal/domain"
)

type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

// Runner executes exactly one backup or restore job.
type Runner struct {
	job       *config.Job
	db        domain.Database
	storage   domain.Storage
	reporter  domain.Reporter
	logger    Logger
	lifecycle *Lifecycle

	terminalTimeout time.Duration
}

type Option func(*Runner)

// WithLifecycle continues a lifecycle that was started before the job
// descriptor was resolved.
func WithLifecycle(l *Lifecycle) Option {
	return func(r *Runner) { r.lifecycle = l }
}

// WithTerminalTimeout bounds the final callback, which is sent even after
// the job context is cancelled.
func WithTerminalTimeout(d time.Duration) Option {
	return func(r *Runner) { r.terminalTimeout = d }
}

func NewRunner(
	job *config.Job,
	db domain.Database,
	storage domain.Storage,
	reporter domain.Reporter,
	logger Logger,
	opts ...Option,
) *Runner {
	r := &Runner{
		job:             job,
		db:              db,
		storage:         storage,
		reporter:        reporter,
		logger:          logger,
		terminalTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.lifecycle == nil {
		r.lifecycle = NewLifecycle(logger)
	}
	return r
}

func (r *Runner) Lifecycle() *Lifecycle { return r.lifecycle }

// Run dispatches on the job's operation.
func (r *Runner) Run(ctx context.Context) error {
	switch r.job.Operation {
	case config.OperationRestore:
		return r.Restore(ctx)
	default:
		return r.Backup(ctx)
	}
}

func (r *Runner) Backup(ctx context.Context) error {
	const op = config.OperationBackup
	start := time.Now()

	if err := r.begin(op); err != nil {
		return r.fail(ctx, op, err)
	}
	r.report(ctx, domain.StatusRunning, "backup started")

	workDir, cleanup, err := r.workspace()
	if err != nil {
		return r.fail(ctx, op, err)
	}
	defer cleanup()

	artifact, err := r.db.Backup(ctx, workDir)
	if err != nil {
		return r.fail(ctx, op, fmt.Errorf("dump: %w", err))
	}
	r.logger.Infow("dump created", "path", artifact.Path, "bytes", artifact.Size,
		"checksum", artifact.Checksum, "format", artifact.Format)

	bucket, key := r.job.Storage.Bucket, r.job.BackupPath

	if err := r.lifecycle.Advance(StateUploading); err != nil {
		return r.fail(ctx, op, err)
	}
	result, err := r.storage.Upload(ctx, artifact, bucket, key)
	if err != nil {
		return r.fail(ctx, op, fmt.Errorf("upload: %w", err))
	}

	if err := r.lifecycle.Advance(StateVerifying); err != nil {
		return r.fail(ctx, op, err)
	}
	verification, err := r.storage.Verify(ctx, bucket, key, artifact.Size)
	if err != nil {
		return r.fail(ctx, op, fmt.Errorf("verify: %w", err))
	}
	result.ConfirmedSize = verification.Size

	if err := r.lifecycle.Advance(StateReporting); err != nil {
		return r.fail(ctx, op, err)
	}

	if err := r.reporter.ReportMetadata(ctx, r.job.JobID, domain.Metadata{
		ObjectKey:     key,
		Bytes:         result.ConfirmedSize,
		Checksum:      artifact.Checksum,
		Strategy:      result.Strategy,
		Verification:  verification.Method,
		RetentionDays: r.job.RetentionDays,
	}); err != nil {
		r.logger.Warnw("metadata callback not delivered", "error", err)
	}

	if err := os.Remove(artifact.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warnw("failed to remove artifact", "path", artifact.Path, "error", err)
	}

	message := fmt.Sprintf("backup completed: s3://%s/%s (%d bytes, uploaded via %s, verified by %s)",
		bucket, key, result.ConfirmedSize, result.Strategy, verification.Method)
	r.finish(ctx, message, start)
	return nil
}

func (r *Runner) Restore(ctx context.Context) error {
	const op = config.OperationRestore
	start := time.Now()

	if err := r.begin(op); err != nil {
		return r.fail(ctx, op, err)
	}
	r.report(ctx, domain.StatusRunning, "restore started")

	workDir, cleanup, err := r.workspace()
	if err != nil {
		return r.fail(ctx, op, err)
	}
	defer cleanup()

	bucket, key := r.job.Storage.Bucket, r.job.BackupPath

	if err := r.lifecycle.Advance(StateDownloading); err != nil {
		return r.fail(ctx, op, err)
	}
	path, err := r.storage.Download(ctx, bucket, key, workDir)
	if err != nil {
		return r.fail(ctx, op, fmt.Errorf("download: %w", err))
	}

	info, err := os.Stat(path)
	if err != nil {
		return r.fail(ctx, op, fmt.Errorf("stat downloaded artifact: %w", err))
	}
	if info.Size() == 0 {
		return r.fail(ctx, op, fmt.Errorf("downloaded artifact s3://%s/%s is empty", bucket, key))
	}
	r.logger.Infow("artifact downloaded", "path", path, "bytes", info.Size())

	if err := r.lifecycle.Advance(StateRestoring); err != nil {
		return r.fail(ctx, op, err)
	}
	artifact := &domain.Artifact{Path: path, Size: info.Size(), Engine: r.db.Engine()}
	if err := r.db.Restore(ctx, artifact); err != nil {
		return r.fail(ctx, op, fmt.Errorf("restore: %w", err))
	}

	if err := r.lifecycle.Advance(StateReporting); err != nil {
		return r.fail(ctx, op, err)
	}

	message := fmt.Sprintf("restore completed: s3://%s/%s into %s database %s (%d bytes)",
		bucket, key, r.db.Engine(), r.job.Database.Name, info.Size())
	r.finish(ctx, message, start)
	return nil
}

// begin checks that the resolved job fits the wired adapter and enters
// RUNNING.
func (r *Runner) begin(op config.Operation) error {
	if r.lifecycle.State() == StateInit {
		if err := r.lifecycle.Advance(StateValidating); err != nil {
			return err
		}
	}

	switch {
	case r.job.Operation != op:
		return fmt.Errorf("job operation is %q, not %q", r.job.Operation, op)
	case r.db.Engine() != r.job.Database.Engine:
		return fmt.Errorf("adapter engine %s does not match job engine %s", r.db.Engine(), r.job.Database.Engine)
	case r.job.Storage.Bucket == "" || r.job.BackupPath == "":
		return errors.New("job has no destination bucket or key")
	}

	return r.lifecycle.Advance(StateRunning)
}

// workspace creates the job's scoped directory. The returned cleanup removes
// it and everything inside.
func (r *Runner) workspace() (string, func(), error) {
	id := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(r.job.JobID)
	dir, err := os.MkdirTemp(r.job.WorkDir, "job-"+id+"-*")
	if err != nil {
		return "", nil, fmt.Errorf("create workspace: %w", err)
	}
	r.logger.Infow("workspace created", "dir", dir)

	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Errorw("failed to remove workspace", "dir", dir, "error", err)
			return
		}
		r.logger.Infow("workspace removed", "dir", dir)
	}, nil
}

func (r *Runner) finish(ctx context.Context, message string, start time.Time) {
	r.reportTerminal(ctx, domain.StatusSuccess, message)
	if err := r.lifecycle.Advance(StateDone); err != nil {
		r.logger.Errorw("unexpected state", "error", err)
	}
	r.logger.Infow("job completed", "duration", time.Since(start).Round(time.Millisecond).String(), "message", message)
}

func (r *Runner) fail(ctx context.Context, op config.Operation, cause error) error {
	r.lifecycle.Fail(cause)
	r.reportTerminal(ctx, domain.StatusFailed, fmt.Sprintf("%s failed: %v", op, cause))
	return cause
}

func (r *Runner) report(ctx context.Context, status domain.Status, message string) {
	if err := r.reporter.Report(ctx, r.job.JobID, status, message); err != nil {
		r.logger.Warnw("callback not delivered", "status", status, "error", err)
	}
}

// reportTerminal survives cancellation of the job context so an interrupted
// job still reports its outcome.
func (r *Runner) reportTerminal(ctx context.Context, status domain.Status, message string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.terminalTimeout)
	defer cancel()
	r.report(ctx, status, message)
}
