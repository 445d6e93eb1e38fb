package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"

	"github.com/semmidev/phylax-runner/internal/config"
	"github.com/semmidev/phylax-runner/internal/domain"
)

type fakeDB struct {
	dumpErr    error
	restoreErr error
	blockUntil bool

	workDir  string
	restored *domain.Artifact
}

func (f *fakeDB) Engine() domain.Engine { return domain.EnginePostgreSQL }

func (f *fakeDB) Backup(ctx context.Context, workDir string) (*domain.Artifact, error) {
	f.workDir = workDir
	if f.blockUntil {
		<-ctx.Done()
		return nil, &domain.DumpFailure{ToolFailure: domain.ToolFailure{Engine: f.Engine(), Tool: "pg_dump", Err: ctx.Err()}}
	}
	if f.dumpErr != nil {
		return nil, f.dumpErr
	}
	path := filepath.Join(workDir, "orders.dump")
	if err := os.WriteFile(path, []byte("PGDMP"), 0o600); err != nil {
		return nil, err
	}
	return &domain.Artifact{Path: path, Size: 5, Checksum: "c0ffee", Engine: f.Engine(), Format: domain.FormatNative}, nil
}

func (f *fakeDB) Restore(_ context.Context, a *domain.Artifact) error {
	f.restored = a
	return f.restoreErr
}

type fakeStorage struct {
	uploadErr   error
	verifyErr   error
	downloadErr error

	uploads   int
	verifies  int
	confirmed int64
}

func (f *fakeStorage) Upload(_ context.Context, a *domain.Artifact, bucket, key string) (*domain.UploadResult, error) {
	f.uploads++
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &domain.UploadResult{Strategy: "sdk", Bucket: bucket, Key: key, Size: a.Size}, nil
}

func (f *fakeStorage) Verify(_ context.Context, _, _ string, want int64) (*domain.Verification, error) {
	f.verifies++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	f.confirmed = want
	return &domain.Verification{Method: "cli:aws", Independent: true, Exists: true, Size: want}, nil
}

func (f *fakeStorage) Download(_ context.Context, _, key, dir string) (string, error) {
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	path := filepath.Join(dir, filepath.Base(key))
	return path, os.WriteFile(path, []byte("PGDMP"), 0o600)
}

type sentReport struct {
	status    domain.Status
	message   string
	ctxActive bool
}

type fakeReporter struct {
	mu       sync.Mutex
	reports  []sentReport
	metadata []domain.Metadata
	err      error
}

func (f *fakeReporter) Report(ctx context.Context, _ string, status domain.Status, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, sentReport{status: status, message: message, ctxActive: ctx.Err() == nil})
	return f.err
}

func (f *fakeReporter) ReportMetadata(_ context.Context, _ string, meta domain.Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata = append(f.metadata, meta)
	return f.err
}

func (f *fakeReporter) statuses() []domain.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Status, 0, len(f.reports))
	for _, r := range f.reports {
		out = append(out, r.status)
	}
	return out
}

func (f *fakeReporter) last() sentReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reports[len(f.reports)-1]
}

func testJob(t *testing.T, op config.Operation) *config.Job {
	return &config.Job{
		JobID:     "job-42",
		Operation: op,
		Database: config.DatabaseConfig{
			Engine: domain.EnginePostgreSQL,
			Name:   "orders",
		},
		Storage:       config.StorageConfig{Bucket: "backups"},
		BackupPath:    "orders/2026-10-14.dump",
		RetentionDays: 30,
		WorkDir:       t.TempDir(),
	}
}

func emptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) == 0
}

func TestRunnerBackup(t *testing.T) {
	Convey("Given a backup job", t, func() {
		job := testJob(t, config.OperationBackup)
		db := &fakeDB{}
		store := &fakeStorage{}
		reporter := &fakeReporter{}
		runner := NewRunner(job, db, store, reporter, zap.NewNop().Sugar())

		Convey("When every stage succeeds", func() {
			err := runner.Run(context.Background())

			Convey("It should walk the full state machine to DONE", func() {
				So(err, ShouldBeNil)
				So(runner.Lifecycle().History(), ShouldResemble, []State{
					StateInit, StateValidating, StateRunning, StateUploading,
					StateVerifying, StateReporting, StateDone,
				})
			})

			Convey("It should send one running and one success callback", func() {
				So(reporter.statuses(), ShouldResemble, []domain.Status{domain.StatusRunning, domain.StatusSuccess})
				So(reporter.last().message, ShouldContainSubstring, "s3://backups/orders/2026-10-14.dump")
			})

			Convey("It should report upload metadata with the retention hint", func() {
				So(reporter.metadata, ShouldHaveLength, 1)
				So(reporter.metadata[0].ObjectKey, ShouldEqual, job.BackupPath)
				So(reporter.metadata[0].Bytes, ShouldEqual, int64(5))
				So(reporter.metadata[0].RetentionDays, ShouldEqual, 30)
				So(reporter.metadata[0].Verification, ShouldEqual, "cli:aws")
			})

			Convey("It should always verify and leave no files behind", func() {
				So(store.verifies, ShouldEqual, 1)
				So(filepath.Dir(db.workDir), ShouldEqual, job.WorkDir)
				So(emptyDir(job.WorkDir), ShouldBeTrue)
			})
		})

		Convey("When the dump tool fails", func() {
			db.dumpErr = &domain.DumpFailure{ToolFailure: domain.ToolFailure{
				Engine: domain.EnginePostgreSQL, Tool: "pg_dump", ExitCode: 1, Output: "connection refused",
			}}

			err := runner.Backup(context.Background())

			Convey("It should fail without uploading and report the tool error", func() {
				var failure *domain.DumpFailure
				So(errors.As(err, &failure), ShouldBeTrue)
				So(runner.Lifecycle().State(), ShouldEqual, StateFailed)
				So(store.uploads, ShouldEqual, 0)
				So(reporter.statuses(), ShouldResemble, []domain.Status{domain.StatusRunning, domain.StatusFailed})
				So(reporter.last().message, ShouldStartWith, "backup failed: ")
				So(reporter.last().message, ShouldContainSubstring, "connection refused")
				So(emptyDir(job.WorkDir), ShouldBeTrue)
			})
		})

		Convey("When every upload strategy fails", func() {
			store.uploadErr = &domain.UploadFailure{TransferFailure: domain.TransferFailure{Bucket: "backups", Key: "k"}}

			err := runner.Backup(context.Background())

			Convey("It should fail and never report success", func() {
				var failure *domain.UploadFailure
				So(errors.As(err, &failure), ShouldBeTrue)
				So(store.verifies, ShouldEqual, 0)
				So(reporter.statuses(), ShouldNotContain, domain.StatusSuccess)
				So(reporter.last().status, ShouldEqual, domain.StatusFailed)
			})
		})

		Convey("When the upload succeeds but verification fails", func() {
			store.verifyErr = &domain.VerificationFailure{Bucket: "backups", Key: "k", Reason: "object not found"}

			err := runner.Backup(context.Background())

			Convey("It should fail the job", func() {
				var failure *domain.VerificationFailure
				So(errors.As(err, &failure), ShouldBeTrue)
				So(store.uploads, ShouldEqual, 1)
				So(runner.Lifecycle().History(), ShouldContain, StateVerifying)
				So(runner.Lifecycle().State(), ShouldEqual, StateFailed)
				So(reporter.metadata, ShouldBeEmpty)
				So(reporter.last().status, ShouldEqual, domain.StatusFailed)
			})
		})

		Convey("When callbacks cannot be delivered", func() {
			reporter.err = &domain.CallbackDeliveryError{URL: "http://cb", Attempts: 3, Err: errors.New("down")}

			err := runner.Backup(context.Background())

			Convey("It should not change the job outcome", func() {
				So(err, ShouldBeNil)
				So(runner.Lifecycle().State(), ShouldEqual, StateDone)
			})
		})

		Convey("When the job is cancelled mid-dump", func() {
			db.blockUntil = true
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			err := runner.Backup(ctx)

			Convey("It should still deliver the failed callback and clean up", func() {
				So(errors.Is(err, context.Canceled), ShouldBeTrue)
				last := reporter.last()
				So(last.status, ShouldEqual, domain.StatusFailed)
				So(last.ctxActive, ShouldBeTrue)
				So(emptyDir(job.WorkDir), ShouldBeTrue)
			})
		})

		Convey("When the job descriptor is for a restore", func() {
			job.Operation = config.OperationRestore

			err := runner.Backup(context.Background())

			Convey("It should fail before RUNNING without a running callback", func() {
				So(err, ShouldNotBeNil)
				So(runner.Lifecycle().History(), ShouldResemble, []State{StateInit, StateValidating, StateFailed})
				So(reporter.statuses(), ShouldResemble, []domain.Status{domain.StatusFailed})
			})
		})
	})
}

func TestRunnerRestore(t *testing.T) {
	Convey("Given a restore job", t, func() {
		job := testJob(t, config.OperationRestore)
		db := &fakeDB{}
		store := &fakeStorage{}
		reporter := &fakeReporter{}
		runner := NewRunner(job, db, store, reporter, zap.NewNop().Sugar())

		Convey("When download and restore succeed", func() {
			err := runner.Run(context.Background())

			Convey("It should restore from a file inside the workspace", func() {
				So(err, ShouldBeNil)
				So(runner.Lifecycle().History(), ShouldResemble, []State{
					StateInit, StateValidating, StateRunning, StateDownloading,
					StateRestoring, StateReporting, StateDone,
				})
				So(db.restored, ShouldNotBeNil)
				So(filepath.Base(db.restored.Path), ShouldEqual, "2026-10-14.dump")
				So(db.restored.Size, ShouldEqual, int64(5))
				So(reporter.statuses(), ShouldResemble, []domain.Status{domain.StatusRunning, domain.StatusSuccess})
				So(emptyDir(job.WorkDir), ShouldBeTrue)
			})
		})

		Convey("When the download fails", func() {
			store.downloadErr = &domain.DownloadFailure{TransferFailure: domain.TransferFailure{Bucket: "backups", Key: "k"}}

			err := runner.Restore(context.Background())

			Convey("It should fail without touching the database", func() {
				var failure *domain.DownloadFailure
				So(errors.As(err, &failure), ShouldBeTrue)
				So(db.restored, ShouldBeNil)
				So(reporter.last().message, ShouldStartWith, "restore failed: ")
			})
		})

		Convey("When the restore tool fails", func() {
			db.restoreErr = &domain.RestoreFailure{ToolFailure: domain.ToolFailure{Engine: domain.EnginePostgreSQL, Tool: "pg_restore", ExitCode: 1}}

			err := runner.Restore(context.Background())

			Convey("It should fail from RESTORING", func() {
				var failure *domain.RestoreFailure
				So(errors.As(err, &failure), ShouldBeTrue)
				So(runner.Lifecycle().History(), ShouldContain, StateRestoring)
				So(runner.Lifecycle().State(), ShouldEqual, StateFailed)
				So(emptyDir(job.WorkDir), ShouldBeTrue)
			})
		})
	})
}

func TestLifecycle(t *testing.T) {
	Convey("Given a fresh lifecycle", t, func() {
		l := NewLifecycle(zap.NewNop().Sugar())

		Convey("Skipping a state is rejected", func() {
			So(l.Advance(StateUploading), ShouldNotBeNil)
			So(l.State(), ShouldEqual, StateInit)
		})

		Convey("Fail is terminal and idempotent", func() {
			So(l.Advance(StateValidating), ShouldBeNil)
			l.Fail(errors.New("boom"))
			l.Fail(errors.New("again"))
			So(l.Terminal(), ShouldBeTrue)
			So(l.History(), ShouldResemble, []State{StateInit, StateValidating, StateFailed})
			So(l.Advance(StateRunning), ShouldNotBeNil)
		})
	})
}
