package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/semmidev/phylax-runner/internal/adapter/callback"
	"github.com/semmidev/phylax-runner/internal/adapter/compressor"
	"github.com/semmidev/phylax-runner/internal/adapter/database"
	"github.com/semmidev/phylax-runner/internal/adapter/storage"
	"github.com/semmidev/phylax-runner/internal/config"
	"github.com/semmidev/phylax-runner/internal/domain"
	"github.com/semmidev/phylax-runner/internal/infrastructure/logger"
	"github.com/semmidev/phylax-runner/internal/usecase"
)

// Process exit codes.
const (
	ExitSuccess = 0
	ExitFailed  = 1
	ExitConfig  = 2
)

type App struct {
	viper  *viper.Viper
	config config.AppConfig
	logger *logger.Logger

	storageOpts  []storage.Option
	callbackOpts []callback.Option
}

type Option func(*App)

// WithViper resolves the job from v instead of the process environment.
func WithViper(v *viper.Viper) Option {
	return func(a *App) { a.viper = v }
}

func WithLogger(l *logger.Logger) Option {
	return func(a *App) { a.logger = l }
}

func WithStorageOptions(opts ...storage.Option) Option {
	return func(a *App) { a.storageOpts = append(a.storageOpts, opts...) }
}

func WithCallbackOptions(opts ...callback.Option) Option {
	return func(a *App) { a.callbackOpts = append(a.callbackOpts, opts...) }
}

func New(opts ...Option) (*App, error) {
	a := &App{}
	for _, opt := range opts {
		opt(a)
	}
	if a.viper == nil {
		a.viper = config.NewViper()
	}
	a.config = config.LoadApp(a.viper)

	if a.logger == nil {
		log, err := logger.New(logger.Options{
			Level:  a.config.LogLevel,
			File:   a.config.LogFile,
			Format: a.config.LogFormat,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		a.logger = log
	}
	return a, nil
}

// Run executes one job and returns the process exit code. A non-empty op
// overrides OPERATION_TYPE.
func (a *App) Run(ctx context.Context, op config.Operation) int {
	if op != "" {
		a.viper.Set(config.KeyOperation, string(op))
	}

	log := a.logger.ForJob(a.viper.GetString(config.KeyJobID))
	defer func() { _ = log.Sync() }()
	log.Infow("starting", "app", a.config.Name)

	lifecycle := usecase.NewLifecycle(log)
	if err := lifecycle.Advance(usecase.StateValidating); err != nil {
		log.Errorw("unexpected state", "error", err)
		return ExitFailed
	}

	job, err := config.FromViper(a.viper)
	if err != nil {
		lifecycle.Fail(err)
		a.reportInvalid(ctx, log, err)
		return ExitConfig
	}
	log.Infow("job resolved", job.LogFields()...)

	reporter := callback.New(job.Callback, log, a.callbackOpts...)

	runner, err := a.wire(ctx, job, reporter, log, lifecycle)
	if err != nil {
		lifecycle.Fail(err)
		a.reportSetup(ctx, log, reporter, job, err)
		return ExitFailed
	}

	if err := runner.Run(ctx); err != nil {
		return ExitFailed
	}
	return ExitSuccess
}

func (a *App) wire(
	ctx context.Context,
	job *config.Job,
	reporter domain.Reporter,
	log *zap.SugaredLogger,
	lifecycle *usecase.Lifecycle,
) (*usecase.Runner, error) {
	comp, err := compressor.ForFormat(job.Compression)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize compressor: %w", err)
	}

	db, err := database.New(&job.Database, comp)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database adapter: %w", err)
	}

	opts := append([]storage.Option{storage.WithRetentionDays(job.RetentionDays)}, a.storageOpts...)
	store, err := storage.New(ctx, &job.Storage, log, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage client: %w", err)
	}

	return usecase.NewRunner(job, db, store, reporter, log, usecase.WithLifecycle(lifecycle)), nil
}

// reportInvalid sends a failed callback for an unusable descriptor when the
// callback target itself could be resolved; otherwise the failure is only
// logged.
func (a *App) reportInvalid(ctx context.Context, log usecase.Logger, cause error) {
	jobID, target, ok := config.CallbackFromEnv(a.viper)
	if !ok {
		log.Errorw("configuration invalid, no usable callback target", "error", cause)
		return
	}
	reporter := callback.New(target, a.logger.ForJob(jobID), a.callbackOpts...)
	a.sendTerminal(ctx, log, reporter, jobID, cause.Error())
}

func (a *App) reportSetup(ctx context.Context, log usecase.Logger, reporter domain.Reporter, job *config.Job, cause error) {
	a.sendTerminal(ctx, log, reporter, job.JobID, fmt.Sprintf("%s failed: %v", job.Operation, cause))
}

func (a *App) sendTerminal(ctx context.Context, log usecase.Logger, reporter domain.Reporter, jobID, message string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()
	if err := reporter.Report(ctx, jobID, domain.StatusFailed, message); err != nil {
		log.Warnw("callback not delivered", "status", domain.StatusFailed, "error", err)
	}
}

func (a *App) Shutdown() {
	a.logger.Close()
}
