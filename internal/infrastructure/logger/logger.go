package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Logger struct {
	*zap.SugaredLogger
}

type Options struct {
	Level  string
	File   string
	Format string

	// Output receives the primary stream. Defaults to stdout.
	Output io.Writer
}

func New(opts Options) (*Logger, error) {
	if opts.File != "" {
		logDir := filepath.Dir(opts.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	var streamEncoder zapcore.Encoder
	switch opts.Format {
	case FormatJSON:
		streamEncoder = zapcore.NewJSONEncoder(encoderConfig)
	case "", FormatConsole:
		streamEncoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	var out io.Writer = os.Stdout
	if opts.Output != nil {
		out = opts.Output
	}
	cores := []zapcore.Core{zapcore.NewCore(streamEncoder, zapcore.AddSync(out), level)}

	if opts.File != "" {
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), fileWriter, level))
	}

	zapLogger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return &Logger{zapLogger.Sugar()}, nil
}

// ForJob scopes every line to a job.
func (l *Logger) ForJob(jobID string) *zap.SugaredLogger {
	return l.With("job_id", jobID)
}

func (l *Logger) Close() {
	_ = l.Sync()
}
