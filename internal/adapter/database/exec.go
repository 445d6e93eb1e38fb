package database

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/semmidev/phylax-runner/internal/domain"
)

// waitDelay bounds how long a terminated tool may keep its pipes open.
var waitDelay = 10 * time.Second

const maxToolOutput = 64 << 10

type command struct {
	engine domain.Engine
	tool   string
	args   []string
	env    []string
	stdin  io.Reader
}

// run executes the tool and returns a populated ToolFailure when it could not
// be started or exited unsuccessfully.
func run(ctx context.Context, c command) *domain.ToolFailure {
	failure := &domain.ToolFailure{Engine: c.engine, Tool: c.tool}

	path, err := exec.LookPath(c.tool)
	if err != nil {
		failure.Err = fmt.Errorf("%w: %s", domain.ErrToolNotFound, c.tool)
		return failure
	}

	cmd := exec.CommandContext(ctx, path, c.args...)
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Stdin = c.stdin
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = waitDelay

	out := &tailBuffer{limit: maxToolOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	err = cmd.Run()
	if err == nil {
		return nil
	}

	failure.Output = out.String()
	if ctxErr := ctx.Err(); ctxErr != nil {
		failure.Err = fmt.Errorf("%w: %v", ctxErr, err)
		return failure
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		failure.ExitCode = exitErr.ExitCode()
	}
	failure.Err = err
	return failure
}

func dumpFailure(f *domain.ToolFailure) error {
	if f == nil {
		return nil
	}
	return &domain.DumpFailure{ToolFailure: *f}
}

func restoreFailure(f *domain.ToolFailure) error {
	if f == nil {
		return nil
	}
	return &domain.RestoreFailure{ToolFailure: *f}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }

// newArtifact checks the dump output and records its size and digest.
func newArtifact(engine domain.Engine, tool, path string, format domain.Format) (*domain.Artifact, error) {
	sum, size, err := sha256File(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && size == 0) {
		return nil, &domain.DumpFailure{ToolFailure: domain.ToolFailure{
			Engine: engine,
			Tool:   tool,
			Err:    domain.ErrEmptyOutput,
		}}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to checksum dump: %w", err)
	}

	return &domain.Artifact{
		Path:     path,
		Size:     size,
		Checksum: sum,
		Engine:   engine,
		Format:   format,
	}, nil
}

func sha256File(path string) (sum string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// writeSecretFile stores credentials for tools that read them from disk.
func writeSecretFile(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return nil
}
