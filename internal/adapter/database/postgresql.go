package database

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/semmidev/phylax-runner/internal/config"
	"github.com/semmidev/phylax-runner/internal/domain"
)

// PostgreSQLDatabase dumps with pg_dump's custom format, which is already
// compressed, and restores with pg_restore.
type PostgreSQLDatabase struct {
	config *config.DatabaseConfig
}

func NewPostgreSQL(cfg *config.DatabaseConfig) *PostgreSQLDatabase {
	return &PostgreSQLDatabase{config: cfg}
}

func (p *PostgreSQLDatabase) Engine() domain.Engine { return domain.EnginePostgreSQL }

func (p *PostgreSQLDatabase) connArgs() []string {
	return []string{
		fmt.Sprintf("--host=%s", p.config.Host),
		fmt.Sprintf("--port=%d", p.config.Port),
		fmt.Sprintf("--username=%s", p.config.Username),
		"--no-password",
	}
}

func (p *PostgreSQLDatabase) env() []string {
	return []string{"PGPASSWORD=" + p.config.Password}
}

func (p *PostgreSQLDatabase) Backup(ctx context.Context, workDir string) (*domain.Artifact, error) {
	outputPath := filepath.Join(workDir, p.config.Name+".dump")

	args := append(p.connArgs(),
		"--format=custom",
		"--compress=9",
		"--verbose",
		fmt.Sprintf("--file=%s", outputPath),
		p.config.Name,
	)

	if f := run(ctx, command{engine: p.Engine(), tool: "pg_dump", args: args, env: p.env()}); f != nil {
		return nil, dumpFailure(f)
	}

	return newArtifact(p.Engine(), "pg_dump", outputPath, domain.FormatNative)
}

func (p *PostgreSQLDatabase) Restore(ctx context.Context, artifact *domain.Artifact) error {
	create := append(p.connArgs(), p.config.Name)
	if f := run(ctx, command{engine: p.Engine(), tool: "createdb", args: create, env: p.env()}); f != nil {
		if !strings.Contains(f.Output, "already exists") {
			return restoreFailure(f)
		}
	}

	args := append(p.connArgs(),
		fmt.Sprintf("--dbname=%s", p.config.Name),
		"--clean",
		"--if-exists",
		"--no-owner",
		"--no-privileges",
		"--exit-on-error",
		artifact.Path,
	)

	return restoreFailure(run(ctx, command{engine: p.Engine(), tool: "pg_restore", args: args, env: p.env()}))
}
