package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/semmidev/phylax-runner/internal/config"
	"github.com/semmidev/phylax-runner/internal/domain"
)

// MongoDBDatabase writes a gzipped mongodump archive. Authentication is
// optional.
type MongoDBDatabase struct {
	config *config.DatabaseConfig
}

func NewMongoDB(cfg *config.DatabaseConfig) *MongoDBDatabase {
	return &MongoDBDatabase{config: cfg}
}

func (m *MongoDBDatabase) Engine() domain.Engine { return domain.EngineMongoDB }

// connArgs returns the connection flags and, when a password is set, the
// path of a config file holding it. The caller removes the file.
func (m *MongoDBDatabase) connArgs(dir string) ([]string, string, error) {
	args := []string{
		fmt.Sprintf("--host=%s", m.config.Host),
		fmt.Sprintf("--port=%d", m.config.Port),
	}
	if m.config.Username != "" {
		args = append(args, fmt.Sprintf("--username=%s", m.config.Username))
	}
	if m.config.AuthDatabase != "" {
		args = append(args, fmt.Sprintf("--authenticationDatabase=%s", m.config.AuthDatabase))
	}
	if m.config.Password == "" {
		return args, "", nil
	}

	path := filepath.Join(dir, ".mongo-tools.yaml")
	content := fmt.Sprintf("password: '%s'\n", strings.ReplaceAll(m.config.Password, "'", "''"))
	if err := writeSecretFile(path, content); err != nil {
		return nil, "", err
	}
	return append(args, fmt.Sprintf("--config=%s", path)), path, nil
}

func (m *MongoDBDatabase) Backup(ctx context.Context, workDir string) (*domain.Artifact, error) {
	args, secret, err := m.connArgs(workDir)
	if err != nil {
		return nil, err
	}
	if secret != "" {
		defer os.Remove(secret)
	}

	outputPath := filepath.Join(workDir, m.config.Name+".archive.gz")
	args = append(args,
		fmt.Sprintf("--db=%s", m.config.Name),
		fmt.Sprintf("--archive=%s", outputPath),
		"--gzip",
	)

	if f := run(ctx, command{engine: m.Engine(), tool: "mongodump", args: args}); f != nil {
		return nil, dumpFailure(f)
	}

	return newArtifact(m.Engine(), "mongodump", outputPath, domain.FormatNative)
}

func (m *MongoDBDatabase) Restore(ctx context.Context, artifact *domain.Artifact) error {
	args, secret, err := m.connArgs(filepath.Dir(artifact.Path))
	if err != nil {
		return err
	}
	if secret != "" {
		defer os.Remove(secret)
	}

	args = append(args,
		fmt.Sprintf("--archive=%s", artifact.Path),
		"--gzip",
		"--drop",
		fmt.Sprintf("--nsInclude=%s.*", m.config.Name),
	)

	return restoreFailure(run(ctx, command{engine: m.Engine(), tool: "mongorestore", args: args}))
}
