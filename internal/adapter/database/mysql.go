package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/semmidev/phylax-runner/internal/adapter/compressor"
	"github.com/semmidev/phylax-runner/internal/config"
	"github.com/semmidev/phylax-runner/internal/domain"
)

// MySQLDatabase drives mysqldump/mysql, or the MariaDB builds of the same
// tools. The SQL output is compressed by the configured compressor.
type MySQLDatabase struct {
	config     *config.DatabaseConfig
	compressor domain.Compressor

	engine     domain.Engine
	dumpTool   string
	clientTool string
	gtidFlag   bool
}

func NewMySQL(cfg *config.DatabaseConfig, c domain.Compressor) *MySQLDatabase {
	return &MySQLDatabase{
		config:     cfg,
		compressor: c,
		engine:     domain.EngineMySQL,
		dumpTool:   "mysqldump",
		clientTool: "mysql",
		gtidFlag:   true,
	}
}

func NewMariaDB(cfg *config.DatabaseConfig, c domain.Compressor) *MySQLDatabase {
	return &MySQLDatabase{
		config:     cfg,
		compressor: c,
		engine:     domain.EngineMariaDB,
		dumpTool:   "mariadb-dump",
		clientTool: "mariadb",
	}
}

func (m *MySQLDatabase) Engine() domain.Engine { return m.engine }

// defaultsFile keeps the password off the command line.
func (m *MySQLDatabase) defaultsFile(dir string) (string, error) {
	path := filepath.Join(dir, ".my.cnf")
	content := fmt.Sprintf("[client]\nuser=%s\npassword=%s\n",
		optionValue(m.config.Username), optionValue(m.config.Password))
	if err := writeSecretFile(path, content); err != nil {
		return "", err
	}
	return path, nil
}

func optionValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func (m *MySQLDatabase) connArgs(defaults string) []string {
	// --defaults-extra-file must come first
	return []string{
		fmt.Sprintf("--defaults-extra-file=%s", defaults),
		fmt.Sprintf("--host=%s", m.config.Host),
		fmt.Sprintf("--port=%d", m.config.Port),
	}
}

func (m *MySQLDatabase) Backup(ctx context.Context, workDir string) (*domain.Artifact, error) {
	defaults, err := m.defaultsFile(workDir)
	if err != nil {
		return nil, err
	}
	defer os.Remove(defaults)

	rawPath := filepath.Join(workDir, m.config.Name+".sql")

	args := append(m.connArgs(defaults),
		"--single-transaction",
		"--quick",
		"--routines",
		"--triggers",
		"--events",
		"--default-character-set=utf8mb4",
	)
	if m.gtidFlag {
		args = append(args, "--set-gtid-purged=OFF")
	}
	args = append(args, fmt.Sprintf("--result-file=%s", rawPath), m.config.Name)

	if f := run(ctx, command{engine: m.engine, tool: m.dumpTool, args: args}); f != nil {
		return nil, dumpFailure(f)
	}

	if _, err := newArtifact(m.engine, m.dumpTool, rawPath, domain.FormatNone); err != nil {
		return nil, err
	}

	outputPath := rawPath + m.compressor.Extension()
	if err := m.compressor.Compress(rawPath, outputPath); err != nil {
		return nil, fmt.Errorf("failed to compress %s output: %w", m.dumpTool, err)
	}
	if err := os.Remove(rawPath); err != nil {
		return nil, fmt.Errorf("failed to remove uncompressed dump: %w", err)
	}

	return newArtifact(m.engine, m.dumpTool, outputPath, m.compressor.Format())
}

func (m *MySQLDatabase) Restore(ctx context.Context, artifact *domain.Artifact) error {
	workDir := filepath.Dir(artifact.Path)

	sqlPath, err := m.plainSQL(artifact, workDir)
	if err != nil {
		return err
	}

	defaults, err := m.defaultsFile(workDir)
	if err != nil {
		return err
	}
	defer os.Remove(defaults)

	create := append(m.connArgs(defaults),
		"-e", fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", strings.ReplaceAll(m.config.Name, "`", "``")),
	)
	if f := run(ctx, command{engine: m.engine, tool: m.clientTool, args: create}); f != nil {
		return restoreFailure(f)
	}

	in, err := os.Open(sqlPath)
	if err != nil {
		return fmt.Errorf("failed to open dump: %w", err)
	}
	defer in.Close()

	args := append(m.connArgs(defaults), "--default-character-set=utf8mb4", m.config.Name)
	return restoreFailure(run(ctx, command{engine: m.engine, tool: m.clientTool, args: args, stdin: in}))
}

// plainSQL decompresses the artifact next to itself when it carries a
// known codec; plain files are used as is.
func (m *MySQLDatabase) plainSQL(artifact *domain.Artifact, workDir string) (string, error) {
	c, err := compressor.ForFile(artifact.Path)
	if err != nil {
		return "", fmt.Errorf("failed to detect dump format: %w", err)
	}
	if c == nil {
		return artifact.Path, nil
	}

	out := filepath.Join(workDir, m.config.Name+".restore.sql")
	if err := c.Decompress(artifact.Path, out); err != nil {
		return "", fmt.Errorf("failed to decompress dump: %w", err)
	}
	return out, nil
}
