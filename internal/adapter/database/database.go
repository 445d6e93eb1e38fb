package database

import (
	"fmt"

	"github.com/semmidev/phylax-runner/internal/config"
	"github.com/semmidev/phylax-runner/internal/domain"
)

// New selects the adapter for the configured engine. The compressor is used
// only by engines whose tools emit uncompressed output.
func New(cfg *config.DatabaseConfig, c domain.Compressor) (domain.Database, error) {
	switch cfg.Engine {
	case domain.EnginePostgreSQL:
		return NewPostgreSQL(cfg), nil
	case domain.EngineMySQL:
		return NewMySQL(cfg, c), nil
	case domain.EngineMariaDB:
		return NewMariaDB(cfg, c), nil
	case domain.EngineMongoDB:
		return NewMongoDB(cfg), nil
	}
	return nil, fmt.Errorf("unsupported database engine: %s", cfg.Engine)
}
