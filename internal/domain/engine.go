package domain

import "strings"

type Engine string

const (
	EnginePostgreSQL Engine = "postgresql"
	EngineMySQL      Engine = "mysql"
	EngineMariaDB    Engine = "mariadb"
	EngineMongoDB    Engine = "mongodb"
)

var engineAliases = map[string]Engine{
	"postgresql": EnginePostgreSQL,
	"postgres":   EnginePostgreSQL,
	"mysql":      EngineMySQL,
	"mariadb":    EngineMariaDB,
	"mongodb":    EngineMongoDB,
	"mongo":      EngineMongoDB,
}

// ParseEngine resolves a DB_ENGINE tag, accepting the short aliases.
func ParseEngine(tag string) (Engine, bool) {
	e, ok := engineAliases[strings.ToLower(strings.TrimSpace(tag))]
	return e, ok
}

// AuthOptional reports whether the engine accepts connections without a password.
func (e Engine) AuthOptional() bool {
	return e == EngineMongoDB
}

func (e Engine) DefaultPort() int {
	switch e {
	case EnginePostgreSQL:
		return 5432
	case EngineMySQL, EngineMariaDB:
		return 3306
	case EngineMongoDB:
		return 27017
	}
	return 0
}

func (e Engine) String() string {
	return string(e)
}
