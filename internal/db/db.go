package db

import (
	"fmt"
	"log/slog"

	"github.com/caltaylor/dirwatch/internal/utils"
	"github.com/jmoiron/sqlx"
)

const MemoryPath = ":memory:"

// applied on every fresh handle. synchronous=FULL so a committed tx survives power loss in WAL mode.
const defaultPragmas = `
PRAGMA journal_mode=WAL;
PRAGMA synchronous=FULL;
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;
PRAGMA temp_store=MEMORY;
`

const maxIdleConns = 2

type config struct {
	path         string
	maxOpenConns int
}

// Option configures NewSqliteDB
type Option func(*config)

// WithPath sets the database file. Use MemoryPath for an in-memory database.
func WithPath(path string) Option {
	return func(c *config) {
		c.path = path
	}
}

// WithMaxOpenConns caps open connections. In-memory databases need 1 so every caller sees the same data.
func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// NewSqliteDB opens a sqlite database with the driver selected by build tags
func NewSqliteDB(opts ...Option) (*sqlx.DB, error) {
	cfg := &config{path: MemoryPath}
	for _, opt := range opts {
		opt(cfg)
	}

	dsn := MemoryPath
	if cfg.path != MemoryPath {
		if err := utils.EnsureParent(cfg.path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", cfg.path)
	}

	slog.Debug("db open", "driver", driverID, "path", cfg.path)
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.maxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.maxOpenConns)
	}
	db.SetMaxIdleConns(maxIdleConns)

	if _, err := db.Exec(defaultPragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	return db, nil
}
