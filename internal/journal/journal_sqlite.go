package journal

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/rcsync/internal/utils"
)

const memoryPath = ":memory:"

const defaultPragma = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA synchronous=NORMAL;
PRAGMA temp_store=MEMORY;
`

type sqliteConfig struct {
	path    string
	pragmas string
}

// Option configures how the journal database is opened
type Option func(*sqliteConfig)

// WithPath sets the database file. Use ":memory:" for an in-memory journal.
func WithPath(path string) Option {
	return func(c *sqliteConfig) {
		c.path = path
	}
}

// WithPragmas replaces the default pragmas
func WithPragmas(pragmas string) Option {
	return func(c *sqliteConfig) {
		c.pragmas = pragmas
	}
}

func openSqlite(opts ...Option) (*sqlx.DB, string, error) {
	cfg := &sqliteConfig{
		path:    memoryPath,
		pragmas: defaultPragma,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	dsn := memoryPath
	if cfg.path != memoryPath {
		if err := utils.EnsureParent(cfg.path); err != nil {
			return nil, "", fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", cfg.path)
	}

	slog.Debug("journal db", "driver", driverID, "path", cfg.path)
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("connect to database: %w", err)
	}

	// an in-memory database lives on one connection only
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(cfg.pragmas); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("set pragmas: %w", err)
	}

	return db, cfg.path, nil
}
