// Package sqlite persists navigation sessions and their tracks in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/yegors/safewalk/pkg/logger"

	_ "modernc.org/sqlite"
)

// Open opens the database at path and checks the connection. SQLite allows a
// single writer, so the pool is limited to one connection; this also keeps
// ":memory:" databases alive for the life of the pool.
func Open(ctx context.Context, path string, log *logger.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pragmas := []string{
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	}
	if path != ":memory:" {
		pragmas = append(pragmas, `PRAGMA journal_mode = WAL`)
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	log.Info("Opened database", logger.String("path", path))
	return db, nil
}
