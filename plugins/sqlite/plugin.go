package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/BDNK1/chatflow/plugins/sqlstore"
	"github.com/BDNK1/chatflow/runtime"
	_ "modernc.org/sqlite"
)

// Config holds the SQLite store configuration.
type Config struct {
	Path          string `yaml:"path" json:"path" default:"chatflow.db" validate:"required"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms" json:"busy_timeout_ms" default:"5000" validate:"gte=0"`
}

// SQLitePlugin opens a SQLite database and serves it as a runtime.Store
// once initialized.
type SQLitePlugin struct {
	Config Config
	*sqlstore.Store
	db *sql.DB
}

var (
	_ runtime.Initializer = (*SQLitePlugin)(nil)
	_ runtime.Shutdowner  = (*SQLitePlugin)(nil)
)

// Initialize opens the database and migrates the schema. A single
// connection is used so writers serialize and ":memory:" databases are shared.
func (p *SQLitePlugin) Initialize(ctx context.Context) error {
	db, err := sql.Open("sqlite", p.Config.Path)
	if err != nil {
		return fmt.Errorf("sqlite: failed to open %s: %w", p.Config.Path, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", p.Config.BusyTimeoutMS),
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	store := sqlstore.New(db, sqlstore.SQLite)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return fmt.Errorf("sqlite: %w", err)
	}

	p.db = db
	p.Store = store
	return nil
}

// Shutdown closes the database.
func (p *SQLitePlugin) Shutdown(context.Context) error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
