package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/BDNK1/chatflow/plugins/sqlstore"
	"github.com/BDNK1/chatflow/runtime"
	_ "github.com/lib/pq"
)

// Config holds the Postgres store configuration
type Config struct {
	ConnectionString  string `yaml:"connection_string" json:"connection_string" validate:"omitempty,dsn"`
	MaxOpenConns      int    `yaml:"max_open_conns" json:"max_open_conns" default:"10" validate:"gte=1,lte=100"`
	MaxIdleConns      int    `yaml:"max_idle_conns" json:"max_idle_conns" default:"5" validate:"gte=0,lte=50"`
	ConnMaxLifetimeMs int    `yaml:"conn_max_lifetime_ms" json:"conn_max_lifetime_ms" default:"300000" validate:"gte=0"` // 5 min default
}

// PostgresPlugin opens a PostgreSQL pool and serves it as a runtime.Store
// once initialized.
type PostgresPlugin struct {
	Config Config
	*sqlstore.Store
	l  *slog.Logger
	db *sql.DB
}

var (
	_ runtime.Initializer = (*PostgresPlugin)(nil)
	_ runtime.Shutdowner  = (*PostgresPlugin)(nil)
)

func New(l *slog.Logger, cfg Config) *PostgresPlugin {
	return &PostgresPlugin{Config: cfg, l: l}
}

// Initialize opens the database connection pool and migrates the schema
func (p *PostgresPlugin) Initialize(ctx context.Context) error {
	if p.l == nil {
		p.l = slog.Default()
	}
	if p.Config.ConnectionString == "" {
		return errors.New("postgres: connection_string is required")
	}
	p.l.InfoContext(ctx, "Connecting to postgres",
		"connection", maskConnectionString(p.Config.ConnectionString),
		"max_open_conns", p.Config.MaxOpenConns,
		"max_idle_conns", p.Config.MaxIdleConns)

	db, err := sql.Open("postgres", p.Config.ConnectionString)
	if err != nil {
		return fmt.Errorf("postgres: failed to open connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(p.Config.MaxOpenConns)
	db.SetMaxIdleConns(p.Config.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(p.Config.ConnMaxLifetimeMs) * time.Millisecond)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("postgres: failed to ping database: %w", err)
	}

	store := sqlstore.New(db, sqlstore.Postgres)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return fmt.Errorf("postgres: %w", err)
	}

	p.db = db
	p.Store = store
	return nil
}

// Shutdown closes the database connection pool
func (p *PostgresPlugin) Shutdown(context.Context) error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// maskConnectionString hides the password of a URL-style connection string.
func maskConnectionString(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil || u.User == nil {
		return connStr
	}
	if _, ok := u.User.Password(); !ok {
		return connStr
	}
	u.User = url.UserPassword(u.User.Username(), "***")
	return u.String()
}
