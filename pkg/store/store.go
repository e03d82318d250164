package store

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Stores bundles every record-store interface the bridge depends on.
type Stores struct {
	Nodes       NodeStore
	Channels    ChannelStore
	Messages    MessageStore
	Telemetry   TelemetryStore
	Traceroutes TracerouteStore
	Neighbors   NeighborStore
	Settings    SettingStore

	db *sqlx.DB
}

// Open opens (or creates) the sqlite database at path, applies pending
// migrations and returns the store bundle. Use ":memory:" for tests.
func Open(path string) (*Stores, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite does not support concurrent writers on one handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Stores{
		Nodes:       NewNodeStore(db),
		Channels:    NewChannelStore(db),
		Messages:    NewMessageStore(db),
		Telemetry:   NewTelemetryStore(db),
		Traceroutes: NewTracerouteStore(db),
		Neighbors:   NewNeighborStore(db),
		Settings:    NewSettingStore(db),
		db:          db,
	}, nil
}

func runMigrations(db *sqlx.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Stores) Close() error {
	return s.db.Close()
}
