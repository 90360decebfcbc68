package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/config"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/escalation"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/store"
)

// openDatabase connects to Postgres when DATABASE_URL is set and otherwise
// falls back to a local SQLite file.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if !cfg.LiteMode() {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		return db, nil
	}

	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	slog.Default().Info("lite mode: using sqlite", "path", cfg.SQLitePath)

	db, err := sql.Open("sqlite", cfg.SQLitePath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer at a time; the serve process and CLI commands share the file.
	db.SetMaxOpenConns(1)
	return db, nil
}

// openStores creates the schema if needed and returns the repository and
// escalation store backed by db.
func openStores(ctx context.Context, db *sql.DB) (store.Repository, escalation.Store, error) {
	repo := store.NewSQLRepository(db)
	if err := repo.Init(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to init repository: %w", err)
	}
	escStore := escalation.NewSQLStore(db)
	if err := escStore.Init(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to init escalation store: %w", err)
	}
	return repo, escStore, nil
}
