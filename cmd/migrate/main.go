// Applies the SQL files under migrations/ in name order, each inside its own
// transaction. Applied files are recorded in schema_migrations so reruns only
// pick up new ones.
package main

import (
	"database/sql"
	"flag"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"

	"github.com/beaconmail/beacon/internal/config"
	"github.com/beaconmail/beacon/internal/pkg/logger"
)

func main() {
	var (
		dir    = flag.String("dir", "migrations", "directory holding .sql migration files")
		status = flag.Bool("status", false, "show applied and pending migrations, change nothing")
	)
	flag.Parse()

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Error("ping database", "error", err)
		os.Exit(1)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		logger.Error("create migration ledger", "error", err)
		os.Exit(1)
	}

	applied, err := appliedMigrations(db)
	if err != nil {
		logger.Error("read migration ledger", "error", err)
		os.Exit(1)
	}
	files, err := migrationFiles(*dir)
	if err != nil {
		logger.Error("read migrations dir", "dir", *dir, "error", err)
		os.Exit(1)
	}
	pending := pendingMigrations(files, applied)

	if *status {
		for _, f := range files {
			state := "pending"
			if applied[f] {
				state = "applied"
			}
			logger.Info("migration", "file", f, "state", state)
		}
		logger.Info("migration status", "applied", len(files)-len(pending), "pending", len(pending))
		return
	}

	for _, f := range pending {
		data, err := os.ReadFile(filepath.Join(*dir, f))
		if err != nil {
			logger.Error("read migration", "file", f, "error", err)
			os.Exit(1)
		}

		tx, err := db.Begin()
		if err != nil {
			logger.Error("begin migration", "file", f, "error", err)
			os.Exit(1)
		}
		if _, err := tx.Exec(string(data)); err != nil {
			tx.Rollback()
			logger.Error("apply migration", "file", f, "error", err)
			os.Exit(1)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (name) VALUES ($1)`, f); err != nil {
			tx.Rollback()
			logger.Error("record migration", "file", f, "error", err)
			os.Exit(1)
		}
		if err := tx.Commit(); err != nil {
			logger.Error("commit migration", "file", f, "error", err)
			os.Exit(1)
		}
		logger.Info("applied migration", "file", f)
	}
	logger.Info("migrations complete", "applied", len(pending), "skipped", len(files)-len(pending))
}

func appliedMigrations(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query(`SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// pendingMigrations keeps the name-ordered files not yet in the ledger.
func pendingMigrations(files []string, applied map[string]bool) []string {
	var pending []string
	for _, f := range files {
		if !applied[f] {
			pending = append(pending, f)
		}
	}
	return pending
}
