package journal

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations run once each, in order, tracked in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "deliveries table",
		SQL: `
		CREATE TABLE IF NOT EXISTS deliveries (
			id               TEXT PRIMARY KEY,
			type             TEXT NOT NULL,
			channel          TEXT DEFAULT '',
			text_len         INTEGER DEFAULT 0,
			auto_send        INTEGER DEFAULT 0,
			paste_image      INTEGER DEFAULT 0,
			image_url        TEXT DEFAULT '',
			ok               INTEGER NOT NULL,
			error            TEXT DEFAULT '',
			composer         TEXT DEFAULT '',
			attach_source    TEXT DEFAULT '',
			attach_indicated INTEGER DEFAULT 0,
			sent             INTEGER DEFAULT 0,
			duration_ms      INTEGER DEFAULT 0,
			created_at       DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_deliveries_time ON deliveries(created_at);
		`,
	},
	{
		Version:     2,
		Description: "v2: entry point, tab and send warning",
		SQL: `
		ALTER TABLE deliveries ADD COLUMN source TEXT DEFAULT '';
		ALTER TABLE deliveries ADD COLUMN tab_id TEXT DEFAULT '';
		ALTER TABLE deliveries ADD COLUMN send_warning TEXT DEFAULT '';
		`,
	},
}

// RunMigrations applies the pending migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range statements(m.SQL) {
			if _, err := tx.Exec(stmt); err != nil {
				if isDuplicateColumn(err) {
					logger.Debug("column already present", "version", m.Version)
					continue
				}
				tx.Rollback()
				return fmt.Errorf("migration v%d: %w", m.Version, err)
			}
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

// GetSchemaVersion returns the highest applied version, 0 for a fresh db.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}

func statements(sqlText string) []string {
	var out []string
	for _, s := range strings.Split(sqlText, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isDuplicateColumn(err error) bool {
	return strings.Contains(err.Error(), "duplicate column name")
}
