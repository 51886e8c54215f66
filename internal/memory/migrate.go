package memory

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the version RunMigrations brings a database up to.
const schemaVersion = 3

type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{1, "turns and chat_logs", []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			conv_key   TEXT NOT NULL,
			question   TEXT NOT NULL,
			answer     TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_key ON turns(conv_key, id)`,
		`CREATE TABLE IF NOT EXISTS chat_logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			question   TEXT NOT NULL,
			answer     TEXT NOT NULL,
			channel    TEXT NOT NULL,
			user_id    TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_logs_time ON chat_logs(created_at)`,
	}},
	{2, "chat log failure columns", []string{
		`ALTER TABLE chat_logs ADD COLUMN conv_key TEXT DEFAULT ''`,
		`ALTER TABLE chat_logs ADD COLUMN failed INTEGER DEFAULT 0`,
		`ALTER TABLE chat_logs ADD COLUMN failure_kind TEXT DEFAULT ''`,
	}},
	{3, "shared_conversations", []string{
		`CREATE TABLE IF NOT EXISTS shared_conversations (
			token      TEXT PRIMARY KEY,
			turns      TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}},
}

// RunMigrations brings db up to schemaVersion. Each step runs in its own
// transaction and is recorded in schema_version. Statements that fail only
// because their column or table already exists are skipped.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	const versionTable = `CREATE TABLE IF NOT EXISTS schema_version (
		version     INTEGER PRIMARY KEY,
		description TEXT,
		applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.Exec(versionTable); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	current, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
		logger.Info("schema migrated", "version", m.version, "step", m.name)
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: %w", m.version, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil && !alreadyApplied(err) {
			return fmt.Errorf("migration %d (%s): %w", m.version, firstLine(stmt), err)
		}
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)`,
		m.version, m.name); err != nil {
		return fmt.Errorf("migration %d: record version: %w", m.version, err)
	}
	return tx.Commit()
}

func alreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

func firstLine(stmt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(stmt), "\n")
	return line
}

// GetSchemaVersion reports the highest applied migration, or 0 for a
// database that has never been migrated.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`).Scan(&n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	var version int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
