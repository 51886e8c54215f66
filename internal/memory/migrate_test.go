package memory

import (
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunMigrations_FreshAndRepeated(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 2; i++ {
		if err := RunMigrations(db, testLogger()); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}
	if v, err := GetSchemaVersion(db); err != nil || v != schemaVersion {
		t.Fatalf("version = %d, %v; want %d", v, err, schemaVersion)
	}

	for _, table := range []string{"turns", "chat_logs", "shared_conversations"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestRunMigrations_ToleratesExistingColumn(t *testing.T) {
	db := openTestDB(t)

	all := migrations
	migrations = all[:1]
	err := RunMigrations(db, testLogger())
	migrations = all
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`ALTER TABLE chat_logs ADD COLUMN failed INTEGER DEFAULT 0`); err != nil {
		t.Fatal(err)
	}

	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("upgrade over a hand-added column: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO chat_logs (question, answer, channel, conv_key, failed, failure_kind)
		VALUES ('q', 'a', 'web', 'web', 1, 'unknown')`); err != nil {
		t.Fatalf("v2 columns missing: %v", err)
	}
}

func TestGetSchemaVersion_Unmigrated(t *testing.T) {
	if v, err := GetSchemaVersion(openTestDB(t)); err != nil || v != 0 {
		t.Fatalf("got %d, %v; want 0", v, err)
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("\n\tCREATE TABLE x (\n id INT\n)"); got != "CREATE TABLE x (" {
		t.Fatalf("firstLine = %q", got)
	}
}
