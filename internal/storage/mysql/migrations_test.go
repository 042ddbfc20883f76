package mysql

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/go-sql-driver/mysql"

	"ARS-Engine/internal/storage/sqltest"
)

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

func withMigrations(t *testing.T, files fstest.MapFS) {
	t.Helper()
	prev := embeddedMigrations
	embeddedMigrations = files
	t.Cleanup(func() { embeddedMigrations = prev })
}

func TestMigrateAppliesPendingVersionsInOrder(t *testing.T) {
	withMigrations(t, fstest.MapFS{
		"0002_index.sql":  {Data: []byte("CREATE INDEX idx_a ON t (a);")},
		"0001_create.sql": {Data: []byte("CREATE TABLE t (a INT);\nCREATE TABLE u (b INT);")},
		"README.md":       {Data: []byte("ignored")},
	})

	db, drv := sqltest.Open(t,
		sqltest.Exec(createMigrationsTable, sqltest.Result{}),
		sqltest.Query(`SELECT version FROM schema_migrations`, sqltest.Rows{Columns: []string{"version"}}),
		sqltest.Begin(),
		sqltest.Exec("CREATE TABLE t (a INT)", sqltest.Result{}),
		sqltest.Exec("CREATE TABLE u (b INT)", sqltest.Result{}),
		sqltest.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, sqltest.Result{Affected: 1}),
		sqltest.Commit(),
		sqltest.Begin(),
		sqltest.Exec("CREATE INDEX idx_a ON t (a)", sqltest.Result{}),
		sqltest.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, sqltest.Result{Affected: 1}),
		sqltest.Commit(),
	)
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	withMigrations(t, fstest.MapFS{
		"0001_create.sql": {Data: []byte("CREATE TABLE t (a INT);")},
	})

	db, drv := sqltest.Open(t,
		sqltest.Exec(createMigrationsTable, sqltest.Result{}),
		sqltest.Query(`SELECT version FROM schema_migrations`, sqltest.Rows{
			Columns: []string{"version"},
			Values:  [][]any{{"0001"}},
		}),
	)
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMigrateTreatsExistingIndexAsApplied(t *testing.T) {
	withMigrations(t, fstest.MapFS{
		"0002_index.sql": {Data: []byte("CREATE INDEX idx_a ON t (a);")},
	})

	db, drv := sqltest.Open(t,
		sqltest.Exec(createMigrationsTable, sqltest.Result{}),
		sqltest.Query(`SELECT version FROM schema_migrations`, sqltest.Rows{Columns: []string{"version"}}),
		sqltest.Begin(),
		sqltest.Exec("CREATE INDEX idx_a ON t (a)", sqltest.Result{}).Fail(&mysql.MySQLError{Number: 1061, Message: "Duplicate key name"}),
		sqltest.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, sqltest.Result{Affected: 1}),
		sqltest.Commit(),
	)
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMigrateRollsBackOnFailure(t *testing.T) {
	withMigrations(t, fstest.MapFS{
		"0001_create.sql": {Data: []byte("CREATE TABLE t (a INT);")},
	})

	db, drv := sqltest.Open(t,
		sqltest.Exec(createMigrationsTable, sqltest.Result{}),
		sqltest.Query(`SELECT version FROM schema_migrations`, sqltest.Rows{Columns: []string{"version"}}),
		sqltest.Begin(),
		sqltest.Exec("CREATE TABLE t (a INT)", sqltest.Result{}).Fail(&mysql.MySQLError{Number: 1050, Message: "exists"}),
		sqltest.Rollback(),
	)
	err := Migrate(context.Background(), db)
	if err == nil || !strings.Contains(err.Error(), "0001_create.sql") {
		t.Fatalf("expected migration failure naming the file, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestEmbeddedJournalMigrationParses(t *testing.T) {
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load embedded migrations: %v", err)
	}
	if len(files) == 0 || files[0].version != "0001" {
		t.Fatalf("unexpected migrations: %+v", files)
	}
	if !strings.Contains(files[0].statements[0], "tx_journal") {
		t.Fatalf("first migration should create tx_journal: %s", files[0].statements[0])
	}
}

func TestIsDuplicateKey(t *testing.T) {
	if !IsDuplicateKey(&mysql.MySQLError{Number: 1062}) {
		t.Fatalf("1062 should be a duplicate key")
	}
	if IsDuplicateKey(&mysql.MySQLError{Number: 1061}) {
		t.Fatalf("1061 is not a duplicate key")
	}
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatalf("expected empty DSN to fail")
	}
}
