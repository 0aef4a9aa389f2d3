package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchemaVersion = 1

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS journal (
  lsn        INTEGER PRIMARY KEY,
  op         INTEGER NOT NULL,
  payload    BLOB NOT NULL,
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
  id       INTEGER PRIMARY KEY CHECK (id = 1),
  lsn      INTEGER NOT NULL,
  payload  BLOB NOT NULL,
  taken_at TEXT NOT NULL
);
`

var sqliteQueries = sqlQueries{
	insertRecord:   `INSERT INTO journal(lsn, op, payload, created_at) VALUES (?, ?, ?, ?);`,
	deleteRecord:   `DELETE FROM journal WHERE lsn = ?;`,
	deleteCovered:  `DELETE FROM journal WHERE lsn <= ?;`,
	selectRecords:  `SELECT lsn, payload FROM journal ORDER BY lsn;`,
	upsertSnapshot: `INSERT OR REPLACE INTO snapshots(id, lsn, payload, taken_at) VALUES (1, ?, ?, ?);`,
	selectSnapshot: `SELECT payload FROM snapshots WHERE id = 1;`,
	compact:        `VACUUM;`,
}

// OpenSQLite opens or creates a sqlite backend at dbPath.
func OpenSQLite(dbPath string, syncWrites bool, logger *zap.Logger) (*SQLBackend, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := initSQLite(context.Background(), db, syncWrites); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newSQLBackend(db, BackendSQLite, sqliteQueries, logger), nil
}

func initSQLite(ctx context.Context, db *sql.DB, syncWrites bool) error {
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}

	synchronous := "PRAGMA synchronous=FULL;"
	if !syncWrites {
		synchronous = "PRAGMA synchronous=NORMAL;"
	}
	if _, err := db.ExecContext(ctx, synchronous); err != nil {
		return fmt.Errorf("sqlite: set synchronous: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return migrateSQLite(ctx, db)
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("sqlite: init migrations table: %w", err)
	}

	current, hasVersion, err := readSchemaVersion(ctx, conn)
	if err != nil {
		return err
	}
	if current > sqliteSchemaVersion {
		return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, sqliteSchemaVersion)
	}

	for v := current + 1; v <= sqliteSchemaVersion; v++ {
		switch v {
		case 1:
			if _, err := conn.ExecContext(ctx, sqliteSchemaV1); err != nil {
				return fmt.Errorf("sqlite: migrate v1: %w", err)
			}
		default:
			return fmt.Errorf("sqlite: unknown migration %d", v)
		}
	}

	if !hasVersion || current != sqliteSchemaVersion {
		if err := writeSchemaVersion(ctx, conn, sqliteSchemaVersion); err != nil {
			return err
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, true, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.Conn, v int) error {
	if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, v); err != nil {
		return fmt.Errorf("sqlite: write schema_version: %w", err)
	}
	return nil
}
