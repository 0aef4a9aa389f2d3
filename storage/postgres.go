package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS sb_journal (
  lsn        BIGINT PRIMARY KEY,
  op         INTEGER NOT NULL,
  payload    BYTEA NOT NULL,
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sb_snapshots (
  id       INTEGER PRIMARY KEY CHECK (id = 1),
  lsn      BIGINT NOT NULL,
  payload  BYTEA NOT NULL,
  taken_at TEXT NOT NULL
);
`

var postgresQueries = sqlQueries{
	insertRecord:  `INSERT INTO sb_journal(lsn, op, payload, created_at) VALUES ($1, $2, $3, $4)`,
	deleteRecord:  `DELETE FROM sb_journal WHERE lsn = $1`,
	deleteCovered: `DELETE FROM sb_journal WHERE lsn <= $1`,
	selectRecords: `SELECT lsn, payload FROM sb_journal ORDER BY lsn`,
	upsertSnapshot: `INSERT INTO sb_snapshots(id, lsn, payload, taken_at) VALUES (1, $1, $2, $3)
ON CONFLICT (id) DO UPDATE SET lsn = EXCLUDED.lsn, payload = EXCLUDED.payload, taken_at = EXCLUDED.taken_at`,
	selectSnapshot: `SELECT payload FROM sb_snapshots WHERE id = 1`,
	compact:        `VACUUM sb_journal`,
}

// OpenPostgres connects to dsn and creates the journal tables if needed.
func OpenPostgres(dsn string, logger *zap.Logger) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newSQLBackend(db, BackendPostgres, postgresQueries, logger), nil
}
