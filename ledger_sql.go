package cttso_pieriandx_gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	dbsql "github.com/databricks/databricks-sql-go"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver
)

// sqlDialect captures the few statements that differ between backends.
type sqlDialect struct {
	name          string
	createTable   string
	upsert        string
	transactional bool
	placeholder   func(n int) string
}

const (
	activeTable  = "submission_state"
	retiredTable = "retired_submission_state"
)

var (
	sqliteDialect = sqlDialect{
		name: "sqlite",
		createTable: `CREATE TABLE IF NOT EXISTS %s (
			subject_id TEXT NOT NULL,
			library_id TEXT NOT NULL,
			lifecycle TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (subject_id, library_id)
		)`,
		upsert: `INSERT INTO %s (subject_id, library_id, lifecycle, payload, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (subject_id, library_id) DO UPDATE SET
			lifecycle = excluded.lifecycle, payload = excluded.payload, updated_at = excluded.updated_at`,
		transactional: true,
		placeholder:   func(int) string { return "?" },
	}
	postgresDialect = sqlDialect{
		name: "postgres",
		createTable: `CREATE TABLE IF NOT EXISTS %s (
			subject_id TEXT NOT NULL,
			library_id TEXT NOT NULL,
			lifecycle TEXT NOT NULL,
			payload JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (subject_id, library_id)
		)`,
		upsert: `INSERT INTO %s (subject_id, library_id, lifecycle, payload, updated_at) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (subject_id, library_id) DO UPDATE SET
			lifecycle = EXCLUDED.lifecycle, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		transactional: true,
		placeholder:   func(n int) string { return fmt.Sprintf("$%d", n) },
	}
	databricksDialect = sqlDialect{
		name: "databricks",
		createTable: `CREATE TABLE IF NOT EXISTS %s (
			subject_id STRING NOT NULL,
			library_id STRING NOT NULL,
			lifecycle STRING NOT NULL,
			payload STRING NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		upsert: `MERGE INTO %s AS t
			USING (SELECT ? AS subject_id, ? AS library_id, ? AS lifecycle, ? AS payload, ? AS updated_at) AS s
			ON t.subject_id = s.subject_id AND t.library_id = s.library_id
			WHEN MATCHED THEN UPDATE SET t.lifecycle = s.lifecycle, t.payload = s.payload, t.updated_at = s.updated_at
			WHEN NOT MATCHED THEN INSERT (subject_id, library_id, lifecycle, payload, updated_at)
			VALUES (s.subject_id, s.library_id, s.lifecycle, s.payload, s.updated_at)`,
		placeholder: func(int) string { return "?" },
	}
)

// SQLLedger stores one JSON payload per SampleKey in an active table and a
// retained table for deleted samples.
type SQLLedger struct {
	db      *sql.DB
	dialect sqlDialect
	prefix  string
}

// OpenSQLiteLedger opens (and creates) a ledger file.
func OpenSQLiteLedger(ctx context.Context, path string) (*SQLLedger, error) {
	if path == "" {
		path = "cttso-ledger.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("Failed to create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("Failed to open sqlite ledger: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return newSQLLedger(ctx, db, sqliteDialect, "")
}

// OpenPostgresLedger connects through the pgx database/sql driver.
func OpenPostgresLedger(ctx context.Context, dsn string) (*SQLLedger, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("Failed to open postgres ledger: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("Failed to ping postgres ledger: %w", err)
	}
	return newSQLLedger(ctx, db, postgresDialect, "")
}

// OpenDatabricksLedger keeps the ledger in Delta tables under schema.
func OpenDatabricksLedger(ctx context.Context, cfg DatabricksConfig) (*SQLLedger, error) {
	connector, err := dbsql.NewConnector(
		dbsql.WithServerHostname(cfg.Hostname),
		dbsql.WithPort(cfg.Port),
		dbsql.WithHTTPPath(cfg.HTTPPath),
		dbsql.WithAccessToken(cfg.Token),
	)
	if err != nil {
		return nil, fmt.Errorf("Failed to create databricks connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("Failed to ping databricks warehouse: %w", err)
	}
	return newSQLLedger(ctx, db, databricksDialect, cfg.Schema+".")
}

func newSQLLedger(ctx context.Context, db *sql.DB, dialect sqlDialect, prefix string) (*SQLLedger, error) {
	l := &SQLLedger{db: db, dialect: dialect, prefix: prefix}
	for _, table := range []string{activeTable, retiredTable} {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(dialect.createTable, l.table(table))); err != nil {
			return nil, fmt.Errorf("Failed to create %s table %s: %w", dialect.name, table, err)
		}
	}
	return l, nil
}

func (l *SQLLedger) table(name string) string {
	return l.prefix + name
}

func (l *SQLLedger) Close() error {
	return l.db.Close()
}

func (l *SQLLedger) ReadAll(ctx context.Context) ([]SubmissionState, error) {
	return l.read(ctx, activeTable)
}

func (l *SQLLedger) ReadRetired(ctx context.Context) ([]SubmissionState, error) {
	return l.read(ctx, retiredTable)
}

func (l *SQLLedger) read(ctx context.Context, table string) ([]SubmissionState, error) {
	rows, err := l.db.QueryContext(ctx, fmt.Sprintf(`SELECT payload FROM %s ORDER BY subject_id, library_id`, l.table(table)))
	if err != nil {
		return nil, fmt.Errorf("Failed to query %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var states []SubmissionState
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("Failed to scan %s: %w", table, err)
		}
		var s SubmissionState
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return nil, fmt.Errorf("Failed to decode %s row: %w", table, err)
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

func (l *SQLLedger) Upsert(ctx context.Context, key SampleKey, state SubmissionState) error {
	state.Key = key
	return l.upsert(ctx, l.db, activeTable, state)
}

// Retire copies the row into the retained table and drops it from the active one.
func (l *SQLLedger) Retire(ctx context.Context, state SubmissionState) error {
	state.IsDeleted = true
	state.Lifecycle = LifecycleDeleted
	if !l.dialect.transactional {
		if err := l.upsert(ctx, l.db, retiredTable, state); err != nil {
			return err
		}
		return l.deleteActive(ctx, l.db, state.Key)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Failed to begin retire transaction: %w", err)
	}
	if err := l.upsert(ctx, tx, retiredTable, state); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := l.deleteActive(ctx, tx, state.Key); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (l *SQLLedger) upsert(ctx context.Context, db execer, table string, state SubmissionState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("Failed to encode state %s: %w", state.Key, err)
	}
	updated := state.UpdatedAt.UTC()
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	var updatedArg any = updated
	if l.dialect.name == "sqlite" {
		updatedArg = updated.Format(time.RFC3339Nano)
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(l.dialect.upsert, l.table(table)),
		state.Key.SubjectID, state.Key.LibraryID, string(state.Lifecycle), string(payload), updatedArg)
	if err != nil {
		return fmt.Errorf("Failed to upsert %s into %s: %w", state.Key, table, err)
	}
	return nil
}

func (l *SQLLedger) deleteActive(ctx context.Context, db execer, key SampleKey) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE subject_id = %s AND library_id = %s`,
		l.table(activeTable), l.dialect.placeholder(1), l.dialect.placeholder(2))
	if _, err := db.ExecContext(ctx, query, key.SubjectID, key.LibraryID); err != nil {
		return fmt.Errorf("Failed to delete %s from %s: %w", key, activeTable, err)
	}
	return nil
}

// OpenLedger picks a backend from the profile.
func OpenLedger(ctx context.Context, cfg LedgerConfig, databricks DatabricksConfig) (Ledger, func(), error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemoryLedger(), func() {}, nil
	case "sqlite":
		l, err := OpenSQLiteLedger(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	case "postgres":
		l, err := OpenPostgresLedger(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	case "databricks":
		l, err := OpenDatabricksLedger(ctx, databricks)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	}
	return nil, nil, fmt.Errorf("Unknown ledger driver %q", cfg.Driver)
}
