package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/flowcache/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id                TEXT PRIMARY KEY,
    action            TEXT NOT NULL,
    idempotency_token TEXT NOT NULL,
    stream_key        TEXT,
    status            TEXT NOT NULL,
    keys              INTEGER NOT NULL,
    missing_keys      INTEGER NOT NULL DEFAULT 0,
    error             TEXT,
    duration_ms       INTEGER,
    created_at        DATETIME NOT NULL,
    finished_at       DATETIME
)`

const createRunsTokenIndex = `CREATE INDEX IF NOT EXISTS runs_token ON runs (idempotency_token)`

const selectRunColumns = `SELECT id, action, idempotency_token, stream_key, status, keys,
	missing_keys, error, duration_ms, created_at, finished_at FROM runs`

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Compile-time interface satisfaction check.
var _ Ledger = (*SQLiteLedger)(nil)

// SQLiteLedger implements Ledger using SQLite.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens the SQLite database at dbPath and runs migrations.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createRunsTokenIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate runs table: %w", err)
		}
	}

	return &SQLiteLedger{db: db}, nil
}

// Close closes the underlying database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// RecordCreate inserts a running entry for a freshly started worker.
func (l *SQLiteLedger) RecordCreate(ctx context.Context, rec model.WorkerRecord) error {
	req := rec.Request
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (
			id, action, idempotency_token, stream_key, status, keys, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, req.Action, req.IdempotencyToken, req.StreamKey, model.StatusRunning,
		len(req.Keys), rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordTerminate closes a running entry with its final status.
func (l *SQLiteLedger) RecordTerminate(ctx context.Context, id string, t Termination) error {
	if t.Status != model.StatusCommitted && t.Status != model.StatusFailed {
		return fmt.Errorf("%w: terminal status %q", ErrInvalidTransition, t.Status)
	}

	durationMS := int(t.Duration.Milliseconds())
	result, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, missing_keys = ?, error = ?, duration_ms = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		t.Status, t.MissingKeys, t.Error, durationMS, t.FinishedAt.UTC(),
		id, model.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := l.GetRun(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

// GetRun retrieves a run by ID.
func (l *SQLiteLedger) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := l.db.QueryRowContext(ctx, selectRunColumns+` WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (l *SQLiteLedger) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		selectRunColumns+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// GetRunStats aggregates run counts by status and action and the average
// duration of finished runs.
func (l *SQLiteLedger) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByStatus: map[string]int{},
		CountByAction: map[string]int{},
	}

	if err := l.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := l.countBy(ctx, "action", stats.CountByAction); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg sql.NullFloat64
	if err := l.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM runs WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// countBy fills out with row counts grouped by column, which must be a
// trusted identifier.
func (l *SQLiteLedger) countBy(ctx context.Context, column string, out map[string]int) error {
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM runs GROUP BY "+column,
	)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		out[key] = n
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	r := &model.Run{}
	var (
		streamKey sql.NullString
		errMsg    sql.NullString
		duration  sql.NullInt64
		finished  sql.NullTime
	)
	if err := row.Scan(
		&r.ID, &r.Action, &r.IdempotencyToken, &streamKey, &r.Status, &r.Keys,
		&r.MissingKeys, &errMsg, &duration, &r.CreatedAt, &finished,
	); err != nil {
		return nil, err
	}
	r.StreamKey = streamKey.String
	r.Error = errMsg.String
	if duration.Valid {
		d := int(duration.Int64)
		r.DurationMS = &d
	}
	if finished.Valid {
		f := finished.Time
		r.FinishedAt = &f
	}
	return r, nil
}
