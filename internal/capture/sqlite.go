package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kursadbilgin/delivery-guard/internal/domain"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS capture_records (
	id              TEXT PRIMARY KEY,
	payload         TEXT    NOT NULL,
	status          TEXT    NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	last_attempt_at INTEGER,
	last_error      TEXT    NOT NULL DEFAULT '',
	resolved_via    TEXT    NOT NULL DEFAULT '',
	result          TEXT,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_capture_records_status ON capture_records (status);
`

// The payload column is excluded from the update so the snapshot written on
// first capture never changes.
const sqliteUpsert = `
INSERT INTO capture_records (id, payload, status, retry_count, last_attempt_at, last_error, resolved_via, result, created_at)
VALUES (:id, :payload, :status, :retry_count, :last_attempt_at, :last_error, :resolved_via, :result, :created_at)
ON CONFLICT(id) DO UPDATE SET
	status          = excluded.status,
	retry_count     = excluded.retry_count,
	last_attempt_at = excluded.last_attempt_at,
	last_error      = excluded.last_error,
	resolved_via    = excluded.resolved_via,
	result          = excluded.result
`

const sqliteColumns = `id, payload, status, retry_count, last_attempt_at, last_error, resolved_via, result, created_at`

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the primary durable store: one embedded database file.
// Iterate logs and skips rows it cannot decode.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

type captureRow struct {
	ID            string         `db:"id"`
	Payload       string         `db:"payload"`
	Status        string         `db:"status"`
	RetryCount    int            `db:"retry_count"`
	LastAttemptAt sql.NullInt64  `db:"last_attempt_at"`
	LastError     string         `db:"last_error"`
	ResolvedVia   string         `db:"resolved_via"`
	Result        sql.NullString `db:"result"`
	CreatedAt     int64          `db:"created_at"`
}

// OpenSQLite opens (creating if needed) the capture database at path.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", domain.ErrValidation)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite capture store: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between the sweep and Submit.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create capture schema: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, record domain.CaptureRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	row, err := toCaptureRow(record)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, sqliteUpsert, row); err != nil {
		return fmt.Errorf("failed to write capture record %s: %w", record.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.CaptureRecord, error) {
	var row captureRow
	err := s.db.GetContext(ctx, &row, `SELECT `+sqliteColumns+` FROM capture_records WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CaptureRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.CaptureRecord{}, fmt.Errorf("failed to read capture record %s: %w", id, err)
	}
	return row.toDomain()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM capture_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete capture record %s: %w", id, err)
	}
	return nil
}

// Iterate loads the full queue before calling fn so fn may write to the store.
func (s *SQLiteStore) Iterate(ctx context.Context, fn func(domain.CaptureRecord) error) error {
	var rows []captureRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+sqliteColumns+` FROM capture_records ORDER BY id`); err != nil {
		return fmt.Errorf("failed to list capture records: %w", err)
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := row.toDomain()
		if err != nil {
			// One bad row must not hide the rest of the queue from the sweep.
			s.logger.Error("skipping unreadable capture record",
				zap.String("captureId", row.ID),
				zap.Error(err),
			)
			continue
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

func toCaptureRow(r domain.CaptureRecord) (captureRow, error) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return captureRow{}, fmt.Errorf("failed to encode capture payload: %w", err)
	}

	row := captureRow{
		ID:          r.ID,
		Payload:     string(payload),
		Status:      r.Status.String(),
		RetryCount:  r.RetryCount,
		LastError:   r.LastError,
		ResolvedVia: r.ResolvedVia,
		CreatedAt:   r.CreatedAt.UnixNano(),
	}
	if r.LastAttemptAt != nil {
		row.LastAttemptAt = sql.NullInt64{Int64: r.LastAttemptAt.UnixNano(), Valid: true}
	}
	if r.Result != nil {
		result, err := json.Marshal(r.Result)
		if err != nil {
			return captureRow{}, fmt.Errorf("failed to encode capture result: %w", err)
		}
		row.Result = sql.NullString{String: string(result), Valid: true}
	}
	return row, nil
}

func (row captureRow) toDomain() (domain.CaptureRecord, error) {
	record := domain.CaptureRecord{
		ID:          row.ID,
		Status:      domain.CaptureStatus(row.Status),
		RetryCount:  row.RetryCount,
		LastError:   row.LastError,
		ResolvedVia: row.ResolvedVia,
		CreatedAt:   time.Unix(0, row.CreatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(row.Payload), &record.Payload); err != nil {
		return domain.CaptureRecord{}, fmt.Errorf("corrupt capture payload for %s: %w", row.ID, err)
	}
	if row.LastAttemptAt.Valid {
		t := time.Unix(0, row.LastAttemptAt.Int64).UTC()
		record.LastAttemptAt = &t
	}
	if row.Result.Valid {
		var result domain.DeliveryResult
		if err := json.Unmarshal([]byte(row.Result.String), &result); err == nil {
			record.Result = &result
		}
	}
	return record, nil
}
