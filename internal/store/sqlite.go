package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"uplinkd/internal/model"

	_ "modernc.org/sqlite"
)

const recordColumns = `id, time, filePath, fileName, totalBytes, uploadedBytes, syncStatus, sessionId, errorCount, processStartTime, metadata`

// SQLiteStore keeps records in a single sqlite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens path. Connections are configured for WAL so listings can
// run while the engine writes.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("missing sqlite path")
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	return initSQLite(ctx, s.db)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Insert(ctx context.Context, rec *model.TransferRecord) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var id any
	if rec.ID != 0 {
		id = rec.ID
	}
	res, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO transfer_records (`+recordColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, nullString(rec.CreatedAt), nullString(rec.FilePath), nullString(rec.FileName),
		rec.TotalBytes, rec.UploadedBytes, int(rec.Status), nullString(rec.SessionID),
		rec.ErrorCount, rec.ScheduledAt, rec.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if rec.ID == 0 {
		newID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		rec.ID = newID
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, rec *model.TransferRecord) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
UPDATE transfer_records
SET time = ?, filePath = ?, fileName = ?, totalBytes = ?, uploadedBytes = ?, syncStatus = ?,
	sessionId = ?, errorCount = ?, processStartTime = ?, metadata = ?
WHERE id = ?`,
		nullString(rec.CreatedAt), nullString(rec.FilePath), nullString(rec.FileName),
		rec.TotalBytes, rec.UploadedBytes, int(rec.Status), nullString(rec.SessionID),
		rec.ErrorCount, rec.ScheduledAt, rec.Metadata, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update record %d: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM transfer_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (model.TransferRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM transfer_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TransferRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]model.TransferRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	query := `SELECT ` + recordColumns + ` FROM transfer_records`
	args := statusArgs(f.Statuses)
	if len(args) > 0 {
		query += ` WHERE syncStatus IN (` + strings.TrimSuffix(strings.Repeat("?,", len(args)), ",") + `)`
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []model.TransferRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ResetInFlight(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
UPDATE transfer_records
SET syncStatus = ?
WHERE syncStatus IN (?, ?)`,
		int(model.StatusIdle), int(model.StatusRequestingUpload), int(model.StatusUploading),
	)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight records: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.TransferRecord, error) {
	var rec model.TransferRecord
	var created, path, name, session sql.NullString
	var status int
	if err := row.Scan(
		&rec.ID, &created, &path, &name, &rec.TotalBytes, &rec.UploadedBytes,
		&status, &session, &rec.ErrorCount, &rec.ScheduledAt, &rec.Metadata,
	); err != nil {
		return model.TransferRecord{}, err
	}
	rec.CreatedAt = created.String
	rec.FilePath = path.String
	rec.FileName = name.String
	rec.SessionID = session.String
	rec.Status = model.SyncStatus(status)
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
