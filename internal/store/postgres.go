package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"uplinkd/internal/model"
)

// PostgresStore implements Store on a PostgreSQL database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database using the provided connection string.
func NewPostgresStore(ctx context.Context, conn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Init(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec *model.TransferRecord) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	meta, err := metadataText(rec.Metadata)
	if err != nil {
		return err
	}
	args := []any{
		nullText(rec.CreatedAt), nullText(rec.FilePath), nullText(rec.FileName),
		rec.TotalBytes, rec.UploadedBytes, int(rec.Status), nullText(rec.SessionID),
		rec.ErrorCount, rec.ScheduledAt, meta,
	}

	if rec.ID == 0 {
		err = s.pool.QueryRow(ctx, `
			INSERT INTO transfer_records (
				time, filePath, fileName, totalBytes, uploadedBytes, syncStatus,
				sessionId, errorCount, processStartTime, metadata
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			RETURNING id
		`, args...).Scan(&rec.ID)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		return nil
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO transfer_records (
			id, time, filePath, fileName, totalBytes, uploadedBytes, syncStatus,
			sessionId, errorCount, processStartTime, metadata
		) VALUES ($11,$1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			time = EXCLUDED.time,
			filePath = EXCLUDED.filePath,
			fileName = EXCLUDED.fileName,
			totalBytes = EXCLUDED.totalBytes,
			uploadedBytes = EXCLUDED.uploadedBytes,
			syncStatus = EXCLUDED.syncStatus,
			sessionId = EXCLUDED.sessionId,
			errorCount = EXCLUDED.errorCount,
			processStartTime = EXCLUDED.processStartTime,
			metadata = EXCLUDED.metadata
	`, append(args, rec.ID)...)
	if err != nil {
		return fmt.Errorf("insert record %d: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, rec *model.TransferRecord) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	meta, err := metadataText(rec.Metadata)
	if err != nil {
		return err
	}
	res, err := s.pool.Exec(ctx, `
		UPDATE transfer_records
		SET time=$2, filePath=$3, fileName=$4, totalBytes=$5, uploadedBytes=$6, syncStatus=$7,
		    sessionId=$8, errorCount=$9, processStartTime=$10, metadata=$11
		WHERE id=$1
	`, rec.ID, nullText(rec.CreatedAt), nullText(rec.FilePath), nullText(rec.FileName),
		rec.TotalBytes, rec.UploadedBytes, int(rec.Status), nullText(rec.SessionID),
		rec.ErrorCount, rec.ScheduledAt, meta,
	)
	if err != nil {
		return fmt.Errorf("update record %d: %w", rec.ID, err)
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := s.pool.Exec(ctx, `DELETE FROM transfer_records WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete record %d: %w", id, err)
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (model.TransferRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM transfer_records WHERE id=$1`, id)
	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TransferRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]model.TransferRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	statuses := make([]int32, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = int32(st)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM transfer_records
		WHERE cardinality($1::int[]) = 0 OR syncStatus = ANY($1::int[])
		ORDER BY id DESC
		LIMIT $2
	`, statuses, pgLimit(f))
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []model.TransferRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResetInFlight(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := s.pool.Exec(ctx, `
		UPDATE transfer_records SET syncStatus=$1 WHERE syncStatus IN ($2, $3)
	`, int(model.StatusIdle), int(model.StatusRequestingUpload), int(model.StatusUploading))
	if err != nil {
		return 0, fmt.Errorf("reset in-flight records: %w", err)
	}
	return res.RowsAffected(), nil
}

func scanPgRecord(row pgx.Row) (model.TransferRecord, error) {
	var rec model.TransferRecord
	var created, path, name, session, meta *string
	var status int32
	if err := row.Scan(
		&rec.ID, &created, &path, &name, &rec.TotalBytes, &rec.UploadedBytes,
		&status, &session, &rec.ErrorCount, &rec.ScheduledAt, &meta,
	); err != nil {
		return model.TransferRecord{}, err
	}
	rec.CreatedAt = deref(created)
	rec.FilePath = deref(path)
	rec.FileName = deref(name)
	rec.SessionID = deref(session)
	rec.Status = model.SyncStatus(status)
	if meta != nil {
		if err := rec.Metadata.Scan(*meta); err != nil {
			return model.TransferRecord{}, err
		}
	}
	return rec, nil
}

func metadataText(m model.Metadata) (*string, error) {
	v, err := m.Value()
	if err != nil || v == nil {
		return nil, err
	}
	s := v.(string)
	return &s, nil
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// pgLimit maps an uncapped filter to LIMIT NULL.
func pgLimit(f Filter) *int {
	n := f.limit()
	if n < 0 {
		return nil
	}
	return &n
}
