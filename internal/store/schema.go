package store

import (
	"context"
	"database/sql"
)

var sqliteSchema = []string{
	`PRAGMA journal_mode=WAL;`,
	`PRAGMA busy_timeout=5000;`,
	`
CREATE TABLE IF NOT EXISTS transfer_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	time TEXT,
	filePath TEXT,
	fileName TEXT,

	totalBytes INTEGER NOT NULL DEFAULT 0,
	uploadedBytes INTEGER NOT NULL DEFAULT 0,

	syncStatus INTEGER NOT NULL DEFAULT 0, -- model.SyncStatus ordinal
	sessionId TEXT,
	errorCount INTEGER NOT NULL DEFAULT 0,
	processStartTime INTEGER NOT NULL DEFAULT 0, -- epoch millis
	metadata TEXT -- JSON object
);
`,
	`CREATE INDEX IF NOT EXISTS transfer_records_status ON transfer_records (syncStatus, processStartTime);`,
}

var postgresSchema = []string{
	`
CREATE TABLE IF NOT EXISTS transfer_records (
	id BIGSERIAL PRIMARY KEY,
	time TEXT,
	filePath TEXT,
	fileName TEXT,

	totalBytes BIGINT NOT NULL DEFAULT 0,
	uploadedBytes BIGINT NOT NULL DEFAULT 0,

	syncStatus INTEGER NOT NULL DEFAULT 0,
	sessionId TEXT,
	errorCount INTEGER NOT NULL DEFAULT 0,
	processStartTime BIGINT NOT NULL DEFAULT 0,
	metadata TEXT
);
`,
	`CREATE INDEX IF NOT EXISTS transfer_records_status ON transfer_records (syncStatus, processStartTime);`,
}

func initSQLite(ctx context.Context, db *sql.DB) error {
	for _, s := range sqliteSchema {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
