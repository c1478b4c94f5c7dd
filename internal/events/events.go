// Package events carries per-transition progress reports out of the engine.
package events

import (
	"time"

	"go.uber.org/zap"

	"uplinkd/internal/model"
)

// Event describes one persisted transition of a record.
type Event struct {
	RecordID      int64            `json:"id"`
	FileName      string           `json:"fileName"`
	FilePath      string           `json:"filePath"`
	Status        model.SyncStatus `json:"syncStatus"`
	UploadedBytes int64            `json:"uploadedBytes"`
	TotalBytes    int64            `json:"totalBytes"`
	ErrorCount    int              `json:"errorCount"`
	At            time.Time        `json:"at"`
}

func FromRecord(rec model.TransferRecord, at time.Time) Event {
	return Event{
		RecordID:      rec.ID,
		FileName:      rec.FileName,
		FilePath:      rec.FilePath,
		Status:        rec.Status,
		UploadedBytes: rec.UploadedBytes,
		TotalBytes:    rec.TotalBytes,
		ErrorCount:    rec.ErrorCount,
		At:            at,
	}
}

// Sink receives events synchronously from the engine and must return quickly.
type Sink interface {
	RecordEvent(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) RecordEvent(ev Event) { f(ev) }

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) RecordEvent(ev Event) {
	for _, s := range m {
		if s != nil {
			s.RecordEvent(ev)
		}
	}
}

// Nop discards events.
var Nop Sink = SinkFunc(func(Event) {})

// LogSink writes every event at debug level.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) RecordEvent(ev Event) {
	s.Logger.Debug("transfer event",
		zap.Int64("record_id", ev.RecordID),
		zap.String("file", ev.FileName),
		zap.Stringer("status", ev.Status),
		zap.Int64("uploaded", ev.UploadedBytes),
		zap.Int64("total", ev.TotalBytes),
		zap.Int("errors", ev.ErrorCount),
	)
}
