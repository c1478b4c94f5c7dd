package model

// This package models a queued upload in the record store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type SyncStatus int

// Ordinals are persisted; do not reorder.
const (
	StatusIdle SyncStatus = iota
	StatusRequestingUpload
	StatusUploading
	StatusUploaded
	StatusError
)

var statusNames = [...]string{
	StatusIdle:             "idle",
	StatusRequestingUpload: "requestingUpload",
	StatusUploading:        "uploading",
	StatusUploaded:         "uploaded",
	StatusError:            "error",
}

func (s SyncStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("SyncStatus(%d)", int(s))
	}
	return statusNames[s]
}

func (s SyncStatus) Valid() bool {
	return s >= StatusIdle && s <= StatusError
}

// InFlight reports whether a network step is pending for the status.
func (s SyncStatus) InFlight() bool {
	return s == StatusRequestingUpload || s == StatusUploading
}

func ParseSyncStatus(v string) (SyncStatus, error) {
	for i, name := range statusNames {
		if name == v {
			return SyncStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown sync status %q", v)
}

func (s SyncStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid sync status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *SyncStatus) UnmarshalText(b []byte) error {
	v, err := ParseSyncStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Pending lists every status a record can have while it is still queued.
func Pending() []SyncStatus {
	return []SyncStatus{StatusIdle, StatusRequestingUpload, StatusUploading, StatusError}
}

// Metadata is caller supplied and opaque to the engine. It is stored as JSON text.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scan metadata: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	*m = out
	return nil
}

type TransferRecord struct {
	// ID is zero until the store assigns one.
	ID       int64  `json:"id"`
	FilePath string `json:"filePath"`
	FileName string `json:"fileName"`
	// CreatedAt is the caller's timestamp string, forwarded as "time" on session initiation.
	CreatedAt string `json:"time"`

	TotalBytes    int64 `json:"totalBytes"`
	UploadedBytes int64 `json:"uploadedBytes"`

	// SessionID is empty until the endpoint grants an upload session.
	SessionID  string     `json:"sessionId,omitempty"`
	Status     SyncStatus `json:"syncStatus"`
	ErrorCount int        `json:"errorCount"`

	// ScheduledAt is epoch millis; the record is not eligible before it.
	ScheduledAt int64    `json:"processStartTime"`
	Metadata    Metadata `json:"metadata,omitempty"`
}

// NewTransferRecord builds a fresh idle record eligible immediately.
func NewTransferRecord(path, name string, totalBytes int64, meta Metadata, now time.Time) TransferRecord {
	return TransferRecord{
		FilePath:    path,
		FileName:    name,
		CreatedAt:   now.UTC().Format(time.RFC3339),
		TotalBytes:  totalBytes,
		Status:      StatusIdle,
		ScheduledAt: now.UnixMilli(),
		Metadata:    meta,
	}
}

func (r TransferRecord) HasSession() bool {
	return r.SessionID != ""
}

// Eligible reports whether the engine may pick the record at now.
func (r TransferRecord) Eligible(now time.Time) bool {
	return r.Status == StatusIdle && r.ScheduledAt <= now.UnixMilli()
}

// Progress is uploaded/total, 0 for an empty file.
func (r TransferRecord) Progress() float64 {
	if r.TotalBytes <= 0 {
		return 0
	}
	return float64(r.UploadedBytes) / float64(r.TotalBytes)
}

// ResetSession drops the granted session and the resume point with it.
func (r *TransferRecord) ResetSession() {
	r.SessionID = ""
	r.UploadedBytes = 0
}

func (r TransferRecord) Clone() TransferRecord {
	out := r
	if r.Metadata != nil {
		out.Metadata = make(Metadata, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
