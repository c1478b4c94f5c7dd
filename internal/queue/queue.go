// Package queue is the caller-facing side of the transfer queue: it admits
// files and lets callers inspect or cancel queued records.
package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"uplinkd/internal/model"
	"uplinkd/internal/probe"
	"uplinkd/internal/store"
)

var ErrInvalidPath = errors.New("invalid file path")

// Trigger asks the engine to advance the queue.
type Trigger interface {
	Trigger() bool
}

type AddRequest struct {
	FilePath string `json:"filePath"`
	FileName string `json:"fileName,omitempty"`
	// CreatedAt defaults to now in RFC 3339.
	CreatedAt string         `json:"time,omitempty"`
	Metadata  model.Metadata `json:"metadata,omitempty"`
}

type Service struct {
	store     store.Store
	engine    Trigger
	logger    *zap.Logger
	listLimit int
	now       func() time.Time
}

func New(st store.Store, engine Trigger, logger *zap.Logger, listLimit int) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     st,
		engine:    engine,
		logger:    logger,
		listLimit: listLimit,
		now:       time.Now,
	}
}

// Add queues the file at req.FilePath and wakes the engine.
func (s *Service) Add(ctx context.Context, req AddRequest) (model.TransferRecord, error) {
	if req.FilePath == "" {
		return model.TransferRecord{}, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	info, err := probe.Inspect(req.FilePath)
	if err != nil {
		return model.TransferRecord{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	name := req.FileName
	if name == "" {
		name = filepath.Base(req.FilePath)
	}
	rec := model.NewTransferRecord(req.FilePath, name, info.Size, req.Metadata, s.now())
	if req.CreatedAt != "" {
		rec.CreatedAt = req.CreatedAt
	}

	if err := s.store.Insert(ctx, &rec); err != nil {
		return model.TransferRecord{}, err
	}
	s.logger.Info("queued file",
		zap.Int64("record_id", rec.ID),
		zap.String("path", rec.FilePath),
		zap.String("size", units.HumanSize(float64(rec.TotalBytes))),
		zap.String("content_type", info.ContentType),
	)

	s.engine.Trigger()
	return rec, nil
}

// List returns queued records, newest first. No statuses lists everything.
func (s *Service) List(ctx context.Context, statuses ...model.SyncStatus) ([]model.TransferRecord, error) {
	return s.store.List(ctx, store.Filter{Statuses: statuses, Limit: s.listLimit})
}

func (s *Service) Get(ctx context.Context, id int64) (model.TransferRecord, error) {
	return s.store.Get(ctx, id)
}

// Delete removes a record. A record being uploaded is abandoned by the engine
// at its next step.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("removed record", zap.Int64("record_id", id))
	return nil
}
