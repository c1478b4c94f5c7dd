// Package api serves the admin HTTP surface over the transfer queue.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"uplinkd/internal/engine"
	"uplinkd/internal/model"
	"uplinkd/internal/queue"
	"uplinkd/internal/store"
)

type Queue interface {
	Add(ctx context.Context, req queue.AddRequest) (model.TransferRecord, error)
	List(ctx context.Context, statuses ...model.SyncStatus) ([]model.TransferRecord, error)
	Get(ctx context.Context, id int64) (model.TransferRecord, error)
	Delete(ctx context.Context, id int64) error
}

type Engine interface {
	Trigger() bool
	Snapshot() engine.Snapshot
}

type Handler struct {
	queue  Queue
	engine Engine
	logger *zap.Logger
}

func NewHandler(q Queue, e Engine, logger *zap.Logger) *Handler {
	return &Handler{queue: q, engine: e, logger: logger}
}

func respond(c *gin.Context, code int, message string, data any) {
	c.JSON(code, gin.H{"code": code, "message": message, "data": data})
}

// AddUpload queues a local file.
func (h *Handler) AddUpload(c *gin.Context) {
	var req queue.AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	rec, err := h.queue.Add(c.Request.Context(), req)
	switch {
	case errors.Is(err, queue.ErrInvalidPath):
		respond(c, http.StatusBadRequest, err.Error(), nil)
		return
	case err != nil:
		h.logger.Error("add upload", zap.String("path", req.FilePath), zap.Error(err))
		respond(c, http.StatusInternalServerError, "failed to queue file", nil)
		return
	}
	respond(c, http.StatusCreated, "success", rec)
}

// ListUploads accepts repeated ?status= filters.
func (h *Handler) ListUploads(c *gin.Context) {
	var statuses []model.SyncStatus
	for _, v := range c.QueryArray("status") {
		st, err := model.ParseSyncStatus(v)
		if err != nil {
			respond(c, http.StatusBadRequest, err.Error(), nil)
			return
		}
		statuses = append(statuses, st)
	}

	recs, err := h.queue.List(c.Request.Context(), statuses...)
	if err != nil {
		h.logger.Error("list uploads", zap.Error(err))
		respond(c, http.StatusInternalServerError, "failed to list uploads", nil)
		return
	}
	if recs == nil {
		recs = []model.TransferRecord{}
	}
	respond(c, http.StatusOK, "success", recs)
}

func (h *Handler) GetUpload(c *gin.Context) {
	id, ok := recordID(c)
	if !ok {
		return
	}
	rec, err := h.queue.Get(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, "get upload", id, err)
		return
	}
	respond(c, http.StatusOK, "success", rec)
}

func (h *Handler) DeleteUpload(c *gin.Context) {
	id, ok := recordID(c)
	if !ok {
		return
	}
	if err := h.queue.Delete(c.Request.Context(), id); err != nil {
		h.storeError(c, "delete upload", id, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) TriggerSync(c *gin.Context) {
	started := h.engine.Trigger()
	respond(c, http.StatusAccepted, "success", gin.H{"started": started})
}

func (h *Handler) SyncStatus(c *gin.Context) {
	respond(c, http.StatusOK, "success", h.engine.Snapshot())
}

func recordID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respond(c, http.StatusBadRequest, "invalid record id", nil)
		return 0, false
	}
	return id, true
}

func (h *Handler) storeError(c *gin.Context, op string, id int64, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respond(c, http.StatusNotFound, "record not found", nil)
		return
	}
	h.logger.Error(op, zap.Int64("record_id", id), zap.Error(err))
	respond(c, http.StatusInternalServerError, "store unavailable", nil)
}
