package events

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"uplinkd/internal/model"
)

// CleanupSink removes staged copies once they are uploaded. Paths outside Dir
// are left alone.
type CleanupSink struct {
	Dir    string
	Logger *zap.Logger
}

func (s CleanupSink) RecordEvent(ev Event) {
	if ev.Status != model.StatusUploaded || !s.owns(ev.FilePath) {
		return
	}
	if err := os.Remove(ev.FilePath); err != nil && !os.IsNotExist(err) {
		s.Logger.Warn("remove staged file", zap.String("path", ev.FilePath), zap.Error(err))
		return
	}
	s.Logger.Debug("removed staged file", zap.String("path", ev.FilePath))
}

func (s CleanupSink) owns(path string) bool {
	if s.Dir == "" || path == "" {
		return false
	}
	dir, err := filepath.Abs(s.Dir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}
