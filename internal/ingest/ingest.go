package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"uplinkd/internal/copyutil"
	"uplinkd/internal/model"
	"uplinkd/internal/queue"
)

// Enqueuer admits a staged file into the transfer queue.
type Enqueuer interface {
	Add(ctx context.Context, req queue.AddRequest) (model.TransferRecord, error)
}

// Spool moves files dropped into Dir to StagingDir and queues the staged copy.
type Spool struct {
	Dir        string
	StagingDir string
	Queue      Enqueuer
	Logger     *zap.Logger
}

// Scan ingests every regular file directly under Dir. Hidden entries and
// in-progress *.tmp files are skipped. It returns how many files were queued.
func (s *Spool) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return 0, err
	}

	queued := 0
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		if err := s.ingest(ctx, filepath.Join(s.Dir, name)); err != nil {
			s.Logger.Warn("ingest spooled file", zap.String("path", name), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		queued++
	}
	return queued, errors.Join(errs...)
}

func (s *Spool) ingest(ctx context.Context, src string) error {
	name := filepath.Base(src)
	staged := filepath.Join(s.StagingDir, uuid.NewString()+"-"+name)

	if _, err := copyutil.CopyAtomic(src, staged); err != nil {
		return err
	}

	_, err := s.Queue.Add(ctx, queue.AddRequest{
		FilePath: staged,
		FileName: name,
		Metadata: model.Metadata{"source": "spool", "originalPath": src},
	})
	if err != nil {
		_ = os.Remove(staged)
		return err
	}

	// the staged copy is queued; a leftover original would be ingested twice
	if err := os.Remove(src); err != nil {
		s.Logger.Error("remove spooled original", zap.String("path", src), zap.Error(err))
	}
	return nil
}
