package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"uplinkd/internal/model"
)

// UploadChunk sends the next chunk of rec and records the outcome on it:
//
//	200/201  upload complete, rec is uploaded
//	308      server kept a prefix; resume from its Range, rec is idle
//	416      session corrupt; drop session and offset, rec is idle
//	404      session gone; drop session and offset, rec is idle
//	other    counted failure; session and offset are kept
//
// Only a cancelled ctx is returned as an error, leaving rec untouched.
func (c *Client) UploadChunk(ctx context.Context, rec *model.TransferRecord) error {
	if !rec.HasSession() {
		return errors.New("upload chunk: record has no session")
	}

	start, end := c.chunkRange(rec)
	size := end - start
	log := c.logger.With(zap.Int64("record_id", rec.ID), zap.String("session", rec.SessionID))

	file, err := os.Open(rec.FilePath)
	if err != nil {
		log.Warn("open source file", zap.Error(err))
		fail(rec)
		return nil
	}
	defer file.Close()

	// A nil body keeps an empty final chunk from going out chunked.
	var body interface{}
	if size > 0 {
		body = io.NewSectionReader(file, start, size)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, c.cfg.BaseURL+c.cfg.PutPath+rec.SessionID, body)
	if err != nil {
		return fmt.Errorf("build chunk request: %w", err)
	}
	req.Header.Set(headerAPIKey, c.cfg.APIKey)
	req.Header.Set("Content-Type", c.cfg.ContentType(rec.FilePath))
	req.Header.Set("Content-Range", "bytes */*")
	// retryablehttp does not derive the length of a section reader
	req.Header.Set("Content-Length", strconv.FormatInt(size, 10))
	req.ContentLength = size

	log.Debug("uploading chunk", zap.Int64("from", start), zap.Int64("to", end))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("upload chunk: %w", ctx.Err())
		}
		log.Warn("chunk request failed", zap.Error(err))
		fail(rec)
		return nil
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		rec.UploadedBytes = rec.TotalBytes
		rec.Status = model.StatusUploaded
	case StatusResumeIncomplete:
		received, err := parseReceived(resp.Header.Get("Range"))
		if err != nil {
			log.Warn("bad range on resume answer", zap.Error(err))
			fail(rec)
			return nil
		}
		if received > rec.TotalBytes {
			received = rec.TotalBytes
		}
		rec.UploadedBytes = received
		rec.Status = model.StatusIdle
	case http.StatusRequestedRangeNotSatisfiable, http.StatusNotFound:
		log.Info("upload session discarded", zap.Int("http_status", resp.StatusCode))
		rec.ResetSession()
		rec.Status = model.StatusIdle
	default:
		log.Warn("chunk upload failed", zap.Error(unwrapError(resp)))
		fail(rec)
	}
	return nil
}

// chunkRange is the half-open byte range of the next chunk.
func (c *Client) chunkRange(rec *model.TransferRecord) (int64, int64) {
	start := rec.UploadedBytes
	if start > rec.TotalBytes {
		start = rec.TotalBytes
	}
	end := start + c.cfg.ChunkSize
	if end > rec.TotalBytes {
		end = rec.TotalBytes
	}
	return start, end
}

// parseReceived turns "bytes=0-N" into the count of bytes the server holds.
// A missing header means it holds none.
func parseReceived(h string) (int64, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0, nil
	}
	spec := strings.TrimPrefix(h, "bytes=")
	_, upper, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, fmt.Errorf("range %q: missing '-'", h)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("range %q: bad upper bound", h)
	}
	return n + 1, nil
}
