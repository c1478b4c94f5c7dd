package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"uplinkd/internal/model"
)

type sessionResponse struct {
	Success    bool `json:"success"`
	StatusCode int  `json:"statusCode"`
	Data       []struct {
		ID sessionID `json:"id"`
	} `json:"data"`
}

// sessionID accepts both string and numeric ids.
type sessionID string

func (s *sessionID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = sessionID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = sessionID(n.String())
	return nil
}

func (r sessionResponse) granted() (string, bool) {
	if !r.Success || r.StatusCode != http.StatusOK || len(r.Data) == 0 {
		return "", false
	}
	id := string(r.Data[0].ID)
	return id, id != ""
}

// RequestSession asks the endpoint for an upload session for rec. A granted
// session leaves rec idle with SessionID set; any refusal marks rec as failed.
// Network faults are returned untouched and rec is left as it was.
func (c *Client) RequestSession(ctx context.Context, rec *model.TransferRecord) error {
	body, err := sessionPayload(rec)
	if err != nil {
		return err
	}

	u := c.cfg.BaseURL + c.cfg.PostPath + url.PathEscape(rec.FileName)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set(headerAPIKey, c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerUploadContentType, c.cfg.ContentType(rec.FilePath))
	req.Header.Set(headerUploadContentLength, strconv.FormatInt(rec.TotalBytes, 10))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request session for %s: %w", rec.FileName, err)
	}
	defer drain(resp.Body)

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		var sr sessionResponse
		if err := json.NewDecoder(resp.Body).Decode(&sr); err == nil {
			if id, ok := sr.granted(); ok {
				rec.SessionID = id
				rec.Status = model.StatusIdle
				c.logger.Debug("upload session granted",
					zap.Int64("record_id", rec.ID), zap.String("session", id))
				return nil
			}
		}
		c.logger.Warn("session response without success marker",
			zap.Int64("record_id", rec.ID), zap.Int("http_status", resp.StatusCode))
	} else {
		c.logger.Warn("session request refused",
			zap.Int64("record_id", rec.ID), zap.Error(unwrapError(resp)))
	}

	rec.SessionID = ""
	fail(rec)
	return nil
}

// sessionPayload is the caller metadata plus time and fileName.
func sessionPayload(rec *model.TransferRecord) ([]byte, error) {
	payload := make(map[string]any, len(rec.Metadata)+2)
	for k, v := range rec.Metadata {
		payload[k] = v
	}
	payload["time"] = rec.CreatedAt
	payload["fileName"] = rec.FileName

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode session payload: %w", err)
	}
	return b, nil
}

func fail(rec *model.TransferRecord) {
	rec.ErrorCount++
	rec.Status = model.StatusError
}

func unwrapError(resp *http.Response) error {
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(b))
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
