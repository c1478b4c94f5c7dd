// Package transport speaks the resumable upload protocol: one POST opens an
// upload session, then ranged PUTs push the file one chunk at a time.
package transport

import (
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// DefaultChunkSize is 89 KiB.
const DefaultChunkSize int64 = 1024 * 89

const (
	headerAPIKey              = "X-Api-Key"
	headerUploadContentType   = "X-Upload-Content-Type"
	headerUploadContentLength = "X-Upload-Content-Length"
	defaultContentType        = "application/octet-stream"
)

// StatusResumeIncomplete is the continuation answer to a chunk PUT.
const StatusResumeIncomplete = http.StatusPermanentRedirect

type Config struct {
	BaseURL  string
	PostPath string
	PutPath  string
	APIKey   string

	ChunkSize int64

	// RetryMax bounds in-request retries on connection errors and 5xx answers.
	// Anything still failing afterwards is handed to the engine as a fault.
	RetryMax int
	// Timeout applies per HTTP attempt; zero leaves it to the transport.
	Timeout time.Duration

	// HTTPClient is copied, never mutated. Nil uses a pooled client.
	HTTPClient *http.Client
	// ContentType overrides content sniffing.
	ContentType func(path string) string
}

// Client runs single protocol steps against the endpoint.
type Client struct {
	cfg    Config
	http   *retryablehttp.Client
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ContentType == nil {
		cfg.ContentType = sniffContentType
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = leveledLogger{logger.Sugar()}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	var hc http.Client
	if cfg.HTTPClient != nil {
		hc = *cfg.HTTPClient
	} else {
		hc = *rc.HTTPClient
	}
	// 308 is a protocol answer here, not a redirect to follow.
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if cfg.Timeout > 0 {
		hc.Timeout = cfg.Timeout
	}
	rc.HTTPClient = &hc

	return &Client{cfg: cfg, http: rc, logger: logger}
}

func (c *Client) ChunkSize() int64 {
	return c.cfg.ChunkSize
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (c *Client) CloseIdleConnections() {
	c.http.HTTPClient.CloseIdleConnections()
}

func sniffContentType(path string) string {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return defaultContentType
	}
	return mt.String()
}

// leveledLogger routes retryablehttp's logging into zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
