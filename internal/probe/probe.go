package probe

import (
	"fmt"
	"os"

	"github.com/gabriel-vasile/mimetype"
)

// probes a local file before it is queued

type Result struct {
	Size        int64
	ContentType string
}

// Inspect stats path and sniffs its content type. Anything but a regular file
// is an error.
func Inspect(path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, err
	}
	if !info.Mode().IsRegular() {
		return Result{}, fmt.Errorf("%s is not a regular file", path)
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("detect content type: %w", err)
	}

	return Result{
		Size:        info.Size(),
		ContentType: mt.String(),
	}, nil
}
