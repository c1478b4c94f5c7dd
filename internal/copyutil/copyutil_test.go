package copyutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyAtomic(t *testing.T) {
	src := filepath.Join(t.TempDir(), "in.mp4")
	require.NoError(t, os.WriteFile(src, []byte("0123456789"), 0o644))

	dstDir := filepath.Join(t.TempDir(), "nested", "stage")
	dst := filepath.Join(dstDir, "out.mp4")

	n, err := CopyAtomic(src, dst)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))

	entries, err := os.ReadDir(dstDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestCopyAtomic_MissingSource(t *testing.T) {
	dir := t.TempDir()
	_, err := CopyAtomic(filepath.Join(dir, "nope"), filepath.Join(dir, "out"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = os.Stat(filepath.Join(dir, "out"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
