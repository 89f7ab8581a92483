package blob_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"pillcloud/internal/blob"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutOpen_RoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := blob.New(fs)
	data := bytes.Repeat([]byte{0xE9, 0x01, 0x02}, 4096)

	w, err := s.Put("firmware_1_0_0.bin", bytes.NewReader(data), 1<<20)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), w.SHA256)
	assert.Equal(t, int64(len(data)), w.Size)

	f, fi, err := s.Open("firmware_1_0_0.bin")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(len(data)), fi.Size())
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// временных файлов не осталось
	entries, err := afero.ReadDir(fs, "/")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPut_TooLargeCleansUp(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := blob.New(fs)

	_, err := s.Put("big.bin", strings.NewReader(strings.Repeat("x", 11)), 10)
	require.ErrorIs(t, err, blob.ErrTooLarge)

	entries, err := afero.ReadDir(fs, "/")
	require.NoError(t, err)
	assert.Empty(t, entries)

	ok, err := s.Exists("big.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPut_ExactLimit(t *testing.T) {
	s := blob.New(afero.NewMemMapFs())
	w, err := s.Put("edge.bin", strings.NewReader(strings.Repeat("x", 10)), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), w.Size)
}

func TestNames(t *testing.T) {
	s := blob.New(afero.NewMemMapFs())
	_, err := s.Put("../etc/passwd", strings.NewReader("x"), 0)
	assert.Error(t, err)
	assert.NoError(t, s.Remove("missing.bin"))
}
