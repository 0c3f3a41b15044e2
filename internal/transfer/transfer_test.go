package transfer_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrunner/modelrunner/internal/transfer"
)

func TestFetch_WritesFileAndUsesURLTailWhenNameOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	err := transfer.Fetch(context.Background(), srv.URL+"/input.zip", dir, "")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "input.zip"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestFetch_ExplicitNameOverridesURLTail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	err := transfer.Fetch(context.Background(), srv.URL+"/some/path", dir, "input.zip")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "input.zip"))
	require.NoError(t, err)
}

func TestFetch_NonOKStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	err := transfer.Fetch(context.Background(), srv.URL+"/missing.zip", dir, "")
	assert.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "missing.zip"))
	assert.True(t, os.IsNotExist(statErr), "no partial file should be left behind")
}

func TestZipDirThenUnzipTo_RoundTrips(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("aaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "b.txt"), []byte("bbb"), 0o644))

	archive := filepath.Join(t.TempDir(), "output.zip")
	require.NoError(t, transfer.ZipDir(src, archive))

	dest := t.TempDir()
	require.NoError(t, transfer.UnzipTo(archive, dest))

	a, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(a))

	b, err := os.ReadFile(filepath.Join(dest, "nested", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bbb", string(b))
}
