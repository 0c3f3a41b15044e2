// Package transfer moves a job's artifacts between primary and worker
// over plain HTTP, grounded on modelrunner/utils.py's
// fetch_file_from_url and zipdir. Per §4.6 and the resolution of Open
// Question #2 recorded in DESIGN.md, Fetch writes to a temp file in the
// destination directory and renames it into place only on success, so
// a caller never observes a partially-written artifact.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"

	modelerrors "github.com/modelrunner/modelrunner/pkg/errors"
	"github.com/modelrunner/modelrunner/pkg/logger"
)

const chunkSize = 8 * 1024

func init() {
	// Register klauspost/compress's flate as the DEFLATE implementation
	// archive/zip reaches for, in place of the stdlib's compress/flate.
	zipRegisterCompressor()
}

// Fetch streams url to destDir/name (name derived from the URL's final
// path segment when empty), in ~8KiB chunks. The download is written to
// a temp file first and renamed into place only once complete, so a
// reader polling destDir never observes a truncated artifact.
func Fetch(ctx context.Context, url, destDir, name string) error {
	if name == "" {
		name = path.Base(url)
	}

	logger.Info("downloading from url", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return modelerrors.WrapTransfer("fetch", url, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return modelerrors.WrapTransfer("fetch", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return modelerrors.WrapTransfer("fetch", url, fmt.Errorf("unexpected status %s", resp.Status))
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return modelerrors.WrapTransfer("fetch", url, err)
	}

	finalPath := filepath.Join(destDir, name)
	tmp, err := os.CreateTemp(destDir, ".fetch-*.tmp")
	if err != nil {
		return modelerrors.WrapTransfer("fetch", url, err)
	}
	tmpPath := tmp.Name()

	if _, err := io.CopyBuffer(tmp, resp.Body, make([]byte, chunkSize)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return modelerrors.WrapTransfer("fetch", url, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return modelerrors.WrapTransfer("fetch", url, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return modelerrors.WrapTransfer("fetch", url, err)
	}

	logger.Info("finished retrieving file from url", "url", url)
	return nil
}
