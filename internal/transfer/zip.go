package transfer

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"sync"

	kpflate "github.com/klauspost/compress/flate"

	modelerrors "github.com/modelrunner/modelrunner/pkg/errors"
)

var registerOnce sync.Once

// zipRegisterCompressor wires klauspost/compress/flate in as
// archive/zip's DEFLATE implementation, grounded on SPEC_FULL.md's
// DOMAIN STACK entry for klauspost/compress: it is a faster drop-in for
// compress/flate behind the same Writer/Reader interfaces archive/zip
// already expects.
func zipRegisterCompressor() {
	registerOnce.Do(func() {
		zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
			return kpflate.NewWriter(w, kpflate.DefaultCompression)
		})
		zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
			return kpflate.NewReader(r)
		})
	})
}

// ZipDir recursively zips the contents of dir into archivePath, using
// DEFLATE and storing paths relative to dir, the Go analogue of
// modelrunner/utils.py's zipdir (used by the worker to produce
// output.zip from a job's output/ directory).
func ZipDir(dir, archivePath string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return modelerrors.WrapTransfer("zipdir", dir, err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	walkErr := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}

		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()

		_, err = io.Copy(w, src)
		return err
	})
	if walkErr != nil {
		zw.Close()
		return modelerrors.WrapTransfer("zipdir", dir, walkErr)
	}

	if err := zw.Close(); err != nil {
		return modelerrors.WrapTransfer("zipdir", dir, err)
	}
	return nil
}

// UnzipTo extracts archivePath into destDir, creating it if absent.
// Used by the worker to expand input.zip into a job's input/ directory.
func UnzipTo(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return modelerrors.WrapTransfer("unzip", archivePath, err)
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return modelerrors.WrapTransfer("unzip", archivePath, err)
	}

	for _, f := range r.File {
		target := filepath.Join(destDir, f.Name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return modelerrors.WrapTransfer("unzip", archivePath, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return modelerrors.WrapTransfer("unzip", archivePath, err)
		}

		rc, err := f.Open()
		if err != nil {
			return modelerrors.WrapTransfer("unzip", archivePath, err)
		}

		dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return modelerrors.WrapTransfer("unzip", archivePath, err)
		}

		_, copyErr := io.Copy(dst, rc)
		dst.Close()
		rc.Close()
		if copyErr != nil {
			return modelerrors.WrapTransfer("unzip", archivePath, copyErr)
		}
	}
	return nil
}
