// Package archive expands compressed artifacts into workspace directories for
// directory-mode SBOM generation.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrCorruptArchive indicates the archive could not be opened or parsed.
	ErrCorruptArchive = errors.New("corrupt archive")
	// ErrExtractionFailed indicates an I/O failure while expanding a readable archive.
	ErrExtractionFailed = errors.New("extraction failed")
)

type Allocator interface {
	AllocateDir(prefix string) (string, error)
	Release(path string) error
}

type Extractor struct {
	workspace Allocator
}

func NewExtractor(workspace Allocator) *Extractor {
	return &Extractor{workspace: workspace}
}

// Extract expands a zip or tar(.gz) archive into a freshly allocated directory,
// preserving the archive's internal structure. The returned directory is owned
// by the caller and must be released by it. On failure the partial directory is
// released before the error is returned.
func (e *Extractor) Extract(archivePath string) (string, error) {
	dir, err := e.workspace.AllocateDir("extracted")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}

	if err := extractInto(archivePath, dir); err != nil {
		// The partial extraction is useless; release failures must not mask
		// the extraction error.
		_ = e.workspace.Release(dir)

		return "", err
	}

	return dir, nil
}

func extractInto(archivePath, dir string) error {
	switch {
	case strings.HasSuffix(archivePath, ".tar"),
		strings.HasSuffix(archivePath, ".tar.gz"),
		strings.HasSuffix(archivePath, ".tgz"):
		return extractTar(archivePath, dir)
	default:
		return extractZip(archivePath, dir)
	}
}

func extractZip(archivePath, dir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		target, err := sanitizePath(dir, file.Name)
		if err != nil {
			return err
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%w: %w", ErrExtractionFailed, err)
			}

			continue
		}

		src, err := file.Open()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptArchive, err)
		}

		if err := writeFile(target, src, file.Mode()); err != nil {
			src.Close()

			return err
		}
		src.Close()
	}

	return nil
}

func extractTar(archivePath, dir string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(archivePath, ".gz") || strings.HasSuffix(archivePath, ".tgz") {
		gzReader, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptArchive, err)
		}
		defer gzReader.Close()
		reader = gzReader
	}

	tarReader := tar.NewReader(reader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptArchive, err)
		}

		target, err := sanitizePath(dir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%w: %w", ErrExtractionFailed, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tarReader, os.FileMode(header.Mode)); err != nil {
				return err
			}
		default:
			// Symlinks and special files are skipped. The generation tool only
			// needs regular files and directories.
		}
	}
}

// sanitizePath joins an archive entry name onto the destination directory and
// rejects entries that would escape it. An entry resolving to the destination
// itself is allowed: archives built with `tar -C dir .` carry a leading "./"
// directory entry.
func sanitizePath(dir, name string) (string, error) {
	cleanDir := filepath.Clean(dir)
	target := filepath.Join(dir, filepath.Clean(name))
	if target != cleanDir && !strings.HasPrefix(target, cleanDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: illegal entry path %q", ErrCorruptArchive, name)
	}

	return target, nil
}

func writeFile(target string, src io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}

	// Archives can record a zero or owner-unreadable mode; the generation
	// tool still has to read the extracted file.
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	perm |= 0o400

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}

	return nil
}
