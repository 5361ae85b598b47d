package plugin

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

const maxManifestBytes = 1 << 20

// ArchiveLimits bounds what an archive may expand to
type ArchiveLimits struct {
	MaxEntries int
	MaxBytes   int64
}

// ArchiveExtractor validates and unpacks plugin zip archives.
// Archives it rejects are deleted from disk.
type ArchiveExtractor struct {
	limits ArchiveLimits
	logger *slog.Logger
}

// NewArchiveExtractor creates an extractor; zero limits mean unbounded
func NewArchiveExtractor(limits ArchiveLimits, logger *slog.Logger) *ArchiveExtractor {
	return &ArchiveExtractor{
		limits: limits,
		logger: logger.With("component", "plugin-archive"),
	}
}

// Inspect returns the validated manifest of an archive without extracting it
func (e *ArchiveExtractor) Inspect(archivePath string) (*Manifest, error) {
	r, manifest, err := e.open(archivePath)
	if err != nil {
		return nil, err
	}
	_ = r.Close()
	return manifest, nil
}

// Extract validates the archive manifest and unpacks every entry under destinationDir
func (e *ArchiveExtractor) Extract(archivePath, destinationDir string) (*Manifest, error) {
	r, manifest, err := e.open(archivePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	if err := os.MkdirAll(destinationDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination: %w", err)
	}

	var written int64
	for _, f := range r.File {
		n, err := e.extractFile(f, destinationDir, written)
		if err != nil {
			if errors.Is(err, ErrCorruptArchive) {
				e.discard(archivePath)
			}
			return nil, err
		}
		written += n
	}

	e.logger.Debug("Archive extracted", "archive", archivePath, "dest", destinationDir,
		"entries", len(r.File), "bytes", written)
	return manifest, nil
}

// open opens the archive and validates its manifest and entry count
func (e *ArchiveExtractor) open(archivePath string) (*zip.ReadCloser, *Manifest, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		e.discard(archivePath)
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, filepath.Base(archivePath), err)
	}

	if e.limits.MaxEntries > 0 && len(r.File) > e.limits.MaxEntries {
		_ = r.Close()
		e.discard(archivePath)
		return nil, nil, fmt.Errorf("%w: %d entries exceeds limit of %d", ErrCorruptArchive, len(r.File), e.limits.MaxEntries)
	}

	var entry *zip.File
	for _, f := range r.File {
		if f.Name == ManifestFile {
			entry = f
			break
		}
	}
	if entry == nil {
		_ = r.Close()
		e.discard(archivePath)
		return nil, nil, fmt.Errorf("%w in %s", ErrMissingManifest, filepath.Base(archivePath))
	}

	raw, err := readEntry(entry, maxManifestBytes)
	if err != nil {
		_ = r.Close()
		e.discard(archivePath)
		return nil, nil, fmt.Errorf("%w: manifest: %v", ErrCorruptArchive, err)
	}

	manifest, err := ParseManifest(raw)
	if err != nil {
		_ = r.Close()
		e.discard(archivePath)
		return nil, nil, err
	}

	return r, manifest, nil
}

// extractFile writes one entry and returns the bytes written
func (e *ArchiveExtractor) extractFile(f *zip.File, dest string, written int64) (int64, error) {
	name := strings.TrimSpace(f.Name)
	if name == "" || filepath.Clean(name) == "." {
		return 0, nil
	}

	target, err := safeJoin(dest, name)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}

	if f.FileInfo().IsDir() {
		return 0, os.MkdirAll(target, 0755)
	}
	if f.Mode()&os.ModeSymlink != 0 {
		e.logger.Warn("Skipping symlink in plugin archive", "entry", f.Name)
		return 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, err
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0600)
	if err != nil {
		return 0, err
	}

	var src io.Reader = rc
	if e.limits.MaxBytes > 0 {
		// One byte past the remaining budget detects overflow
		src = io.LimitReader(rc, e.limits.MaxBytes-written+1)
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, f.Name, err)
	}
	if e.limits.MaxBytes > 0 && written+n > e.limits.MaxBytes {
		return n, fmt.Errorf("%w: extracted size exceeds %d bytes", ErrCorruptArchive, e.limits.MaxBytes)
	}
	return n, nil
}

func (e *ArchiveExtractor) discard(archivePath string) {
	if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("Failed to delete rejected archive", "archive", archivePath, "error", err)
	}
}

func readEntry(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("entry %s larger than %d bytes", f.Name, limit)
	}
	return data, nil
}

// safeJoin resolves an archive entry name under base, rejecting escapes
func safeJoin(base, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("absolute archive path: %s", name)
	}
	target := filepath.Join(base, clean)
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return "", fmt.Errorf("invalid archive path: %s", name)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive path escapes destination: %s", name)
	}
	return target, nil
}
