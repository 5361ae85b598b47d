package plugin

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zource/zource/internal/metrics"
)

const scratchAlphabet = "abcdefghijklmnopqrstuvwxyz"

// FetcherConfig configures remote archive downloads
type FetcherConfig struct {
	TmpDir   string
	Timeout  time.Duration
	MaxBytes int64
	// Token is sent as a bearer token when set
	Token string
}

// Fetcher downloads plugin archives into scratch files
type Fetcher struct {
	tmpDir     string
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.RWMutex
	timeout  time.Duration
	maxBytes int64
	token    string
}

// NewFetcher creates a fetcher writing into cfg.TmpDir
func NewFetcher(cfg FetcherConfig, logger *slog.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Fetcher{
		tmpDir:     cfg.TmpDir,
		httpClient: &http.Client{},
		logger:     logger.With("component", "plugin-fetcher"),
		timeout:    cfg.Timeout,
		maxBytes:   cfg.MaxBytes,
		token:      cfg.Token,
	}
}

// Update applies new timeout, size and token settings to later downloads
func (f *Fetcher) Update(cfg FetcherConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg.Timeout > 0 {
		f.timeout = cfg.Timeout
	}
	f.maxBytes = cfg.MaxBytes
	f.token = cfg.Token
}

// Fetch downloads url to tmpDir/plugin-<random>.zip and returns the local path.
// No file is left behind when the download fails.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	f.mu.RLock()
	timeout, maxBytes, token := f.timeout, f.maxBytes, f.token
	f.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	req.Header.Set("Accept", "application/zip, application/octet-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	f.logger.Info("Downloading plugin archive", "url", url)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		metrics.RecordOperation("fetch", metrics.ResultError)
		return "", fmt.Errorf("%w: %s: %v", ErrDownloadFailed, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.RecordOperation("fetch", metrics.ResultError)
		return "", fmt.Errorf("%w: %s: %s", ErrDownloadFailed, url, resp.Status)
	}

	if err := os.MkdirAll(f.tmpDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create tmp directory: %w", err)
	}

	out, err := createScratchFile(f.tmpDir)
	if err != nil {
		return "", err
	}
	localPath := out.Name()

	var body io.Reader = resp.Body
	if maxBytes > 0 {
		body = io.LimitReader(resp.Body, maxBytes+1)
	}

	n, err := io.Copy(out, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && maxBytes > 0 && n > maxBytes {
		err = fmt.Errorf("archive larger than %d bytes", maxBytes)
	}
	if err != nil {
		_ = os.Remove(localPath)
		metrics.RecordOperation("fetch", metrics.ResultError)
		return "", fmt.Errorf("%w: %s: %v", ErrDownloadFailed, url, err)
	}

	metrics.AddDownloadBytes(n)
	metrics.RecordOperation("fetch", metrics.ResultSuccess)
	f.logger.Info("Plugin archive downloaded", "url", url, "path", localPath, "bytes", n)
	return localPath, nil
}

// CopyLocal copies a caller-owned archive into tmpDir/plugin-<random>.zip.
// Rejected archives are deleted during extraction, so only the copy is handed on.
func (f *Fetcher) CopyLocal(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(f.tmpDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create tmp directory: %w", err)
	}
	out, err := createScratchFile(f.tmpDir)
	if err != nil {
		return "", err
	}
	localPath := out.Name()

	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(localPath)
		return "", fmt.Errorf("failed to copy %s: %w", filepath.Base(src), err)
	}
	return localPath, nil
}

// createScratchFile creates a new, uniquely named plugin-<8 letters>.zip in dir
func createScratchFile(dir string) (*os.File, error) {
	for attempt := 0; attempt < 5; attempt++ {
		suffix, err := randomString(8)
		if err != nil {
			return nil, err
		}
		name := filepath.Join(dir, "plugin-"+suffix+".zip")
		file, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			return file, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create scratch file: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to create scratch file in %s", dir)
}

func randomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = scratchAlphabet[int(b)%len(scratchAlphabet)]
	}
	return string(buf), nil
}
