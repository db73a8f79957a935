package inject

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"mime"
	"net/http"
	"strings"
	"time"

	"wabridge/internal/domain"
)

const (
	defaultMaxImageBytes = 16 << 20
	fetchMaxRetries      = 2
)

// ImageFetcher downloads the imageUrl fallback.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (*domain.Image, error)
}

// HTTPFetcher fetches images over HTTP, bypassing caches.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

type HTTPFetcherConfig struct {
	Timeout  time.Duration
	MaxBytes int64
	Client   *http.Client // optional
	Logger   *slog.Logger
}

func NewHTTPFetcher(cfg HTTPFetcherConfig) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxImageBytes
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPFetcher{client: cfg.Client, maxBytes: cfg.MaxBytes, logger: cfg.Logger}
}

// transientError marks failures worth another attempt.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Fetch retries network errors, 5xx and 429 with jittered backoff.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*domain.Image, error) {
	var lastErr error
	for attempt := 0; attempt <= fetchMaxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * 250 * time.Millisecond
			backoff := base + time.Duration(rand.Int64N(int64(base/2+1)))
			f.logger.Debug("retrying image fetch", "attempt", attempt+1, "backoff", backoff)
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
		}

		img, err := f.fetchOnce(ctx, url)
		if err == nil {
			return img, nil
		}
		lastErr = err
		if _, ok := err.(*transientError); !ok {
			return nil, err
		}
	}
	return nil, fmt.Errorf("image fetch failed after %d retries: %w", fetchMaxRetries, lastErr)
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, url string) (*domain.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Accept", "image/png,image/jpeg,image/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transientError{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &transientError{fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &transientError{fmt.Errorf("read body: %w", err)}
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("image larger than %d bytes", f.maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image body")
	}

	mimeType := ""
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			mimeType = mt
		}
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("not an image: %s", mimeType)
	}

	return &domain.Image{Name: fileNameFor(mimeType), MIME: mimeType, Data: data}, nil
}
