// Package media downloads scraped media for extraction: videos to a
// temporary file, images to base64 data URLs.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Platform CDNs reject requests without a browser user agent.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var ErrTooLarge = errors.New("media exceeds size limit")

// Fetcher downloads media over HTTP.
type Fetcher struct {
	HTTP          *http.Client
	UserAgent     string
	TempDir       string
	MaxImages     int
	ImageAttempts int
	RetryDelay    time.Duration
	MaxVideoBytes int64
	MaxImageBytes int64
	Logger        *slog.Logger
}

func NewFetcher(timeout time.Duration, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		HTTP:          &http.Client{Timeout: timeout},
		UserAgent:     defaultUserAgent,
		MaxImages:     5,
		ImageAttempts: 3,
		RetryDelay:    time.Second,
		MaxVideoBytes: 500 << 20,
		MaxImageBytes: 20 << 20,
		Logger:        logger,
	}
}

// DownloadVideo streams url into a temp file. The caller must call cleanup
// once done with path; cleanup is safe to call more than once.
func (f *Fetcher) DownloadVideo(ctx context.Context, url string) (path string, cleanup func(), err error) {
	resp, err := f.get(ctx, url)
	if err != nil {
		return "", nil, fmt.Errorf("download video: %w", err)
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(f.TempDir, "eylo-video-*.mp4")
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup = func() { os.Remove(tmp.Name()) }

	n, err := io.Copy(tmp, limitReader(resp.Body, f.MaxVideoBytes))
	closeErr := tmp.Close()
	if err == nil && f.MaxVideoBytes > 0 && n > f.MaxVideoBytes {
		err = ErrTooLarge
	}
	if err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("download video: %w", err)
	}

	f.log().Debug("video downloaded", "bytes", n, "path", tmp.Name())
	return tmp.Name(), cleanup, nil
}

// DownloadImages fetches at most MaxImages of urls, retrying each up to
// ImageAttempts times, and returns data URLs for the ones that succeeded in
// the original order. Individual failures are logged and skipped.
func (f *Fetcher) DownloadImages(ctx context.Context, urls []string) []string {
	if f.MaxImages > 0 && len(urls) > f.MaxImages {
		urls = urls[:f.MaxImages]
	}
	attempts := f.ImageAttempts
	if attempts < 1 {
		attempts = 1
	}

	out := make([]string, 0, len(urls))
	for _, u := range urls {
		for attempt := 1; attempt <= attempts; attempt++ {
			dataURL, err := f.fetchImage(ctx, u)
			if err == nil {
				out = append(out, dataURL)
				break
			}
			if ctx.Err() != nil {
				return out
			}
			f.log().Warn("image download failed",
				"attempt", attempt,
				"max_attempts", attempts,
				"err", err)
			if attempt < attempts && f.RetryDelay > 0 {
				select {
				case <-ctx.Done():
					return out
				case <-time.After(f.RetryDelay):
				}
			}
		}
	}
	return out
}

func (f *Fetcher) fetchImage(ctx context.Context, url string) (string, error) {
	resp, err := f.get(ctx, url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(limitReader(resp.Body, f.MaxImageBytes))
	if err != nil {
		return "", err
	}
	if f.MaxImageBytes > 0 && int64(len(body)) > f.MaxImageBytes {
		return "", ErrTooLarge
	}
	if len(body) == 0 {
		return "", errors.New("empty image body")
	}

	mime := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(body)
	}
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(body), nil
}

func (f *Fetcher) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	resp, err := f.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return resp, nil
}

func (f *Fetcher) log() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

// limitReader reads one byte past max so oversize bodies can be detected.
func limitReader(r io.Reader, max int64) io.Reader {
	if max <= 0 {
		return r
	}
	return io.LimitReader(r, max+1)
}
