package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"

	"github.com/yourorg/eylo/internal/domain"
	"github.com/yourorg/eylo/internal/platform"
)

// YtDlp scrapes YouTube metadata with the local yt-dlp binary. Nothing is
// downloaded; the selected format's direct URL becomes the video URL.
type YtDlp struct {
	Binary string
}

func NewYtDlp(binary string) *YtDlp {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &YtDlp{Binary: binary}
}

type ytdlpInfo struct {
	URL         string  `json:"url"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Uploader    string  `json:"uploader"`
	Channel     string  `json:"channel"`
	Duration    float64 `json:"duration"`
}

// permanentMarkers are yt-dlp error fragments that no retry will fix.
var permanentMarkers = []string{
	"video unavailable",
	"private video",
	"has been removed",
	"is not available",
	"unsupported url",
	"sign in to confirm your age",
}

func (y *YtDlp) Scrape(ctx context.Context, videoURL string) (*domain.ScrapedContent, error) {
	cmd := exec.CommandContext(ctx, y.Binary,
		"-j",
		"--no-warnings",
		"--no-playlist",
		"-f", "best[ext=mp4]/best",
		videoURL)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		wrapped := fmt.Errorf("yt-dlp failed: %w: %s", err, msg)
		var execErr *exec.Error
		if errors.As(err, &execErr) || errors.Is(err, fs.ErrNotExist) {
			return nil, domain.Permanent(domain.KindScrape, wrapped)
		}
		lower := strings.ToLower(msg)
		for _, m := range permanentMarkers {
			if strings.Contains(lower, m) {
				return nil, domain.Permanent(domain.KindScrape, wrapped)
			}
		}
		return nil, domain.Transient(domain.KindScrape, wrapped)
	}

	return parseYtDlp(stdout.Bytes(), platform.Classify(videoURL).ContentType)
}

func parseYtDlp(out []byte, contentType string) (*domain.ScrapedContent, error) {
	var info ytdlpInfo
	if err := json.Unmarshal(bytes.TrimSpace(out), &info); err != nil {
		return nil, domain.Permanent(domain.KindScrape, fmt.Errorf("decode yt-dlp output: %w", err))
	}
	if info.URL == "" && info.Title == "" {
		return nil, domain.Permanent(domain.KindScrape, errors.New("yt-dlp returned no info"))
	}

	author := info.Uploader
	if author == "" {
		author = info.Channel
	}
	if contentType == "" || contentType == platform.ContentUnknown {
		contentType = platform.ContentYouTubeVideo
	}

	return &domain.ScrapedContent{
		VideoURL:  info.URL,
		ImageURLs: []string{},
		Caption:   info.Title + "\n" + info.Description,
		Author:    author,
		PostType:  contentType,
		Duration:  info.Duration,
	}, nil
}
