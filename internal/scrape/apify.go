package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yourorg/eylo/internal/domain"
)

const apifyBaseURL = "https://api.apify.com/v2"

// Actor ids on the Apify store.
const (
	instagramActorID = "shu8hvrXbJbY3Eb9W" // apify/instagram-scraper
	tiktokActorID    = "OtzYfK1ndEGdwWFKQ" // clockworks/tiktok-scraper
)

// ApifyClient starts an actor run, polls it to completion and reads the
// first item of its default dataset.
type ApifyClient struct {
	BaseURL      string
	Token        string
	HTTP         *http.Client
	PollInterval time.Duration
	MaxWait      time.Duration
	Logger       *slog.Logger
}

func NewApifyClient(token string, logger *slog.Logger) *ApifyClient {
	return &ApifyClient{
		BaseURL:      apifyBaseURL,
		Token:        token,
		HTTP:         &http.Client{Timeout: 2 * time.Minute},
		PollInterval: 5 * time.Second,
		MaxWait:      180 * time.Second,
		Logger:       logger,
	}
}

// Instagram returns the adapter for instagram posts, reels and tv.
func (c *ApifyClient) Instagram() Adapter {
	return AdapterFunc(func(ctx context.Context, postURL string) (*domain.ScrapedContent, error) {
		input := map[string]any{
			"directUrls":    []string{postURL},
			"resultsType":   "details",
			"resultsLimit":  1,
			"addParentData": false,
		}
		item, err := c.runActor(ctx, instagramActorID, input)
		if err != nil {
			return nil, err
		}
		var post instagramItem
		if err := json.Unmarshal(item, &post); err != nil {
			return nil, domain.Permanent(domain.KindScrape, fmt.Errorf("decode instagram item: %w", err))
		}
		return c.parseInstagram(post)
	})
}

// TikTok returns the adapter for tiktok videos.
func (c *ApifyClient) TikTok() Adapter {
	return AdapterFunc(func(ctx context.Context, postURL string) (*domain.ScrapedContent, error) {
		input := map[string]any{
			"postURLs":                      []string{postURL},
			"shouldDownloadVideos":          true,
			"shouldDownloadCovers":          false,
			"shouldDownloadSubtitles":       false,
			"shouldDownloadSlideshowImages": false,
		}
		item, err := c.runActor(ctx, tiktokActorID, input)
		if err != nil {
			return nil, err
		}
		var post tiktokItem
		if err := json.Unmarshal(item, &post); err != nil {
			return nil, domain.Permanent(domain.KindScrape, fmt.Errorf("decode tiktok item: %w", err))
		}
		return c.parseTikTok(post)
	})
}

type itemError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"errorDescription"`
}

type instagramItem struct {
	itemError
	Type            string   `json:"type"`
	Caption         string   `json:"caption"`
	OwnerUsername   string   `json:"ownerUsername"`
	Owner           struct {
		Username string `json:"username"`
	} `json:"owner"`
	Images          []string `json:"images"`
	Image           string   `json:"image"`
	DisplayURL      string   `json:"displayUrl"`
	ThumbnailURL    string   `json:"thumbnailUrl"`
	DownloadedVideo string   `json:"downloadedVideo"`
	VideoURL        string   `json:"videoUrl"`
	VideoDuration   float64  `json:"videoDuration"`
}

type tiktokItem struct {
	itemError
	Text       string   `json:"text"`
	MediaURLs  []string `json:"mediaUrls"`
	AuthorMeta struct {
		Name     string `json:"name"`
		NickName string `json:"nickName"`
	} `json:"authorMeta"`
	VideoMeta struct {
		DownloadAddr string  `json:"downloadAddr"`
		Duration     float64 `json:"duration"`
	} `json:"videoMeta"`
}

// check reports a dataset item error. Restricted or partial results still
// carry usable data and only produce a warning.
func (c *ApifyClient) check(e itemError) error {
	if e.Error == "" {
		return nil
	}
	msg := e.ErrorDescription
	if msg == "" {
		msg = e.Error
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "restricted") || strings.Contains(lower, "partial") {
		c.log().Warn("apify returned partial data", "detail", msg)
		return nil
	}
	return domain.Permanent(domain.KindScrape, fmt.Errorf("apify item error: %s", msg))
}

func (c *ApifyClient) parseInstagram(item instagramItem) (*domain.ScrapedContent, error) {
	if err := c.check(item.itemError); err != nil {
		return nil, err
	}

	images := nonEmpty(item.Images...)
	if len(images) == 0 {
		images = nonEmpty(item.Image)
	}
	if len(images) == 0 {
		images = nonEmpty(item.DisplayURL, item.ThumbnailURL)
	}
	author := item.OwnerUsername
	if author == "" {
		author = item.Owner.Username
	}
	// downloadedVideo is a copy on Apify storage and avoids CDN blocks.
	video := item.DownloadedVideo
	if video == "" {
		video = item.VideoURL
	}
	postType := item.Type
	if postType == "" {
		postType = "reel"
	}

	c.log().Info("instagram post scraped",
		"author", author,
		"caption_len", len(item.Caption),
		"images", len(images),
		"has_video", video != "")

	return &domain.ScrapedContent{
		VideoURL:  video,
		ImageURLs: images,
		Caption:   item.Caption,
		Author:    author,
		PostType:  postType,
		Duration:  item.VideoDuration,
	}, nil
}

func (c *ApifyClient) parseTikTok(item tiktokItem) (*domain.ScrapedContent, error) {
	if err := c.check(item.itemError); err != nil {
		return nil, err
	}

	// mediaUrls holds the copy the actor downloaded to Apify storage.
	video := item.VideoMeta.DownloadAddr
	if urls := nonEmpty(item.MediaURLs...); len(urls) > 0 {
		video = urls[0]
	}
	author := item.AuthorMeta.Name
	if author == "" {
		author = item.AuthorMeta.NickName
	}

	return &domain.ScrapedContent{
		VideoURL:  video,
		ImageURLs: []string{},
		Caption:   item.Text,
		Author:    author,
		PostType:  "tiktok_video",
		Duration:  item.VideoMeta.Duration,
	}, nil
}

func (c *ApifyClient) runActor(ctx context.Context, actorID string, input any) (json.RawMessage, error) {
	runID, err := c.startRun(ctx, actorID, input)
	if err != nil {
		return nil, err
	}
	c.log().Info("apify run started", "actor_id", actorID, "run_id", runID)

	datasetID, err := c.waitForRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := c.getJSON(ctx, "/datasets/"+datasetID+"/items", &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, domain.Permanent(domain.KindScrape, errors.New("apify returned no data for post"))
	}
	return items[0], nil
}

func (c *ApifyClient) startRun(ctx context.Context, actorID string, input any) (string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", domain.Permanent(domain.KindScrape, fmt.Errorf("encode actor input: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/acts/"+actorID+"/runs"), bytes.NewReader(body))
	if err != nil {
		return "", domain.Permanent(domain.KindScrape, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(req, &result); err != nil {
		return "", fmt.Errorf("start actor run: %w", err)
	}
	if result.Data.ID == "" {
		return "", domain.Transient(domain.KindScrape, errors.New("start actor run: empty run id"))
	}
	return result.Data.ID, nil
}

// waitForRun polls the run until it reaches a terminal status or MaxWait
// elapses, and returns the run's default dataset id.
func (c *ApifyClient) waitForRun(ctx context.Context, runID string) (string, error) {
	deadline := time.Now().Add(c.MaxWait)
	for {
		var run struct {
			Data struct {
				Status           string `json:"status"`
				DefaultDatasetID string `json:"defaultDatasetId"`
			} `json:"data"`
		}
		if err := c.getJSON(ctx, "/actor-runs/"+runID, &run); err != nil {
			return "", err
		}

		switch run.Data.Status {
		case "SUCCEEDED":
			return run.Data.DefaultDatasetID, nil
		case "FAILED":
			return "", domain.Permanent(domain.KindScrape, fmt.Errorf("apify run %s failed", runID))
		case "ABORTED", "TIMED-OUT":
			return "", domain.Transient(domain.KindScrape,
				fmt.Errorf("apify run %s ended with status %s", runID, run.Data.Status))
		}

		if time.Now().After(deadline) {
			return "", domain.Transient(domain.KindScrape,
				fmt.Errorf("apify run %s did not finish within %s", runID, c.MaxWait))
		}
		select {
		case <-ctx.Done():
			return "", domain.Transient(domain.KindScrape, ctx.Err())
		case <-time.After(c.PollInterval):
		}
	}
}

func (c *ApifyClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return domain.Permanent(domain.KindScrape, err)
	}
	return c.do(req, out)
}

// do sends req and decodes a 2xx JSON body into out. Network errors, 429
// and 5xx are transient; any other status is permanent.
func (c *ApifyClient) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return domain.Transient(domain.KindScrape, fmt.Errorf("apify request: %w", redactToken(err, c.Token)))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("apify %s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return domain.Transient(domain.KindScrape, err)
		}
		return domain.Permanent(domain.KindScrape, err)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.Transient(domain.KindScrape, fmt.Errorf("decode apify response: %w", err))
	}
	return nil
}

func (c *ApifyClient) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path + "?" + url.Values{"token": {c.Token}}.Encode()
}

func (c *ApifyClient) log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// redactToken keeps the API token out of error messages; *url.Error
// includes the full request URL.
func redactToken(err error, token string) error {
	if token == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "REDACTED"))
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
