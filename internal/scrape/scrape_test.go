package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/eylo/internal/domain"
	"github.com/yourorg/eylo/internal/platform"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeApify serves one actor run that reports RUNNING once before
// SUCCEEDED, then returns items from its dataset.
type fakeApify struct {
	items       string
	finalStatus string
	startStatus int
	polls       atomic.Int32
	gotInput    map[string]any
	gotActor    string
}

func (f *fakeApify) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/acts/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.URL.Query().Get("token"))
		f.gotActor = strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/acts/"), "/runs")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.gotInput))
		if f.startStatus != 0 {
			w.WriteHeader(f.startStatus)
			w.Write([]byte(`{"error":"nope"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"run-1"}}`))
	})
	mux.HandleFunc("/actor-runs/run-1", func(w http.ResponseWriter, r *http.Request) {
		status := "RUNNING"
		if f.polls.Add(1) > 1 {
			status = f.finalStatus
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"status": status, "defaultDatasetId": "ds-1"},
		})
	})
	mux.HandleFunc("/datasets/ds-1/items", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(f.items))
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeApify) *ApifyClient {
	t.Helper()
	if f.finalStatus == "" {
		f.finalStatus = "SUCCEEDED"
	}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	c := NewApifyClient("secret", discardLogger())
	c.BaseURL = srv.URL
	c.HTTP = srv.Client()
	c.PollInterval = time.Millisecond
	c.MaxWait = 5 * time.Second
	return c
}

func TestApifyInstagramReel(t *testing.T) {
	f := &fakeApify{items: `[{
		"type": "Video",
		"caption": "Best pasta ever",
		"ownerUsername": "chef",
		"images": [],
		"displayUrl": "https://cdn.example/cover.jpg",
		"videoUrl": "https://cdn.example/v.mp4",
		"downloadedVideo": "https://apify.example/v.mp4",
		"videoDuration": 42.5
	}]`}
	c := newTestClient(t, f)

	content, err := c.Instagram().Scrape(context.Background(), "https://www.instagram.com/reel/abc/")
	require.NoError(t, err)

	assert.Equal(t, instagramActorID, f.gotActor)
	assert.Equal(t, []any{"https://www.instagram.com/reel/abc/"}, f.gotInput["directUrls"])
	assert.Equal(t, "details", f.gotInput["resultsType"])

	assert.Equal(t, "https://apify.example/v.mp4", content.VideoURL)
	assert.Equal(t, []string{"https://cdn.example/cover.jpg"}, content.ImageURLs)
	assert.Equal(t, "Best pasta ever", content.Caption)
	assert.Equal(t, "chef", content.Author)
	assert.Equal(t, "Video", content.PostType)
	assert.Equal(t, 42.5, content.Duration)
	assert.GreaterOrEqual(t, f.polls.Load(), int32(2))
}

func TestApifyInstagramCarousel(t *testing.T) {
	f := &fakeApify{items: `[{
		"caption": "Salad",
		"owner": {"username": "greens"},
		"images": ["https://cdn.example/1.jpg", "", "https://cdn.example/2.jpg"]
	}]`}
	c := newTestClient(t, f)

	content, err := c.Instagram().Scrape(context.Background(), "https://www.instagram.com/p/xyz/")
	require.NoError(t, err)
	assert.Empty(t, content.VideoURL)
	assert.Equal(t, []string{"https://cdn.example/1.jpg", "https://cdn.example/2.jpg"}, content.ImageURLs)
	assert.Equal(t, "greens", content.Author)
	assert.Equal(t, "reel", content.PostType)
}

func TestApifyTikTok(t *testing.T) {
	f := &fakeApify{items: `[{
		"text": "one pan dinner",
		"authorMeta": {"nickName": "Cook"},
		"mediaUrls": ["https://apify.example/t.mp4"],
		"videoMeta": {"downloadAddr": "https://tiktokcdn.example/t.mp4", "duration": 30}
	}]`}
	c := newTestClient(t, f)

	content, err := c.TikTok().Scrape(context.Background(), "https://www.tiktok.com/@cook/video/1")
	require.NoError(t, err)
	assert.Equal(t, tiktokActorID, f.gotActor)
	assert.Equal(t, true, f.gotInput["shouldDownloadVideos"])
	assert.Equal(t, "https://apify.example/t.mp4", content.VideoURL)
	assert.Equal(t, "one pan dinner", content.Caption)
	assert.Equal(t, "Cook", content.Author)
	assert.Equal(t, "tiktok_video", content.PostType)
	assert.Empty(t, content.ImageURLs)
}

func TestApifyErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		fake      *fakeApify
		transient bool
	}{
		{"empty dataset", &fakeApify{items: `[]`}, false},
		{"content removed", &fakeApify{items: `[{"error":"not_found","errorDescription":"Post was removed"}]`}, false},
		{"run failed", &fakeApify{items: `[]`, finalStatus: "FAILED"}, false},
		{"run timed out", &fakeApify{items: `[]`, finalStatus: "TIMED-OUT"}, true},
		{"rate limited", &fakeApify{startStatus: http.StatusTooManyRequests}, true},
		{"server error", &fakeApify{startStatus: http.StatusBadGateway}, true},
		{"bad request", &fakeApify{startStatus: http.StatusBadRequest}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, tc.fake)
			_, err := c.Instagram().Scrape(context.Background(), "https://www.instagram.com/reel/abc/")
			require.Error(t, err)
			assert.Equal(t, domain.KindScrape, domain.KindOf(err))
			assert.Equal(t, tc.transient, domain.IsTransient(err))
			assert.NotContains(t, err.Error(), "secret")
		})
	}
}

func TestApifyPartialDataIsAccepted(t *testing.T) {
	f := &fakeApify{items: `[{"error":"restricted","errorDescription":"Restricted access, partial data","caption":"c","images":["https://cdn.example/1.jpg"]}]`}
	c := newTestClient(t, f)

	content, err := c.Instagram().Scrape(context.Background(), "https://www.instagram.com/p/abc/")
	require.NoError(t, err)
	assert.Equal(t, "c", content.Caption)
}

func TestApifyRunNeverFinishes(t *testing.T) {
	f := &fakeApify{items: `[]`, finalStatus: "RUNNING"}
	c := newTestClient(t, f)
	c.MaxWait = 20 * time.Millisecond

	_, err := c.TikTok().Scrape(context.Background(), "https://www.tiktok.com/@a/video/1")
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestParseYtDlp(t *testing.T) {
	out := []byte(`{"url":"https://rr.example/v.mp4","title":"Ramen","description":"Broth first","uploader":"Noodle Lab","duration":600}`)
	content, err := parseYtDlp(out, platform.ContentYouTubeShort)
	require.NoError(t, err)
	assert.Equal(t, "https://rr.example/v.mp4", content.VideoURL)
	assert.Equal(t, "Ramen\nBroth first", content.Caption)
	assert.Equal(t, "Noodle Lab", content.Author)
	assert.Equal(t, platform.ContentYouTubeShort, content.PostType)
	assert.Equal(t, float64(600), content.Duration)

	_, err = parseYtDlp([]byte("not json"), "")
	require.Error(t, err)
	assert.False(t, domain.IsTransient(err))
}

func TestYtDlpMissingBinaryIsPermanent(t *testing.T) {
	y := NewYtDlp("/nonexistent/yt-dlp")
	_, err := y.Scrape(context.Background(), "https://youtu.be/abc")
	require.Error(t, err)
	assert.False(t, domain.IsTransient(err))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	called := false
	reg.Register(platform.YouTube, AdapterFunc(func(ctx context.Context, url string) (*domain.ScrapedContent, error) {
		called = true
		return &domain.ScrapedContent{Caption: "x"}, nil
	}))

	content, err := reg.Scrape(context.Background(), "https://youtu.be/a", platform.YouTube)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "x", content.Caption)

	_, err = reg.Scrape(context.Background(), "https://www.tiktok.com/x", platform.TikTok)
	require.Error(t, err)
	assert.Equal(t, domain.KindUnsupportedPlatform, domain.KindOf(err))
	assert.Equal(t, []platform.Platform{platform.YouTube}, reg.Platforms())
}

type scriptedAdapter struct {
	errs  []error
	calls int
}

func (s *scriptedAdapter) Scrape(ctx context.Context, url string) (*domain.ScrapedContent, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return &domain.ScrapedContent{Caption: "ok"}, nil
}

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRetryingRetriesTransient(t *testing.T) {
	transient := domain.Transient(domain.KindScrape, errors.New("503"))
	next := &scriptedAdapter{errs: []error{transient, transient}}
	var delays []time.Duration
	r := &Retrying{Next: next, Attempts: 3, BaseDelay: time.Second, Sleep: noSleep(&delays), Logger: discardLogger()}

	content, err := r.Scrape(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, "ok", content.Caption)
	assert.Equal(t, 3, next.calls)
	require.Len(t, delays, 2)
	assert.InDelta(t, float64(time.Second), float64(delays[0]), float64(time.Second/4))
	assert.InDelta(t, float64(2*time.Second), float64(delays[1]), float64(time.Second/2))
}

func TestRetryingGivesUpAfterAttempts(t *testing.T) {
	transient := domain.Transient(domain.KindScrape, errors.New("503"))
	next := &scriptedAdapter{errs: []error{transient, transient, transient, transient}}
	var delays []time.Duration
	r := &Retrying{Next: next, Attempts: 3, BaseDelay: time.Second, Sleep: noSleep(&delays)}

	_, err := r.Scrape(context.Background(), "u")
	require.Error(t, err)
	assert.Equal(t, 3, next.calls)
	assert.Len(t, delays, 2)
}

func TestRetryingNeverRetriesPermanent(t *testing.T) {
	next := &scriptedAdapter{errs: []error{domain.Permanent(domain.KindScrape, errors.New("gone"))}}
	var delays []time.Duration
	r := &Retrying{Next: next, Attempts: 5, BaseDelay: time.Second, Sleep: noSleep(&delays)}

	_, err := r.Scrape(context.Background(), "u")
	require.Error(t, err)
	assert.Equal(t, 1, next.calls)
	assert.Empty(t, delays)
}

func TestRetryingPerAttemptTimeoutIsTransient(t *testing.T) {
	calls := 0
	slow := AdapterFunc(func(ctx context.Context, url string) (*domain.ScrapedContent, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &domain.ScrapedContent{Caption: "second"}, nil
	})
	var delays []time.Duration
	r := &Retrying{Next: slow, Attempts: 2, Timeout: 10 * time.Millisecond, Sleep: noSleep(&delays)}

	content, err := r.Scrape(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, "second", content.Caption)
	assert.Equal(t, 2, calls)
}

func TestComputeBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 5; attempt++ {
		want := time.Second * time.Duration(1<<attempt)
		for i := 0; i < 50; i++ {
			got := computeBackoff(time.Second, attempt)
			assert.GreaterOrEqual(t, got, want-want/4)
			assert.Less(t, got, want+want/4)
		}
	}
	assert.Equal(t, time.Duration(0), computeBackoff(0, 3))
	assert.LessOrEqual(t, computeBackoff(time.Second, 40), time.Hour+time.Hour/4)
}
