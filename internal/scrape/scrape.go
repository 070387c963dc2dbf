// Package scrape fetches raw post content (media URLs, caption, author) from
// the supported platforms.
package scrape

import (
	"context"
	"fmt"
	"sort"

	"github.com/yourorg/eylo/internal/domain"
	"github.com/yourorg/eylo/internal/platform"
)

// Adapter scrapes one platform.
type Adapter interface {
	Scrape(ctx context.Context, url string) (*domain.ScrapedContent, error)
}

// AdapterFunc lets a plain function act as an Adapter.
type AdapterFunc func(ctx context.Context, url string) (*domain.ScrapedContent, error)

func (f AdapterFunc) Scrape(ctx context.Context, url string) (*domain.ScrapedContent, error) {
	return f(ctx, url)
}

// Registry maps platforms to their adapters. It is built once at startup
// and read-only afterwards.
type Registry struct {
	adapters map[platform.Platform]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[platform.Platform]Adapter)}
}

func (r *Registry) Register(p platform.Platform, a Adapter) {
	r.adapters[p] = a
}

func (r *Registry) Lookup(p platform.Platform) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, domain.Permanent(domain.KindUnsupportedPlatform,
			fmt.Errorf("no scraper registered for platform %q", p))
	}
	return a, nil
}

// Scrape dispatches to the adapter registered for p.
func (r *Registry) Scrape(ctx context.Context, url string, p platform.Platform) (*domain.ScrapedContent, error) {
	a, err := r.Lookup(p)
	if err != nil {
		return nil, err
	}
	return a.Scrape(ctx, url)
}

func (r *Registry) Platforms() []platform.Platform {
	out := make([]platform.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
