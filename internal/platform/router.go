// Package platform classifies post URLs into the platforms the pipeline can
// scrape.
package platform

import (
	"net/url"
	"strings"
)

type Platform string

const (
	Instagram   Platform = "instagram"
	TikTok      Platform = "tiktok"
	YouTube     Platform = "youtube"
	Unsupported Platform = "unsupported"
)

// Content types are used for tagging stored recipes only.
const (
	ContentReel         = "reel"
	ContentTV           = "tv"
	ContentPost         = "post"
	ContentYouTubeShort = "youtube_short"
	ContentYouTubeVideo = "youtube_video"
	ContentTikTokVideo  = "tiktok_video"
	ContentUnknown      = "unknown"
)

type Classification struct {
	Platform    Platform
	ContentType string
}

func (c Classification) Supported() bool { return c.Platform != Unsupported }

type rule struct {
	platform    Platform
	hosts       []string
	contentType func(path string) string
}

// rules is the closed set of supported platforms. Adding a platform means
// adding one entry here and registering a scrape adapter for it.
var rules = []rule{
	{
		platform: Instagram,
		hosts:    []string{"instagram.com"},
		contentType: func(path string) string {
			switch {
			case strings.Contains(path, "/reel/"), strings.Contains(path, "/reels/"):
				return ContentReel
			case strings.Contains(path, "/tv/"):
				return ContentTV
			case strings.Contains(path, "/p/"):
				return ContentPost
			}
			return ContentUnknown
		},
	},
	{
		platform: YouTube,
		hosts:    []string{"youtube.com", "youtu.be"},
		contentType: func(path string) string {
			if strings.HasPrefix(path, "/shorts/") {
				return ContentYouTubeShort
			}
			return ContentYouTubeVideo
		},
	},
	{
		platform:    TikTok,
		hosts:       []string{"tiktok.com"},
		contentType: func(string) string { return ContentTikTokVideo },
	},
}

// Classify maps rawURL to a platform and content type. It never fails:
// anything it does not recognise is Unsupported.
func Classify(rawURL string) Classification {
	unsupported := Classification{Platform: Unsupported, ContentType: ContentUnknown}

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return unsupported
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return unsupported
	}
	host := strings.ToLower(u.Hostname())
	path := strings.ToLower(u.Path) + "/"

	for _, r := range rules {
		for _, h := range r.hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				return Classification{Platform: r.platform, ContentType: r.contentType(path)}
			}
		}
	}
	return unsupported
}

// Supported lists the platforms Classify can return other than Unsupported.
func Supported() []Platform {
	out := make([]Platform, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.platform)
	}
	return out
}
