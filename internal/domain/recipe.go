package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// ScrapedContent is what a scrape adapter returns for one post. VideoURL is
// empty when the post carries no video.
type ScrapedContent struct {
	VideoURL  string   `json:"video_url,omitempty"`
	ImageURLs []string `json:"image_urls"`
	Caption   string   `json:"caption"`
	Author    string   `json:"author"`
	PostType  string   `json:"post_type,omitempty"`
	Duration  float64  `json:"duration,omitempty"`
}

type RecipeData struct {
	Title           string       `json:"title"`
	PrepTimeMinutes *int         `json:"prep_time_minutes,omitempty"`
	CookTimeMinutes *int         `json:"cook_time_minutes,omitempty"`
	Ingredients     []Ingredient `json:"ingredients"`
	Steps           []string     `json:"steps"`
	Tags            []string     `json:"tags"`
}

type Ingredient struct {
	Item     string   `json:"item"`
	Quantity Quantity `json:"quantity"`
	Unit     string   `json:"unit"`
}

// Quantity is an ingredient amount. Models answer with numbers ("2") as
// often as with ranges ("2-3"), so both decode into the same string form.
type Quantity string

func (q *Quantity) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*q = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*q = Quantity(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*q = Quantity(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}
