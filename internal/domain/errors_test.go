package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindSurvivesWrapping(t *testing.T) {
	base := Transient(KindScrape, errors.New("apify returned 503"))
	wrapped := fmt.Errorf("scrape instagram: %w", base)

	assert.True(t, IsTransient(wrapped))
	assert.Equal(t, KindScrape, KindOf(wrapped))
	assert.False(t, IsTransient(Permanent(KindNoMedia, errors.New("nothing"))))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestSummaryIsOneBoundedLine(t *testing.T) {
	err := errors.New("ffmpeg failed: exit status 1\nStderr: lots of noise")
	assert.Equal(t, "ffmpeg failed: exit status 1", Summary(err))

	long := errors.New(strings.Repeat("x", 2000))
	got := Summary(long)
	assert.Len(t, got, maxSummaryLen)
	assert.True(t, strings.HasSuffix(got, "..."))

	assert.Equal(t, "", Summary(nil))
}

func TestSummaryKeepsUTF8Intact(t *testing.T) {
	caption := errors.New("ab" + strings.Repeat("🍝", 300))
	got := Summary(caption)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxSummaryLen)
	assert.True(t, strings.HasPrefix(got, "ab🍝"))
	assert.True(t, strings.HasSuffix(got, "🍝..."))

	cjk := errors.New(strings.Repeat("面", 400))
	got = Summary(cjk)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxSummaryLen)

	broken := errors.New("upstream said \xff\xfe then stopped")
	assert.Equal(t, "upstream said \uFFFD then stopped", Summary(broken))
}

func TestQuantityAcceptsStringsAndNumbers(t *testing.T) {
	var ing []Ingredient
	raw := `[{"item":"flour","quantity":200,"unit":"g"},
	         {"item":"eggs","quantity":"2-3","unit":""},
	         {"item":"salt","quantity":0.5,"unit":"tsp"},
	         {"item":"water","quantity":null,"unit":"ml"}]`
	require.NoError(t, json.Unmarshal([]byte(raw), &ing))

	assert.Equal(t, Quantity("200"), ing[0].Quantity)
	assert.Equal(t, Quantity("2-3"), ing[1].Quantity)
	assert.Equal(t, Quantity("0.5"), ing[2].Quantity)
	assert.Equal(t, Quantity(""), ing[3].Quantity)
}
