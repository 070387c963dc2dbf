package domain

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrorKind classifies pipeline failures. Retry policy is decided by the
// kind and the Transient flag, never by the call site.
type ErrorKind string

const (
	KindUnsupportedPlatform ErrorKind = "unsupported_platform"
	KindScrape              ErrorKind = "scrape"
	KindExtraction          ErrorKind = "extraction"
	KindNoMedia             ErrorKind = "no_media"
	KindPersistence         ErrorKind = "persistence"
	KindQueueUnavailable    ErrorKind = "queue_unavailable"
)

// maxSummaryLen bounds the message persisted on a failed job.
const maxSummaryLen = 500

// Error wraps a pipeline failure with its kind.
type Error struct {
	Kind      ErrorKind
	Transient bool
	Err       error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Permanent marks err as a failure that retrying cannot fix.
func Permanent(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Transient marks err as a failure that may succeed on a later attempt.
func Transient(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Transient: true, Err: err}
}

func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Transient
}

// KindOf returns the kind of the outermost domain error in err's chain, or
// "" when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Summary renders err as the one-line message stored on a failed job. The
// result is valid UTF-8 and at most maxSummaryLen bytes.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToValidUTF8(strings.TrimSpace(err.Error()), "\uFFFD")
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = strings.TrimSpace(msg[:i])
	}
	if len(msg) > maxSummaryLen {
		cut := maxSummaryLen - 3
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	if msg == "" {
		msg = "unknown error"
	}
	return msg
}
