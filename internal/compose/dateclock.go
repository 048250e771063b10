package compose

import (
	"net/http"
	"time"
)

// DateClock caches a formatted RFC 1123 HTTP date string, refreshed once
// per calendar second rather than on every response.
type DateClock struct {
	second int64
	value  string
}

// NewDateClock returns a clock already primed with the current time.
func NewDateClock() *DateClock {
	c := &DateClock{}
	c.Refresh(time.Now())
	return c
}

// Refresh updates the cached date string if now falls in a new calendar
// second, and reports whether the second advanced.
func (c *DateClock) Refresh(now time.Time) bool {
	sec := now.Unix()
	if sec == c.second {
		return false
	}
	c.second = sec
	c.value = now.UTC().Format(http.TimeFormat)
	return true
}

// String returns the most recently cached date string.
func (c *DateClock) String() string { return c.value }
