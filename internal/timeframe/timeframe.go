package timeframe

import (
	"fmt"
	"strings"
)

// aliases maps the spellings seen across the venue's push and REST
// surfaces onto one canonical key.
var aliases = map[string]string{
	"1m": "1m", "1min": "1m", "minute1": "1m",
	"5m": "5m", "5min": "5m", "minute5": "5m",
	"15m": "15m", "15min": "15m", "minute15": "15m",
	"30m": "30m", "30min": "30m", "minute30": "30m",
	"1h": "1h", "h1": "1h", "hour1": "1h",
	"4h": "4h", "h4": "4h", "hour4": "4h",
	"8h": "8h", "hour8": "8h",
	"12h": "12h", "hour12": "12h",
	"1d": "1d", "day1": "1d",
	"1w": "1w", "week1": "1w",
	"1mth": "1mth", "month1": "1mth",
}

// intervalSeconds is the wall-clock length of each canonical timeframe,
// used by the polling scheduler for boundary alignment.
var intervalSeconds = map[string]int64{
	"1m":  60,
	"5m":  300,
	"15m": 900,
	"30m": 1800,
	"1h":  3600,
	"4h":  14400,
	"8h":  28800,
	"12h": 43200,
	"1d":  86400,
}

// Normalize maps a timeframe alias to its canonical key. Unknown values
// pass through lowercased so new venue codes degrade gracefully.
func Normalize(tf string) string {
	t := strings.ToLower(strings.TrimSpace(tf))
	if canon, ok := aliases[t]; ok {
		return canon
	}
	return t
}

// IntervalSeconds returns the interval length for a canonical timeframe.
func IntervalSeconds(tf string) (int64, bool) {
	secs, ok := intervalSeconds[Normalize(tf)]
	return secs, ok
}

// Codes resolves between canonical timeframes and the venue-specific codes
// used on the push and REST surfaces. Both maps are keyed by canonical
// timeframe and come from configuration.
type Codes struct {
	push map[string]string
	rest map[string]string

	// fromPush is the inverse of push, resolved once at construction so
	// the router can map inbound kbar codes without scanning.
	fromPush map[string]string
}

// NewCodes builds a resolver from the configured code maps.
func NewCodes(push, rest map[string]string) *Codes {
	c := &Codes{
		push:     make(map[string]string, len(push)),
		rest:     make(map[string]string, len(rest)),
		fromPush: make(map[string]string, len(push)),
	}
	for tf, code := range push {
		canon := Normalize(tf)
		c.push[canon] = code
		c.fromPush[code] = canon
	}
	for tf, code := range rest {
		c.rest[Normalize(tf)] = code
	}
	return c
}

// Push returns the push-channel code for a canonical timeframe.
func (c *Codes) Push(tf string) (string, error) {
	code, ok := c.push[Normalize(tf)]
	if !ok {
		return "", fmt.Errorf("no push code for timeframe %q", tf)
	}
	return code, nil
}

// Rest returns the REST period code for a canonical timeframe.
func (c *Codes) Rest(tf string) (string, error) {
	code, ok := c.rest[Normalize(tf)]
	if !ok {
		return "", fmt.Errorf("no rest code for timeframe %q", tf)
	}
	return code, nil
}

// Canonical maps an inbound push code back to its canonical timeframe.
// Codes that were never configured normalize directly.
func (c *Codes) Canonical(pushCode string) string {
	if tf, ok := c.fromPush[pushCode]; ok {
		return tf
	}
	return Normalize(pushCode)
}
