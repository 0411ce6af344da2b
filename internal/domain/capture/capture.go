package capture

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Source identifies which archive access path produced a capture.
type Source string

const (
	SourceWayback            Source = "WAYBACK"
	SourceCommonCrawl        Source = "COMMON_CRAWL"
	SourceSecondary          Source = "SECONDARY"
	SourceProxiedCommonCrawl Source = "PROXIED_COMMON_CRAWL"
	SourceDirectIndex        Source = "DIRECT_INDEX"
)

// packedTimestampLayout is the Wayback CDX timestamp form (YYYYMMDDHHMMSS).
const packedTimestampLayout = "20060102150405"

// WARCLocator addresses one record inside a WARC blob via ranged reads.
type WARCLocator struct {
	Filename string `json:"filename"`
	Offset   int64  `json:"offset"`
	Length   int64  `json:"length"`
}

// Capture represents one archived snapshot of one URL at one instant.
// The raw provider timestamp string is kept alongside the parsed instant
// so provider wire formats round-trip losslessly.
type Capture struct {
	RawTimestamp string       `json:"timestamp"`
	Timestamp    time.Time    `json:"parsed_timestamp"`
	OriginalURL  string       `json:"original_url"`
	MimeType     string       `json:"mime_type"`
	StatusCode   int          `json:"status_code"`
	Digest       string       `json:"digest"`
	Length       int64        `json:"length"`
	Source       Source       `json:"source"`
	Locator      *WARCLocator `json:"warc_locator,omitempty"`

	// ExtractionFailed is set by the extraction cascade when all tiers
	// yield below-minimum text for this capture.
	ExtractionFailed bool `json:"extraction_failed,omitempty"`
}

// EffectiveSource returns the capture's source, treating the zero value
// as Wayback. Records constructed before sources were tracked predate
// the multi-provider router and were all Wayback captures.
func (c Capture) EffectiveSource() Source {
	if c.Source == "" {
		return SourceWayback
	}
	return c.Source
}

// Identity is the dedup key within a single query: digest uniqueness is
// not guaranteed across providers, so identity is positional.
func (c Capture) Identity() string {
	return c.OriginalURL + "\x00" + c.NormalizedTimestamp() + "\x00" + string(c.EffectiveSource())
}

// NormalizedTimestamp returns the capture instant in packed-digit form
// regardless of how the provider reported it.
func (c Capture) NormalizedTimestamp() string {
	if !c.Timestamp.IsZero() {
		return c.Timestamp.UTC().Format(packedTimestampLayout)
	}
	return c.RawTimestamp
}

// ArchiveURL computes where the capture's bytes can be fetched from.
// Wayback-sourced captures replay through the web archive; Common Crawl
// captures with a WARC locator resolve to a ranged read against the
// crawl data bucket. Anything else falls back to the original URL.
func (c Capture) ArchiveURL() string {
	switch c.EffectiveSource() {
	case SourceWayback, SourceSecondary:
		return fmt.Sprintf("https://web.archive.org/web/%s/%s", c.NormalizedTimestamp(), c.OriginalURL)
	case SourceCommonCrawl, SourceProxiedCommonCrawl, SourceDirectIndex:
		if c.Locator != nil && c.Locator.Filename != "" {
			return fmt.Sprintf("https://data.commoncrawl.org/%s?offset=%d&length=%d",
				c.Locator.Filename, c.Locator.Offset, c.Locator.Length)
		}
	}
	// No locator to resolve through; callers treat this as a direct fetch.
	return c.OriginalURL
}

// Host returns the lowercased hostname of the original URL, or the raw
// value when it does not parse as a URL.
func (c Capture) Host() string {
	u, err := url.Parse(c.OriginalURL)
	if err != nil || u.Host == "" {
		return strings.ToLower(c.OriginalURL)
	}
	return strings.ToLower(u.Hostname())
}

// ParseTimestamp accepts either packed-digit (YYYYMMDDHHMMSS, possibly
// truncated) or ISO-8601 provider timestamps. The boolean reports whether
// parsing succeeded; callers default to the epoch on failure.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Unix(0, 0).UTC(), false
	}
	if isDigits(raw) {
		// Providers truncate packed timestamps to whatever precision they
		// have; pad with zeroes up to full seconds precision.
		padded := raw
		if len(padded) < len(packedTimestampLayout) {
			padded += strings.Repeat("0", len(packedTimestampLayout)-len(padded))
		} else if len(padded) > len(packedTimestampLayout) {
			padded = padded[:len(packedTimestampLayout)]
		}
		if ts, err := time.ParseInLocation(packedTimestampLayout, padded, time.UTC); err == nil {
			return ts, true
		}
		return time.Unix(0, 0).UTC(), false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Unix(0, 0).UTC(), false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func parseIntField(s string) int {
	if s == "" || s == "-" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func parseInt64Field(s string) int64 {
	if s == "" || s == "-" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
