package capture

import (
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// CDXObject is the Common Crawl index API wire format: one JSON object
// per capture, locator fields included.
type CDXObject struct {
	Timestamp string `json:"timestamp"`
	URL       string `json:"url"`
	Filename  string `json:"filename"`
	Offset    string `json:"offset"`
	Length    string `json:"length"`
	Status    string `json:"status"`
	Mime      string `json:"mime"`
	Digest    string `json:"digest"`
}

// FromWayback builds a Capture from a space-delimited Wayback CDX row:
// timestamp original_url mime status digest length. Well-formed input
// never fails; a malformed timestamp defaults to the epoch with a logged
// warning.
func FromWayback(row string, logger *zap.Logger) Capture {
	fields := strings.Fields(row)
	c := Capture{Source: SourceWayback}
	if len(fields) > 0 {
		c.RawTimestamp = fields[0]
	}
	if len(fields) > 1 {
		c.OriginalURL = fields[1]
	}
	if len(fields) > 2 && fields[2] != "-" {
		c.MimeType = fields[2]
	}
	if len(fields) > 3 {
		c.StatusCode = parseIntField(fields[3])
	}
	if len(fields) > 4 && fields[4] != "-" {
		c.Digest = fields[4]
	}
	if len(fields) > 5 {
		c.Length = parseInt64Field(fields[5])
	}

	ts, ok := ParseTimestamp(c.RawTimestamp)
	if !ok && logger != nil {
		logger.Warn("malformed wayback timestamp, defaulting to epoch",
			zap.String("timestamp", c.RawTimestamp),
			zap.String("url", c.OriginalURL))
	}
	c.Timestamp = ts
	return c
}

// FromCommonCrawl builds a Capture from a Common Crawl CDX object.
// Well-formed input never fails; a malformed timestamp defaults to the
// epoch with a logged warning.
func FromCommonCrawl(obj CDXObject, logger *zap.Logger) Capture {
	c := Capture{
		RawTimestamp: obj.Timestamp,
		OriginalURL:  obj.URL,
		MimeType:     obj.Mime,
		StatusCode:   parseIntField(obj.Status),
		Digest:       obj.Digest,
		Length:       parseInt64Field(obj.Length),
		Source:       SourceCommonCrawl,
	}
	if obj.Filename != "" {
		c.Locator = &WARCLocator{
			Filename: obj.Filename,
			Offset:   parseInt64Field(obj.Offset),
			Length:   parseInt64Field(obj.Length),
		}
	}

	ts, ok := ParseTimestamp(c.RawTimestamp)
	if !ok && logger != nil {
		logger.Warn("malformed common crawl timestamp, defaulting to epoch",
			zap.String("timestamp", c.RawTimestamp),
			zap.String("url", c.OriginalURL))
	}
	c.Timestamp = ts
	return c
}

// WithSource returns a copy of c re-attributed to the given source.
// Proxied and direct-index strategies reuse the Common Crawl factory and
// re-tag the result.
func (c Capture) WithSource(s Source) Capture {
	c.Source = s
	return c
}

// ToWaybackRow renders a Wayback-sourced capture back into its CDX row
// form. FromWayback(ToWaybackRow(c)) == c for any Wayback capture.
func (c Capture) ToWaybackRow() string {
	mime := c.MimeType
	if mime == "" {
		mime = "-"
	}
	digest := c.Digest
	if digest == "" {
		digest = "-"
	}
	return strings.Join([]string{
		c.RawTimestamp,
		c.OriginalURL,
		mime,
		strconv.Itoa(c.StatusCode),
		digest,
		strconv.FormatInt(c.Length, 10),
	}, " ")
}
