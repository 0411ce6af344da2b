package extraction

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
)

// Document is one fetched capture body handed to the cascade.
type Document struct {
	Capture     capture.Capture
	Body        []byte
	ContentType string
}

// Tier is one extraction stage. Extract returns the extracted text;
// short text is not an error, the cascade compares it against the
// minimum itself.
type Tier interface {
	Name() string
	Extract(ctx context.Context, doc Document) (string, error)
}

// readabilityTier runs main-content extraction for prose pages.
type readabilityTier struct{}

func (readabilityTier) Name() string { return "T1" }

func (readabilityTier) Extract(ctx context.Context, doc Document) (string, error) {
	pageURL, err := url.Parse(doc.Capture.OriginalURL)
	if err != nil {
		pageURL = &url.URL{}
	}
	article, err := readability.FromReader(bytes.NewReader(doc.Body), pageURL)
	if err != nil {
		return "", errors.NewTransientError("PARSE_FAILED", "parsing document").WithCause(err)
	}
	return strings.TrimSpace(article.TextContent), nil
}

// newsTier pulls headline, byline, and paragraph content from
// news-style markup.
type newsTier struct{}

func (newsTier) Name() string { return "T2" }

func (newsTier) Extract(ctx context.Context, doc Document) (string, error) {
	gq, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return "", errors.NewTransientError("PARSE_FAILED", "parsing document").WithCause(err)
	}

	var parts []string
	appendText := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" {
			parts = append(parts, s)
		}
	}

	gq.Find("h1, h2").Each(func(_ int, sel *goquery.Selection) {
		appendText(sel.Text())
	})
	gq.Find(`[itemprop="author"], .byline, [rel="author"]`).Each(func(_ int, sel *goquery.Selection) {
		appendText(sel.Text())
	})
	gq.Find("article p, main p, .article-body p, .story-body p, p").Each(func(_ int, sel *goquery.Selection) {
		appendText(sel.Text())
	})

	return strings.Join(parts, "\n"), nil
}

// genericTier walks the raw HTML tree collecting visible text. The
// fallback of last resort before reach-through.
type genericTier struct{}

func (genericTier) Name() string { return "T3" }

func (genericTier) Extract(ctx context.Context, doc Document) (string, error) {
	root, err := html.Parse(bytes.NewReader(doc.Body))
	if err != nil {
		return "", errors.NewTransientError("PARSE_FAILED", "parsing document").WithCause(err)
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				sb.WriteString(text)
				sb.WriteByte('\n')
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return strings.TrimSpace(sb.String()), nil
}

// reachthroughTier re-fetches the capture through the historical
// archive's replay URL when the direct bytes fail to yield text. All
// calls queue on the shared FIFO limiter to respect the archive's
// published rate ceiling.
type reachthroughTier struct {
	httpClient *http.Client
	limiter    *TicketLimiter
	baseURL    string
}

func newReachthroughTier(limiter *TicketLimiter, timeout time.Duration) *reachthroughTier {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &reachthroughTier{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		baseURL:    "https://web.archive.org/web",
	}
}

func (reachthroughTier) Name() string { return "T4" }

func (t *reachthroughTier) Extract(ctx context.Context, doc Document) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", errors.NewRateLimitedError("reach-through limiter wait exceeded deadline").WithCause(err)
	}

	replayURL := fmt.Sprintf("%s/%s/%s", t.baseURL, doc.Capture.NormalizedTimestamp(), doc.Capture.OriginalURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, replayURL, nil)
	if err != nil {
		return "", errors.NewInternalError("building reach-through request").WithCause(err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", errors.NewUpstreamUnavailableError("archive-replay", "reach-through fetch failed").WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return "", errors.NewClientError("REPLAY_NOT_FOUND", "capture not available through replay")
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", errors.NewUpstreamUnavailableError("archive-replay", "replay throttling")
	case resp.StatusCode >= 500:
		return "", errors.NewTransientError("REPLAY_SERVER_ERROR",
			fmt.Sprintf("replay returned %d", resp.StatusCode))
	default:
		return "", errors.NewClientError("REPLAY_UNEXPECTED_STATUS",
			fmt.Sprintf("replay returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", errors.NewTransientError("REPLAY_READ_FAILED", "reading replay body").WithCause(err)
	}

	refetched := doc
	refetched.Body = body
	return readabilityTier{}.Extract(ctx, refetched)
}
