package capture

import (
	"fmt"
	"strings"
)

// FilterCategory names the filter that produced a decision.
type FilterCategory string

const (
	CategoryStaticAsset FilterCategory = "static_asset"
	CategoryListPage    FilterCategory = "list_page"
	CategorySizeType    FilterCategory = "size_type"
	CategoryDuplicate   FilterCategory = "duplicate"
)

// Decision is the outcome of running a capture through the filter
// pipeline. Filtering never mutates a Capture; decisions are carried as a
// parallel record.
type Decision struct {
	Kept        bool           `json:"kept"`
	Reason      string         `json:"reason,omitempty"`
	Category    FilterCategory `json:"category,omitempty"`
	Details     string         `json:"details,omitempty"`
	CanOverride bool           `json:"can_be_manually_overridden"`
	Priority    int            `json:"priority_hint"` // 1..10, higher = more confident
}

func kept() Decision {
	return Decision{Kept: true}
}

func filtered(cat FilterCategory, reason, details string, canOverride bool, priority int) Decision {
	return Decision{
		Kept:        false,
		Reason:      reason,
		Category:    cat,
		Details:     details,
		CanOverride: canOverride,
		Priority:    priority,
	}
}

// staticExtensions are file extensions whose captures carry no prose.
var staticExtensions = []string{
	".css", ".js", ".mjs", ".map",
	".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".bmp", ".tiff", ".avif",
	".woff", ".woff2", ".ttf", ".eot", ".otf",
	".mp3", ".mp4", ".webm", ".ogg", ".wav", ".avi", ".mov", ".flv",
	".zip", ".gz", ".tar", ".rar", ".7z", ".bz2",
	".exe", ".dmg", ".apk", ".msi", ".deb", ".rpm",
	".swf", ".wasm",
}

// staticMimePrefixes cover assets served without a telltale extension.
var staticMimePrefixes = []string{
	"image/", "font/", "audio/", "video/",
	"application/javascript", "application/x-javascript",
	"text/css", "application/octet-stream",
	"application/zip", "application/x-shockwave-flash",
}

// ListPageRule is one list/index page pattern. Rules are matched against
// the lowercased URL; path-component rules require a full path segment,
// query rules match the query string.
type ListPageRule struct {
	Pattern string
	Kind    ListRuleKind
}

type ListRuleKind int

const (
	RulePathSegment ListRuleKind = iota
	RulePathSuffix
	RuleQueryFragment
)

// DefaultListPageRules returns the built-in list-page rule set. Callers
// may extend or replace it through FilterConfig.
func DefaultListPageRules() []ListPageRule {
	segments := []string{
		"tag", "tags", "category", "categories", "archive", "archives",
		"author", "authors", "page", "pages", "topic", "topics",
		"search", "label", "labels", "section", "sections", "index",
		"sitemap", "feed", "feeds", "rss", "atom", "blog-page",
		"date", "month", "year", "calendar", "browse", "listing",
		"directory", "catalog", "glossary", "all-posts", "all",
	}
	suffixes := []string{
		"/sitemap.xml", "/robots.txt", "/feed/", "/rss/", "/atom/",
		"/index.xml", "/sitemap_index.xml",
	}
	queries := []string{
		"page=", "paged=", "offset=", "start=", "cat=", "tag=",
		"author=", "orderby=", "sort=", "filter=", "s=", "q=",
	}
	rules := make([]ListPageRule, 0, len(segments)+len(suffixes)+len(queries))
	for _, s := range segments {
		rules = append(rules, ListPageRule{Pattern: s, Kind: RulePathSegment})
	}
	for _, s := range suffixes {
		rules = append(rules, ListPageRule{Pattern: s, Kind: RulePathSuffix})
	}
	for _, q := range queries {
		rules = append(rules, ListPageRule{Pattern: q, Kind: RuleQueryFragment})
	}
	return rules
}

// FilterConfig tunes the filter pipeline.
type FilterConfig struct {
	// MinLength and MaxLength bound the reported capture length; zero
	// disables the respective bound.
	MinLength int64
	MaxLength int64
	// AllowedMimePrefixes keeps only captures whose MIME matches one of
	// the prefixes. Empty means text/html plus common prose types.
	AllowedMimePrefixes []string
	// ExtraListPageRules are appended to the default rule set.
	ExtraListPageRules []ListPageRule
	// PreferenceOrder breaks duplicate ties: earlier sources win.
	PreferenceOrder []Source
}

// DefaultFilterConfig returns the pipeline defaults.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		MinLength:           0,
		MaxLength:           0,
		AllowedMimePrefixes: []string{"text/html", "application/xhtml", "text/plain"},
		PreferenceOrder: []Source{
			SourceWayback, SourceCommonCrawl, SourceProxiedCommonCrawl,
			SourceDirectIndex, SourceSecondary,
		},
	}
}

// Pipeline applies the four capture filters in fixed order:
// static-asset, list-page, size/type, duplicate. The duplicate filter is
// batch-wise so it can observe siblings. When a capture matches multiple
// filters, the first match wins.
type Pipeline struct {
	cfg   FilterConfig
	rules []ListPageRule
}

// NewPipeline builds a filter pipeline from cfg.
func NewPipeline(cfg FilterConfig) *Pipeline {
	rules := DefaultListPageRules()
	rules = append(rules, cfg.ExtraListPageRules...)
	return &Pipeline{cfg: cfg, rules: rules}
}

// Apply runs the batch through the pipeline and returns one decision per
// capture, index-aligned with the input.
func (p *Pipeline) Apply(batch []Capture) []Decision {
	decisions := make([]Decision, len(batch))
	// seen maps duplicate keys to the index of the capture that claimed
	// them. Ties prefer earlier sources in the preference order, then
	// input order.
	seen := make(map[string]int, len(batch))

	for i, c := range batch {
		if d := p.filterStaticAsset(c); !d.Kept {
			decisions[i] = d
			continue
		}
		if d := p.filterListPage(c); !d.Kept {
			decisions[i] = d
			continue
		}
		if d := p.filterSizeType(c); !d.Kept {
			decisions[i] = d
			continue
		}

		key := p.duplicateKey(c)
		if prev, ok := seen[key]; ok {
			if p.sourceRank(c.EffectiveSource()) < p.sourceRank(batch[prev].EffectiveSource()) {
				// The later capture comes from a preferred source; swap
				// which one survives.
				decisions[prev] = filtered(CategoryDuplicate, "duplicate capture",
					fmt.Sprintf("superseded by preferred source %s", c.EffectiveSource()), true, 4)
				seen[key] = i
				decisions[i] = kept()
			} else {
				decisions[i] = filtered(CategoryDuplicate, "duplicate capture",
					fmt.Sprintf("duplicate of capture %d", prev), true, 4)
			}
			continue
		}
		seen[key] = i
		decisions[i] = kept()
	}
	return decisions
}

// Keep returns the captures whose decisions kept them.
func Keep(batch []Capture, decisions []Decision) []Capture {
	out := make([]Capture, 0, len(batch))
	for i, c := range batch {
		if i < len(decisions) && decisions[i].Kept {
			out = append(out, c)
		}
	}
	return out
}

func (p *Pipeline) filterStaticAsset(c Capture) Decision {
	lower := strings.ToLower(c.OriginalURL)
	if idx := strings.IndexAny(lower, "?#"); idx >= 0 {
		lower = lower[:idx]
	}
	for _, ext := range staticExtensions {
		if strings.HasSuffix(lower, ext) {
			return filtered(CategoryStaticAsset, "static asset extension", ext, false, 9)
		}
	}
	mime := strings.ToLower(c.MimeType)
	for _, prefix := range staticMimePrefixes {
		if strings.HasPrefix(mime, prefix) {
			return filtered(CategoryStaticAsset, "static asset mime type", mime, false, 8)
		}
	}
	return kept()
}

func (p *Pipeline) filterListPage(c Capture) Decision {
	lower := strings.ToLower(c.OriginalURL)
	path := lower
	query := ""
	if idx := strings.Index(lower, "?"); idx >= 0 {
		path = lower[:idx]
		query = lower[idx+1:]
	}
	if idx := strings.Index(path, "://"); idx >= 0 {
		if slash := strings.Index(path[idx+3:], "/"); slash >= 0 {
			path = path[idx+3+slash:]
		} else {
			path = "/"
		}
	}

	for _, rule := range p.rules {
		switch rule.Kind {
		case RulePathSegment:
			if containsSegment(path, rule.Pattern) {
				return filtered(CategoryListPage, "list page path component", rule.Pattern, true, 6)
			}
		case RulePathSuffix:
			if strings.HasSuffix(path, rule.Pattern) || strings.HasSuffix(path+"/", rule.Pattern) {
				return filtered(CategoryListPage, "list page path", rule.Pattern, true, 7)
			}
		case RuleQueryFragment:
			if query != "" && strings.Contains(query, rule.Pattern) {
				return filtered(CategoryListPage, "list page query fragment", rule.Pattern, true, 5)
			}
		}
	}
	return kept()
}

func (p *Pipeline) filterSizeType(c Capture) Decision {
	if p.cfg.MinLength > 0 && c.Length > 0 && c.Length < p.cfg.MinLength {
		return filtered(CategorySizeType, "below minimum length",
			fmt.Sprintf("%d < %d", c.Length, p.cfg.MinLength), true, 5)
	}
	if p.cfg.MaxLength > 0 && c.Length > p.cfg.MaxLength {
		return filtered(CategorySizeType, "above maximum length",
			fmt.Sprintf("%d > %d", c.Length, p.cfg.MaxLength), true, 5)
	}
	if len(p.cfg.AllowedMimePrefixes) > 0 && c.MimeType != "" {
		mime := strings.ToLower(c.MimeType)
		for _, prefix := range p.cfg.AllowedMimePrefixes {
			if strings.HasPrefix(mime, prefix) {
				return kept()
			}
		}
		return filtered(CategorySizeType, "mime type not allowed", mime, true, 6)
	}
	return kept()
}

// duplicateKey keys on digest when available, otherwise on the
// (url, normalized timestamp) pair.
func (p *Pipeline) duplicateKey(c Capture) string {
	if c.Digest != "" {
		return "digest\x00" + c.Digest
	}
	return "url\x00" + c.OriginalURL + "\x00" + c.NormalizedTimestamp()
}

func (p *Pipeline) sourceRank(s Source) int {
	for i, pref := range p.cfg.PreferenceOrder {
		if pref == s {
			return i
		}
	}
	return len(p.cfg.PreferenceOrder)
}

func containsSegment(path, segment string) bool {
	for rest := path; ; {
		idx := strings.Index(rest, "/"+segment)
		if idx < 0 {
			return false
		}
		after := rest[idx+1+len(segment):]
		if after == "" || after[0] == '/' || after[0] == '.' {
			return true
		}
		rest = rest[idx+1:]
	}
}
