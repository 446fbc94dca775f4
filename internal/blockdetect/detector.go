// Package blockdetect classifies whether a page is an anti-bot, rate-limit or
// access-denied interstitial instead of the content a flow expects.
package blockdetect

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Type names the class of block detected.
type Type string

const (
	TypeQrator     Type = "qrator"
	TypeCloudflare Type = "cloudflare"
	TypeCaptcha    Type = "captcha"
	TypeRateLimit  Type = "rate_limit"
	TypeForbidden  Type = "forbidden"
)

const (
	// keywordWindow is how much of the page source is scanned for keywords.
	keywordWindow = 2000
	// DefaultSnippetLength bounds the HTML kept with a block record.
	DefaultSnippetLength = 1000
)

type rule struct {
	typ      Type
	keywords []string
}

// rules are evaluated in order; the first matching type wins, so the more
// specific vendors precede the generic classes.
var rules = []rule{
	{TypeQrator, []string{"403 error", "access is forbidden", "qrator", "guru meditation"}},
	{TypeCloudflare, []string{"cloudflare", "checking your browser", "ddos protection", "cf-browser-verification"}},
	{TypeCaptcha, []string{"captcha", "recaptcha", "hcaptcha", "verify you are human"}},
	{TypeRateLimit, []string{"429", "too many requests", "rate limit", "slow down"}},
	{TypeForbidden, []string{"403", "forbidden", "access denied"}},
}

// statusPatterns are tried in priority order. The last one recognizes the
// "<code> <reason phrase>" form error pages use as their title.
var statusPatterns = []*regexp.Regexp{
	regexp.MustCompile(`http (\d{3})`),
	regexp.MustCompile(`(\d{3}) error`),
	regexp.MustCompile(`error (\d{3})`),
	regexp.MustCompile(`status[:\s]+(\d{3})`),
	regexp.MustCompile(`\b([45]\d{2}) (?:not found|forbidden|unauthorized|too many requests|bad gateway|service unavailable|gateway timeout|internal server error)`),
}

// Page is the read-only view of the browser the detector needs.
type Page interface {
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	PageSource(ctx context.Context) (string, error)
}

// Info describes a detected block.
type Info struct {
	Type Type
	// HTTPStatus is zero when no status code was found in the page.
	HTTPStatus  int
	Reason      string
	BlockedURL  string
	HTMLSnippet string
	// MatchedKeyword is the keyword that triggered the classification.
	MatchedKeyword string
}

// Detector inspects page state after each step.
type Detector struct {
	logger        *zap.Logger
	snippetLength int
}

// New creates a detector. snippetLength <= 0 selects DefaultSnippetLength.
func New(logger *zap.Logger, snippetLength int) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if snippetLength <= 0 {
		snippetLength = DefaultSnippetLength
	}
	return &Detector{logger: logger.Named("blockdetect"), snippetLength: snippetLength}
}

// Check reports whether the page is a block page. expectedURL is advisory: a
// mismatch is logged but never decides the outcome. A page whose state cannot
// be read is reported as not blocked.
func (d *Detector) Check(ctx context.Context, page Page, expectedURL string) (bool, *Info) {
	current, err := page.CurrentURL(ctx)
	if err != nil {
		d.logger.Debug("Could not read page URL for block check", zap.Error(err))
		return false, nil
	}
	title, err := page.Title(ctx)
	if err != nil {
		d.logger.Debug("Could not read page title for block check", zap.Error(err))
		return false, nil
	}
	source, err := page.PageSource(ctx)
	if err != nil {
		d.logger.Debug("Could not read page source for block check", zap.Error(err))
		return false, nil
	}

	if expectedURL != "" && !URLMatches(current, expectedURL) {
		d.logger.Warn("Soft redirect: page URL differs from expected",
			zap.String("current", current),
			zap.String("expected", expectedURL))
	}

	info := Classify(source, title)
	if info == nil {
		return false, nil
	}
	info.BlockedURL = current
	info.HTMLSnippet = truncate(source, d.snippetLength)

	d.logger.Warn("Block page detected",
		zap.String("block_type", string(info.Type)),
		zap.Int("http_status", info.HTTPStatus),
		zap.String("keyword", info.MatchedKeyword),
		zap.String("url", current))
	return true, info
}

// Classify inspects page text alone. It returns nil when no rule matches.
func Classify(source, title string) *Info {
	head := strings.ToLower(truncate(source, keywordWindow))
	lowerTitle := strings.ToLower(title)

	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(head, kw) || strings.Contains(lowerTitle, kw) {
				return &Info{
					Type:           r.typ,
					HTTPStatus:     ExtractStatus(head + " " + lowerTitle),
					Reason:         "matched keyword: " + kw,
					MatchedKeyword: kw,
				}
			}
		}
	}
	return nil
}

// ExtractStatus finds an HTTP status code in page text, or returns 0.
func ExtractStatus(text string) int {
	lower := strings.ToLower(text)
	for _, re := range statusPatterns {
		if m := re.FindStringSubmatch(lower); m != nil {
			code, err := strconv.Atoi(m[1])
			if err == nil {
				return code
			}
		}
	}
	return 0
}

// URLMatches reports whether two URLs share a host and one path is a prefix
// of the other. Comparison is case-insensitive and trailing slashes are ignored.
func URLMatches(current, expected string) bool {
	cu, err := url.Parse(strings.ToLower(current))
	if err != nil {
		return false
	}
	eu, err := url.Parse(strings.ToLower(expected))
	if err != nil {
		return false
	}
	if cu.Host != eu.Host {
		return false
	}
	cp := strings.TrimSuffix(cu.Path, "/")
	ep := strings.TrimSuffix(eu.Path, "/")
	return strings.HasPrefix(cp, ep) || strings.HasPrefix(ep, cp)
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for idx := range s {
		if i == n {
			return s[:idx]
		}
		i++
	}
	return s
}
