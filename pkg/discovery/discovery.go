package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/x-dm-automation/pkg/logger"
	"github.com/x-dm-automation/pkg/pacing"
)

const (
	xBaseURL   = "https://x.com"
	xSearchURL = "https://x.com/search"

	primaryColumnSelector = "div[data-testid='primaryColumn']"
)

var handlePath = regexp.MustCompile(`^/[0-9A-Za-z_]{1,15}$`)

// Paths that look like handles but are site sections.
var blockedPaths = map[string]bool{
	"home":          true,
	"explore":       true,
	"notifications": true,
	"messages":      true,
	"compose":       true,
	"search":        true,
	"settings":      true,
	"i":             true,
	"login":         true,
	"logout":        true,
	"tos":           true,
	"privacy":       true,
}

var profileHosts = map[string]bool{
	"":                true,
	"x.com":           true,
	"www.x.com":       true,
	"twitter.com":     true,
	"www.twitter.com": true,
	"mobile.x.com":    true,
}

// Page is what discovery needs from the browser session.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) bool
	Evaluate(ctx context.Context, script string, dst interface{}, args ...interface{}) error
	Scroll(ctx context.Context) error
}

// ProfileExtractor is one DOM heuristic for finding profile links on a
// search results page.
type ProfileExtractor interface {
	Name() string
	Script() ScriptID
}

type scriptExtractor struct {
	id ScriptID
}

func (e scriptExtractor) Name() string     { return e.id.String() }
func (e scriptExtractor) Script() ScriptID { return e.id }

func ArticleAuthor() ProfileExtractor      { return scriptExtractor{ScriptArticleAuthor} }
func UserCell() ProfileExtractor           { return scriptExtractor{ScriptUserCell} }
func PrimaryColumnLinks() ProfileExtractor { return scriptExtractor{ScriptPrimaryColumnLinks} }
func HandleText() ProfileExtractor         { return scriptExtractor{ScriptHandleText} }

// DefaultExtractors is the fallback chain in priority order.
func DefaultExtractors() []ProfileExtractor {
	return []ProfileExtractor{
		ArticleAuthor(),
		UserCell(),
		PrimaryColumnLinks(),
		HandleText(),
	}
}

type Finder struct {
	page       Page
	extractors []ProfileExtractor
	log        *logger.Logger

	ContentTimeout time.Duration
	SettleDelay    time.Duration
	ScrollDelay    time.Duration
}

func New(page Page, extractors ...ProfileExtractor) *Finder {
	if len(extractors) == 0 {
		extractors = DefaultExtractors()
	}
	return &Finder{
		page:           page,
		extractors:     extractors,
		log:            logger.WithComponent("discovery"),
		ContentTimeout: 15 * time.Second,
		SettleDelay:    2 * time.Second,
		ScrollDelay:    2 * time.Second,
	}
}

// SearchURL builds the people-search URL for query.
func SearchURL(query string) string {
	params := url.Values{}
	params.Set("q", query)
	params.Set("src", "recent_search_click")
	params.Set("f", "user")
	return xSearchURL + "?" + params.Encode()
}

// OpenSearch loads the results page for query and waits for the primary
// content column. A column that never appears is logged, not fatal.
func (f *Finder) OpenSearch(ctx context.Context, query string) error {
	searchURL := SearchURL(query)
	f.log.Info("Searching: %s", searchURL)

	if err := f.page.Navigate(ctx, searchURL); err != nil {
		return fmt.Errorf("failed to navigate to search: %w", err)
	}

	if !f.page.WaitForSelector(ctx, primaryColumnSelector, f.ContentTimeout) {
		f.log.Warn("Primary column did not appear within %s", f.ContentTimeout)
	}

	return pacing.Sleep(ctx, f.SettleDelay)
}

// ScrollForMore scrolls to the bottom to load another batch of results.
func (f *Finder) ScrollForMore(ctx context.Context) error {
	if err := f.page.Scroll(ctx); err != nil {
		return fmt.Errorf("failed to scroll: %w", err)
	}
	return pacing.Sleep(ctx, f.ScrollDelay)
}

// FindCandidates runs the extractors in order and returns the normalized
// profile URLs of the first one that yields any. An error is returned only
// when every extractor failed to evaluate.
func (f *Finder) FindCandidates(ctx context.Context) ([]string, error) {
	var errs []error

	for _, ex := range f.extractors {
		var raw []string
		if err := f.page.Evaluate(ctx, ex.Script().Source(), &raw); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.log.Debug("Extractor %s failed: %v", ex.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", ex.Name(), err))
			continue
		}

		profiles := NormalizeProfiles(raw)
		if len(profiles) > 0 {
			f.log.Debug("Extractor %s found %d profiles", ex.Name(), len(profiles))
			return profiles, nil
		}
		f.log.Debug("Extractor %s found nothing, trying next", ex.Name())
	}

	if len(errs) == len(f.extractors) && len(errs) > 0 {
		return nil, fmt.Errorf("all extractors failed: %w", errors.Join(errs...))
	}

	return []string{}, nil
}

// NormalizeProfiles maps raw hrefs and "@handle" tokens to canonical profile
// URLs, dropping non-profile paths and duplicates while keeping order.
func NormalizeProfiles(raw []string) []string {
	seen := make(map[string]bool)
	profiles := make([]string, 0, len(raw))

	for _, r := range raw {
		handle, ok := ParseHandle(r)
		if !ok {
			continue
		}

		key := strings.ToLower(handle)
		if seen[key] {
			continue
		}
		seen[key] = true
		profiles = append(profiles, ProfileURL(handle))
	}

	return profiles
}

// ParseHandle extracts the account handle from an href, a profile URL or an
// "@handle" token.
func ParseHandle(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	var path string
	if strings.HasPrefix(raw, "@") {
		path = "/" + raw[1:]
	} else {
		parsed, err := url.Parse(raw)
		if err != nil {
			return "", false
		}
		if !profileHosts[strings.ToLower(parsed.Host)] {
			return "", false
		}
		path = strings.TrimSuffix(parsed.Path, "/")
	}

	if !handlePath.MatchString(path) {
		return "", false
	}

	handle := path[1:]
	if blockedPaths[strings.ToLower(handle)] {
		return "", false
	}

	return handle, true
}

func ProfileURL(handle string) string {
	return xBaseURL + "/" + handle
}

// HandleFromURL returns the handle of a canonical profile URL, or "" if the
// URL does not point at a profile.
func HandleFromURL(profileURL string) string {
	handle, _ := ParseHandle(profileURL)
	return handle
}
