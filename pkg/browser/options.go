package browser

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-rod/rod/lib/proto"

	"github.com/x-dm-automation/pkg/config"
	"github.com/x-dm-automation/pkg/storage"
)

type LaunchOptions struct {
	Headless bool
	Bin      string
	// Args are extra command-line switches such as "--lang=en" or
	// "--disable-gpu". A switch that also appears in the baseline replaces it.
	Args []string
}

type launchArg struct {
	Name   string
	Values []string
}

func baselineArgs(cfg *config.BrowserConfig) map[string][]string {
	return map[string][]string{
		"no-sandbox":             nil,
		"disable-setuid-sandbox": nil,
		"disable-infobars":       nil,
		"window-position":        {"0,0"},
		"window-size":            {fmt.Sprintf("%d,%d", cfg.ViewportWidth, cfg.ViewportHeight)},
		"user-agent":             {cfg.UserAgent},
	}
}

func parseArg(raw string) (string, []string) {
	raw = strings.TrimLeft(strings.TrimSpace(raw), "-")
	name, value, found := strings.Cut(raw, "=")
	if !found {
		return name, nil
	}
	return name, []string{strings.Trim(value, `"`)}
}

// mergeArgs overlays overrides on the baseline and returns the result sorted
// by switch name.
func mergeArgs(base map[string][]string, overrides []string) []launchArg {
	merged := make(map[string][]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for _, raw := range overrides {
		name, values := parseArg(raw)
		if name == "" {
			continue
		}
		merged[name] = values
	}

	args := make([]launchArg, 0, len(merged))
	for name, values := range merged {
		args = append(args, launchArg{Name: name, Values: values})
	}
	sort.Slice(args, func(i, j int) bool { return args[i].Name < args[j].Name })
	return args
}

func normalizeSameSite(v string) proto.NetworkCookieSameSite {
	switch strings.ToLower(v) {
	case "strict":
		return proto.NetworkCookieSameSiteStrict
	case "lax":
		return proto.NetworkCookieSameSiteLax
	default:
		// "unspecified", "no_restriction" and missing values are rejected by
		// Chrome on injection, so they become None.
		return proto.NetworkCookieSameSiteNone
	}
}

func toCookieParams(cookies []storage.Cookie) []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}

		sameSite := normalizeSameSite(c.SameSite)
		secure := c.Secure
		if sameSite == proto.NetworkCookieSameSiteNone {
			secure = true
		}

		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: sameSite,
		}
		if p.Path == "" {
			p.Path = "/"
		}
		if !c.Session && c.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, p)
	}
	return params
}

func fromNetworkCookies(cookies []*proto.NetworkCookie) []storage.Cookie {
	out := make([]storage.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, storage.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			Size:     c.Size,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
			SameSite: string(c.SameSite),
		})
	}
	return out
}

// wrapScript turns a bare expression into a function expression, which is
// the only form the DevTools Runtime.callFunctionOn call accepts.
func wrapScript(script string) string {
	s := strings.TrimSpace(script)
	s = strings.TrimRight(s, ";")
	if isFunctionExpression(s) {
		return s
	}
	return "() => (" + s + ")"
}

// Only a leading function or arrow head counts; an arrow nested inside an
// expression does not.
var (
	functionHead = regexp.MustCompile(`^(async\s+)?function\b`)
	arrowHead    = regexp.MustCompile(`^(async\s*)?(\([^()]*\)|[\w$]+)\s*=>`)
)

func isFunctionExpression(s string) bool {
	return functionHead.MatchString(s) || arrowHead.MatchString(s)
}
