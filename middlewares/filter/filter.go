// Package filter blocks requests by method, path, host, user agent, or an
// arbitrary predicate, before they reach a route handler.
package filter

import (
	"net/http"
	"regexp"
	"strings"

	concave "github.com/concave/concave"
)

// Options configures which requests filter middleware blocks.
type Options struct {
	AllowedMethods     []string
	BlockedMethods     []string
	AllowedPaths       []string
	BlockedPaths       []string
	AllowedHosts       []string
	BlockedHosts       []string
	AllowedUserAgents  []string
	BlockedUserAgents  []string
	Custom             func(c *concave.Ctx) bool
	OnBlock            func(c *concave.Ctx) error
}

func defaultOnBlock(c *concave.Ctx) error {
	return c.Text(http.StatusForbidden, http.StatusText(http.StatusForbidden))
}

// New returns filter middleware that blocks nothing.
func New() concave.Middleware {
	return WithOptions(Options{})
}

// Methods returns filter middleware allowing only the given methods.
func Methods(methods ...string) concave.Middleware {
	return WithOptions(Options{AllowedMethods: methods})
}

// BlockMethods returns filter middleware blocking the given methods.
func BlockMethods(methods ...string) concave.Middleware {
	return WithOptions(Options{BlockedMethods: methods})
}

// Paths returns filter middleware allowing only paths matching one of the
// given glob patterns.
func Paths(patterns ...string) concave.Middleware {
	return WithOptions(Options{AllowedPaths: patterns})
}

// BlockPaths returns filter middleware blocking paths matching any of the
// given glob patterns.
func BlockPaths(patterns ...string) concave.Middleware {
	return WithOptions(Options{BlockedPaths: patterns})
}

// Hosts returns filter middleware allowing only the given hosts.
func Hosts(hosts ...string) concave.Middleware {
	return WithOptions(Options{AllowedHosts: hosts})
}

// BlockHosts returns filter middleware blocking the given hosts.
func BlockHosts(hosts ...string) concave.Middleware {
	return WithOptions(Options{BlockedHosts: hosts})
}

// BlockUserAgents returns filter middleware blocking User-Agent values
// matching any of the given glob patterns.
func BlockUserAgents(patterns ...string) concave.Middleware {
	return WithOptions(Options{BlockedUserAgents: patterns})
}

// Custom returns filter middleware blocking any request for which allow
// returns false.
func Custom(allow func(c *concave.Ctx) bool) concave.Middleware {
	return WithOptions(Options{Custom: allow})
}

// WithOptions returns filter middleware configured by opts.
func WithOptions(opts Options) concave.Middleware {
	onBlock := opts.OnBlock
	if onBlock == nil {
		onBlock = defaultOnBlock
	}
	allowedPaths := compileGlobs(opts.AllowedPaths)
	blockedPaths := compileGlobs(opts.BlockedPaths)
	allowedUAs := compileGlobs(opts.AllowedUserAgents)
	blockedUAs := compileGlobs(opts.BlockedUserAgents)

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			r := c.Request()

			if len(opts.AllowedMethods) > 0 && !contains(opts.AllowedMethods, r.Method) {
				return onBlock(c)
			}
			if len(opts.BlockedMethods) > 0 && contains(opts.BlockedMethods, r.Method) {
				return onBlock(c)
			}

			if len(allowedPaths) > 0 && !anyMatch(allowedPaths, r.URL.Path) {
				return onBlock(c)
			}
			if len(blockedPaths) > 0 && anyMatch(blockedPaths, r.URL.Path) {
				return onBlock(c)
			}

			if len(opts.AllowedHosts) > 0 && !contains(opts.AllowedHosts, r.Host) {
				return onBlock(c)
			}
			if len(opts.BlockedHosts) > 0 && contains(opts.BlockedHosts, r.Host) {
				return onBlock(c)
			}

			ua := r.Header.Get("User-Agent")
			if len(allowedUAs) > 0 && !anyMatch(allowedUAs, ua) {
				return onBlock(c)
			}
			if len(blockedUAs) > 0 && anyMatch(blockedUAs, ua) {
				return onBlock(c)
			}

			if opts.Custom != nil && !opts.Custom(c) {
				return onBlock(c)
			}

			return next(c)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func compileGlobs(patterns []string) []*regexp.Regexp {
	if len(patterns) == 0 {
		return nil
	}
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		res = append(res, regexp.MustCompile(globToRegex(p)))
	}
	return res
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// globToRegex translates a shell-style glob into an anchored regular
// expression. "**" matches any sequence including "/"; "*" matches any
// sequence excluding "/"; "?" matches a single character.
func globToRegex(glob string) string {
	const (
		starStarTok = "\x00DOUBLESTAR\x00"
		starTok     = "\x00STAR\x00"
		qTok        = "\x00QMARK\x00"
	)
	tok := strings.ReplaceAll(glob, "**", starStarTok)
	tok = strings.ReplaceAll(tok, "*", starTok)
	tok = strings.ReplaceAll(tok, "?", qTok)

	escaped := regexp.QuoteMeta(tok)

	escaped = strings.ReplaceAll(escaped, starStarTok, ".*")
	escaped = strings.ReplaceAll(escaped, starTok, "[^/]*")
	escaped = strings.ReplaceAll(escaped, qTok, ".")

	return "^" + escaped + "$"
}
