package router

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/shehryarbajwa/tabrelay/pkg/models"
)

// Target selects the page context commands go to. The policy is fixed: the
// first context, in the host's enumeration order, whose URL matches the pattern.
type Target struct {
	pattern string
	matcher glob.Glob
}

// NewTarget compiles a URL glob such as "https://gemini.google.com/*"
func NewTarget(pattern string) (*Target, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid target pattern %q: %w", pattern, err)
	}
	return &Target{pattern: pattern, matcher: g}, nil
}

// Pattern returns the source glob
func (t *Target) Pattern() string {
	return t.pattern
}

// Match reports whether url belongs to the target page
func (t *Target) Match(url string) bool {
	return t.matcher.Match(url)
}

// Resolve picks exactly one context or reports that none matches
func (t *Target) Resolve(contexts []models.PageContext) (models.PageContext, bool) {
	for _, pc := range contexts {
		if t.Match(pc.URL) {
			return pc, true
		}
	}
	return models.PageContext{}, false
}
