package policy

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

// ErrEmptyPattern is returned for "" and a bare "!".
var ErrEmptyPattern = errors.New("empty glob pattern")

// GlobMatcher implements domain.Matcher with doublestar semantics:
//
//   - "*" matches within one path segment, "**" across segments
//   - "?" and "[...]" character classes, "{a,b}" alternation
//   - a leading "!" negates the whole pattern
type GlobMatcher struct {
	caseInsensitive bool
}

// NewMatcher creates a matcher. Case folding should follow the filesystem.
func NewMatcher(caseInsensitive bool) *GlobMatcher {
	return &GlobMatcher{caseInsensitive: caseInsensitive}
}

// DefaultMatcher folds case on the platforms whose default filesystems do.
func DefaultMatcher() *GlobMatcher {
	return NewMatcher(runtime.GOOS == "darwin" || runtime.GOOS == "windows")
}

// Match reports whether path matches pattern.
func (m *GlobMatcher) Match(pattern, path string) (bool, error) {
	negate, body, err := splitNegation(pattern)
	if err != nil {
		return false, err
	}
	if m.caseInsensitive {
		body = strings.ToLower(body)
		path = strings.ToLower(path)
	}
	matched, err := doublestar.Match(body, path)
	if err != nil {
		return false, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	return matched != negate, nil
}

// Validate checks pattern syntax without matching anything.
func (m *GlobMatcher) Validate(pattern string) error {
	_, body, err := splitNegation(pattern)
	if err != nil {
		return err
	}
	if !doublestar.ValidatePattern(body) {
		return fmt.Errorf("pattern %q: %w", pattern, doublestar.ErrBadPattern)
	}
	return nil
}

func splitNegation(pattern string) (bool, string, error) {
	negate := strings.HasPrefix(pattern, "!")
	body := strings.TrimPrefix(pattern, "!")
	if body == "" {
		return false, "", ErrEmptyPattern
	}
	return negate, body, nil
}

// patternValidator is implemented by matchers that can check syntax up front.
type patternValidator interface {
	Validate(pattern string) error
}

var _ domain.Matcher = (*GlobMatcher)(nil)
