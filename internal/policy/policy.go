// Package policy classifies file paths into protection levels.
// Classification is pure: no I/O, deterministic for a given rule set and time.
package policy

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

// Reasons reported when no rule decides the level.
const (
	ReasonNoRuleMatched = "no rule matched"
	ReasonIgnored       = "ignored"
)

// Evaluate classifies path against rs at time now.
// Order: ignore list, un-expired overrides, rules, default level.
// Within overrides and rules the highest precedence wins and ties go to
// the later declaration. Matcher errors count as "no match".
func Evaluate(root, path string, rs domain.RuleSet, now time.Time, m domain.Matcher) domain.Classification {
	rel := NormalizePath(root, path)

	if isIgnored(rs.Ignore, rel, m) {
		return domain.Classification{Path: rel, Level: domain.Unprotected, Reason: ReasonIgnored}
	}

	for _, i := range precedenceOrder(len(rs.Overrides), func(i int) int { return rs.Overrides[i].Precedence }) {
		o := rs.Overrides[i]
		if !o.ActiveAt(now) || !matches(m, o.Pattern, rel) {
			continue
		}
		return domain.Classification{
			Path:           rel,
			Level:          o.Level,
			Reason:         "override: " + string(o.Rationale),
			MatchedPattern: o.Pattern,
			FromOverride:   true,
			Rationale:      o.Rationale,
		}
	}

	for _, i := range precedenceOrder(len(rs.Rules), func(i int) int { return rs.Rules[i].Precedence }) {
		r := rs.Rules[i]
		if !matches(m, r.Pattern, rel) {
			continue
		}
		reason := r.Reason
		if reason == "" {
			reason = "matched " + r.Pattern
		}
		return domain.Classification{Path: rel, Level: r.Level, Reason: reason, MatchedPattern: r.Pattern}
	}

	return domain.Classification{Path: rel, Level: rs.DefaultLevel, Reason: ReasonNoRuleMatched}
}

// NormalizePath makes path root-relative and slash separated.
// Paths outside root keep their cleaned absolute form.
func NormalizePath(root, path string) string {
	p := filepath.Clean(path)
	if root != "" && filepath.IsAbs(p) {
		if rel, err := filepath.Rel(filepath.Clean(root), p); err == nil &&
			rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			p = rel
		}
	}
	return filepath.ToSlash(p)
}

// precedenceOrder returns indices sorted by precedence desc, then index desc.
func precedenceOrder(n int, precedence func(int) int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		pa, pb := precedence(order[a]), precedence(order[b])
		if pa != pb {
			return pa > pb
		}
		return order[a] > order[b]
	})
	return order
}

// isIgnored applies gitignore-style semantics: later "!pattern" re-includes,
// and a pattern without "/" also matches the base name.
func isIgnored(patterns []string, rel string, m domain.Matcher) bool {
	ignored := false
	base := rel[strings.LastIndex(rel, "/")+1:]
	for _, p := range patterns {
		negate := strings.HasPrefix(p, "!")
		body := strings.TrimPrefix(p, "!")
		hit := matches(m, body, rel) || (!strings.Contains(body, "/") && matches(m, body, base))
		if hit {
			ignored = !negate
		}
	}
	return ignored
}

func matches(m domain.Matcher, pattern, path string) bool {
	ok, err := m.Match(pattern, path)
	return err == nil && ok
}

// Engine is the classifier handed to collaborators. It owns a validated
// copy of the rule set; invalid entries are logged once and dropped.
type Engine struct {
	root     string
	clock    domain.Clock
	matcher  domain.Matcher
	logger   *zap.Logger
	mu       sync.RWMutex
	rules    domain.RuleSet
	problems []error
}

// NewEngine creates an engine for the project at root.
func NewEngine(root string, rs domain.RuleSet, m domain.Matcher, clk domain.Clock, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{root: root, clock: clk, matcher: m, logger: logger}
	e.Replace(rs)
	return e
}

// Classify evaluates path against the current rule set.
func (e *Engine) Classify(path string) domain.Classification {
	e.mu.RLock()
	rs := e.rules
	e.mu.RUnlock()
	return Evaluate(e.root, path, rs, e.clock.Now(), e.matcher)
}

// Replace swaps in a new rule set (policy reload).
func (e *Engine) Replace(rs domain.RuleSet) {
	clean, problems := e.sanitize(rs)
	e.mu.Lock()
	e.rules = clean
	e.problems = problems
	e.mu.Unlock()
}

// AddOverride validates o and appends it. Invalid overrides return a
// *domain.ConfigError and leave the rule set unchanged.
func (e *Engine) AddOverride(o domain.PolicyOverride) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOverride(o, len(e.rules.Overrides)); err != nil {
		return err
	}
	overrides := make([]domain.PolicyOverride, len(e.rules.Overrides), len(e.rules.Overrides)+1)
	copy(overrides, e.rules.Overrides)
	e.rules.Overrides = append(overrides, o)

	e.logger.Info("policy override added",
		zap.String("pattern", o.Pattern),
		zap.Stringer("level", o.Level),
		zap.String("rationale", string(o.Rationale)),
		zap.Int64("ttl_unix_ms", o.TTLUnixMs))
	return nil
}

// ExpiredOverrides returns overrides past their TTL. They stay in the rule
// set for observability but never match.
func (e *Engine) ExpiredOverrides() []domain.PolicyOverride {
	e.mu.RLock()
	defer e.mu.RUnlock()
	now := e.clock.Now()
	var expired []domain.PolicyOverride
	for _, o := range e.rules.Overrides {
		if !o.ActiveAt(now) {
			expired = append(expired, o)
		}
	}
	return expired
}

// RuleSet returns a copy of the validated rule set.
func (e *Engine) RuleSet() domain.RuleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rs := e.rules
	rs.Rules = append([]domain.PolicyRule(nil), e.rules.Rules...)
	rs.Overrides = append([]domain.PolicyOverride(nil), e.rules.Overrides...)
	rs.Ignore = append([]string(nil), e.rules.Ignore...)
	return rs
}

// Problems returns the configuration errors found by the last Replace.
func (e *Engine) Problems() []error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]error(nil), e.problems...)
}

// Root returns the project root used for normalization.
func (e *Engine) Root() string { return e.root }

func (e *Engine) sanitize(rs domain.RuleSet) (domain.RuleSet, []error) {
	var problems []error
	clean := domain.RuleSet{Version: rs.Version, DefaultLevel: rs.DefaultLevel}

	for i, r := range rs.Rules {
		if err := e.checkPattern("rule", i, r.Pattern); err != nil {
			problems = append(problems, err)
			continue
		}
		clean.Rules = append(clean.Rules, r)
	}
	for i, o := range rs.Overrides {
		if err := e.checkOverride(o, i); err != nil {
			problems = append(problems, err)
			continue
		}
		clean.Overrides = append(clean.Overrides, o)
	}
	for i, p := range rs.Ignore {
		if err := e.checkPattern("ignore", i, strings.TrimPrefix(p, "!")); err != nil {
			problems = append(problems, err)
			continue
		}
		clean.Ignore = append(clean.Ignore, p)
	}
	return clean, problems
}

func (e *Engine) checkOverride(o domain.PolicyOverride, index int) error {
	if !o.Rationale.Valid() {
		err := &domain.ConfigError{Kind: "override", Index: index,
			Detail: "missing or unknown rationale " + `"` + string(o.Rationale) + `"`}
		e.logger.Warn("skipping policy override", zap.String("pattern", o.Pattern), zap.Error(err))
		return err
	}
	return e.checkPattern("override", index, o.Pattern)
}

func (e *Engine) checkPattern(kind string, index int, pattern string) error {
	v, ok := e.matcher.(patternValidator)
	if !ok {
		return nil
	}
	if err := v.Validate(pattern); err != nil {
		cerr := &domain.ConfigError{Kind: kind, Index: index, Detail: "malformed glob", Err: err}
		e.logger.Warn("skipping policy entry", zap.String("kind", kind),
			zap.String("pattern", pattern), zap.Error(cerr))
		return cerr
	}
	return nil
}
