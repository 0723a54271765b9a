package policy

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

// document is the on-disk policy file. JSON is valid YAML, so one decoder
// serves both. Entries are kept as raw nodes so one bad entry cannot sink
// the whole file.
type document struct {
	Version   string      `yaml:"version"`
	Presets   []string    `yaml:"presets"`
	Rules     []yaml.Node `yaml:"rules"`
	Overrides []yaml.Node `yaml:"overrides"`
	Ignore    []string    `yaml:"ignore"`
	Settings  struct {
		DefaultProtectionLevel string `yaml:"defaultProtectionLevel"`
	} `yaml:"settings"`
}

// Entries name their level with "level". "protectionLevel" is still read
// when "level" is absent.
type ruleEntry struct {
	Pattern     string `yaml:"pattern" validate:"required"`
	Level       string `yaml:"level" validate:"required,oneof=unprotected none watch warn block"`
	LegacyLevel string `yaml:"protectionLevel"`
	Reason      string `yaml:"reason"`
	Precedence  int    `yaml:"precedence"`
}

type overrideEntry struct {
	Pattern     string            `yaml:"pattern" validate:"required"`
	Level       string            `yaml:"level" validate:"required,oneof=unprotected none watch warn block"`
	LegacyLevel string            `yaml:"protectionLevel"`
	Rationale   string            `yaml:"rationale" validate:"required,oneof=testing temporary_fix legacy_compat performance"`
	TTL         string            `yaml:"ttl"`
	Precedence  int               `yaml:"precedence"`
	Metadata    map[string]string `yaml:"metadata"`
}

// LoadReport lists the entries skipped while loading a policy file.
type LoadReport struct {
	Skipped []error
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadFile reads and parses a policy file.
func LoadFile(path string, presets *Registry, logger *zap.Logger) (domain.RuleSet, LoadReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.RuleSet{}, LoadReport{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data, presets, logger)
}

// Parse decodes a policy document. Only an undecodable document is an
// error; bad entries are skipped, logged, and listed in the report.
func Parse(data []byte, presets *Registry, logger *zap.Logger) (domain.RuleSet, LoadReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return domain.RuleSet{}, LoadReport{}, fmt.Errorf("failed to decode policy: %w", err)
	}

	var report LoadReport
	skip := func(kind string, i int, detail string, err error) {
		cerr := &domain.ConfigError{Kind: kind, Index: i, Detail: detail, Err: err}
		logger.Warn("skipping policy entry", zap.Error(cerr))
		report.Skipped = append(report.Skipped, cerr)
	}

	rs := domain.RuleSet{Version: doc.Version, Ignore: doc.Ignore}

	if doc.Settings.DefaultProtectionLevel != "" {
		lvl, err := domain.ParseProtectionLevel(doc.Settings.DefaultProtectionLevel)
		if err != nil {
			skip("settings", 0, "defaultProtectionLevel", err)
		} else {
			rs.DefaultLevel = lvl
		}
	}

	for i, id := range doc.Presets {
		p, ok := presets.Get(id)
		if !ok {
			skip("preset", i, "unknown preset "+strconv.Quote(id), nil)
			continue
		}
		rs.Rules = append(rs.Rules, p.Rules()...)
	}

	for i := range doc.Rules {
		var e ruleEntry
		if err := doc.Rules[i].Decode(&e); err != nil {
			skip("rule", i, "decode", err)
			continue
		}
		if e.Level == "" {
			e.Level = e.LegacyLevel
		}
		if err := validate.Struct(e); err != nil {
			skip("rule", i, "invalid", err)
			continue
		}
		lvl, _ := domain.ParseProtectionLevel(e.Level)
		rs.Rules = append(rs.Rules, domain.PolicyRule{
			Pattern: e.Pattern, Level: lvl, Reason: e.Reason, Precedence: e.Precedence,
		})
	}

	for i := range doc.Overrides {
		var e overrideEntry
		if err := doc.Overrides[i].Decode(&e); err != nil {
			skip("override", i, "decode", err)
			continue
		}
		if e.Level == "" {
			e.Level = e.LegacyLevel
		}
		if err := validate.Struct(e); err != nil {
			skip("override", i, "invalid", err)
			continue
		}
		ttl, err := parseTTL(e.TTL)
		if err != nil {
			skip("override", i, "ttl", err)
			continue
		}
		lvl, _ := domain.ParseProtectionLevel(e.Level)
		rs.Overrides = append(rs.Overrides, domain.PolicyOverride{
			Pattern:    e.Pattern,
			Level:      lvl,
			Rationale:  domain.OverrideRationale(e.Rationale),
			TTLUnixMs:  ttl,
			Precedence: e.Precedence,
			Metadata:   e.Metadata,
		})
	}

	return rs, report, nil
}

var errBadTTL = errors.New("ttl must be unix milliseconds or RFC3339")

// parseTTL accepts unix milliseconds or an RFC3339 timestamp. Empty means none.
func parseTTL(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errBadTTL, s)
	}
	return t.UnixMilli(), nil
}
