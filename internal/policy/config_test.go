package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

const samplePolicy = `
version: "1"
presets: [secrets, nope]
rules:
  - pattern: "**/*.go"
    level: watch
    reason: source code
  - pattern: "migrations/**"
    level: block
    precedence: 20
  - pattern: "**/*.sql"
    level: warn
    precedence: -1
  - pattern: "docs/**"
    level: shout
  - level: warn
  - "not a mapping"
overrides:
  - pattern: "**/*.env*"
    level: block
    rationale: testing
    ttl: "2026-04-01T00:00:00Z"
  - pattern: "legacy/**"
    level: watch
    rationale: legacy_compat
    ttl: 1767225600000
    metadata:
      ticket: OPS-12
  - pattern: "tmp/**"
    level: watch
  - pattern: "x/**"
    level: watch
    rationale: testing
    ttl: next tuesday
ignore:
  - "vendor/**"
settings:
  defaultProtectionLevel: watch
`

func TestParse_SkipsBadEntries(t *testing.T) {
	rs, report, err := Parse([]byte(samplePolicy), NewRegistry(), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "1", rs.Version)
	assert.Equal(t, domain.Watch, rs.DefaultLevel)
	assert.Equal(t, []string{"vendor/**"}, rs.Ignore)

	secrets := NewSecretsPreset().Rules()
	require.Len(t, rs.Rules, len(secrets)+3)
	custom := rs.Rules[len(secrets):]
	assert.Equal(t, domain.PolicyRule{Pattern: "**/*.go", Level: domain.Watch, Reason: "source code"}, custom[0])
	assert.Equal(t, domain.PolicyRule{Pattern: "migrations/**", Level: domain.Block, Precedence: 20}, custom[1])
	assert.Equal(t, domain.PolicyRule{Pattern: "**/*.sql", Level: domain.Warn, Precedence: -1}, custom[2])

	require.Len(t, rs.Overrides, 2)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), rs.Overrides[0].TTLUnixMs)
	assert.Equal(t, domain.RationaleTesting, rs.Overrides[0].Rationale)
	assert.Equal(t, int64(1767225600000), rs.Overrides[1].TTLUnixMs)
	assert.Equal(t, "OPS-12", rs.Overrides[1].Metadata["ticket"])

	// unknown preset, bad level, missing pattern, scalar rule, missing rationale, bad ttl
	require.Len(t, report.Skipped, 6)
	for _, e := range report.Skipped {
		var cerr *domain.ConfigError
		assert.True(t, errors.As(e, &cerr), "%v", e)
	}
}

func TestParse_JSON(t *testing.T) {
	doc := `{"version":"2","rules":[{"pattern":"*.md","level":"warn"}],"settings":{"defaultProtectionLevel":"none"}}`
	rs, report, err := Parse([]byte(doc), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, report.Skipped)
	require.Len(t, rs.Rules, 1)
	assert.Equal(t, domain.Warn, rs.Rules[0].Level)
	assert.Equal(t, domain.Unprotected, rs.DefaultLevel)
}

func TestParse_LevelKeys(t *testing.T) {
	doc := `
rules:
  - pattern: "**/secrets.json"
    level: block
  - pattern: "**/*.sql"
    protectionLevel: warn
    precedence: -1
  - pattern: "**/*.md"
    level: watch
    protectionLevel: block
overrides:
  - pattern: "**/*.env*"
    level: block
    rationale: temporary_fix
  - pattern: "tmp/**"
    protectionLevel: watch
    rationale: testing
    precedence: -5
`
	rs, report, err := Parse([]byte(doc), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, report.Skipped)

	require.Len(t, rs.Rules, 3)
	assert.Equal(t, domain.Block, rs.Rules[0].Level)
	assert.Equal(t, domain.Warn, rs.Rules[1].Level, "protectionLevel is read when level is absent")
	assert.Equal(t, -1, rs.Rules[1].Precedence)
	assert.Equal(t, domain.Watch, rs.Rules[2].Level, "level wins over protectionLevel")

	require.Len(t, rs.Overrides, 2)
	assert.Equal(t, domain.Block, rs.Overrides[0].Level)
	assert.Equal(t, domain.Watch, rs.Overrides[1].Level)
	assert.Equal(t, -5, rs.Overrides[1].Precedence)
}

func TestParse_UndecodableIsFatal(t *testing.T) {
	_, _, err := Parse([]byte("rules: [unclosed"), nil, nil)
	assert.Error(t, err)

	_, _, err = Parse([]byte("rules: 12"), nil, nil)
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - pattern: \"*.sql\"\n    level: block\n"), 0o644))

	rs, _, err := LoadFile(path, nil, nil)
	require.NoError(t, err)
	require.Len(t, rs.Rules, 1)
	assert.Equal(t, domain.Block, rs.Rules[0].Level)

	_, _, err = LoadFile(filepath.Join(dir, "missing.yaml"), nil, nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseTTL(t *testing.T) {
	ms, err := parseTTL("")
	require.NoError(t, err)
	assert.Zero(t, ms)

	ms, err = parseTTL("1700000000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), ms)

	_, err = parseTTL("soon")
	assert.ErrorIs(t, err, errBadTTL)
}
