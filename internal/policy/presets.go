package policy

import "github.com/eliteGoblin/focusd/snapguard/internal/domain"

// SecretsPreset blocks writes to files that commonly hold credentials.
type SecretsPreset struct{}

// NewSecretsPreset creates the secrets preset.
func NewSecretsPreset() *SecretsPreset { return &SecretsPreset{} }

func (p *SecretsPreset) ID() string   { return "secrets" }
func (p *SecretsPreset) Name() string { return "Secrets and credentials" }

func (p *SecretsPreset) Rules() []domain.PolicyRule {
	return []domain.PolicyRule{
		{Pattern: "**/*.env*", Level: domain.Block, Reason: "environment file", Precedence: 100},
		{Pattern: "**/secrets.{json,yaml,yml}", Level: domain.Block, Reason: "secrets file", Precedence: 100},
		{Pattern: "**/*.{pem,key,p12}", Level: domain.Block, Reason: "private key material", Precedence: 100},
		{Pattern: "**/id_{rsa,ed25519}", Level: domain.Block, Reason: "ssh key", Precedence: 100},
		{Pattern: "**/.npmrc", Level: domain.Warn, Reason: "registry credentials", Precedence: 50},
	}
}

// LockfilesPreset asks for confirmation before dependency lockfiles change.
type LockfilesPreset struct{}

// NewLockfilesPreset creates the lockfiles preset.
func NewLockfilesPreset() *LockfilesPreset { return &LockfilesPreset{} }

func (p *LockfilesPreset) ID() string   { return "lockfiles" }
func (p *LockfilesPreset) Name() string { return "Dependency lockfiles" }

func (p *LockfilesPreset) Rules() []domain.PolicyRule {
	return []domain.PolicyRule{
		{Pattern: "**/go.sum", Level: domain.Warn, Reason: "dependency lockfile", Precedence: 10},
		{Pattern: "**/package-lock.json", Level: domain.Warn, Reason: "dependency lockfile", Precedence: 10},
		{Pattern: "**/yarn.lock", Level: domain.Warn, Reason: "dependency lockfile", Precedence: 10},
		{Pattern: "**/Cargo.lock", Level: domain.Warn, Reason: "dependency lockfile", Precedence: 10},
		{Pattern: "**/go.mod", Level: domain.Watch, Reason: "module manifest", Precedence: 10},
	}
}

var (
	_ Preset = (*SecretsPreset)(nil)
	_ Preset = (*LockfilesPreset)(nil)
)
