package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/mkb/internal/temporal"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration. Unknown decay profile
// types are allowed: the profile registry is data, not code.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Vault     VaultConfig       `yaml:"vault"`
	Index     IndexConfig       `yaml:"index"`
	Decay     DecayConfig       `yaml:"decay"`
	Embedding EmbeddingConfig   `yaml:"embedding"`
	GC        GCConfig          `yaml:"gc"`
	Auth      AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Vault.Validate(); err != nil {
		return err
	}
	if err := c.Index.Validate(); err != nil {
		return err
	}
	if err := c.Decay.Validate(); err != nil {
		return err
	}
	if err := c.Embedding.Validate(); err != nil {
		return err
	}
	if err := c.GC.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// VaultConfig holds the path to the vault root directory.
type VaultConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the vault configuration.
func (c *VaultConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// IndexConfig holds the derived-index settings.
type IndexConfig struct {
	// Path of the SQLite database; defaults into the vault's .mkb/index
	// tree when empty.
	Path string `yaml:"path"`
	// Guardrail bounds any intermediate query result set.
	Guardrail int `yaml:"guardrail"`
	// LinkDepthCap bounds recursive link traversal.
	LinkDepthCap int `yaml:"link_depth_cap"`
}

// Validate validates the index configuration.
func (c *IndexConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Guardrail, validation.Min(0)),
		validation.Field(&c.LinkDepthCap, validation.Min(0)),
	)
}

// Resolve returns the database path, defaulting under the vault root.
func (c *IndexConfig) Resolve(vaultPath string) string {
	if c.Path != "" {
		return c.Path
	}
	return filepath.Join(vaultPath, ".mkb", "index", "mkb.db")
}

// DecayConfig carries per-type decay profiles as duration strings
// ("14d", "2w", "never").
type DecayConfig struct {
	Profiles map[string]DecayProfileConfig `yaml:"profiles"`
}

// DecayProfileConfig is one type's decay declaration.
type DecayProfileConfig struct {
	HalfLife   string `yaml:"half_life"`
	HardExpiry string `yaml:"hard_expiry"`
}

// Validate parses every declared duration.
func (c *DecayConfig) Validate() error {
	for name, p := range c.Profiles {
		if p.HalfLife != "" {
			if _, err := temporal.ParseDuration(p.HalfLife); err != nil {
				return fmt.Errorf("decay profile %q: half_life: %w", name, err)
			}
		}
		if p.HardExpiry != "" {
			if _, err := temporal.ParseDuration(p.HardExpiry); err != nil {
				return fmt.Errorf("decay profile %q: hard_expiry: %w", name, err)
			}
		}
	}
	return nil
}

// Resolve merges the configured profiles over the built-in defaults.
func (c *DecayConfig) Resolve() temporal.Profiles {
	profiles := temporal.DefaultProfiles()
	for name, p := range c.Profiles {
		prof := profiles.For(name)
		if p.HalfLife != "" {
			d, err := temporal.ParseDuration(p.HalfLife)
			if err == nil {
				prof.HalfLife = d
			}
		}
		if p.HardExpiry != "" {
			d, err := temporal.ParseDuration(p.HardExpiry)
			if err == nil {
				prof.HardExpiry = d
			}
		}
		profiles[name] = prof
	}
	return profiles
}

// EmbeddingConfig selects and tunes the embedding backend.
type EmbeddingConfig struct {
	// Provider names the backend; "mock" is the deterministic built-in.
	Provider string `yaml:"provider"`
	// BatchSize bounds one embedding refresh pass.
	BatchSize int `yaml:"batch_size"`
	// FlushEvery is the refresh cadence, e.g. "2s".
	FlushEvery string `yaml:"flush_every"`
}

// Validate validates the embedding configuration.
func (c *EmbeddingConfig) Validate() error {
	if c.Provider == "" {
		c.Provider = "mock"
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Provider, validation.In("mock", "external")),
		validation.Field(&c.BatchSize, validation.Min(0)),
	); err != nil {
		return err
	}
	if c.FlushEvery != "" {
		if _, err := temporal.ParseDuration(c.FlushEvery); err != nil {
			return fmt.Errorf("embedding: flush_every: %w", err)
		}
	}
	return nil
}

// GCConfig tunes the staleness sweep.
type GCConfig struct {
	// SweepInterval is the cadence of the background sweep; empty disables
	// it.
	SweepInterval string `yaml:"sweep_interval"`
}

// Validate validates the GC configuration.
func (c *GCConfig) Validate() error {
	if c.SweepInterval != "" {
		if _, err := temporal.ParseDuration(c.SweepInterval); err != nil {
			return fmt.Errorf("gc: sweep_interval: %w", err)
		}
	}
	return nil
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Vault: VaultConfig{
			Path: "./vault",
		},
		Index: IndexConfig{
			Guardrail:    10000,
			LinkDepthCap: 5,
		},
		Embedding: EmbeddingConfig{
			Provider:   "mock",
			BatchSize:  32,
			FlushEvery: "2s",
		},
		GC: GCConfig{
			SweepInterval: "1h",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
