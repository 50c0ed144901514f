// Package config reads the TOML configuration of a node.
package config

import (
	"encoding/hex"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aura-labs/aura"
	"golang.org/x/xerrors"
)

// Duration is a time.Duration written as "1.5s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the configuration of a node.
type Config struct {
	// Seed is the hex seed of the node identity. Empty draws one from the
	// system randomness.
	Seed string
	// StoragePath is the bbolt file. Empty keeps everything in memory.
	StoragePath string

	CeremonyTimeout     Duration
	ShareTimeout        Duration
	AntiEntropyInterval Duration
	TransportRetries    int
	TransportBackoff    Duration

	// FlowBudget is the default limit of every (context, peer) budget.
	FlowBudget           uint64
	DisputeWindowMs      uint64
	GuardianCooldownSecs uint64
	CeremonyRetention    Duration

	Debug int
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		CeremonyTimeout:      Duration{30 * time.Second},
		ShareTimeout:         Duration{2 * time.Second},
		AntiEntropyInterval:  Duration{5 * time.Second},
		TransportRetries:     4,
		TransportBackoff:     Duration{50 * time.Millisecond},
		FlowBudget:           1024,
		DisputeWindowMs:      24 * 60 * 60 * 1000,
		GuardianCooldownSecs: 900,
		CeremonyRetention:    Duration{24 * time.Hour},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, aura.WithKind(aura.KindStorage, xerrors.Errorf("reading config: %v", err))
	}
	return Parse(string(buf))
}

// Parse reads a TOML document over the defaults and validates the result.
func Parse(doc string) (*Config, error) {
	c := Default()
	md, err := toml.Decode(doc, c)
	if err != nil {
		return nil, aura.WithKind(aura.KindInvalidFormat, xerrors.Errorf("decoding config: %v", err))
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, aura.Errorf(aura.KindInvalidFormat, "unknown config keys %v", undecoded)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the ranges of the fields.
func (c *Config) Validate() error {
	if c.Seed != "" {
		if _, err := hex.DecodeString(c.Seed); err != nil {
			return aura.Errorf(aura.KindInvalid, "seed is not hex: %v", err)
		}
	}
	for name, d := range map[string]Duration{
		"CeremonyTimeout":     c.CeremonyTimeout,
		"ShareTimeout":        c.ShareTimeout,
		"AntiEntropyInterval": c.AntiEntropyInterval,
		"TransportBackoff":    c.TransportBackoff,
		"CeremonyRetention":   c.CeremonyRetention,
	} {
		if d.Duration <= 0 {
			return aura.Errorf(aura.KindInvalid, "%s must be positive, got %v", name, d.Duration)
		}
	}
	if c.ShareTimeout.Duration > c.CeremonyTimeout.Duration {
		return aura.Errorf(aura.KindInvalid, "share timeout %v exceeds the ceremony timeout %v",
			c.ShareTimeout.Duration, c.CeremonyTimeout.Duration)
	}
	if c.TransportRetries < 1 {
		return aura.Errorf(aura.KindInvalid, "TransportRetries must be at least 1, got %d", c.TransportRetries)
	}
	if c.FlowBudget == 0 {
		return aura.NewError(aura.KindInvalid, "FlowBudget must be positive")
	}
	if c.DisputeWindowMs == 0 {
		return aura.NewError(aura.KindInvalid, "DisputeWindowMs must be positive")
	}
	if c.Debug < 0 || c.Debug > 5 {
		return aura.Errorf(aura.KindInvalid, "debug level %d out of 0..5", c.Debug)
	}
	return nil
}

// SeedBytes returns the decoded identity seed, nil if none is set.
func (c *Config) SeedBytes() []byte {
	if c.Seed == "" {
		return nil
	}
	b, _ := hex.DecodeString(c.Seed)
	return b
}

// DisputeWindow returns the dispute window as a duration.
func (c *Config) DisputeWindow() time.Duration {
	return time.Duration(c.DisputeWindowMs) * time.Millisecond
}

// GuardianCooldown returns the guardian cooldown as a duration.
func (c *Config) GuardianCooldown() time.Duration {
	return time.Duration(c.GuardianCooldownSecs) * time.Second
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return aura.WithKind(aura.KindStorage, xerrors.Errorf("creating config: %v", err))
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return aura.WithKind(aura.KindStorage, xerrors.Errorf("writing config: %v", err))
	}
	return nil
}
