package creditledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultHoldTTLDays is the lifetime of a reservation when none is given.
const DefaultHoldTTLDays = 30

// Config is the ledger configuration.
type Config struct {
	HoldTTLDays  int          `yaml:"hold_ttl_days" toml:"hold_ttl_days"`
	RolloverCaps RolloverCaps `yaml:"rollover_caps" toml:"rollover_caps"`
	SignupBonus  SignupBonus  `yaml:"signup_bonus" toml:"signup_bonus"`
	Plans        []Plan       `yaml:"plans" toml:"plans"`
}

// RolloverCaps are the caps given to newly created workspaces.
// A zero cap leaves that currency uncapped.
type RolloverCaps struct {
	Report decimal.Decimal `yaml:"report" toml:"report"`
	Full   decimal.Decimal `yaml:"full" toml:"full"`
}

// SignupBonus seeds a fresh workspace with a BONUS lot per currency.
type SignupBonus struct {
	Report        decimal.Decimal `yaml:"report" toml:"report"`
	Full          decimal.Decimal `yaml:"full" toml:"full"`
	ExpiresInDays int             `yaml:"expires_in_days" toml:"expires_in_days"`
}

// Enabled reports whether any bonus is configured.
func (b SignupBonus) Enabled() bool {
	return b.Report.IsPositive() || b.Full.IsPositive()
}

// Plan defines a workspace's monthly quota.
type Plan struct {
	Name                 string          `yaml:"name" toml:"name"`
	MonthlyReportCredits decimal.Decimal `yaml:"monthly_report_credits" toml:"monthly_report_credits"`
	MonthlyFullCredits   decimal.Decimal `yaml:"monthly_full_credits" toml:"monthly_full_credits"`
	Unlimited            bool            `yaml:"unlimited" toml:"unlimited"`
}

// QuotaOf returns the plan's monthly quota for a category.
func (p Plan) QuotaOf(c Category) decimal.Decimal {
	if c == CategoryFull {
		return p.MonthlyFullCredits
	}
	return p.MonthlyReportCredits
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{HoldTTLDays: DefaultHoldTTLDays}
}

// LoadConfig reads and parses a YAML (.yaml, .yml) or TOML (.toml) config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("creditledger: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return Config{}, fmt.Errorf("creditledger: parse config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("creditledger: parse config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("creditledger: config: unsupported extension %q", filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for consistency.
func (c Config) Validate() error {
	if c.HoldTTLDays < 0 {
		return fmt.Errorf("creditledger: config: hold_ttl_days must not be negative")
	}
	if c.RolloverCaps.Report.IsNegative() || c.RolloverCaps.Full.IsNegative() {
		return fmt.Errorf("creditledger: config: rollover caps must not be negative")
	}
	if c.SignupBonus.Report.IsNegative() || c.SignupBonus.Full.IsNegative() {
		return fmt.Errorf("creditledger: config: signup bonus must not be negative")
	}
	if c.SignupBonus.ExpiresInDays < 0 {
		return fmt.Errorf("creditledger: config: signup_bonus.expires_in_days must not be negative")
	}

	names := make(map[string]bool, len(c.Plans))
	for i, p := range c.Plans {
		if p.Name == "" {
			return fmt.Errorf("creditledger: config: plans[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("creditledger: config: duplicate plan %q", p.Name)
		}
		names[p.Name] = true

		if p.MonthlyReportCredits.IsNegative() || p.MonthlyFullCredits.IsNegative() {
			return fmt.Errorf("creditledger: config: plans[%d] (%s): monthly credits must not be negative", i, p.Name)
		}
	}

	return nil
}

// Plan returns the plan with the given name.
func (c Config) Plan(name string) (Plan, error) {
	for _, p := range c.Plans {
		if p.Name == name {
			return p, nil
		}
	}
	return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, name)
}

func (c Config) holdTTLDays() int {
	if c.HoldTTLDays <= 0 {
		return DefaultHoldTTLDays
	}
	return c.HoldTTLDays
}
