package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("treasury")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Weights.Sum() != 10 {
		t.Fatalf("weights sum = %d", cfg.Weights.Sum())
	}
	if cfg.Treasury != "treasury" || cfg.Stake.Strategy != StrategyTiered {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"weights sum":         func(c *Config) { c.Weights.Reward = 5 },
		"tier count":          func(c *Config) { c.Tiers = c.Tiers[:4] },
		"tiers order":         func(c *Config) { c.Tiers[2] = c.Tiers[1] },
		"category count":      func(c *Config) { c.Categories = append(c.Categories, 2_000_000) },
		"max stake above top": func(c *Config) { c.Limits.MaxStake = c.Categories[5] + 1 },
		"neg penalty zero":    func(c *Config) { c.Limits.NegPenaltyPercent = 0 },
		"fee over 100":        func(c *Config) { c.Limits.FeePercent = 101 },
		"strategy":            func(c *Config) { c.Stake.Strategy = "linear" },
		"treasury":            func(c *Config) { c.Treasury = " " },
		"negative penalty":    func(c *Config) { c.Reputation.DeadlinePenalty = -1 },
		"webhook url":         func(c *Config) { c.Webhooks = []WebhookConfig{{}} },
		"ratio scaling":       func(c *Config) { c.Limits.RatioScaling = MaxRatioScaling + 1 },
	}
	for name, mutate := range cases {
		cfg := Default("treasury")
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	on := true
	cfg := Default("treasury")
	cfg.Webhooks = []WebhookConfig{{URL: "http://hook", Events: []string{"task.created"}, Enabled: &on}}
	c := cfg.Clone()
	c.Tiers[0] = 99
	c.Categories[0] = 1
	c.Webhooks[0].Events[0] = "x"
	*c.Webhooks[0].Enabled = false
	if cfg.Tiers[0] == 99 || cfg.Categories[0] == 1 {
		t.Fatalf("clone aliased slices")
	}
	if cfg.Webhooks[0].Events[0] != "task.created" || !*cfg.Webhooks[0].Enabled {
		t.Fatalf("clone aliased webhooks")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file = %v, %v", cfg, err)
	}
	data := strings.Replace(GenerateDefault("vault"), "fee_percent: 2", "fee_percent: 5", 1)
	if err := os.WriteFile(filepath.Join(dir, "stakeline.yml"), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Limits.FeePercent != 5 || cfg.Treasury != "vault" {
		t.Fatalf("loaded = %+v", cfg.Limits)
	}
	out, err := cfg.ToYAML()
	if err != nil {
		t.Fatal(err)
	}
	again, err := FromYAML(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if again.Limits.FeePercent != 5 {
		t.Fatalf("round trip lost fee percent")
	}
}

func TestFromYAMLInvalid(t *testing.T) {
	if _, err := FromYAML([]byte("weights: [")); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := FromYAML([]byte("treasury: x\n")); err == nil {
		t.Fatalf("expected validation error for empty config")
	}
}
