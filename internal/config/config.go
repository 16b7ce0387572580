package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	StrategyTiered = "tiered"
	StrategyRatio  = "ratio"
)

// TierCount is the number of stake tiers; thresholds bound all but the last.
const TierCount = 6

// MaxRatioScaling caps the ratio strategy multiplier.
const MaxRatioScaling = 1000

// Config models stakeline.yml, the protocol parameter set.
type Config struct {
	Weights    Weights          `yaml:"weights" json:"weights"`
	Tiers      []int64          `yaml:"tiers" json:"tiers"`
	Categories []int64          `yaml:"categories" json:"categories"`
	Reputation ReputationPoints `yaml:"reputation" json:"reputation"`
	Limits     Limits           `yaml:"limits" json:"limits"`
	Stake      struct {
		Strategy string `yaml:"strategy" json:"strategy"`
	} `yaml:"stake" json:"stake"`
	Treasury string          `yaml:"treasury" json:"treasury"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// Weights are the project-value component percentages. They must sum to 10.
type Weights struct {
	Reward     int64 `yaml:"reward" json:"reward"`
	Reputation int64 `yaml:"reputation" json:"reputation"`
	Deadline   int64 `yaml:"deadline" json:"deadline"`
	Revisions  int64 `yaml:"revisions" json:"revisions"`
}

func (w Weights) Sum() int64 {
	return w.Reward + w.Reputation + w.Deadline + w.Revisions
}

type ReputationPoints struct {
	CreatorAcceptBonus   int64 `yaml:"creator_accept_bonus" json:"creator_accept_bonus"`
	MemberAcceptBonus    int64 `yaml:"member_accept_bonus" json:"member_accept_bonus"`
	RevisionPenalty      int64 `yaml:"revision_penalty" json:"revision_penalty"`
	RequestCancelPenalty int64 `yaml:"request_cancel_penalty" json:"request_cancel_penalty"`
	RespondCancelPenalty int64 `yaml:"respond_cancel_penalty" json:"respond_cancel_penalty"`
	SelfCancelPenalty    int64 `yaml:"self_cancel_penalty" json:"self_cancel_penalty"`
	DeadlinePenalty      int64 `yaml:"deadline_penalty" json:"deadline_penalty"`
}

type Limits struct {
	MinRevisionHours    int64 `yaml:"min_revision_hours" json:"min_revision_hours"`
	MaxRevisions        int64 `yaml:"max_revisions" json:"max_revisions"`
	MaxReward           int64 `yaml:"max_reward" json:"max_reward"`
	MaxStake            int64 `yaml:"max_stake" json:"max_stake"`
	CancelCooldownHours int64 `yaml:"cancel_cooldown_hours" json:"cancel_cooldown_hours"`
	FeePercent          int64 `yaml:"fee_percent" json:"fee_percent"`
	NegPenaltyPercent   int64 `yaml:"neg_penalty_percent" json:"neg_penalty_percent"`
	MemberStakePercent  int64 `yaml:"member_stake_percent" json:"member_stake_percent"`
	RatioScaling        int64 `yaml:"ratio_scaling" json:"ratio_scaling"`
	UnitsPerWhole       int64 `yaml:"units_per_whole" json:"units_per_whole"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Weights.Reward < 0 || c.Weights.Reputation < 0 || c.Weights.Deadline < 0 || c.Weights.Revisions < 0 {
		return fmt.Errorf("config.weights must be non-negative")
	}
	if sum := c.Weights.Sum(); sum != 10 {
		return fmt.Errorf("config.weights must sum to 10, got %d", sum)
	}
	if len(c.Tiers) != TierCount-1 {
		return fmt.Errorf("config.tiers must hold %d thresholds, got %d", TierCount-1, len(c.Tiers))
	}
	for i, th := range c.Tiers {
		if th < 0 {
			return fmt.Errorf("config.tiers[%d] is negative", i)
		}
		if i > 0 && th <= c.Tiers[i-1] {
			return fmt.Errorf("config.tiers must be strictly ascending")
		}
	}
	if len(c.Categories) != TierCount {
		return fmt.Errorf("config.categories must hold %d stake amounts, got %d", TierCount, len(c.Categories))
	}
	for i, amt := range c.Categories {
		if amt <= 0 {
			return fmt.Errorf("config.categories[%d] must be positive", i)
		}
		if i > 0 && amt < c.Categories[i-1] {
			return fmt.Errorf("config.categories must be non-decreasing")
		}
	}
	r := c.Reputation
	for name, v := range map[string]int64{
		"creator_accept_bonus":   r.CreatorAcceptBonus,
		"member_accept_bonus":    r.MemberAcceptBonus,
		"revision_penalty":       r.RevisionPenalty,
		"request_cancel_penalty": r.RequestCancelPenalty,
		"respond_cancel_penalty": r.RespondCancelPenalty,
		"self_cancel_penalty":    r.SelfCancelPenalty,
		"deadline_penalty":       r.DeadlinePenalty,
	} {
		if v < 0 {
			return fmt.Errorf("config.reputation.%s must be non-negative", name)
		}
	}
	l := c.Limits
	if l.UnitsPerWhole < 1 {
		return fmt.Errorf("config.limits.units_per_whole must be at least 1")
	}
	if l.MinRevisionHours < 1 {
		return fmt.Errorf("config.limits.min_revision_hours must be at least 1")
	}
	if l.MaxRevisions < 0 {
		return fmt.Errorf("config.limits.max_revisions must be non-negative")
	}
	if l.MaxReward <= 0 {
		return fmt.Errorf("config.limits.max_reward must be positive")
	}
	if l.MaxStake <= 0 {
		return fmt.Errorf("config.limits.max_stake must be positive")
	}
	if top := c.Categories[len(c.Categories)-1]; l.MaxStake > top {
		return fmt.Errorf("config.limits.max_stake %d exceeds top stake category %d", l.MaxStake, top)
	}
	if l.CancelCooldownHours < 0 {
		return fmt.Errorf("config.limits.cancel_cooldown_hours must be non-negative")
	}
	if l.FeePercent < 0 || l.FeePercent > 100 {
		return fmt.Errorf("config.limits.fee_percent must be within [0,100]")
	}
	if l.NegPenaltyPercent < 1 || l.NegPenaltyPercent > 100 {
		return fmt.Errorf("config.limits.neg_penalty_percent must be within [1,100]")
	}
	if l.MemberStakePercent < 1 || l.MemberStakePercent > 100 {
		return fmt.Errorf("config.limits.member_stake_percent must be within [1,100]")
	}
	if l.RatioScaling < 1 || l.RatioScaling > MaxRatioScaling {
		return fmt.Errorf("config.limits.ratio_scaling must be within [1,%d]", MaxRatioScaling)
	}
	switch c.Stake.Strategy {
	case StrategyTiered, StrategyRatio:
	default:
		return fmt.Errorf("config.stake.strategy must be %q or %q", StrategyTiered, StrategyRatio)
	}
	if strings.TrimSpace(c.Treasury) == "" {
		return fmt.Errorf("config.treasury is required")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Clone returns a deep copy so setters never alias a stored version.
func (c *Config) Clone() *Config {
	out := *c
	out.Tiers = append([]int64(nil), c.Tiers...)
	out.Categories = append([]int64(nil), c.Categories...)
	if c.Webhooks != nil {
		out.Webhooks = make([]WebhookConfig, len(c.Webhooks))
		for i, h := range c.Webhooks {
			h.Events = append([]string(nil), h.Events...)
			if h.Enabled != nil {
				v := *h.Enabled
				h.Enabled = &v
			}
			out.Webhooks[i] = h
		}
	}
	return &out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stakeline.yml")
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML for the given treasury.
func GenerateDefault(treasury string) string {
	return fmt.Sprintf(defaultTemplate, treasury)
}

// Default returns the default Config struct.
func Default(treasury string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(treasury))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders the config back to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `weights:
  reward: 4
  reputation: 2
  deadline: 2
  revisions: 2

# score thresholds for Low, MidLow, Medium, MidHigh, High; anything above is UltraHigh
tiers: [10, 25, 50, 100, 200]

# stake per tier, in base units
categories: [10000, 50000, 100000, 250000, 500000, 1000000]

reputation:
  creator_accept_bonus: 10
  member_accept_bonus: 20
  revision_penalty: 2
  request_cancel_penalty: 5
  respond_cancel_penalty: 2
  self_cancel_penalty: 15
  deadline_penalty: 10

limits:
  min_revision_hours: 1
  max_revisions: 5
  max_reward: 1000000000
  max_stake: 1000000
  cancel_cooldown_hours: 24
  fee_percent: 2
  neg_penalty_percent: 10
  member_stake_percent: 20
  ratio_scaling: 1
  units_per_whole: 1000000

stake:
  strategy: tiered

treasury: %s
`
