package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// AIConfig configures model providers and the turn engine.
//
// Notes:
//   - Secrets (api keys) must never be stored in this config. Keys are managed via a separate local secrets file.
//   - Model ids on the wire are "<provider_id>/<model_name>".
type AIConfig struct {
	// Providers is the provider registry. Exactly one providers[].models[] entry must be the default.
	Providers []AIProvider `yaml:"providers"`

	// TitleModel generates session titles. Defaults to the default model.
	TitleModel string `yaml:"title_model,omitempty"`

	Compaction CompactionConfig `yaml:"compaction"`
	Retry      RetryConfig      `yaml:"retry"`
	Thinking   ThinkingConfig   `yaml:"thinking"`

	// Profiles are named agent personas. A session selects one by name.
	Profiles []AgentProfile `yaml:"profiles,omitempty"`
	// DefaultProfile names the profile used when a session has none.
	DefaultProfile string `yaml:"default_profile,omitempty"`
}

type AIProvider struct {
	// ID is a stable internal id used for secrets and model routing.
	ID string `yaml:"id"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `yaml:"type"`

	// BaseURL overrides the provider endpoint. Required for openai_compatible.
	BaseURL string `yaml:"base_url,omitempty"`

	Models []AIProviderModel `yaml:"models"`
}

type AIProviderModel struct {
	ModelName string `yaml:"model_name"`

	// IsDefault marks the single default model across all providers.
	IsDefault bool `yaml:"is_default,omitempty"`

	// MaxOutputTokens is the model's hard output ceiling. Output doubling never exceeds it.
	MaxOutputTokens int `yaml:"max_output_tokens,omitempty"`
	// BaseOutputTokens is the initial output budget of every call.
	BaseOutputTokens int `yaml:"base_output_tokens,omitempty"`
	// SupportsThinking enables extended thinking when the trigger keyword appears.
	SupportsThinking bool `yaml:"supports_thinking,omitempty"`
	// SupportsCache enables prompt cache breakpoints.
	SupportsCache bool `yaml:"supports_cache,omitempty"`
}

type CompactionConfig struct {
	// BudgetTokens is the token budget the history window is trimmed to.
	BudgetTokens int `yaml:"budget_tokens"`
	// SoftThresholdTokens triggers re-compaction in the middle of a turn once the reported input
	// total exceeds it. Must be larger than BudgetTokens.
	SoftThresholdTokens int `yaml:"soft_threshold_tokens"`
	// HeadRatio is the share of the budget kept from the oldest side.
	HeadRatio float64 `yaml:"head_ratio"`
}

type RetryConfig struct {
	ThrottleBase        time.Duration `yaml:"throttle_base"`
	ThrottleMax         time.Duration `yaml:"throttle_max"`
	MaxThrottleAttempts int           `yaml:"max_throttle_attempts"`
	MaxOverflowRetries  int           `yaml:"max_overflow_retries"`
}

type ThinkingConfig struct {
	// Keyword in the latest user message enables extended thinking for the turn.
	Keyword string `yaml:"keyword"`
	// BaseBudgetTokens is the initial thinking budget.
	BaseBudgetTokens int `yaml:"base_budget_tokens"`
}

const (
	defaultBudgetTokens        = 100_000
	defaultSoftThresholdTokens = 130_000
	defaultHeadRatio           = 0.6
	defaultThrottleBase        = time.Second
	defaultThrottleMax         = 5 * time.Second
	defaultMaxThrottleAttempts = 100
	defaultMaxOverflowRetries  = 5
	defaultThinkingKeyword     = "ultrathink"
	defaultThinkingBudget      = 4096
	defaultBaseOutputTokens    = 8192
	defaultMaxOutputTokens     = 64_000
)

func (c *AIConfig) ApplyDefaults() {
	if c == nil {
		return
	}
	if c.Compaction.BudgetTokens <= 0 {
		c.Compaction.BudgetTokens = defaultBudgetTokens
	}
	if c.Compaction.SoftThresholdTokens <= 0 {
		c.Compaction.SoftThresholdTokens = c.Compaction.BudgetTokens + c.Compaction.BudgetTokens*3/10
	}
	if c.Compaction.HeadRatio <= 0 {
		c.Compaction.HeadRatio = defaultHeadRatio
	}
	if c.Retry.ThrottleBase <= 0 {
		c.Retry.ThrottleBase = defaultThrottleBase
	}
	if c.Retry.ThrottleMax <= 0 {
		c.Retry.ThrottleMax = defaultThrottleMax
	}
	if c.Retry.MaxThrottleAttempts <= 0 {
		c.Retry.MaxThrottleAttempts = defaultMaxThrottleAttempts
	}
	if c.Retry.MaxOverflowRetries <= 0 {
		c.Retry.MaxOverflowRetries = defaultMaxOverflowRetries
	}
	if strings.TrimSpace(c.Thinking.Keyword) == "" {
		c.Thinking.Keyword = defaultThinkingKeyword
	}
	if c.Thinking.BaseBudgetTokens <= 0 {
		c.Thinking.BaseBudgetTokens = defaultThinkingBudget
	}
	for i := range c.Providers {
		for j := range c.Providers[i].Models {
			m := &c.Providers[i].Models[j]
			if m.MaxOutputTokens <= 0 {
				m.MaxOutputTokens = defaultMaxOutputTokens
			}
			if m.BaseOutputTokens <= 0 {
				m.BaseOutputTokens = min(defaultBaseOutputTokens, m.MaxOutputTokens)
			}
		}
	}
}

func (c *AIConfig) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if len(c.Providers) == 0 {
		return errors.New("missing providers")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	defaultCount := 0
	for i := range c.Providers {
		p := c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("providers[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case "openai", "anthropic", "openai_compatible":
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == "openai_compatible" && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil || u == nil {
				return fmt.Errorf("providers[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("providers[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("providers[%d]: invalid base_url host", i)
			}
		}

		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		modelNames := make(map[string]struct{}, len(p.Models))
		for j := range p.Models {
			m := p.Models[j]
			name := strings.TrimSpace(m.ModelName)
			if name == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model_name", i, j)
			}
			if strings.Contains(name, "/") {
				return fmt.Errorf("providers[%d].models[%d]: invalid model_name %q (must not contain /)", i, j, name)
			}
			if _, ok := modelNames[name]; ok {
				return fmt.Errorf("providers[%d].models[%d]: duplicate model_name %q", i, j, name)
			}
			modelNames[name] = struct{}{}
			if m.BaseOutputTokens > 0 && m.MaxOutputTokens > 0 && m.BaseOutputTokens > m.MaxOutputTokens {
				return fmt.Errorf("providers[%d].models[%d]: base_output_tokens exceeds max_output_tokens", i, j)
			}
			if m.IsDefault {
				defaultCount++
			}
		}
	}

	if defaultCount == 0 {
		return errors.New("missing default model (providers[].models[].is_default)")
	}
	if defaultCount > 1 {
		return errors.New("multiple default models (providers[].models[].is_default)")
	}

	if c.TitleModel != "" && !c.IsAllowedModelID(c.TitleModel) {
		return fmt.Errorf("title_model %q is not a configured model", c.TitleModel)
	}
	if c.Compaction.BudgetTokens > 0 && c.Compaction.SoftThresholdTokens > 0 &&
		c.Compaction.SoftThresholdTokens <= c.Compaction.BudgetTokens {
		return fmt.Errorf("compaction.soft_threshold_tokens (%d) must exceed budget_tokens (%d)",
			c.Compaction.SoftThresholdTokens, c.Compaction.BudgetTokens)
	}
	if r := c.Compaction.HeadRatio; r < 0 || r >= 1 {
		return fmt.Errorf("invalid compaction.head_ratio %v (must be in (0,1))", r)
	}

	profiles := make(map[string]struct{}, len(c.Profiles))
	for i, p := range c.Profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profiles[%d]: %w", i, err)
		}
		if _, ok := profiles[p.Name]; ok {
			return fmt.Errorf("profiles[%d]: duplicate name %q", i, p.Name)
		}
		profiles[p.Name] = struct{}{}
		if p.Model != "" && !c.IsAllowedModelID(p.Model) {
			return fmt.Errorf("profiles[%d]: model %q is not a configured model", i, p.Model)
		}
	}
	if c.DefaultProfile != "" {
		if _, ok := profiles[c.DefaultProfile]; !ok {
			return fmt.Errorf("default_profile %q is not defined", c.DefaultProfile)
		}
	}
	return nil
}

// DefaultModelID returns the default model wire id (<provider_id>/<model_name>).
//
// It assumes Validate() has passed. When config is invalid/incomplete, it returns ("", false).
func (c *AIConfig) DefaultModelID() (string, bool) {
	if c == nil {
		return "", false
	}
	for _, p := range c.Providers {
		pid := strings.TrimSpace(p.ID)
		if pid == "" {
			continue
		}
		for _, m := range p.Models {
			if m.IsDefault && strings.TrimSpace(m.ModelName) != "" {
				return pid + "/" + strings.TrimSpace(m.ModelName), true
			}
		}
	}
	return "", false
}

// IsAllowedModelID reports whether the given model wire id exists in the config allow-list.
func (c *AIConfig) IsAllowedModelID(modelID string) bool {
	_, _, ok := c.ResolveModel(modelID)
	return ok
}

// ResolveModel splits a model wire id and returns its provider and model entries.
func (c *AIConfig) ResolveModel(modelID string) (AIProvider, AIProviderModel, bool) {
	if c == nil {
		return AIProvider{}, AIProviderModel{}, false
	}
	pid, mn, ok := strings.Cut(strings.TrimSpace(modelID), "/")
	pid = strings.TrimSpace(pid)
	mn = strings.TrimSpace(mn)
	if !ok || pid == "" || mn == "" {
		return AIProvider{}, AIProviderModel{}, false
	}
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) != pid {
			continue
		}
		for _, m := range p.Models {
			if strings.TrimSpace(m.ModelName) == mn {
				return p, m, true
			}
		}
		return AIProvider{}, AIProviderModel{}, false
	}
	return AIProvider{}, AIProviderModel{}, false
}

// Profile returns the named profile, falling back to DefaultProfile.
func (c *AIConfig) Profile(name string) (AgentProfile, bool) {
	if c == nil {
		return AgentProfile{}, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = c.DefaultProfile
	}
	if name == "" {
		return AgentProfile{}, false
	}
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return AgentProfile{}, false
}
