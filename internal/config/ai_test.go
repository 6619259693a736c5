package config

import (
	"strings"
	"testing"
	"time"
)

func validAIConfig() *AIConfig {
	return &AIConfig{
		Providers: []AIProvider{
			{
				ID:      "anthropic",
				Type:    "anthropic",
				BaseURL: "https://api.anthropic.com",
				Models: []AIProviderModel{
					{ModelName: "claude-sonnet-4", IsDefault: true, SupportsThinking: true, SupportsCache: true},
					{ModelName: "claude-haiku"},
				},
			},
			{
				ID:      "openai",
				Type:    "openai",
				BaseURL: "https://api.openai.com/v1",
				Models:  []AIProviderModel{{ModelName: "gpt-5-mini"}},
			},
		},
	}
}

func TestAIConfigValidate_RequiresProviderModels(t *testing.T) {
	t.Parallel()

	cfg := &AIConfig{Providers: []AIProvider{{ID: "openai", Type: "openai"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing providers[].models[]")
	}
}

func TestAIConfigValidate_RequiresExactlyOneDefault(t *testing.T) {
	t.Parallel()

	cfg := validAIConfig()
	cfg.Providers[0].Models[0].IsDefault = false
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "missing default") {
		t.Fatalf("err=%v, want missing default", err)
	}

	cfg = validAIConfig()
	cfg.Providers[1].Models[0].IsDefault = true
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "multiple default") {
		t.Fatalf("err=%v, want multiple default", err)
	}
}

func TestAIConfigValidate_OpenAICompatibleNeedsBaseURL(t *testing.T) {
	t.Parallel()

	cfg := validAIConfig()
	cfg.Providers[1].Type = "openai_compatible"
	cfg.Providers[1].BaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected base_url error")
	}
	cfg.Providers[1].BaseURL = "ftp://example.com"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestAIConfigValidate_CompactionThresholds(t *testing.T) {
	t.Parallel()

	cfg := validAIConfig()
	cfg.Compaction = CompactionConfig{BudgetTokens: 1000, SoftThresholdTokens: 900}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected soft threshold error")
	}
	cfg.Compaction = CompactionConfig{BudgetTokens: 1000, SoftThresholdTokens: 1200, HeadRatio: 1.2}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected head ratio error")
	}
}

func TestAIConfigValidate_Profiles(t *testing.T) {
	t.Parallel()

	cfg := validAIConfig()
	cfg.Profiles = []AgentProfile{{Name: "reviewer", Model: "anthropic/claude-haiku", ReadOnly: true}}
	cfg.DefaultProfile = "reviewer"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cfg.Profiles[0].Model = "anthropic/unknown"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown model error")
	}

	cfg = validAIConfig()
	cfg.DefaultProfile = "ghost"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected undefined default_profile error")
	}
}

func TestAIConfig_ApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := validAIConfig()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate after defaults: %v", err)
	}
	if cfg.Compaction.BudgetTokens != defaultBudgetTokens {
		t.Fatalf("BudgetTokens=%d", cfg.Compaction.BudgetTokens)
	}
	if cfg.Compaction.SoftThresholdTokens <= cfg.Compaction.BudgetTokens {
		t.Fatalf("SoftThresholdTokens=%d, want > budget", cfg.Compaction.SoftThresholdTokens)
	}
	if cfg.Compaction.HeadRatio != 0.6 {
		t.Fatalf("HeadRatio=%v, want 0.6", cfg.Compaction.HeadRatio)
	}
	if cfg.Retry.ThrottleBase != time.Second || cfg.Retry.ThrottleMax != 5*time.Second {
		t.Fatalf("Retry=%+v", cfg.Retry)
	}
	if cfg.Retry.MaxThrottleAttempts != 100 || cfg.Retry.MaxOverflowRetries != 5 {
		t.Fatalf("Retry=%+v", cfg.Retry)
	}
	if cfg.Thinking.Keyword != "ultrathink" {
		t.Fatalf("Keyword=%q", cfg.Thinking.Keyword)
	}
	m := cfg.Providers[0].Models[0]
	if m.BaseOutputTokens != defaultBaseOutputTokens || m.MaxOutputTokens != defaultMaxOutputTokens {
		t.Fatalf("model=%+v", m)
	}
}

func TestAIConfig_ResolveModel(t *testing.T) {
	t.Parallel()

	cfg := validAIConfig()
	id, ok := cfg.DefaultModelID()
	if !ok || id != "anthropic/claude-sonnet-4" {
		t.Fatalf("DefaultModelID=%q,%v", id, ok)
	}
	p, m, ok := cfg.ResolveModel("openai/gpt-5-mini")
	if !ok || p.Type != "openai" || m.ModelName != "gpt-5-mini" {
		t.Fatalf("ResolveModel=%+v %+v %v", p, m, ok)
	}
	for _, bad := range []string{"", "openai", "openai/", "/gpt", "openai/claude-haiku", "nope/x"} {
		if cfg.IsAllowedModelID(bad) {
			t.Fatalf("IsAllowedModelID(%q)=true", bad)
		}
	}
}
