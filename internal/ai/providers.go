package ai

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/config"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

const maxImageBytes = 5 << 20

// ProviderFactory builds a Provider for one configured backend.
type ProviderFactory func(p config.AIProvider, apiKey string) (Provider, error)

// NewProviderAdapter builds an SDK client for p. SDK-level retries are off; RetryPolicy owns them.
func NewProviderAdapter(p config.AIProvider, apiKey string) (Provider, error) {
	providerType := strings.ToLower(strings.TrimSpace(p.Type))
	apiKey = strings.TrimSpace(apiKey)
	baseURL := strings.TrimSpace(p.BaseURL)
	if apiKey == "" {
		return nil, errors.New("missing provider api key")
	}
	switch providerType {
	case "openai", "openai_compatible":
		opts := []ooption.RequestOption{ooption.WithAPIKey(apiKey), ooption.WithMaxRetries(0)}
		if baseURL != "" {
			opts = append(opts, ooption.WithBaseURL(baseURL))
		}
		return &openAIProvider{client: openai.NewClient(opts...)}, nil
	case "anthropic":
		opts := []aoption.RequestOption{aoption.WithAPIKey(apiKey), aoption.WithMaxRetries(0)}
		if baseURL != "" {
			opts = append(opts, aoption.WithBaseURL(baseURL))
		}
		return &anthropicProvider{client: anthropic.NewClient(opts...)}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

// resolvedModel is a model id bound to its provider client.
type resolvedModel struct {
	ID           string
	ProviderType string
	Spec         config.AIProviderModel
	Provider     Provider
}

// modelRouter maps "<provider_id>/<model_name>" ids to provider clients, one client per provider.
type modelRouter struct {
	cfg     *config.AIConfig
	keys    APIKeySource
	factory ProviderFactory

	mu      sync.Mutex
	clients map[string]Provider
}

func newModelRouter(cfg *config.AIConfig, keys APIKeySource, factory ProviderFactory) *modelRouter {
	if factory == nil {
		factory = NewProviderAdapter
	}
	return &modelRouter{cfg: cfg, keys: keys, factory: factory, clients: make(map[string]Provider)}
}

func (r *modelRouter) resolve(modelID string) (resolvedModel, error) {
	if r == nil || r.cfg == nil {
		return resolvedModel{}, ErrNotConfigured
	}
	p, m, ok := r.cfg.ResolveModel(modelID)
	if !ok {
		return resolvedModel{}, fmt.Errorf("unknown model %q", modelID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[p.ID]
	if !ok {
		apiKey := ""
		if r.keys != nil {
			key, found, err := r.keys.ProviderAPIKey(p.ID, p.Type)
			if err != nil {
				return resolvedModel{}, fmt.Errorf("load api key for %s: %w", p.ID, err)
			}
			if !found {
				return resolvedModel{}, fmt.Errorf("%w: no api key for provider %s", ErrNotConfigured, p.ID)
			}
			apiKey = key
		}
		c, err := r.factory(p, apiKey)
		if err != nil {
			return resolvedModel{}, fmt.Errorf("provider %s: %w", p.ID, err)
		}
		r.clients[p.ID] = c
		client = c
	}
	return resolvedModel{ID: modelID, ProviderType: p.Type, Spec: m, Provider: client}, nil
}

// modelName strips the provider prefix from a model id.
func modelName(modelID string) string {
	_, name, ok := strings.Cut(strings.TrimSpace(modelID), "/")
	if !ok {
		return strings.TrimSpace(modelID)
	}
	return name
}

func sanitizeProviderToolName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var sb strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_', ch == '-':
			sb.WriteRune(ch)
		default:
			sb.WriteRune('_')
		}
	}
	out := strings.Trim(sb.String(), "_-")
	if out == "" {
		return "tool"
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

func loadImageBase64(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > maxImageBytes {
		return "", fmt.Errorf("image %s is larger than %d bytes", path, maxImageBytes)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
