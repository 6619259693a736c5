package ai

import (
	"context"
	"encoding/json"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/conversation"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/notify"
)

type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)

// Message is one provider-facing message. Consecutive items of the same role are merged into one.
type Message struct {
	Role    conversation.Role
	Content []conversation.ContentBlock
	// CacheBreakpoint marks the end of a prefix the provider may reuse across calls.
	CacheBreakpoint bool
}

type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ModelRequest is one call to a model. Model is the provider-local model name.
type ModelRequest struct {
	Model                string
	System               string
	Messages             []Message
	Tools                []ToolSpec
	MaxOutputTokens      int
	ThinkingBudgetTokens int
	CacheEnabled         bool
}

type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
}

// InputTotal is every input token the provider charged for, cached or not.
func (u Usage) InputTotal() int {
	return u.InputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

type ModelResponse struct {
	Content    []conversation.ContentBlock
	StopReason StopReason
	Usage      Usage
}

// Provider is a model backend.
type Provider interface {
	Call(ctx context.Context, req ModelRequest) (ModelResponse, error)
}

// HistoryStore is the append-only conversation log.
type HistoryStore interface {
	AppendItem(ctx context.Context, item conversation.Item) error
	// AppendItemPair writes both items or neither.
	AppendItemPair(ctx context.Context, first conversation.Item, second conversation.Item) error
	ListItems(ctx context.Context, sessionID string) ([]conversation.Item, error)
	UpdateTokenCount(ctx context.Context, sessionID string, seqKey string, count int) error
}

type SessionStore interface {
	EnsureSession(ctx context.Context, in conversation.Session) (conversation.Session, error)
	GetSession(ctx context.Context, sessionID string) (*conversation.Session, error)
	ListSessionsByStatus(ctx context.Context, status conversation.AgentStatus) ([]conversation.Session, error)
	UpdateAgentStatus(ctx context.Context, sessionID string, status conversation.AgentStatus) error
	UpdateTitle(ctx context.Context, sessionID string, title string) error
}

// Notifier delivers events to whoever watches a session. It must not block.
type Notifier interface {
	Publish(topic string, ev notify.Event)
}

// APIKeySource resolves provider credentials.
type APIKeySource interface {
	ProviderAPIKey(providerID string, providerType string) (string, bool, error)
}
