package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/conversation"
)

var (
	ErrToolNotFound = errors.New("tool not found")
	ErrInvalidInput = errors.New("invalid tool input")
)

// Handler executes one tool invocation. input has already passed schema validation.
type Handler func(ctx context.Context, input json.RawMessage, call CallContext) (Output, error)

// Tool is a named capability offered to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

// Output is what a handler returns. Content wins over Text when both are set.
type Output struct {
	Text    string
	Content []conversation.ContentBlock
}

// Blocks returns the content blocks sent back to the model as the tool result.
func (o Output) Blocks() []conversation.ContentBlock {
	if len(o.Content) > 0 {
		return o.Content
	}
	return []conversation.ContentBlock{conversation.TextBlock{Text: o.Text}}
}

// Sink receives side-channel output a tool produces while it runs.
type Sink interface {
	Message(text string)
	Image(img conversation.ImageBlock)
}

// CallContext describes where a tool call happens.
type CallContext struct {
	SessionID string
	ToolUseID string
	WorkDir   string
	// ImageDir is where tools materialize binary content they return as image references.
	ImageDir string
	Sink     Sink
	// ReadOnly refuses mutating shell commands and file edits.
	ReadOnly bool
}

func (c CallContext) sink() Sink {
	if c.Sink == nil {
		return nopSink{}
	}
	return c.Sink
}

type nopSink struct{}

func (nopSink) Message(string)                 {}
func (nopSink) Image(conversation.ImageBlock) {}
