package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/conversation"
)

type anthropicProvider struct {
	client anthropic.Client
}

func (p *anthropicProvider) Call(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	if p == nil {
		return ModelResponse{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return ModelResponse{}, errors.New("missing model")
	}
	tools, aliasToReal := buildAnthropicTools(req.Tools)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: int64(req.MaxOutputTokens),
		Messages:  buildAnthropicMessages(req.Messages, req.CacheEnabled, req.ThinkingBudgetTokens > 0),
		Tools:     tools,
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = 4096
	}
	if req.ThinkingBudgetTokens >= minThinkingBudgetTokens && int64(req.ThinkingBudgetTokens) < params.MaxTokens {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudgetTokens))
	}
	if system := strings.TrimSpace(req.System); system != "" {
		block := anthropic.TextBlockParam{Text: system}
		if req.CacheEnabled {
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{block}
	}

	// Large output budgets require streaming; accumulate into a single message.
	stream := p.client.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}
	for stream.Next() {
		if err := msg.Accumulate(stream.Current()); err != nil {
			return ModelResponse{}, wrapAnthropicError(err)
		}
	}
	if err := stream.Err(); err != nil {
		return ModelResponse{}, wrapAnthropicError(err)
	}

	out := ModelResponse{
		StopReason: mapAnthropicStopReason(msg.StopReason),
		Usage: Usage{
			InputTokens:      int(msg.Usage.InputTokens),
			OutputTokens:     int(msg.Usage.OutputTokens),
			CacheReadTokens:  int(msg.Usage.CacheReadInputTokens),
			CacheWriteTokens: int(msg.Usage.CacheCreationInputTokens),
		},
	}
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content = append(out.Content, conversation.TextBlock{Text: v.Text})
		case anthropic.ThinkingBlock:
			out.Content = append(out.Content, conversation.ReasoningBlock{Text: v.Thinking, Signature: v.Signature})
		case anthropic.ToolUseBlock:
			name := strings.TrimSpace(v.Name)
			if realName, ok := aliasToReal[name]; ok {
				name = realName
			}
			input := json.RawMessage(v.Input)
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			out.Content = append(out.Content, conversation.ToolUseBlock{ID: v.ID, Name: name, Input: input})
		}
	}
	return out, nil
}

func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: "anthropic", StatusCode: apiErr.StatusCode, Message: apiErr.Error(), Err: err}
	}
	if pe := streamErrorPayload(err); pe != nil {
		return pe
	}
	return err
}

// anthropicStreamStatus maps the error types an SSE "error" event can carry to the HTTP status the
// same failure would have had before the stream started.
var anthropicStreamStatus = map[string]int{
	"invalid_request_error": http.StatusBadRequest,
	"authentication_error":  http.StatusUnauthorized,
	"permission_error":      http.StatusForbidden,
	"not_found_error":       http.StatusNotFound,
	"request_too_large":     http.StatusRequestEntityTooLarge,
	"rate_limit_error":      http.StatusTooManyRequests,
	"api_error":             http.StatusInternalServerError,
	"overloaded_error":      529,
}

// streamErrorPayload recovers the error object the SDK leaves as plain text when the failure
// arrives mid-stream ("received error while streaming: {...}").
func streamErrorPayload(err error) *ProviderError {
	text := err.Error()
	i := strings.Index(text, "{")
	if i < 0 {
		return nil
	}
	var payload struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(text[i:]), &payload) != nil || payload.Type != "error" || payload.Error.Type == "" {
		return nil
	}
	msg := payload.Error.Type
	if m := strings.TrimSpace(payload.Error.Message); m != "" {
		msg += ": " + m
	}
	return &ProviderError{
		Provider:   "anthropic",
		StatusCode: anthropicStreamStatus[payload.Error.Type],
		Message:    msg,
		Err:        err,
	}
}

func mapAnthropicStopReason(reason anthropic.StopReason) StopReason {
	switch reason {
	case anthropic.StopReasonToolUse:
		return StopToolUse
	case anthropic.StopReasonMaxTokens:
		return StopMaxTokens
	case anthropic.StopReasonStopSequence:
		return StopStopSequence
	default:
		return StopEndTurn
	}
}

func buildAnthropicTools(defs []ToolSpec) ([]anthropic.ToolUnionParam, map[string]string) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schemaMap := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schemaMap)
		}
		var required []string
		if raw, ok := schemaMap["required"].([]any); ok {
			for _, r := range raw {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
		alias := sanitizeProviderToolName(name)
		param := anthropic.ToolParam{
			Name:        alias,
			Description: anthropic.String(strings.TrimSpace(def.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: schemaMap["properties"], Required: required},
		}
		aliasToReal[alias] = name
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, aliasToReal
}

func buildAnthropicMessages(messages []Message, cache bool, thinking bool) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages)+1)
	for _, msg := range messages {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
		for _, block := range msg.Content {
			switch b := block.(type) {
			case conversation.TextBlock:
				if txt := strings.TrimSpace(b.Text); txt != "" {
					blocks = append(blocks, anthropic.NewTextBlock(txt))
				}
			case conversation.ImageBlock:
				blocks = append(blocks, anthropicImageBlock(b))
			case conversation.ToolUseBlock:
				input := b.Input
				if len(input) == 0 || !json.Valid(input) {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, sanitizeProviderToolName(b.Name)))
			case conversation.ToolResultBlock:
				blocks = append(blocks, anthropicToolResult(b))
			case conversation.ReasoningBlock:
				if thinking && b.Signature != "" {
					blocks = append(blocks, anthropic.NewThinkingBlock(b.Signature, b.Text))
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if cache && msg.CacheBreakpoint {
			markAnthropicCacheBreakpoint(blocks)
		}
		if msg.Role == conversation.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

func anthropicImageBlock(img conversation.ImageBlock) anthropic.ContentBlockParamUnion {
	b64, err := loadImageBase64(img.Path)
	if err != nil {
		return anthropic.NewTextBlock(fmt.Sprintf("[image unavailable: %s]", img.Path))
	}
	return anthropic.NewImageBlockBase64(img.MediaType, b64)
}

func anthropicToolResult(res conversation.ToolResultBlock) anthropic.ContentBlockParamUnion {
	parts := make([]anthropic.ToolResultBlockParamContentUnion, 0, len(res.Content))
	for _, c := range res.Content {
		switch v := c.(type) {
		case conversation.TextBlock:
			if strings.TrimSpace(v.Text) != "" {
				parts = append(parts, anthropic.ToolResultBlockParamContentUnion{OfText: &anthropic.TextBlockParam{Text: v.Text}})
			}
		case conversation.ImageBlock:
			b64, err := loadImageBase64(v.Path)
			if err != nil {
				parts = append(parts, anthropic.ToolResultBlockParamContentUnion{OfText: &anthropic.TextBlockParam{Text: fmt.Sprintf("[image unavailable: %s]", v.Path)}})
				continue
			}
			parts = append(parts, anthropic.ToolResultBlockParamContentUnion{OfImage: &anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{OfBase64: &anthropic.Base64ImageSourceParam{
					Data:      b64,
					MediaType: anthropic.Base64ImageSourceMediaType(v.MediaType),
				}},
			}})
		case conversation.ToolUseBlock, conversation.ToolResultBlock, conversation.ReasoningBlock:
			// Not valid inside a tool result.
		}
	}
	if len(parts) == 0 {
		parts = append(parts, anthropic.ToolResultBlockParamContentUnion{OfText: &anthropic.TextBlockParam{Text: "(no output)"}})
	}
	tr := anthropic.ToolResultBlockParam{
		ToolUseID: res.ToolUseID,
		Content:   parts,
		IsError:   anthropic.Bool(res.IsError),
	}
	return anthropic.ContentBlockParamUnion{OfToolResult: &tr}
}

// markAnthropicCacheBreakpoint puts the cache marker on the last block that accepts one.
func markAnthropicCacheBreakpoint(blocks []anthropic.ContentBlockParamUnion) {
	for i := len(blocks) - 1; i >= 0; i-- {
		b := &blocks[i]
		switch {
		case b.OfText != nil:
			b.OfText.CacheControl = anthropic.NewCacheControlEphemeralParam()
		case b.OfImage != nil:
			b.OfImage.CacheControl = anthropic.NewCacheControlEphemeralParam()
		case b.OfToolUse != nil:
			b.OfToolUse.CacheControl = anthropic.NewCacheControlEphemeralParam()
		case b.OfToolResult != nil:
			b.OfToolResult.CacheControl = anthropic.NewCacheControlEphemeralParam()
		default:
			continue
		}
		return
	}
}
