package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/conversation"
	openai "github.com/openai/openai-go"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

type openAIProvider struct {
	client openai.Client
}

func (p *openAIProvider) Call(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	if p == nil {
		return ModelResponse{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return ModelResponse{}, errors.New("missing model")
	}

	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		ParallelToolCalls: openai.Bool(false),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if req.ThinkingBudgetTokens > 0 {
		params.Reasoning = oshared.ReasoningParam{Effort: oshared.ReasoningEffortHigh}
	}
	inputItems := buildOpenAIInput(req.Messages)
	if len(inputItems) == 0 {
		inputItems = append(inputItems, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: inputItems}
	if system := strings.TrimSpace(req.System); system != "" {
		params.Instructions = openai.String(system)
	}
	tools, aliasToReal := buildOpenAITools(req.Tools)
	if len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return ModelResponse{}, wrapOpenAIError(err)
	}

	cached := int(resp.Usage.InputTokensDetails.CachedTokens)
	out := ModelResponse{
		StopReason: StopEndTurn,
		Usage: Usage{
			InputTokens:     int(resp.Usage.InputTokens) - cached,
			OutputTokens:    int(resp.Usage.OutputTokens),
			CacheReadTokens: cached,
		},
	}
	for _, item := range resp.Output {
		switch strings.TrimSpace(item.Type) {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" && c.Text != "" {
					out.Content = append(out.Content, conversation.TextBlock{Text: c.Text})
				}
			}
		case "function_call":
			callID := strings.TrimSpace(item.CallID)
			if callID == "" {
				callID = strings.TrimSpace(item.ID)
			}
			name := strings.TrimSpace(item.Name)
			if realName, ok := aliasToReal[name]; ok {
				name = realName
			}
			args := json.RawMessage(strings.TrimSpace(item.Arguments))
			if len(args) == 0 || !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			out.Content = append(out.Content, conversation.ToolUseBlock{ID: callID, Name: name, Input: args})
			out.StopReason = StopToolUse
		}
	}
	if out.StopReason != StopToolUse && string(resp.Status) == "incomplete" &&
		string(resp.IncompleteDetails.Reason) == "max_output_tokens" {
		out.StopReason = StopMaxTokens
	}
	return out, nil
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: "openai", StatusCode: apiErr.StatusCode, Message: apiErr.Error(), Err: err}
	}
	return err
}

// Strict function schemas are off: MCP servers ship schemas that rarely meet strict-mode rules.
func buildOpenAITools(defs []ToolSpec) ([]oresponses.ToolUnionParam, map[string]string) {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schema)
		}
		alias := sanitizeProviderToolName(def.Name)
		param := oresponses.ToolParamOfFunction(alias, schema, false)
		if param.OfFunction != nil && strings.TrimSpace(def.Description) != "" {
			param.OfFunction.Description = openai.String(strings.TrimSpace(def.Description))
		}
		out = append(out, param)
		aliasToReal[alias] = def.Name
	}
	return out, aliasToReal
}

// buildOpenAIInput maps messages to Responses input items. Tool results become function call
// outputs; images they carry follow as a separate user message since outputs are text only.
func buildOpenAIInput(messages []Message) oresponses.ResponseInputParam {
	items := make(oresponses.ResponseInputParam, 0, len(messages)+2)
	for _, msg := range messages {
		if msg.Role == conversation.RoleAssistant {
			var text []string
			for _, block := range msg.Content {
				switch b := block.(type) {
				case conversation.TextBlock:
					if t := strings.TrimSpace(b.Text); t != "" {
						text = append(text, t)
					}
				case conversation.ToolUseBlock:
					if len(text) > 0 {
						items = append(items, oresponses.ResponseInputItemParamOfMessage(strings.Join(text, "\n"), oresponses.EasyInputMessageRoleAssistant))
						text = nil
					}
					args := strings.TrimSpace(string(b.Input))
					if args == "" || !json.Valid([]byte(args)) {
						args = "{}"
					}
					items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(args, b.ID, sanitizeProviderToolName(b.Name)))
				case conversation.ImageBlock, conversation.ToolResultBlock, conversation.ReasoningBlock:
				}
			}
			if len(text) > 0 {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(strings.Join(text, "\n"), oresponses.EasyInputMessageRoleAssistant))
			}
			continue
		}

		content := make(oresponses.ResponseInputMessageContentListParam, 0, len(msg.Content))
		appendImage := func(img conversation.ImageBlock) {
			b64, err := loadImageBase64(img.Path)
			if err != nil {
				content = append(content, openAIInputText(fmt.Sprintf("[image unavailable: %s]", img.Path)))
				return
			}
			content = append(content, oresponses.ResponseInputContentUnionParam{
				OfInputImage: &oresponses.ResponseInputImageParam{
					Detail:   oresponses.ResponseInputImageDetailAuto,
					ImageURL: openai.String("data:" + img.MediaType + ";base64," + b64),
				},
			})
		}
		for _, block := range msg.Content {
			switch b := block.(type) {
			case conversation.TextBlock:
				if t := strings.TrimSpace(b.Text); t != "" {
					content = append(content, openAIInputText(t))
				}
			case conversation.ImageBlock:
				appendImage(b)
			case conversation.ToolResultBlock:
				output := conversation.JoinText(b.Content)
				if b.IsError && !strings.HasPrefix(output, "Error") {
					output = "Error: " + output
				}
				if strings.TrimSpace(output) == "" {
					output = "(no output)"
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(b.ToolUseID, output))
				for _, c := range b.Content {
					if img, ok := c.(conversation.ImageBlock); ok {
						appendImage(img)
					}
				}
			case conversation.ToolUseBlock, conversation.ReasoningBlock:
			}
		}
		if len(content) > 0 {
			items = append(items, oresponses.ResponseInputItemParamOfMessage(content, oresponses.EasyInputMessageRoleUser))
		}
	}
	return items
}

func openAIInputText(text string) oresponses.ResponseInputContentUnionParam {
	return oresponses.ResponseInputContentUnionParam{OfInputText: &oresponses.ResponseInputTextParam{Text: text}}
}
