package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ContentBlock is one unit of message content.
//
// The set of implementations is closed: TextBlock, ImageBlock, ToolUseBlock, ToolResultBlock
// and ReasoningBlock. Consumers switch over all of them.
type ContentBlock interface {
	blockType() string
}

type TextBlock struct {
	Text string
}

// ImageBlock references an image stored on local disk. Bytes are loaded by provider adapters at call time.
type ImageBlock struct {
	MediaType string
	Path      string
}

type ToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultBlock carries the output of one tool invocation. Content holds only TextBlock and ImageBlock values.
type ToolResultBlock struct {
	ToolUseID string
	Content   []ContentBlock
	IsError   bool
}

// ReasoningBlock is a provider reasoning trace. Signature is opaque and must be echoed back unchanged.
type ReasoningBlock struct {
	Text      string
	Signature string
}

const (
	blockTypeText       = "text"
	blockTypeImage      = "image"
	blockTypeToolUse    = "tool_use"
	blockTypeToolResult = "tool_result"
	blockTypeReasoning  = "reasoning"
)

func (TextBlock) blockType() string       { return blockTypeText }
func (ImageBlock) blockType() string      { return blockTypeImage }
func (ToolUseBlock) blockType() string    { return blockTypeToolUse }
func (ToolResultBlock) blockType() string { return blockTypeToolResult }
func (ReasoningBlock) blockType() string  { return blockTypeReasoning }

// wireBlock is the stable JSON shape of a content block.
type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	MediaType string          `json:"media_type,omitempty"`
	Path      string          `json:"path,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   []wireBlock     `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// MarshalBlocks encodes blocks into their JSON wire form.
func MarshalBlocks(blocks []ContentBlock) ([]byte, error) {
	wire, err := toWire(blocks)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

// UnmarshalBlocks decodes the JSON wire form produced by MarshalBlocks.
func UnmarshalBlocks(raw []byte) ([]ContentBlock, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var wire []wireBlock
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	return fromWire(wire)
}

func toWire(blocks []ContentBlock) ([]wireBlock, error) {
	out := make([]wireBlock, 0, len(blocks))
	for _, b := range blocks {
		switch v := b.(type) {
		case TextBlock:
			out = append(out, wireBlock{Type: blockTypeText, Text: v.Text})
		case ImageBlock:
			out = append(out, wireBlock{Type: blockTypeImage, MediaType: v.MediaType, Path: v.Path})
		case ToolUseBlock:
			input := v.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			out = append(out, wireBlock{Type: blockTypeToolUse, ID: v.ID, Name: v.Name, Input: input})
		case ToolResultBlock:
			inner, err := toWire(v.Content)
			if err != nil {
				return nil, err
			}
			out = append(out, wireBlock{Type: blockTypeToolResult, ToolUseID: v.ToolUseID, Content: inner, IsError: v.IsError})
		case ReasoningBlock:
			out = append(out, wireBlock{Type: blockTypeReasoning, Text: v.Text, Signature: v.Signature})
		case nil:
			return nil, errors.New("nil content block")
		default:
			return nil, fmt.Errorf("unsupported content block %T", b)
		}
	}
	return out, nil
}

func fromWire(wire []wireBlock) ([]ContentBlock, error) {
	out := make([]ContentBlock, 0, len(wire))
	for _, w := range wire {
		switch w.Type {
		case blockTypeText:
			out = append(out, TextBlock{Text: w.Text})
		case blockTypeImage:
			out = append(out, ImageBlock{MediaType: w.MediaType, Path: w.Path})
		case blockTypeToolUse:
			out = append(out, ToolUseBlock{ID: w.ID, Name: w.Name, Input: w.Input})
		case blockTypeToolResult:
			inner, err := fromWire(w.Content)
			if err != nil {
				return nil, err
			}
			out = append(out, ToolResultBlock{ToolUseID: w.ToolUseID, Content: inner, IsError: w.IsError})
		case blockTypeReasoning:
			out = append(out, ReasoningBlock{Text: w.Text, Signature: w.Signature})
		default:
			return nil, fmt.Errorf("unknown content block type %q", w.Type)
		}
	}
	return out, nil
}

// JoinText concatenates the text blocks, skipping everything else.
func JoinText(blocks []ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if t, ok := b.(TextBlock); ok {
			if s := strings.TrimSpace(t.Text); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool invocation blocks in order.
func ToolUses(blocks []ContentBlock) []ToolUseBlock {
	var out []ToolUseBlock
	for _, b := range blocks {
		if tu, ok := b.(ToolUseBlock); ok {
			out = append(out, tu)
		}
	}
	return out
}
