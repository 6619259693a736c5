package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/conversation"
)

const (
	titleTranscriptRunes = 6000
	titleMaxRunes        = 80
	titleOutputTokens    = 128
)

const titlePrompt = `Write a title of at most 8 words for the conversation below. Reply with the title only.`

// transcriptForTitle keeps the human-readable parts of a conversation: user messages and final
// assistant replies.
func transcriptForTitle(items []conversation.Item) string {
	var sb strings.Builder
	for _, it := range items {
		var prefix string
		switch it.Kind {
		case conversation.KindUserMessage:
			prefix = "User: "
		case conversation.KindAssistant:
			prefix = "Assistant: "
		default:
			continue
		}
		text := stripReasoning(conversation.JoinText(it.Content))
		if text == "" {
			continue
		}
		sb.WriteString(prefix)
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	r := []rune(sb.String())
	if len(r) > titleTranscriptRunes {
		r = r[:titleTranscriptRunes]
	}
	return strings.TrimSpace(string(r))
}

func generateTitle(ctx context.Context, provider Provider, model string, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", errors.New("empty transcript")
	}
	resp, err := provider.Call(ctx, ModelRequest{
		Model:  model,
		System: titlePrompt,
		Messages: []Message{{
			Role:    conversation.RoleUser,
			Content: []conversation.ContentBlock{conversation.TextBlock{Text: transcript}},
		}},
		MaxOutputTokens: titleOutputTokens,
	})
	if err != nil {
		return "", err
	}
	title := cleanTitle(conversation.JoinText(resp.Content))
	if title == "" {
		return "", errors.New("model returned an empty title")
	}
	return title, nil
}

func cleanTitle(raw string) string {
	raw = stripReasoning(raw)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) >= 6 && strings.EqualFold(line[:6], "title:") {
			line = strings.TrimSpace(line[6:])
		}
		line = strings.Trim(line, "\"'`*# ")
		r := []rune(line)
		if len(r) > titleMaxRunes {
			line = strings.TrimSpace(string(r[:titleMaxRunes]))
		}
		return line
	}
	return ""
}
