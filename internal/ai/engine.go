package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/compactor"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/conversation"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/tools"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/config"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/notify"
)

const (
	historyReadAttempts  = 5
	maxEventPreviewRunes = 2000
)

// turn runs one session from its latest user-side item to a terminal model response.
type turn struct {
	s         *Service
	log       *slog.Logger
	handle    *TurnHandle
	sessionID string

	session conversation.Session
	profile config.AgentProfile
	model   resolvedModel
	system  string
	specs   []ToolSpec
	local   map[string]struct{}
	budget  *outputBudget

	window []conversation.Item
	// breakpoint is the window index of the tail of the initial context.
	breakpoint     int
	lastInputTotal int
}

func (t *turn) run(ctx context.Context) error {
	items, err := t.loadHistory(ctx)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if len(items) == 0 || items[len(items)-1].Role == conversation.RoleAssistant {
		t.log.Info("nothing to answer; turn ends")
		return nil
	}
	if err := t.prepare(ctx, items); err != nil {
		return err
	}
	t.resetWindow(items)

	for {
		if t.handle.IsCancelled() {
			return errTurnCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.lastInputTotal > t.s.cfg.Compaction.SoftThresholdTokens {
			items, err := t.s.history.ListItems(ctx, t.sessionID)
			if err != nil {
				return fmt.Errorf("read history: %w", err)
			}
			t.log.Info("context above soft threshold; compacting", "input_tokens", t.lastInputTotal)
			t.resetWindow(items)
		}

		req := ModelRequest{
			Model:        modelName(t.model.ID),
			System:       t.system,
			Messages:     renderMessages(t.window, t.breakpoint),
			Tools:        t.specs,
			CacheEnabled: t.model.Spec.SupportsCache,
		}
		resp, err := t.s.retry.Call(ctx, t.log, t.model.Provider, req, t.budget)
		if err != nil {
			return err
		}
		if t.handle.IsCancelled() {
			return errTurnCancelled
		}
		if err := t.recordInputTokens(ctx, resp.Usage); err != nil {
			return err
		}

		if len(conversation.ToolUses(resp.Content)) > 0 {
			if err := t.dispatchTools(ctx, resp); err != nil {
				return err
			}
			continue
		}
		return t.finish(ctx, resp)
	}
}

// loadHistory retries while the newest item is from the assistant; a just-written user item may
// not be visible yet.
func (t *turn) loadHistory(ctx context.Context) ([]conversation.Item, error) {
	for attempt := 1; ; attempt++ {
		items, err := t.s.history.ListItems(ctx, t.sessionID)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 || items[len(items)-1].Role != conversation.RoleAssistant || attempt >= historyReadAttempts {
			return items, nil
		}
		t.log.Debug("latest item is from the assistant; re-reading history", "attempt", attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(t.s.historyRetryDelay * time.Duration(attempt)):
		}
	}
}

func (t *turn) prepare(ctx context.Context, items []conversation.Item) error {
	sess, err := t.s.sessions.GetSession(ctx, t.sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	t.session = *sess
	t.profile, _ = t.s.cfg.Profile(sess.AgentProfile)

	modelID := t.resolveModelID(items)
	if modelID == "" {
		return ErrNotConfigured
	}
	m, err := t.s.router.resolve(modelID)
	if err != nil {
		return err
	}
	t.model = m
	t.log = t.log.With("model", modelID)

	t.system = buildSystemPrompt(promptInput{
		SessionID:    t.sessionID,
		WorkspaceDir: t.s.workspace,
		Profile:      t.profile,
		Now:          t.s.now(),
	})
	t.specs, t.local = t.s.toolSet(t.profile)

	thinking := containsKeyword(latestUserText(items), t.s.cfg.Thinking.Keyword)
	t.budget = newOutputBudget(m.Spec, thinking, t.s.cfg.Thinking.BaseBudgetTokens)
	return nil
}

// resolveModelID prefers the newest item override, then the session default, the profile model and
// the configured default. Ids no longer in config are skipped.
func (t *turn) resolveModelID(items []conversation.Item) string {
	var candidates []string
	for i := len(items) - 1; i >= 0; i-- {
		if o := strings.TrimSpace(items[i].ModelOverride); o != "" {
			candidates = append(candidates, o)
			break
		}
	}
	candidates = append(candidates, t.session.DefaultModel, t.profile.Model)
	if id, ok := t.s.cfg.DefaultModelID(); ok {
		candidates = append(candidates, id)
	}
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" && t.s.cfg.IsAllowedModelID(c) {
			return c
		}
	}
	return ""
}

func (t *turn) resetWindow(items []conversation.Item) {
	w := compactor.CompactWithRatio(items, t.s.cfg.Compaction.BudgetTokens, t.s.cfg.Compaction.HeadRatio)
	t.window = append(make([]conversation.Item, 0, len(w.Items)+8), w.Items...)
	t.breakpoint = len(t.window) - 1
	t.lastInputTotal = 0
	if w.Trimmed {
		t.log.Info("history compacted", "items", len(items), "kept", len(w.Items), "tokens", w.TotalTokens)
	}
}

// recordInputTokens charges the tokens the provider saw beyond the rest of the window to the newest
// user-side item. Negative deltas, possible when reasoning traces are dropped between calls, are
// clamped to zero.
func (t *turn) recordInputTokens(ctx context.Context, usage Usage) error {
	t.lastInputTotal = usage.InputTotal()
	idx := -1
	for i := len(t.window) - 1; i >= 0; i-- {
		if t.window[i].Role == conversation.RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	others := conversation.TotalTokens(t.window) - t.window[idx].TokenCount
	delta := usage.InputTotal() - others
	if delta < 0 {
		t.log.Debug("negative input token delta clamped", "delta", delta)
		delta = 0
	}
	t.window[idx].TokenCount = delta
	if err := t.s.history.UpdateTokenCount(ctx, t.sessionID, t.window[idx].SeqKey, delta); err != nil {
		return fmt.Errorf("update token count: %w", err)
	}
	return nil
}

func (t *turn) dispatchTools(ctx context.Context, resp ModelResponse) error {
	keys := t.s.seq.Next(2)
	now := t.s.now()
	useItem := conversation.Item{
		SessionID:  t.sessionID,
		SeqKey:     keys[0],
		Role:       conversation.RoleAssistant,
		Kind:       conversation.KindToolUse,
		Content:    resp.Content,
		TokenCount: resp.Usage.OutputTokens,
		CreatedAt:  now,
	}
	if text := stripReasoning(conversation.JoinText(resp.Content)); text != "" {
		t.s.publish(notify.Event{Type: notify.EventTypeProgress, SessionID: t.sessionID, Text: text})
	}

	uses := conversation.ToolUses(resp.Content)
	results := make([]conversation.ContentBlock, 0, len(uses))
	for _, use := range uses {
		results = append(results, t.invokeTool(ctx, use))
	}
	resultItem := conversation.Item{
		SessionID: t.sessionID,
		SeqKey:    keys[1],
		Role:      conversation.RoleUser,
		Kind:      conversation.KindToolResult,
		Content:   results,
		CreatedAt: t.s.now(),
	}
	if err := t.s.history.AppendItemPair(ctx, useItem, resultItem); err != nil {
		return fmt.Errorf("persist tool results: %w", err)
	}
	t.window = append(t.window, useItem, resultItem)
	return nil
}

// invokeTool never fails the turn: every error becomes an error result the model can react to.
func (t *turn) invokeTool(ctx context.Context, use conversation.ToolUseBlock) conversation.ToolResultBlock {
	log := t.log.With("tool_name", use.Name, "tool_use_id", use.ID)
	t.s.publish(notify.Event{
		Type:      notify.EventTypeToolUse,
		SessionID: t.sessionID,
		ToolName:  use.Name,
		ToolUseID: use.ID,
		Input:     use.Input,
	})

	started := time.Now()
	out, err := t.callTool(ctx, use)
	res := conversation.ToolResultBlock{ToolUseID: use.ID}
	if err != nil {
		te := tools.ClassifyError(tools.Invocation{ToolName: use.Name, Input: use.Input, WorkDir: t.s.workspace}, err)
		res.IsError = true
		res.Content = []conversation.ContentBlock{conversation.TextBlock{Text: te.Text()}}
		log.Info("tool failed", "code", te.Code, "error", err, "duration", time.Since(started))
	} else {
		res.Content = out.Blocks()
		log.Debug("tool finished", "duration", time.Since(started))
	}

	t.s.publish(notify.Event{
		Type:      notify.EventTypeToolResult,
		SessionID: t.sessionID,
		ToolName:  use.Name,
		ToolUseID: use.ID,
		Text:      truncateRunes(conversation.JoinText(res.Content), maxEventPreviewRunes),
		IsError:   res.IsError,
	})
	return res
}

func (t *turn) callTool(ctx context.Context, use conversation.ToolUseBlock) (tools.Output, error) {
	tool, reg, ok := t.lookupTool(use.Name)
	if !ok {
		return tools.Output{}, fmt.Errorf("%w: %s", tools.ErrToolNotFound, use.Name)
	}
	if err := reg.Validate(use.Name, use.Input); err != nil {
		return tools.Output{}, err
	}
	return tool.Handler(ctx, use.Input, tools.CallContext{
		SessionID: t.sessionID,
		ToolUseID: use.ID,
		WorkDir:   t.s.workspace,
		ImageDir:  t.s.imageDir,
		Sink:      turnSink{s: t.s, sessionID: t.sessionID},
		ReadOnly:  t.profile.ReadOnly,
	})
}

// lookupTool resolves remote tools first, then local tools the profile enables.
func (t *turn) lookupTool(name string) (tools.Tool, *tools.Registry, bool) {
	if tool, ok := t.s.remote.Lookup(name); ok {
		return tool, t.s.remote, true
	}
	if _, enabled := t.local[name]; !enabled {
		return tools.Tool{}, nil, false
	}
	if tool, ok := t.s.local.Lookup(name); ok {
		return tool, t.s.local, true
	}
	return tools.Tool{}, nil, false
}

func (t *turn) finish(ctx context.Context, resp ModelResponse) error {
	text := stripReasoning(conversation.JoinText(resp.Content))
	if text == "" {
		t.log.Info("model ended the turn with an empty message")
		return nil
	}
	item := conversation.Item{
		SessionID:  t.sessionID,
		SeqKey:     t.s.seq.Next(1)[0],
		Role:       conversation.RoleAssistant,
		Kind:       conversation.KindAssistant,
		Content:    resp.Content,
		TokenCount: resp.Usage.OutputTokens,
		CreatedAt:  t.s.now(),
	}
	if err := t.s.history.AppendItem(ctx, item); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}
	t.window = append(t.window, item)
	t.s.publish(notify.Event{Type: notify.EventTypeMessage, SessionID: t.sessionID, Text: text})
	return nil
}

// renderMessages merges consecutive same-role items into one message and marks the cache
// breakpoints: the message holding window[breakpoint] and the last message.
func renderMessages(window []conversation.Item, breakpoint int) []Message {
	out := make([]Message, 0, len(window))
	bp := -1
	for i, it := range window {
		role := conversation.RoleForKind(it.Kind)
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, it.Content...)
		} else {
			out = append(out, Message{Role: role, Content: append([]conversation.ContentBlock(nil), it.Content...)})
		}
		if i == breakpoint {
			bp = len(out) - 1
		}
	}
	if bp >= 0 {
		out[bp].CacheBreakpoint = true
	}
	if n := len(out); n > 0 {
		out[n-1].CacheBreakpoint = true
	}
	return out
}

func latestUserText(items []conversation.Item) string {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Kind == conversation.KindUserMessage {
			return conversation.JoinText(items[i].Content)
		}
	}
	return ""
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

// turnSink forwards side-channel tool output to the session's watchers.
type turnSink struct {
	s         *Service
	sessionID string
}

func (k turnSink) Message(text string) {
	k.s.publish(notify.Event{Type: notify.EventTypeProgress, SessionID: k.sessionID, Text: text})
}

func (k turnSink) Image(img conversation.ImageBlock) {
	k.s.publish(notify.Event{
		Type:      notify.EventTypeImage,
		SessionID: k.sessionID,
		Image:     &notify.ImageRef{MediaType: img.MediaType, Path: img.Path},
	})
}

var _ tools.Sink = turnSink{}
