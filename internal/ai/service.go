package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/conversation"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/tools"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/config"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/notify"
	"github.com/sourcegraph/conc"
)

const defaultHistoryRetryDelay = 200 * time.Millisecond

type Options struct {
	Logger       *slog.Logger
	Config       *config.AIConfig
	WorkspaceDir string
	// ImageDir receives images produced by tools.
	ImageDir string

	History  HistoryStore
	Sessions SessionStore
	Notifier Notifier
	Keys     APIKeySource

	// ProviderFactory defaults to NewProviderAdapter.
	ProviderFactory ProviderFactory

	LocalTools  *tools.Registry
	RemoteTools *tools.Registry

	Idle    *IdleTimer
	SeqKeys *conversation.SeqKeySource

	Now               func() time.Time
	HistoryRetryDelay time.Duration
}

// Service turns inbound signals (new message, resume, stop) into turns.
type Service struct {
	log       *slog.Logger
	cfg       *config.AIConfig
	workspace string
	imageDir  string

	history  HistoryStore
	sessions SessionStore
	notifier Notifier

	router *modelRouter
	retry  RetryPolicy
	local  *tools.Registry
	remote *tools.Registry
	idle   *IdleTimer
	coord  *Coordinator
	seq    *conversation.SeqKeySource

	now               func() time.Time
	historyRetryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewService(opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, ErrNotConfigured
	}
	if opts.History == nil || opts.Sessions == nil {
		return nil, errors.New("missing history or session store")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	seq := opts.SeqKeys
	if seq == nil {
		seq = conversation.NewSeqKeySource(now)
	}
	local := opts.LocalTools
	if local == nil {
		local = tools.NewRegistry()
	}
	delay := opts.HistoryRetryDelay
	if delay <= 0 {
		delay = defaultHistoryRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		log:               log,
		cfg:               opts.Config,
		workspace:         strings.TrimSpace(opts.WorkspaceDir),
		imageDir:          strings.TrimSpace(opts.ImageDir),
		history:           opts.History,
		sessions:          opts.Sessions,
		notifier:          opts.Notifier,
		router:            newModelRouter(opts.Config, opts.Keys, opts.ProviderFactory),
		retry:             NewRetryPolicy(opts.Config.Retry),
		local:             local,
		remote:            opts.RemoteTools,
		idle:              opts.Idle,
		coord:             NewCoordinator(),
		seq:               seq,
		now:               now,
		historyRetryDelay: delay,
		ctx:               ctx,
		cancel:            cancel,
	}, nil
}

type UserMessage struct {
	SessionID string
	Text      string
	Images    []conversation.ImageBlock
	// Model optionally overrides the model from this message on.
	Model string
	// Profile selects the agent profile when the session is created.
	Profile string
}

// HandleUserMessage records a user message and starts a turn, cancelling any turn already
// running for the session.
func (s *Service) HandleUserMessage(ctx context.Context, in UserMessage) error {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidMessage)
	}
	text := strings.TrimSpace(in.Text)
	if text == "" && len(in.Images) == 0 {
		return fmt.Errorf("%w: empty message", ErrInvalidMessage)
	}
	model := strings.TrimSpace(in.Model)
	if model != "" && !s.cfg.IsAllowedModelID(model) {
		return fmt.Errorf("%w: unknown model %q", ErrInvalidMessage, model)
	}
	if p := strings.TrimSpace(in.Profile); p != "" {
		if _, ok := s.cfg.Profile(p); !ok {
			return fmt.Errorf("%w: unknown agent profile %q", ErrInvalidMessage, p)
		}
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}

	if _, err := s.sessions.EnsureSession(ctx, conversation.Session{
		ID:             sessionID,
		AgentStatus:    conversation.AgentStatusPending,
		InstanceStatus: conversation.InstanceStatusRunning,
		AgentProfile:   strings.TrimSpace(in.Profile),
	}); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	content := make([]conversation.ContentBlock, 0, 1+len(in.Images))
	if text != "" {
		content = append(content, conversation.TextBlock{Text: text})
	}
	for _, img := range in.Images {
		content = append(content, img)
	}
	item := conversation.Item{
		SessionID:     sessionID,
		SeqKey:        s.seq.Next(1)[0],
		Role:          conversation.RoleUser,
		Kind:          conversation.KindUserMessage,
		Content:       content,
		ModelOverride: model,
		CreatedAt:     s.now(),
	}
	if err := s.history.AppendItem(ctx, item); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if n := s.coord.CancelAll(sessionID, nil); n > 0 {
		s.log.Info("cancelled running turn for new message", "session_id", sessionID, "turns", n)
	}
	s.startTurn(sessionID)
	return nil
}

// Resume starts a turn on the existing history of a session.
func (s *Service) Resume(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, err := s.sessions.GetSession(ctx, sessionID); err != nil {
		return err
	}
	s.coord.CancelAll(sessionID, nil)
	s.startTurn(sessionID)
	return nil
}

// ForceStop cancels the running turns of a session. The session is marked completed once the
// turn has actually stopped, or right away when nothing is running.
func (s *Service) ForceStop(ctx context.Context, sessionID string) (int, error) {
	sessionID = strings.TrimSpace(sessionID)
	if _, err := s.sessions.GetSession(ctx, sessionID); err != nil {
		return 0, err
	}
	cleanup := func() { s.markStopped(sessionID) }
	n := s.coord.CancelAll(sessionID, cleanup)
	if n == 0 {
		cleanup()
	}
	return n, nil
}

// ResumeInterrupted restarts every session that was working when the process last stopped.
func (s *Service) ResumeInterrupted(ctx context.Context) (int, error) {
	sessions, err := s.sessions.ListSessionsByStatus(ctx, conversation.AgentStatusWorking)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sess := range sessions {
		if s.coord.Active(sess.ID) > 0 {
			continue
		}
		if err := s.Resume(ctx, sess.ID); err != nil {
			s.log.Warn("resume interrupted session failed", "session_id", sess.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Running reports whether a turn is in flight for sessionID.
func (s *Service) Running(sessionID string) bool {
	return s.coord.Active(sessionID) > 0
}

// Close cancels every turn and waits for them to exit. Sessions interrupted this way stay
// working so ResumeInterrupted picks them up on the next start.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.coord.CancelEverything()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}

func (s *Service) startTurn(sessionID string) {
	h := s.coord.Start(sessionID)
	s.wg.Go(func() { s.runTurn(s.ctx, h) })
}

func (s *Service) runTurn(ctx context.Context, h *TurnHandle) {
	defer h.Finish()
	sessionID := h.SessionID()
	log := s.log.With("session_id", sessionID)

	token := s.idle.Pause()
	defer s.idle.Resume(sessionID, token)

	if err := s.sessions.UpdateAgentStatus(ctx, sessionID, conversation.AgentStatusWorking); err != nil {
		log.Warn("update agent status failed", "error", err)
	}
	s.publishStatus(sessionID, conversation.AgentStatusWorking)

	t := &turn{s: s, log: log, handle: h, sessionID: sessionID}
	err := t.run(ctx)
	switch {
	case h.IsCancelled() || errors.Is(err, errTurnCancelled):
		log.Info("turn cancelled")
		return
	case ctx.Err() != nil:
		log.Info("turn interrupted by shutdown")
		return
	case err != nil:
		log.Error("turn failed", "error", err)
		s.publish(notify.Event{Type: notify.EventTypeError, SessionID: sessionID, Text: userFacingError(err)})
	}

	if err := s.sessions.UpdateAgentStatus(ctx, sessionID, conversation.AgentStatusCompleted); err != nil {
		log.Warn("update agent status failed", "error", err)
	}
	s.publishStatus(sessionID, conversation.AgentStatusCompleted)

	if err == nil && t.model.Provider != nil && strings.TrimSpace(t.session.Title) == "" {
		s.updateTitle(ctx, t)
	}
}

// updateTitle is best-effort; failures are logged and dropped.
func (s *Service) updateTitle(ctx context.Context, t *turn) {
	log := t.log
	transcript := transcriptForTitle(t.window)
	if transcript == "" {
		return
	}
	m := t.model
	if id := strings.TrimSpace(s.cfg.TitleModel); id != "" {
		resolved, err := s.router.resolve(id)
		if err != nil {
			log.Warn("title model unavailable", "error", err)
			return
		}
		m = resolved
	}
	title, err := generateTitle(ctx, m.Provider, modelName(m.ID), transcript)
	if err != nil {
		log.Warn("title generation failed", "error", err)
		return
	}
	if err := s.sessions.UpdateTitle(ctx, t.sessionID, title); err != nil {
		log.Warn("update title failed", "error", err)
		return
	}
	s.publish(notify.Event{Type: notify.EventTypeTitle, SessionID: t.sessionID, Text: title})
}

func (s *Service) markStopped(sessionID string) {
	ctx := context.WithoutCancel(s.ctx)
	if err := s.sessions.UpdateAgentStatus(ctx, sessionID, conversation.AgentStatusCompleted); err != nil {
		s.log.Warn("update agent status failed", "session_id", sessionID, "error", err)
	}
	s.publish(notify.Event{
		Type:      notify.EventTypeStatus,
		SessionID: sessionID,
		Status:    string(conversation.AgentStatusCompleted),
		Text:      "Stopped by request.",
	})
}

// toolSet returns the tool specs offered to the model and the local tool names the profile
// enables. Remote tools shadow local tools of the same name.
func (s *Service) toolSet(profile config.AgentProfile) ([]ToolSpec, map[string]struct{}) {
	var remote []tools.Tool
	if s.remote != nil {
		remote = s.remote.List(nil)
	}
	local := s.local.List(profile.Tools)

	specs := make([]ToolSpec, 0, len(remote)+len(local))
	seen := make(map[string]struct{}, len(remote)+len(local))
	for _, t := range remote {
		seen[t.Name] = struct{}{}
		specs = append(specs, ToolSpec{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	enabled := make(map[string]struct{}, len(local))
	for _, t := range local {
		enabled[t.Name] = struct{}{}
		if _, dup := seen[t.Name]; dup {
			continue
		}
		specs = append(specs, ToolSpec{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return specs, enabled
}

func (s *Service) publish(ev notify.Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ev.SessionID, ev)
}

func (s *Service) publishStatus(sessionID string, status conversation.AgentStatus) {
	s.publish(notify.Event{Type: notify.EventTypeStatus, SessionID: sessionID, Status: string(status)})
}
