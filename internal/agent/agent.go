package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/conversation"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/historystore"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/tools"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/config"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/lockfile"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/monitor"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/notify"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Config *config.Config

	Version   string
	Commit    string
	BuildTime string

	// Logger overrides the logger built from the config.
	Logger *slog.Logger
	// ProviderFactory overrides how model clients are built.
	ProviderFactory ai.ProviderFactory
}

// Agent is one worker process: it owns the state dir, the history database and the HTTP control
// surface, and runs turns until it is stopped or suspends itself.
type Agent struct {
	cfg *config.Config
	log *slog.Logger

	version   string
	commit    string
	buildTime string

	providerFactory ai.ProviderFactory

	broker *notify.Broker
	mon    *monitor.Service

	// Set by Run.
	store *historystore.Store
	svc   *ai.Service
}

func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = newLogger(strings.TrimSpace(opts.Config.LogFormat), strings.TrimSpace(opts.Config.LogLevel))
		if err != nil {
			return nil, err
		}
	}

	return &Agent{
		cfg:             opts.Config,
		log:             logger,
		version:         strings.TrimSpace(opts.Version),
		commit:          strings.TrimSpace(opts.Commit),
		buildTime:       strings.TrimSpace(opts.BuildTime),
		providerFactory: opts.ProviderFactory,
		broker:          notify.NewBroker(logger),
		mon:             monitor.NewService(logger, opts.Config.WorkspaceDir),
	}, nil
}

// Run serves until ctx is cancelled or the idle timer suspends the instance. A suspension is a
// clean exit and returns nil.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent starting",
		"version", a.version,
		"commit", a.commit,
		"build_time", a.buildTime,
		"state_dir", a.cfg.StateDir,
		"workspace_dir", a.cfg.WorkspaceDir,
		"goos", runtime.GOOS,
		"goarch", runtime.GOARCH,
	)

	lock, err := lockfile.Acquire(a.cfg.LockPath())
	if err != nil {
		var held *lockfile.HeldError
		if errors.As(err, &held) {
			return fmt.Errorf("another agent (pid %d) is using %s", held.HolderPID, a.cfg.StateDir)
		}
		return err
	}
	defer func() { _ = lock.Release() }()

	store, err := historystore.Open(a.cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() { _ = store.Close() }()
	a.store = store

	profiles, notices := config.LoadProfileDir(a.cfg.ProfileDir())
	notices = append(notices, a.cfg.AI.MergeProfiles(profiles)...)
	for _, n := range notices {
		a.log.Warn("agent profile skipped", "notice", n)
	}

	seq := conversation.NewSeqKeySource(nil)
	latest, err := store.LatestSeqKey(ctx)
	if err != nil {
		return fmt.Errorf("read latest seq key: %w", err)
	}
	seq.Observe(latest)

	local := tools.NewRegistry()
	if err := tools.RegisterLocal(local, tools.LocalOptions{Shell: a.cfg.Shell}); err != nil {
		return err
	}
	remote := tools.NewRemoteClient(a.log, a.version)
	defer func() { _ = remote.Close() }()
	remote.ConnectAll(ctx, mcpServers(a.cfg.MCPServers))

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var idle *ai.IdleTimer
	if !a.cfg.Idle.Disabled {
		idle = ai.NewIdleTimer(ai.IdleOptions{
			Logger:    a.log,
			Timeout:   a.cfg.Idle.Timeout,
			Notifier:  a.broker,
			Suspender: newSuspender(a.log, store, a.cfg.Idle.SuspendCommand, a.cfg.WorkspaceDir, stop),
		})
		defer idle.Stop()
	}

	svc, err := ai.NewService(ai.Options{
		Logger:          a.log,
		Config:          a.cfg.AI,
		WorkspaceDir:    a.cfg.WorkspaceDir,
		ImageDir:        a.cfg.ImageDir(),
		History:         store,
		Sessions:        store,
		Notifier:        a.broker,
		Keys:            config.NewSecretsStore(a.cfg.SecretsPath()),
		ProviderFactory: a.providerFactory,
		LocalTools:      local,
		RemoteTools:     remote.Registry(),
		Idle:            idle,
		SeqKeys:         seq,
	})
	if err != nil {
		return err
	}
	defer svc.Close()
	a.svc = svc

	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("control server stopped", "error", err)
			stop()
		}
	}()
	a.log.Info("control server listening", "addr", ln.Addr().String())

	if n, err := svc.ResumeInterrupted(runCtx); err != nil {
		a.log.Warn("resume interrupted sessions failed", "error", err)
	} else if n > 0 {
		a.log.Info("resumed interrupted sessions", "sessions", n)
	}
	idle.Arm("")

	<-runCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	a.log.Info("agent stopped")

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func mcpServers(in []config.MCPServer) []tools.ServerConfig {
	out := make([]tools.ServerConfig, 0, len(in))
	for _, s := range in {
		out = append(out, tools.ServerConfig{Name: s.Name, Command: s.Command, Args: s.Args, Env: s.Env})
	}
	return out
}

// --- logger ---

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
