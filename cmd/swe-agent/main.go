package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/agent"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/config"
	"github.com/spf13/pflag"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "set-key":
		setKeyCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "send":
		sendCmd(os.Args[2:])
	case "stop":
		stopCmd(os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "version":
		fmt.Printf("swe-agent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `swe-agent

Usage:
  swe-agent init [flags]
  swe-agent set-key --provider <id> [--key <key>]
  swe-agent run [flags]
  swe-agent send --session <id> [flags] <text>
  swe-agent stop --session <id>
  swe-agent status --session <id>
  swe-agent version

Commands:
  init      Write a starter config file.
  set-key   Store (or clear) a provider API key in the secrets file.
  run       Run the agent worker and its local control server.
  send      Send a message to a session; --follow streams the reply.
  stop      Force-stop the running turn of a session.
  status    Print a session's state.
  version   Print build information.

`)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func initCmd(args []string) {
	fs := pflag.NewFlagSet("init", pflag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	workspace := fs.String("workspace", "", "Repository the agent works in (default: current dir)")
	providerType := fs.String("provider-type", "anthropic", "Provider type: anthropic|openai|openai_compatible")
	providerID := fs.String("provider-id", "", "Provider id (default: the provider type)")
	baseURL := fs.String("base-url", "", "Provider base URL (required for openai_compatible)")
	model := fs.String("model", "", "Default model name")
	force := fs.Bool("force", false, "Overwrite an existing config")
	_ = fs.Parse(args)

	path := filepath.Clean(*cfgPath)
	if _, err := os.Stat(path); err == nil && !*force {
		fail("config already exists: %s (use --force to overwrite)", path)
	}

	ws := strings.TrimSpace(*workspace)
	if ws == "" {
		wd, err := os.Getwd()
		if err != nil {
			fail("resolve workspace: %v", err)
		}
		ws = wd
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		fail("resolve workspace: %v", err)
	}

	cfg, err := starterConfig(starterArgs{
		StateDir:     filepath.Join(filepath.Dir(path), "state"),
		WorkspaceDir: abs,
		ProviderType: *providerType,
		ProviderID:   *providerID,
		BaseURL:      *baseURL,
		Model:        *model,
	})
	if err != nil {
		fail("init failed: %v", err)
	}
	if err := config.Save(path, cfg); err != nil {
		fail("write config: %v", err)
	}
	fmt.Printf("Wrote %s. Store an API key with `swe-agent set-key --provider %s`, then run `swe-agent run`.\n",
		path, cfg.AI.Providers[0].ID)
}

type starterArgs struct {
	StateDir     string
	WorkspaceDir string
	ProviderType string
	ProviderID   string
	BaseURL      string
	Model        string
}

var defaultModels = map[string]string{
	"anthropic": "claude-sonnet-4-5",
	"openai":    "gpt-5",
}

func starterConfig(in starterArgs) (*config.Config, error) {
	typ := strings.ToLower(strings.TrimSpace(in.ProviderType))
	id := strings.TrimSpace(in.ProviderID)
	if id == "" {
		id = strings.ReplaceAll(typ, "_", "-")
	}
	model := strings.TrimSpace(in.Model)
	if model == "" {
		model = defaultModels[typ]
	}
	if model == "" {
		return nil, fmt.Errorf("--model is required for provider type %q", typ)
	}

	cfg := &config.Config{
		StateDir:     in.StateDir,
		WorkspaceDir: in.WorkspaceDir,
		AI: &config.AIConfig{
			Providers: []config.AIProvider{{
				ID:      id,
				Type:    typ,
				BaseURL: strings.TrimSpace(in.BaseURL),
				Models: []config.AIProviderModel{{
					ModelName:        model,
					IsDefault:        true,
					SupportsThinking: typ == "anthropic",
					SupportsCache:    typ == "anthropic",
				}},
			}},
		},
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setKeyCmd(args []string) {
	fs := pflag.NewFlagSet("set-key", pflag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	providerID := fs.String("provider", "", "Provider id from the config")
	key := fs.String("key", "", "API key (empty: read from stdin; a blank value clears the key)")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fail("failed to load config: %v", err)
	}
	id := strings.TrimSpace(*providerID)
	found := false
	for _, p := range cfg.AI.Providers {
		if p.ID == id {
			found = true
			break
		}
	}
	if !found {
		fail("unknown provider %q", id)
	}

	value := *key
	if !fs.Changed("key") {
		value, err = readSecretLine(os.Stdin, os.Stderr, "API key for "+id+": ")
		if err != nil {
			fail("read key: %v", err)
		}
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		fail("init state dir: %v", err)
	}
	if err := config.NewSecretsStore(cfg.SecretsPath()).SetProviderAPIKey(id, value); err != nil {
		fail("store key: %v", err)
	}
	if strings.TrimSpace(value) == "" {
		fmt.Printf("Cleared the key for %s.\n", id)
		return
	}
	fmt.Printf("Stored the key for %s.\n", id)
}

func runCmd(args []string) {
	fs := pflag.NewFlagSet("run", pflag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	listen := fs.String("listen", "", "Override listen_addr")
	logFormat := fs.String("log-format", "", "Override log_format: json|text")
	logLevel := fs.String("log-level", "", "Override log_level: debug|info|warn|error")
	noIdle := fs.Bool("no-idle", false, "Disable the idle suspend timer")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fail("config not found: %s\nHint: run `swe-agent init` first.", *cfgPath)
		}
		fail("failed to load config: %v", err)
	}
	if v := strings.TrimSpace(*listen); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(*logFormat); v != "" {
		cfg.LogFormat = v
	}
	if v := strings.TrimSpace(*logLevel); v != "" {
		cfg.LogLevel = v
	}
	if *noIdle {
		cfg.Idle.Disabled = true
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		fail("failed to init state dir: %v", err)
	}

	a, err := agent.New(agent.Options{
		Config:    cfg,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	})
	if err != nil {
		fail("failed to init agent: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	printWelcomeBanner(os.Stderr, welcomeBannerOptions{
		Version:      Version,
		ListenAddr:   cfg.ListenAddr,
		WorkspaceDir: cfg.WorkspaceDir,
	})

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		fail("agent exited with error: %v", err)
	}
}
