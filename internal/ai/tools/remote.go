package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/conversation"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ServerConfig describes one MCP server launched over stdio.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// RemoteClient exposes tools served by MCP servers. Tools from all connected servers share one
// namespace; the first server to offer a name wins.
type RemoteClient struct {
	log    *slog.Logger
	client *mcp.Client

	mu       sync.Mutex
	sessions map[string]*mcp.ClientSession
	registry *Registry
}

func NewRemoteClient(log *slog.Logger, version string) *RemoteClient {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(version) == "" {
		version = "dev"
	}
	return &RemoteClient{
		log:      log,
		client:   mcp.NewClient(&mcp.Implementation{Name: "swe-agent", Version: version}, nil),
		sessions: make(map[string]*mcp.ClientSession),
		registry: NewRegistry(),
	}
}

// ConnectAll launches every configured server. A server that fails to start is logged and
// skipped so one broken integration never blocks the agent.
func (c *RemoteClient) ConnectAll(ctx context.Context, servers []ServerConfig) {
	for _, s := range servers {
		cmd := exec.Command(s.Command, s.Args...)
		cmd.Env = os.Environ()
		for k, v := range s.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		if err := c.Connect(ctx, s.Name, &mcp.CommandTransport{Command: cmd}); err != nil {
			c.log.Warn("mcp server unavailable", "server", s.Name, "error", err)
		}
	}
}

// Connect performs the initialize and list-tools handshake on transport.
func (c *RemoteClient) Connect(ctx context.Context, name string, transport mcp.Transport) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("missing server name")
	}
	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}

	var listed []*mcp.Tool
	cursor := ""
	for {
		res, err := session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("list tools %s: %w", name, err)
		}
		listed = append(listed, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}

	c.mu.Lock()
	if old, ok := c.sessions[name]; ok {
		_ = old.Close()
	}
	c.sessions[name] = session
	c.mu.Unlock()

	for _, t := range listed {
		if t == nil {
			continue
		}
		if _, exists := c.registry.Lookup(t.Name); exists {
			c.log.Warn("mcp tool name collision; keeping first", "server", name, "tool_name", t.Name)
			continue
		}
		schema, err := json.Marshal(t.InputSchema)
		if err != nil || string(schema) == "null" {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		toolName := t.Name
		if err := c.registry.Register(Tool{
			Name:        toolName,
			Description: t.Description,
			InputSchema: schema,
			Handler: func(ctx context.Context, input json.RawMessage, call CallContext) (Output, error) {
				return c.call(ctx, session, toolName, input, call)
			},
		}); err != nil {
			c.log.Warn("mcp tool skipped", "server", name, "tool_name", toolName, "error", err)
		}
	}
	c.log.Info("mcp server connected", "server", name, "tools", len(listed))
	return nil
}

// Registry returns the remote tools. It is safe to use while servers are still connecting.
func (c *RemoteClient) Registry() *Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *RemoteClient) call(ctx context.Context, session *mcp.ClientSession, name string, input json.RawMessage, call CallContext) (Output, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: input})
	if err != nil {
		return Output{}, fmt.Errorf("call %s: %w", name, err)
	}

	blocks := make([]conversation.ContentBlock, 0, len(res.Content))
	for _, content := range res.Content {
		switch v := content.(type) {
		case *mcp.TextContent:
			blocks = append(blocks, conversation.TextBlock{Text: v.Text})
		case *mcp.ImageContent:
			img, err := saveImage(call.ImageDir, v.MIMEType, v.Data)
			if err != nil {
				c.log.Warn("mcp image dropped", "tool_name", name, "error", err)
				continue
			}
			blocks = append(blocks, img)
		default:
			raw, _ := json.Marshal(content)
			blocks = append(blocks, conversation.TextBlock{Text: string(raw)})
		}
	}
	if res.IsError {
		return Output{}, errors.New(conversation.JoinText(blocks))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, conversation.TextBlock{Text: "(no output)"})
	}
	return Output{Content: blocks}, nil
}

func saveImage(dir string, mediaType string, data []byte) (conversation.ImageBlock, error) {
	if strings.TrimSpace(dir) == "" {
		return conversation.ImageBlock{}, errors.New("no image directory configured")
	}
	ext := ".png"
	for e, mt := range imageMediaTypes {
		if mt == mediaType {
			ext = e
			break
		}
	}
	if mediaType == "image/jpeg" {
		ext = ".jpg"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return conversation.ImageBlock{}, err
	}
	path := filepath.Join(dir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return conversation.ImageBlock{}, err
	}
	if mediaType == "" {
		mediaType = "image/png"
	}
	return conversation.ImageBlock{MediaType: mediaType, Path: path}, nil
}

func (c *RemoteClient) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for name, s := range c.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(c.sessions, name)
	}
	return errors.Join(errs...)
}
