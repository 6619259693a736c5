package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/notify"
	"github.com/stretchr/testify/require"
)

func TestStarterConfig(t *testing.T) {
	t.Parallel()

	cfg, err := starterConfig(starterArgs{StateDir: "/tmp/s", WorkspaceDir: "/tmp/w", ProviderType: "anthropic"})
	require.NoError(t, err)
	require.Equal(t, "anthropic", cfg.AI.Providers[0].ID)
	id, ok := cfg.AI.DefaultModelID()
	require.True(t, ok)
	require.Equal(t, "anthropic/claude-sonnet-4-5", id)
	require.True(t, cfg.AI.Providers[0].Models[0].SupportsThinking)

	_, err = starterConfig(starterArgs{StateDir: "/tmp/s", WorkspaceDir: "/tmp/w", ProviderType: "openai_compatible", Model: "llama"})
	require.Error(t, err, "openai_compatible needs a base url")

	cfg, err = starterConfig(starterArgs{StateDir: "/tmp/s", WorkspaceDir: "/tmp/w", ProviderType: "openai_compatible", BaseURL: "http://localhost:8000/v1", Model: "llama"})
	require.NoError(t, err)
	require.Equal(t, "openai-compatible", cfg.AI.Providers[0].ID)
	require.False(t, cfg.AI.Providers[0].Models[0].SupportsCache)

	_, err = starterConfig(starterArgs{StateDir: "/tmp/s", WorkspaceDir: "/tmp/w", ProviderType: "openai_compatible", BaseURL: "http://x"})
	require.Error(t, err, "model is required without a known default")
}

func TestControlURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"127.0.0.1:8787": "http://127.0.0.1:8787/",
		"0.0.0.0:9000":   "http://localhost:9000/",
		"[::]:9000":      "http://localhost:9000/",
		":9000":          "http://localhost:9000/",
		"nonsense":       "",
	}
	for in, want := range cases {
		if got := controlURL(in); got != want {
			t.Fatalf("controlURL(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestPrintWelcomeBanner_PlainWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printWelcomeBanner(&buf, welcomeBannerOptions{Version: "v1", ListenAddr: "127.0.0.1:8787", WorkspaceDir: "/repo"})
	out := buf.String()
	for _, want := range []string{"swe-agent", "Version: v1", "Control: http://127.0.0.1:8787/", "Workspace: /repo"} {
		if !strings.Contains(out, want) {
			t.Fatalf("banner missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Fatalf("banner must not style non-terminal output")
	}
}

func TestFormatEvent(t *testing.T) {
	t.Parallel()

	if got := formatEvent(notify.Event{Type: notify.EventTypeToolUse, ToolName: "executeCommand", Input: json.RawMessage(`{"command":"ls"}`)}); got != `[tool] executeCommand {"command":"ls"}` {
		t.Fatalf("tool_use=%q", got)
	}
	if got := formatEvent(notify.Event{Type: notify.EventTypeToolResult, Text: "ok"}); got != "" {
		t.Fatalf("successful tool results are quiet, got %q", got)
	}
	if got := formatEvent(notify.Event{Type: notify.EventTypeStatus, Status: "working"}); got != "" {
		t.Fatalf("status=%q", got)
	}
	if got := truncate(strings.Repeat("é", 10), 4); got != "éééé..." {
		t.Fatalf("truncate=%q", got)
	}
}

func TestLoadImage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	png := filepath.Join(dir, "shot.png")
	require.NoError(t, os.WriteFile(png, []byte("png-bytes"), 0o600))
	img, err := loadImage(png)
	require.NoError(t, err)
	require.Equal(t, "image/png", img.MediaType)
	require.Equal(t, "cG5nLWJ5dGVz", img.Data)

	_, err = loadImage(filepath.Join(dir, "notes.txt"))
	require.Error(t, err)
}

func TestControlClient_SendStopAndErrors(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got outgoingMessage
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"accepted":true}`)
	})
	mux.HandleFunc("POST /sessions/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.PathValue("id") != "s1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"session not found"}`)
			return
		}
		_, _ = io.WriteString(w, `{"stopped":1}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := newControlClient(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, c.send(context.Background(), "s1", outgoingMessage{Text: "hi", Model: "p/m"}))
	mu.Lock()
	require.Equal(t, outgoingMessage{Text: "hi", Model: "p/m"}, got)
	mu.Unlock()

	n, err := c.stop(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = c.stop(context.Background(), "ghost")
	require.ErrorContains(t, err, "session not found")
}

func TestControlClient_FollowStopsOnCompleted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("session_id") != "s1" {
			http.Error(w, "wrong session", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		_ = enc.Encode(notify.Event{Type: notify.EventTypeStatus, SessionID: "s1", Status: "working"})
		_ = enc.Encode(notify.Event{Type: notify.EventTypeMessage, SessionID: "s1", Text: "All done."})
		_ = enc.Encode(notify.Event{Type: notify.EventTypeStatus, SessionID: "s1", Status: "completed"})
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	ready := make(chan struct{})
	require.NoError(t, newControlClient(srv.URL).follow(ctx, "s1", &out, ready))
	require.Equal(t, "All done.\n", out.String())
}
