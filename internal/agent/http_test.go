package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/conversation"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/historystore"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/config"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/monitor"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/notify"
	"github.com/stretchr/testify/require"
)

type staticKeys struct{}

func (staticKeys) ProviderAPIKey(string, string) (string, bool, error) { return "sk-test", true, nil }

type replyProvider struct{}

func (replyProvider) Call(_ context.Context, _ ai.ModelRequest) (ai.ModelResponse, error) {
	return ai.ModelResponse{
		StopReason: ai.StopEndTurn,
		Content:    []conversation.ContentBlock{conversation.TextBlock{Text: "Done."}},
		Usage:      ai.Usage{InputTokens: 10, OutputTokens: 2},
	}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAgent(t *testing.T) (*Agent, *httptest.Server) {
	t.Helper()

	stateDir := t.TempDir()
	aiCfg := &config.AIConfig{
		Providers: []config.AIProvider{{
			ID:   "fake",
			Type: "anthropic",
			Models: []config.AIProviderModel{
				{ModelName: "m1", IsDefault: true},
				{ModelName: "m2"},
			},
		}},
	}
	cfg := &config.Config{
		StateDir:     stateDir,
		WorkspaceDir: t.TempDir(),
		ListenAddr:   "127.0.0.1:0",
		AI:           aiCfg,
	}
	cfg.ApplyDefaults()

	log := quietLogger()
	store, err := historystore.Open(filepath.Join(stateDir, "history.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := notify.NewBroker(log)
	svc, err := ai.NewService(ai.Options{
		Logger:       log,
		Config:       aiCfg,
		WorkspaceDir: cfg.WorkspaceDir,
		ImageDir:     cfg.ImageDir(),
		History:      store,
		Sessions:     store,
		Notifier:     broker,
		Keys:         staticKeys{},
		ProviderFactory: func(config.AIProvider, string) (ai.Provider, error) {
			return replyProvider{}, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	a := &Agent{
		cfg:     cfg,
		log:     log,
		version: "v0.0.1-test",
		broker:  broker,
		mon:     monitor.NewService(log, cfg.WorkspaceDir),
		store:   store,
		svc:     svc,
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func postJSON(t *testing.T, url string, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decodeResp(t, resp)
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decodeResp(t, resp)
}

func decodeResp(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func waitCompleted(t *testing.T, baseURL string, sessionID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		code, sess := getJSON(t, baseURL+"/sessions/"+sessionID)
		if code == http.StatusOK && sess["agent_status"] == "completed" && sess["running"] == false {
			return sess
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s not completed: code=%d body=%v", sessionID, code, sess)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandler_MessageLifecycle(t *testing.T) {
	t.Parallel()

	a, srv := newTestAgent(t)

	png := base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\nfake"))
	code, body := postJSON(t, srv.URL+"/sessions/s1/messages",
		`{"text":"look at this","images":[{"media_type":"image/png","data":"`+png+`"}]}`)
	require.Equal(t, http.StatusAccepted, code, "body=%v", body)
	require.Equal(t, "s1", body["session_id"])

	sess := waitCompleted(t, srv.URL, "s1")
	require.Equal(t, "running", sess["instance_status"])

	code, body = getJSON(t, srv.URL+"/sessions/s1/items")
	require.Equal(t, http.StatusOK, code)
	items, ok := body["items"].([]any)
	require.True(t, ok, "items=%v", body["items"])
	require.GreaterOrEqual(t, len(items), 2)
	first := items[0].(map[string]any)
	require.Equal(t, "user", first["role"])
	content := first["content"].([]any)
	require.Len(t, content, 2)
	require.Equal(t, "image/png", content[1].(map[string]any)["media_type"])
	last := items[len(items)-1].(map[string]any)
	require.Equal(t, "assistant", last["role"])

	entries, err := os.ReadDir(a.cfg.ImageDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, strings.HasSuffix(entries[0].Name(), ".png"))
}

func TestHandler_RejectsBadMessages(t *testing.T) {
	t.Parallel()

	_, srv := newTestAgent(t)

	cases := map[string]string{
		"empty text":    `{"text":"  "}`,
		"unknown field": `{"text":"hi","extra":1}`,
		"unknown model": `{"text":"hi","model":"fake/nope"}`,
		"bad profile":   `{"text":"hi","profile":"ghost"}`,
		"bad media":     `{"text":"hi","images":[{"media_type":"text/plain","data":"aGk="}]}`,
		"bad base64":    `{"text":"hi","images":[{"media_type":"image/png","data":"%%%"}]}`,
		"not json":      `text=hi`,
	}
	for name, body := range cases {
		code, resp := postJSON(t, srv.URL+"/sessions/s1/messages", body)
		if code != http.StatusBadRequest {
			t.Fatalf("%s: code=%d, want 400 (body=%v)", name, code, resp)
		}
		if _, ok := resp["error"].(string); !ok {
			t.Fatalf("%s: missing error message", name)
		}
	}
}

func TestHandler_MessageFailuresAreServerErrors(t *testing.T) {
	t.Parallel()

	a, srv := newTestAgent(t)
	require.NoError(t, a.store.Close())
	code, resp := postJSON(t, srv.URL+"/sessions/s1/messages", `{"text":"hi"}`)
	if code != http.StatusInternalServerError {
		t.Fatalf("closed store: code=%d, want 500 (body=%v)", code, resp)
	}
	if msg, _ := resp["error"].(string); !strings.Contains(msg, "ensure session") {
		t.Fatalf("closed store: error=%q", msg)
	}

	b, srv2 := newTestAgent(t)
	b.svc.Close()
	code, resp = postJSON(t, srv2.URL+"/sessions/s1/messages", `{"text":"hi"}`)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("closed service: code=%d, want 503 (body=%v)", code, resp)
	}
}

func TestHandler_UnknownSessionIs404(t *testing.T) {
	t.Parallel()

	_, srv := newTestAgent(t)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/sessions/ghost/stop"},
		{http.MethodPost, "/sessions/ghost/resume"},
		{http.MethodGet, "/sessions/ghost"},
		{http.MethodGet, "/sessions/ghost/items"},
	} {
		var code int
		if tc.method == http.MethodPost {
			code, _ = postJSON(t, srv.URL+tc.path, `{}`)
		} else {
			code, _ = getJSON(t, srv.URL+tc.path)
		}
		if code != http.StatusNotFound {
			t.Fatalf("%s %s: code=%d, want 404", tc.method, tc.path, code)
		}
	}
}

func TestHandler_StopAndSetModel(t *testing.T) {
	t.Parallel()

	_, srv := newTestAgent(t)

	code, _ := postJSON(t, srv.URL+"/sessions/s2/messages", `{"text":"hello"}`)
	require.Equal(t, http.StatusAccepted, code)
	waitCompleted(t, srv.URL, "s2")

	code, body := postJSON(t, srv.URL+"/sessions/s2/stop", ``)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 0, body["stopped"])

	code, body = postJSON(t, srv.URL+"/sessions/s2/model", `{"model":"fake/m2"}`)
	require.Equal(t, http.StatusOK, code, "body=%v", body)
	require.Equal(t, "fake/m2", body["default_model"])

	code, _ = postJSON(t, srv.URL+"/sessions/s2/model", `{"model":"other/m9"}`)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = postJSON(t, srv.URL+"/sessions/ghost/model", `{"model":"fake/m1"}`)
	require.Equal(t, http.StatusNotFound, code)
}

func TestHandler_Healthz(t *testing.T) {
	t.Parallel()

	_, srv := newTestAgent(t)

	code, body := getJSON(t, srv.URL+"/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["ok"])
	require.Equal(t, "v0.0.1-test", body["version"])
	require.NotNil(t, body["host"])
}

func TestHandler_EventsStreamSessionUpdates(t *testing.T) {
	t.Parallel()

	_, srv := newTestAgent(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?session_id=s3", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	code, _ := postJSON(t, srv.URL+"/sessions/s3/messages", `{"text":"hi"}`)
	require.Equal(t, http.StatusAccepted, code)

	dec := json.NewDecoder(resp.Body)
	for {
		var ev notify.Event
		require.NoError(t, dec.Decode(&ev))
		require.Equal(t, "s3", ev.SessionID)
		if ev.Type == notify.EventTypeMessage {
			require.Equal(t, "Done.", ev.Text)
			return
		}
	}
}
