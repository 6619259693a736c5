package agent

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/conversation"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/historystore"
)

const maxRequestBytes = 32 << 20

// Handler returns the HTTP control surface. It is only usable while Run is active.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions/{id}/messages", a.handleMessage)
	mux.HandleFunc("POST /sessions/{id}/stop", a.handleStop)
	mux.HandleFunc("POST /sessions/{id}/resume", a.handleResume)
	mux.HandleFunc("POST /sessions/{id}/model", a.handleSetModel)
	mux.HandleFunc("GET /sessions/{id}", a.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/items", a.handleListItems)
	mux.HandleFunc("GET /events", a.handleEvents)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// sessionErrorStatus maps store lookups to 404 and everything else to 500.
func sessionErrorStatus(err error) int {
	if errors.Is(err, historystore.ErrSessionNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// messageErrorStatus keeps 400 for rejected input; storage failures are the server's fault.
func messageErrorStatus(err error) int {
	switch {
	case errors.Is(err, ai.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, ai.ErrServiceClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type imageUpload struct {
	MediaType string `json:"media_type"`
	// Data is base64 encoded.
	Data string `json:"data"`
}

type messageReq struct {
	Text    string        `json:"text"`
	Model   string        `json:"model,omitempty"`
	Profile string        `json:"profile,omitempty"`
	Images  []imageUpload `json:"images,omitempty"`
}

type acceptedResp struct {
	SessionID string `json:"session_id"`
	Accepted  bool   `json:"accepted"`
}

func (a *Agent) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("id"))
	var req messageReq
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	images := make([]conversation.ImageBlock, 0, len(req.Images))
	for i, up := range req.Images {
		img, err := a.saveUpload(up)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("images[%d]: %v", i, err))
			return
		}
		images = append(images, img)
	}

	if err := a.svc.HandleUserMessage(r.Context(), ai.UserMessage{
		SessionID: sessionID,
		Text:      req.Text,
		Images:    images,
		Model:     req.Model,
		Profile:   req.Profile,
	}); err != nil {
		status := messageErrorStatus(err)
		if status >= http.StatusInternalServerError {
			a.log.Error("handle message failed", "session_id", sessionID, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	if err := a.store.UpdateInstanceStatus(r.Context(), sessionID, conversation.InstanceStatusRunning); err != nil {
		a.log.Warn("update instance status failed", "session_id", sessionID, "error", err)
	}
	writeJSON(w, http.StatusAccepted, acceptedResp{SessionID: sessionID, Accepted: true})
}

var uploadExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

func (a *Agent) saveUpload(up imageUpload) (conversation.ImageBlock, error) {
	mediaType := strings.ToLower(strings.TrimSpace(up.MediaType))
	ext, ok := uploadExtensions[mediaType]
	if !ok {
		return conversation.ImageBlock{}, fmt.Errorf("unsupported media type %q", up.MediaType)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(up.Data))
	if err != nil {
		return conversation.ImageBlock{}, fmt.Errorf("invalid base64: %w", err)
	}
	dir := a.cfg.ImageDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return conversation.ImageBlock{}, err
	}
	path := filepath.Join(dir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return conversation.ImageBlock{}, err
	}
	return conversation.ImageBlock{MediaType: mediaType, Path: path}, nil
}

type stopResp struct {
	SessionID string `json:"session_id"`
	// Stopped is the number of running turns that were signalled.
	Stopped int `json:"stopped"`
}

func (a *Agent) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("id"))
	n, err := a.svc.ForceStop(r.Context(), sessionID)
	if err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stopResp{SessionID: sessionID, Stopped: n})
}

func (a *Agent) handleResume(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("id"))
	if err := a.svc.Resume(r.Context(), sessionID); err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResp{SessionID: sessionID, Accepted: true})
}

type setModelReq struct {
	Model string `json:"model"`
}

func (a *Agent) handleSetModel(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("id"))
	var req setModelReq
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	model := strings.TrimSpace(req.Model)
	if model != "" && !a.cfg.AI.IsAllowedModelID(model) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown model %q", model))
		return
	}
	if err := a.store.UpdateDefaultModel(r.Context(), sessionID, model); err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	a.handleGetSession(w, r)
}

type sessionResp struct {
	ID              string `json:"session_id"`
	Title           string `json:"title"`
	AgentStatus     string `json:"agent_status"`
	InstanceStatus  string `json:"instance_status"`
	DefaultModel    string `json:"default_model,omitempty"`
	AgentProfile    string `json:"agent_profile,omitempty"`
	Running         bool   `json:"running"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

func (a *Agent) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("id"))
	sess, err := a.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessionResp{
		ID:              sess.ID,
		Title:           sess.Title,
		AgentStatus:     string(sess.AgentStatus),
		InstanceStatus:  string(sess.InstanceStatus),
		DefaultModel:    sess.DefaultModel,
		AgentProfile:    sess.AgentProfile,
		Running:         a.svc.Running(sess.ID),
		CreatedAtUnixMs: sess.CreatedAt.UnixMilli(),
		UpdatedAtUnixMs: sess.UpdatedAt.UnixMilli(),
	})
}

type itemResp struct {
	SeqKey          string          `json:"seq_key"`
	Role            string          `json:"role"`
	Kind            string          `json:"kind"`
	Content         json.RawMessage `json:"content"`
	TokenCount      int             `json:"token_count"`
	ModelOverride   string          `json:"model_override,omitempty"`
	CreatedAtUnixMs int64           `json:"created_at_unix_ms"`
}

type itemsResp struct {
	SessionID string     `json:"session_id"`
	Items     []itemResp `json:"items"`
}

func (a *Agent) handleListItems(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("id"))
	if _, err := a.store.GetSession(r.Context(), sessionID); err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	items, err := a.store.ListItems(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := itemsResp{SessionID: sessionID, Items: make([]itemResp, 0, len(items))}
	for _, it := range items {
		content, err := conversation.MarshalBlocks(it.Content)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out.Items = append(out.Items, itemResp{
			SeqKey:          it.SeqKey,
			Role:            string(it.Role),
			Kind:            string(it.Kind),
			Content:         content,
			TokenCount:      it.TokenCount,
			ModelOverride:   it.ModelOverride,
			CreatedAtUnixMs: it.CreatedAt.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEvents streams notifications as NDJSON. ?session_id= narrows the stream to one session.
func (a *Agent) handleEvents(w http.ResponseWriter, r *http.Request) {
	a.broker.ServeNDJSON(w, r, strings.TrimSpace(r.URL.Query().Get("session_id")))
}

type healthResp struct {
	OK      bool   `json:"ok"`
	Version string `json:"version,omitempty"`
	Commit  string `json:"commit,omitempty"`
	Host    any    `json:"host"`
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResp{
		OK:      true,
		Version: a.version,
		Commit:  a.commit,
		Host:    a.mon.Snapshot(r.Context()),
	})
}
