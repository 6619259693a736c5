package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/tools"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/notify"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const defaultAddr = "127.0.0.1:8787"

// controlClient talks to a running agent's control server.
type controlClient struct {
	base string
	hc   *http.Client
}

func newControlClient(addr string) *controlClient {
	addr = strings.TrimSpace(addr)
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &controlClient{base: strings.TrimRight(addr, "/"), hc: &http.Client{}}
}

func (c *controlClient) sessionURL(sessionID string, suffix string) string {
	return c.base + "/sessions/" + url.PathEscape(sessionID) + suffix
}

// do sends body as JSON and decodes the JSON reply into out. Non-2xx replies become errors carrying
// the server's message.
func (c *controlClient) do(ctx context.Context, method string, u string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return errors.New(resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

type outgoingImage struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type outgoingMessage struct {
	Text    string          `json:"text"`
	Model   string          `json:"model,omitempty"`
	Profile string          `json:"profile,omitempty"`
	Images  []outgoingImage `json:"images,omitempty"`
}

func loadImage(path string) (outgoingImage, error) {
	mediaType, ok := tools.ImageMediaType(path)
	if !ok {
		return outgoingImage{}, fmt.Errorf("%s: not a supported image", path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return outgoingImage{}, err
	}
	return outgoingImage{MediaType: mediaType, Data: base64.StdEncoding.EncodeToString(b)}, nil
}

func (c *controlClient) send(ctx context.Context, sessionID string, msg outgoingMessage) error {
	return c.do(ctx, http.MethodPost, c.sessionURL(sessionID, "/messages"), msg, nil)
}

func (c *controlClient) stop(ctx context.Context, sessionID string) (int, error) {
	var out struct {
		Stopped int `json:"stopped"`
	}
	err := c.do(ctx, http.MethodPost, c.sessionURL(sessionID, "/stop"), nil, &out)
	return out.Stopped, err
}

func (c *controlClient) session(ctx context.Context, sessionID string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, c.sessionURL(sessionID, ""), nil, &out)
	return out, err
}

// follow prints session events until the session reports completed or ctx ends.
func (c *controlClient) follow(ctx context.Context, sessionID string, w io.Writer, ready chan<- struct{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/events?session_id="+url.QueryEscape(sessionID), nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New(resp.Status)
	}
	if ready != nil {
		close(ready)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for sc.Scan() {
		var ev notify.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		if line := formatEvent(ev); line != "" {
			fmt.Fprintln(w, line)
		}
		if ev.Type == notify.EventTypeStatus && ev.Status == "completed" {
			return nil
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func formatEvent(ev notify.Event) string {
	switch ev.Type {
	case notify.EventTypeMessage, notify.EventTypeProgress:
		return ev.Text
	case notify.EventTypeToolUse:
		return fmt.Sprintf("[tool] %s %s", ev.ToolName, truncate(string(ev.Input), 200))
	case notify.EventTypeToolResult:
		if ev.IsError {
			return fmt.Sprintf("[tool error] %s", truncate(ev.Text, 200))
		}
		return ""
	case notify.EventTypeImage:
		if ev.Image != nil {
			return fmt.Sprintf("[image] %s", ev.Image.Path)
		}
		return ""
	case notify.EventTypeTitle:
		return fmt.Sprintf("[title] %s", ev.Text)
	case notify.EventTypeError:
		return fmt.Sprintf("[error] %s", ev.Text)
	case notify.EventTypeInstanceStopping:
		return "[instance stopping]"
	default:
		return ""
	}
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}

// readSecretLine reads one line without echo when in is a terminal.
func readSecretLine(in *os.File, prompt io.Writer, label string) (string, error) {
	if term.IsTerminal(int(in.Fd())) {
		fmt.Fprint(prompt, label)
		b, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(prompt)
		return strings.TrimSpace(string(b)), err
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func sendCmd(args []string) {
	fs := pflag.NewFlagSet("send", pflag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Agent control address")
	sessionID := fs.StringP("session", "s", "", "Session id")
	model := fs.String("model", "", "Model override (<provider_id>/<model_name>)")
	profile := fs.String("profile", "", "Agent profile for a new session")
	images := fs.StringArrayP("image", "i", nil, "Attach an image file (repeatable)")
	follow := fs.BoolP("follow", "f", false, "Stream the session until the turn completes")
	_ = fs.Parse(args)

	id := strings.TrimSpace(*sessionID)
	if id == "" {
		fs.Usage()
		os.Exit(2)
	}
	msg := outgoingMessage{
		Text:    strings.Join(fs.Args(), " "),
		Model:   *model,
		Profile: *profile,
	}
	for _, p := range *images {
		img, err := loadImage(filepath.Clean(p))
		if err != nil {
			fail("attach image: %v", err)
		}
		msg.Images = append(msg.Images, img)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	c := newControlClient(*addr)

	if !*follow {
		if err := c.send(ctx, id, msg); err != nil {
			fail("send failed: %v", err)
		}
		fmt.Printf("Sent to %s.\n", id)
		return
	}

	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- c.follow(ctx, id, os.Stdout, ready) }()
	select {
	case <-ready:
	case err := <-done:
		fail("watch failed: %v", err)
	}
	if err := c.send(ctx, id, msg); err != nil {
		fail("send failed: %v", err)
	}
	if err := <-done; err != nil {
		fail("watch failed: %v", err)
	}
}

func stopCmd(args []string) {
	fs := pflag.NewFlagSet("stop", pflag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Agent control address")
	sessionID := fs.StringP("session", "s", "", "Session id")
	_ = fs.Parse(args)

	id := strings.TrimSpace(*sessionID)
	if id == "" {
		fs.Usage()
		os.Exit(2)
	}
	n, err := newControlClient(*addr).stop(context.Background(), id)
	if err != nil {
		fail("stop failed: %v", err)
	}
	fmt.Printf("Stopped %d running turn(s) for %s.\n", n, id)
}

func statusCmd(args []string) {
	fs := pflag.NewFlagSet("status", pflag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Agent control address")
	sessionID := fs.StringP("session", "s", "", "Session id")
	_ = fs.Parse(args)

	id := strings.TrimSpace(*sessionID)
	if id == "" {
		fs.Usage()
		os.Exit(2)
	}
	sess, err := newControlClient(*addr).session(context.Background(), id)
	if err != nil {
		fail("status failed: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(sess)
}
