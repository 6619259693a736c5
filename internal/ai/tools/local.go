package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/conversation"
)

const (
	ToolExecuteCommand = "executeCommand"
	ToolFileEdit       = "fileEdit"
	ToolReadFile       = "readFile"
	ToolSendImage      = "sendImage"
	ToolReportProgress = "reportProgress"
	ToolThink          = "think"
)

// LocalToolNames lists the tools RegisterLocal installs.
var LocalToolNames = []string{
	ToolExecuteCommand,
	ToolFileEdit,
	ToolReadFile,
	ToolSendImage,
	ToolReportProgress,
	ToolThink,
}

type LocalOptions struct {
	Shell          string
	CommandTimeout time.Duration
	MaxOutputBytes int
	MaxReadBytes   int
}

func (o LocalOptions) withDefaults() LocalOptions {
	if strings.TrimSpace(o.Shell) == "" {
		o.Shell = "/bin/bash"
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 5 * time.Minute
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = 40_000
	}
	if o.MaxReadBytes <= 0 {
		o.MaxReadBytes = 200_000
	}
	return o
}

// RegisterLocal installs the built-in workspace tools into reg.
func RegisterLocal(reg *Registry, opts LocalOptions) error {
	if reg == nil {
		return errors.New("nil registry")
	}
	l := &localTools{opts: opts.withDefaults()}
	for _, t := range []Tool{
		{
			Name:        ToolExecuteCommand,
			Description: "Run a shell command in the workspace and return its combined output and exit code. Long output is truncated.",
			InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "command": {"type": "string", "minLength": 1, "description": "Shell command line."},
    "cwd": {"type": "string", "description": "Working directory, relative to the workspace or absolute inside it."},
    "timeout_ms": {"type": "integer", "minimum": 1, "description": "Timeout in milliseconds."}
  },
  "required": ["command"],
  "additionalProperties": false
}`),
			Handler: l.executeCommand,
		},
		{
			Name:        ToolFileEdit,
			Description: "Edit a file by replacing exactly one occurrence of old_string with new_string. With an empty old_string, create a new file containing new_string.",
			InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "old_string": {"type": "string"},
    "new_string": {"type": "string"}
  },
  "required": ["path", "old_string", "new_string"],
  "additionalProperties": false
}`),
			Handler: l.fileEdit,
		},
		{
			Name:        ToolReadFile,
			Description: "Read a text file with line numbers. offset is the first line (1-based), limit the number of lines.",
			InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "offset": {"type": "integer", "minimum": 1},
    "limit": {"type": "integer", "minimum": 1}
  },
  "required": ["path"],
  "additionalProperties": false
}`),
			Handler: l.readFile,
		},
		{
			Name:        ToolSendImage,
			Description: "Send an image file from the workspace to the user.",
			InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1}
  },
  "required": ["path"],
  "additionalProperties": false
}`),
			Handler: l.sendImage,
		},
		{
			Name:        ToolReportProgress,
			Description: "Post a short progress message to the user without ending the turn.",
			InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "message": {"type": "string", "minLength": 1}
  },
  "required": ["message"],
  "additionalProperties": false
}`),
			Handler: l.reportProgress,
		},
		{
			Name:        ToolThink,
			Description: "Write down reasoning. Has no side effects.",
			InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "thought": {"type": "string"}
  },
  "required": ["thought"]
}`),
			Handler: func(context.Context, json.RawMessage, CallContext) (Output, error) {
				return Output{Text: "ok"}, nil
			},
		},
	} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type localTools struct {
	opts LocalOptions
}

func (l *localTools) executeCommand(ctx context.Context, input json.RawMessage, call CallContext) (Output, error) {
	var in struct {
		Command   string `json:"command"`
		Cwd       string `json:"cwd"`
		TimeoutMS int64  `json:"timeout_ms"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	command := strings.TrimSpace(in.Command)
	switch ClassifyCommand(command) {
	case CommandRiskDangerous:
		return Output{}, &ToolError{
			Code:           ErrorCodePermissionDenied,
			Message:        "command refused: it matches a destructive pattern",
			SuggestedFixes: []string{"Scope the command to a path inside the workspace."},
		}
	case CommandRiskMutating:
		if call.ReadOnly {
			return Output{}, &ToolError{Code: ErrorCodePermissionDenied, Message: "command refused: this agent profile is read-only"}
		}
	}

	dir := call.WorkDir
	if strings.TrimSpace(in.Cwd) != "" {
		resolved, err := resolvePath(call.WorkDir, in.Cwd)
		if err != nil {
			return Output{}, err
		}
		dir = resolved
	}

	timeout := l.opts.CommandTimeout
	if in.TimeoutMS > 0 && time.Duration(in.TimeoutMS)*time.Millisecond < timeout {
		timeout = time.Duration(in.TimeoutMS) * time.Millisecond
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, l.opts.Shell, "-lc", command)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second
	out := newOutputBuffer(l.opts.MaxOutputBytes)
	cmd.Stdout = out.Writer()
	cmd.Stderr = out.Writer()

	runErr := cmd.Run()
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return Output{}, &ToolError{
			Code:           ErrorCodeTimeout,
			Message:        fmt.Sprintf("command timed out after %s\n%s", timeout, out.String()),
			SuggestedFixes: []string{"Run long jobs in the background and poll their output."},
		}
	}
	exitCode := 0
	if runErr != nil {
		var ee *exec.ExitError
		if !errors.As(runErr, &ee) {
			return Output{}, runErr
		}
		exitCode = ee.ExitCode()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "exit_code: %d\n", exitCode)
	sb.WriteString(out.String())
	if out.Truncated() {
		sb.WriteString("\n[output truncated]")
	}
	return Output{Text: sb.String()}, nil
}

func (l *localTools) fileEdit(_ context.Context, input json.RawMessage, call CallContext) (Output, error) {
	var in struct {
		Path      string `json:"path"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if call.ReadOnly {
		return Output{}, &ToolError{Code: ErrorCodePermissionDenied, Message: "file edits are disabled for this agent profile"}
	}
	path, err := resolvePath(call.WorkDir, in.Path)
	if err != nil {
		return Output{}, err
	}

	if in.OldString == "" {
		if _, err := os.Stat(path); err == nil {
			return Output{}, fmt.Errorf("file %s already exists; pass old_string to edit it", in.Path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return Output{}, err
		}
		if err := os.WriteFile(path, []byte(in.NewString), 0o644); err != nil {
			return Output{}, err
		}
		return Output{Text: fmt.Sprintf("created %s", in.Path)}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Output{}, err
	}
	switch n := bytes.Count(data, []byte(in.OldString)); n {
	case 0:
		return Output{}, fmt.Errorf("old_string not found in %s", in.Path)
	case 1:
	default:
		return Output{}, fmt.Errorf("old_string matches %d times in %s; include more surrounding context", n, in.Path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Output{}, err
	}
	updated := bytes.Replace(data, []byte(in.OldString), []byte(in.NewString), 1)
	if err := os.WriteFile(path, updated, info.Mode().Perm()); err != nil {
		return Output{}, err
	}
	return Output{Text: fmt.Sprintf("edited %s", in.Path)}, nil
}

func (l *localTools) readFile(_ context.Context, input json.RawMessage, call CallContext) (Output, error) {
	var in struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	path, err := resolvePath(call.WorkDir, in.Path)
	if err != nil {
		return Output{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Output{}, err
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return Output{}, fmt.Errorf("%s looks like a binary file", in.Path)
	}

	lines := strings.Split(string(data), "\n")
	start := 0
	if in.Offset > 1 {
		start = in.Offset - 1
	}
	if start >= len(lines) {
		return Output{Text: fmt.Sprintf("%s has %d lines", in.Path, len(lines))}, nil
	}
	end := len(lines)
	if in.Limit > 0 && start+in.Limit < end {
		end = start + in.Limit
	}

	var sb strings.Builder
	truncated := false
	for i := start; i < end; i++ {
		line := fmt.Sprintf("%6d\t%s\n", i+1, lines[i])
		if sb.Len()+len(line) > l.opts.MaxReadBytes {
			truncated = true
			break
		}
		sb.WriteString(line)
	}
	if truncated {
		sb.WriteString("[truncated; use offset and limit to read the rest]")
	}
	return Output{Text: sb.String()}, nil
}

var imageMediaTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// ImageMediaType maps a file extension to an image media type.
func ImageMediaType(path string) (string, bool) {
	mt, ok := imageMediaTypes[strings.ToLower(filepath.Ext(path))]
	return mt, ok
}

func (l *localTools) sendImage(_ context.Context, input json.RawMessage, call CallContext) (Output, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	path, err := resolvePath(call.WorkDir, in.Path)
	if err != nil {
		return Output{}, err
	}
	mediaType, ok := ImageMediaType(path)
	if !ok {
		return Output{}, fmt.Errorf("unsupported image type %q", filepath.Ext(path))
	}
	if _, err := os.Stat(path); err != nil {
		return Output{}, err
	}
	img := conversation.ImageBlock{MediaType: mediaType, Path: path}
	call.sink().Image(img)
	return Output{Text: fmt.Sprintf("sent image %s", in.Path)}, nil
}

func (l *localTools) reportProgress(_ context.Context, input json.RawMessage, call CallContext) (Output, error) {
	var in struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	call.sink().Message(strings.TrimSpace(in.Message))
	return Output{Text: "reported"}, nil
}
