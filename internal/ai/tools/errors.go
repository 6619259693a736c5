package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrorCode is a stable, machine-readable tool error code.
type ErrorCode string

const (
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrorCodeInvalidPath      ErrorCode = "INVALID_PATH"
	ErrorCodeOutsideWorkspace ErrorCode = "OUTSIDE_WORKSPACE"
	ErrorCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrorCodeTimeout          ErrorCode = "TIMEOUT"
	ErrorCodeCanceled         ErrorCode = "CANCELED"
	ErrorCodeUnknown          ErrorCode = "UNKNOWN"
)

// ToolError is the structured form of a failed tool call. Its Text is what the model sees.
type ToolError struct {
	Code           ErrorCode
	Message        string
	SuggestedFixes []string
	// NormalizedPath is set when the failing path can be resolved inside the workspace.
	NormalizedPath string
}

func (e *ToolError) Error() string { return e.Message }

// Text renders the error for a tool result block.
func (e *ToolError) Text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Error [%s]: %s", e.Code, e.Message)
	if e.NormalizedPath != "" {
		fmt.Fprintf(&sb, "\nDid you mean: %s", e.NormalizedPath)
	}
	for _, fix := range e.SuggestedFixes {
		sb.WriteString("\n- ")
		sb.WriteString(fix)
	}
	return sb.String()
}

// Invocation carries what ClassifyError needs to produce recovery hints.
type Invocation struct {
	ToolName string
	Input    json.RawMessage
	WorkDir  string
}

func ClassifyError(inv Invocation, err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}

	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "Tool failed"
	}
	lower := strings.ToLower(msg)
	out := &ToolError{Code: ErrorCodeUnknown, Message: msg}

	switch {
	case errors.Is(err, context.Canceled):
		out.Code = ErrorCodeCanceled
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(lower, "timed out"):
		out.Code = ErrorCodeTimeout
		out.SuggestedFixes = []string{"Retry with a smaller scope.", "Run long jobs in the background and poll their output."}
	case errors.Is(err, ErrToolNotFound):
		out.Code = ErrorCodeNotFound
		out.SuggestedFixes = []string{"Use one of the tools listed in the tool configuration."}
	case errors.Is(err, ErrInvalidInput):
		out.Code = ErrorCodeInvalidInput
		out.SuggestedFixes = []string{"Check the tool input against its JSON schema."}
	case errors.Is(err, os.ErrPermission) || strings.Contains(lower, "permission denied"):
		out.Code = ErrorCodePermissionDenied
	case strings.Contains(lower, "outside workspace"):
		out.Code = ErrorCodeOutsideWorkspace
		out.SuggestedFixes = []string{"Use a path under the workspace directory."}
	case errors.Is(err, os.ErrNotExist) || strings.Contains(lower, "not found") || strings.Contains(lower, "no such file"):
		out.Code = ErrorCodeNotFound
		out.SuggestedFixes = []string{"Verify the path exists.", "List the parent directory with executeCommand first."}
	}

	if out.Code == ErrorCodeNotFound || out.Code == ErrorCodeOutsideWorkspace {
		if p, ok := normalizedPath(inv); ok {
			out.NormalizedPath = p
		}
	}
	return out
}

func normalizedPath(inv Invocation) (string, bool) {
	root := strings.TrimSpace(inv.WorkDir)
	if root == "" {
		return "", false
	}
	var key string
	switch inv.ToolName {
	case ToolReadFile, ToolFileEdit, ToolSendImage:
		key = "path"
	case ToolExecuteCommand:
		key = "cwd"
	default:
		return "", false
	}
	var args map[string]any
	if err := json.Unmarshal(inv.Input, &args); err != nil {
		return "", false
	}
	raw, _ := args[key].(string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	next, err := resolvePath(root, raw)
	if err != nil || next == raw {
		return "", false
	}
	return next, true
}

// resolvePath turns raw into an absolute path inside root.
func resolvePath(root string, raw string) (string, error) {
	root = filepath.Clean(root)
	if !filepath.IsAbs(root) {
		abs, err := filepath.Abs(root)
		if err != nil {
			return "", err
		}
		root = abs
	}
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", errors.New("path is required")
	}
	if strings.HasPrefix(candidate, "~/") {
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			candidate = filepath.Join(home, strings.TrimPrefix(candidate, "~/"))
		}
	}
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %s is outside workspace %s", raw, root)
	}
	return candidate, nil
}
