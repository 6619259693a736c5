package ai

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/config"
)

const maxContextFileBytes = 32 << 10

// repositoryContextFiles are read from the workspace root, in this order.
var repositoryContextFiles = []string{
	"AGENTS.md",
	"CLAUDE.md",
	filepath.Join(".github", "copilot-instructions.md"),
}

const basePrompt = `You are a software engineering agent working autonomously in a remote workspace.
Work on the user's task until it is done. Use the tools to inspect and change the repository,
run commands and verify your work. Report progress on long tasks with reportProgress.
When you finish, reply with a short summary of what you did.`

type promptInput struct {
	SessionID    string
	WorkspaceDir string
	Profile      config.AgentProfile
	Now          time.Time
}

func buildSystemPrompt(in promptInput) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)

	if p := strings.TrimSpace(in.Profile.Prompt); p != "" {
		sb.WriteString("\n\n")
		sb.WriteString(p)
	}
	if in.Profile.ReadOnly {
		sb.WriteString("\n\nThis session is read-only: do not modify files or run mutating commands.")
	}

	for _, f := range readRepositoryContext(in.WorkspaceDir) {
		fmt.Fprintf(&sb, "\n\n<repository_instructions file=%q>\n%s\n</repository_instructions>", f.name, f.body)
	}

	sb.WriteString("\n\n<session>")
	if in.SessionID != "" {
		fmt.Fprintf(&sb, "\nsession_id: %s", in.SessionID)
	}
	if in.WorkspaceDir != "" {
		fmt.Fprintf(&sb, "\nworkspace: %s", in.WorkspaceDir)
	}
	if !in.Now.IsZero() {
		fmt.Fprintf(&sb, "\ndate: %s", in.Now.UTC().Format("2006-01-02"))
	}
	sb.WriteString("\n</session>")
	return sb.String()
}

type contextFile struct {
	name string
	body string
}

func readRepositoryContext(workspace string) []contextFile {
	workspace = strings.TrimSpace(workspace)
	if workspace == "" {
		return nil
	}
	var out []contextFile
	for _, rel := range repositoryContextFiles {
		b, err := os.ReadFile(filepath.Join(workspace, rel))
		if err != nil {
			continue
		}
		truncated := false
		if len(b) > maxContextFileBytes {
			b = b[:maxContextFileBytes]
			truncated = true
		}
		body := strings.TrimSpace(strings.ToValidUTF8(string(b), ""))
		if body == "" {
			continue
		}
		if truncated {
			body += "\n[truncated]"
		}
		out = append(out, contextFile{name: filepath.ToSlash(rel), body: body})
	}
	return out
}

var thinkingSpan = regexp.MustCompile(`(?s)<thinking>.*?</thinking>`)

// stripReasoning removes inline reasoning spans before text is shown to users.
func stripReasoning(text string) string {
	return strings.TrimSpace(thinkingSpan.ReplaceAllString(text, ""))
}

func containsKeyword(text string, keyword string) bool {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(keyword))
}
