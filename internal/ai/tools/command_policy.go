package tools

import (
	"regexp"
	"strings"
	"unicode"
)

// CommandRisk grades a shell command line before executeCommand runs it.
type CommandRisk string

const (
	CommandRiskReadonly  CommandRisk = "readonly"
	CommandRiskMutating  CommandRisk = "mutating"
	CommandRiskDangerous CommandRisk = "dangerous"
)

var dangerousCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`),
	regexp.MustCompile(`\brm\s+-(?:rf|fr)\s+(?:--no-preserve-root\s+)?(?:/|~|\$home)\s*(?:$|[;&|'"])`),
	regexp.MustCompile(`\bmkfs(?:\.[a-z0-9_-]+)?\b`),
	regexp.MustCompile(`\bdd\b[^\n]*\bof=/dev/`),
	regexp.MustCompile(`\b(?:shutdown|reboot|poweroff|halt)\b`),
	regexp.MustCompile(`\bgit\s+push\b[^\n]*\s(?:--force|-f)\b[^\n]*\b(?:main|master)\b`),
}

var readonlyVerbs = map[string]struct{}{
	"basename": {},
	"cat":      {},
	"cut":      {},
	"dirname":  {},
	"echo":     {},
	"find":     {},
	"grep":     {},
	"head":     {},
	"ls":       {},
	"pwd":      {},
	"realpath": {},
	"rg":       {},
	"sort":     {},
	"stat":     {},
	"tail":     {},
	"test":     {},
	"tree":     {},
	"uniq":     {},
	"wc":       {},
	"which":    {},
}

var readonlyGitSubcommands = map[string]struct{}{
	"blame":     {},
	"branch":    {},
	"diff":      {},
	"grep":      {},
	"log":       {},
	"ls-files":  {},
	"remote":    {},
	"rev-parse": {},
	"show":      {},
	"status":    {},
	"tag":       {},
}

var shellWrappers = map[string]struct{}{
	"bash": {},
	"sh":   {},
	"zsh":  {},
}

func ClassifyCommand(command string) CommandRisk {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return CommandRiskMutating
	}
	lower := strings.ToLower(trimmed)
	for _, p := range dangerousCommandPatterns {
		if p.MatchString(lower) {
			return CommandRiskDangerous
		}
	}

	segments := splitShellSegments(trimmed)
	if len(segments) == 0 {
		return CommandRiskMutating
	}
	for _, seg := range segments {
		if inner, ok := unwrapShell(seg); ok {
			if ClassifyCommand(inner) != CommandRiskReadonly {
				return CommandRiskMutating
			}
			continue
		}
		if !isReadonlySegment(seg) {
			return CommandRiskMutating
		}
	}
	return CommandRiskReadonly
}

// unwrapShell returns the script of `bash -c '...'` style segments.
func unwrapShell(segment string) (string, bool) {
	fields := strings.Fields(segment)
	if len(fields) < 3 {
		return "", false
	}
	if _, ok := shellWrappers[strings.ToLower(fields[0])]; !ok {
		return "", false
	}
	flag := fields[1]
	if !strings.HasPrefix(flag, "-") || !strings.Contains(flag, "c") {
		return "", false
	}
	rest := strings.TrimSpace(segment[strings.Index(segment, flag)+len(flag):])
	if len(rest) < 2 {
		return "", false
	}
	q := rest[0]
	if (q != '\'' && q != '"') || rest[len(rest)-1] != q {
		return "", false
	}
	return rest[1 : len(rest)-1], true
}

func splitShellSegments(command string) []string {
	var out []string
	var sb strings.Builder
	var quote rune
	escaped := false
	runes := []rune(command)
	flush := func() {
		part := strings.TrimSpace(sb.String())
		if part != "" {
			out = append(out, part)
		}
		sb.Reset()
	}
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		if escaped {
			sb.WriteRune(ch)
			escaped = false
			continue
		}
		if quote == 0 && ch == '\\' {
			escaped = true
			sb.WriteRune(ch)
			continue
		}
		if ch == '\'' || ch == '"' || ch == '`' {
			if quote == 0 {
				quote = ch
			} else if quote == ch {
				quote = 0
			}
			sb.WriteRune(ch)
			continue
		}
		if quote == 0 {
			switch {
			case ch == '\n' || ch == ';':
				flush()
				continue
			case ch == '|':
				flush()
				if i+1 < len(runes) && runes[i+1] == '|' {
					i++
				}
				continue
			case ch == '&' && i+1 < len(runes) && runes[i+1] == '&':
				flush()
				i++
				continue
			}
		}
		sb.WriteRune(ch)
	}
	flush()
	return out
}

func isReadonlySegment(segment string) bool {
	segment = strings.TrimSpace(segment)
	if segment == "" || hasWriteRedirection(segment) {
		return false
	}
	fields := strings.Fields(segment)
	idx := 0
	for idx < len(fields) && isEnvAssignment(fields[idx]) {
		idx++
	}
	if idx >= len(fields) {
		return false
	}

	verb := strings.ToLower(fields[idx])
	args := fields[idx+1:]
	switch verb {
	case "git":
		sub := firstNonFlag(args)
		_, ok := readonlyGitSubcommands[strings.ToLower(sub)]
		return ok
	case "sed":
		lower := strings.ToLower(segment)
		return !strings.Contains(lower, " -i") && strings.Contains(lower, "-n")
	}
	_, ok := readonlyVerbs[verb]
	return ok
}

func hasWriteRedirection(segment string) bool {
	lower := strings.ToLower(segment)
	for _, benign := range []string{"2>&1", "1>&2", "2>/dev/null", ">/dev/null"} {
		lower = strings.ReplaceAll(lower, benign, "")
	}
	return strings.Contains(lower, ">")
}

func isEnvAssignment(token string) bool {
	eq := strings.IndexRune(token, '=')
	if eq <= 0 {
		return false
	}
	for i, ch := range token[:eq] {
		if ch == '_' || unicode.IsLetter(ch) || (i > 0 && unicode.IsDigit(ch)) {
			continue
		}
		return false
	}
	return true
}

func firstNonFlag(args []string) string {
	for _, arg := range args {
		if arg == "" || strings.HasPrefix(arg, "-") {
			continue
		}
		return arg
	}
	return ""
}
