package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	ansiReset     = "\033[0m"
	ansiBold      = "\033[1m"
	ansiCyan      = "\033[96m"
	ansiUnderline = "\033[4m"
)

type welcomeBannerOptions struct {
	Version      string
	ListenAddr   string
	WorkspaceDir string
}

func printWelcomeBanner(w io.Writer, opts welcomeBannerOptions) {
	width := terminalWidth(w)
	useANSI := isTerminalWriter(w)

	fmt.Fprintln(w)
	fmt.Fprintln(w, centerWithAnsi(styleBold("swe-agent", useANSI), width))
	if version := strings.TrimSpace(opts.Version); version != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Version: %s", version), width))
	}
	if u := controlURL(opts.ListenAddr); u != "" {
		fmt.Fprintln(w, centerWithAnsi(fmt.Sprintf("Control: %s", styleURL(u, useANSI)), width))
	}
	if ws := strings.TrimSpace(opts.WorkspaceDir); ws != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Workspace: %s", ws), width))
	}
	fmt.Fprintln(w)
}

// controlURL turns a listen address into a dialable URL; wildcard hosts become localhost.
func controlURL(listenAddr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(listenAddr))
	if err != nil || port == "" {
		return ""
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/"
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}

func styleURL(url string, enabled bool) string {
	if !enabled {
		return url
	}
	return ansiCyan + ansiUnderline + url + ansiReset
}

func styleBold(s string, enabled bool) string {
	if !enabled {
		return s
	}
	return ansiBold + s + ansiReset
}

func center(text string, width int) string {
	if width <= 0 {
		return "  " + text
	}
	textLen := len([]rune(text))
	if textLen >= width {
		return text
	}
	return strings.Repeat(" ", (width-textLen)/2) + text
}

func stripAnsi(s string) string {
	return strings.NewReplacer(ansiReset, "", ansiBold, "", ansiCyan, "", ansiUnderline, "").Replace(s)
}

func centerWithAnsi(text string, width int) string {
	if width <= 0 {
		return "  " + text
	}
	textLen := len([]rune(stripAnsi(text)))
	if textLen >= width {
		return text
	}
	return strings.Repeat(" ", (width-textLen)/2) + text
}
