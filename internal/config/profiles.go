package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentProfile is a named agent persona: its own prompt, default model and tool set.
type AgentProfile struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	// Model is a model wire id that overrides the config default for sessions using this profile.
	Model string `yaml:"model,omitempty"`
	// Prompt is appended to the base system prompt.
	Prompt string `yaml:"prompt,omitempty"`
	// Tools limits the local tools offered to the model. Nil offers all of them.
	Tools []string `yaml:"tools,omitempty"`
	// ReadOnly refuses file edits and mutating shell commands.
	ReadOnly bool `yaml:"read_only,omitempty"`
}

func (p AgentProfile) Validate() error {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return errors.New("missing name")
	}
	if strings.ContainsAny(name, "/ \t\n") {
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}

type profileFrontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Model       string   `yaml:"model"`
	Tools       []string `yaml:"tools"`
	ReadOnly    bool     `yaml:"read_only"`
}

// LoadProfileDir reads every *.md file in dir as a profile: YAML frontmatter followed by the prompt
// body. A missing dir yields no profiles. Broken files are reported as notices and skipped.
func LoadProfileDir(dir string) ([]AgentProfile, []string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []string{err.Error()}
	}
	var (
		out     []AgentProfile
		notices []string
	)
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".md") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		p, err := parseProfileFile(path)
		if err != nil {
			notices = append(notices, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, notices
}

func parseProfileFile(path string) (AgentProfile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return AgentProfile{}, err
	}
	front, body, ok := splitFrontmatter(string(content))
	if !ok {
		return AgentProfile{}, errors.New("missing frontmatter")
	}
	var fm profileFrontmatter
	if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
		return AgentProfile{}, err
	}
	p := AgentProfile{
		Name:        strings.TrimSpace(fm.Name),
		Description: strings.TrimSpace(fm.Description),
		Model:       strings.TrimSpace(fm.Model),
		Prompt:      body,
		Tools:       fm.Tools,
		ReadOnly:    fm.ReadOnly,
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := p.Validate(); err != nil {
		return AgentProfile{}, err
	}
	return p, nil
}

func splitFrontmatter(raw string) (frontmatter string, body string, ok bool) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	if !strings.HasPrefix(raw, "---\n") {
		return "", strings.TrimSpace(raw), false
	}
	lines := strings.Split(raw, "\n")
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end <= 0 {
		return "", strings.TrimSpace(raw), false
	}
	front := strings.Join(lines[1:end], "\n")
	bodyPart := ""
	if end+1 < len(lines) {
		bodyPart = strings.Join(lines[end+1:], "\n")
	}
	return strings.TrimSpace(front), strings.TrimSpace(bodyPart), true
}

// MergeProfiles adds profiles whose names are not already configured. Profiles whose model is
// unknown are skipped and reported.
func (c *AIConfig) MergeProfiles(extra []AgentProfile) []string {
	if c == nil {
		return nil
	}
	have := make(map[string]struct{}, len(c.Profiles))
	for _, p := range c.Profiles {
		have[p.Name] = struct{}{}
	}
	var notices []string
	for _, p := range extra {
		if _, ok := have[p.Name]; ok {
			notices = append(notices, fmt.Sprintf("profile %q already configured; file ignored", p.Name))
			continue
		}
		if p.Model != "" && !c.IsAllowedModelID(p.Model) {
			notices = append(notices, fmt.Sprintf("profile %q: model %q is not configured", p.Name, p.Model))
			continue
		}
		c.Profiles = append(c.Profiles, p)
		have[p.Name] = struct{}{}
	}
	return notices
}
