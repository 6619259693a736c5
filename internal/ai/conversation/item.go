package conversation

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind classifies an item. A ToolUse item is always immediately followed by its ToolResult item.
type Kind string

const (
	KindUserMessage Kind = "userMessage"
	KindToolUse     Kind = "toolUse"
	KindToolResult  Kind = "toolResult"
	KindAssistant   Kind = "assistant"
)

// Item is one stored unit of conversation history.
type Item struct {
	SessionID     string
	SeqKey        string
	Role          Role
	Kind          Kind
	Content       []ContentBlock
	TokenCount    int
	ModelOverride string
	CreatedAt     time.Time
}

// RoleForKind returns the message role an item kind is sent with.
func RoleForKind(k Kind) Role {
	switch k {
	case KindToolUse, KindAssistant:
		return RoleAssistant
	default:
		return RoleUser
	}
}

// TotalTokens sums the token counts of items.
func TotalTokens(items []Item) int {
	total := 0
	for _, it := range items {
		total += it.TokenCount
	}
	return total
}

type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusWorking   AgentStatus = "working"
	AgentStatusCompleted AgentStatus = "completed"
)

// NormalizeAgentStatus maps unknown values to pending.
func NormalizeAgentStatus(raw string) AgentStatus {
	switch AgentStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case AgentStatusWorking:
		return AgentStatusWorking
	case AgentStatusCompleted:
		return AgentStatusCompleted
	default:
		return AgentStatusPending
	}
}

type InstanceStatus string

const (
	InstanceStatusStarting   InstanceStatus = "starting"
	InstanceStatusRunning    InstanceStatus = "running"
	InstanceStatusStopped    InstanceStatus = "stopped"
	InstanceStatusTerminated InstanceStatus = "terminated"
)

func NormalizeInstanceStatus(raw string) InstanceStatus {
	switch InstanceStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case InstanceStatusRunning:
		return InstanceStatusRunning
	case InstanceStatusStopped:
		return InstanceStatusStopped
	case InstanceStatusTerminated:
		return InstanceStatusTerminated
	default:
		return InstanceStatusStarting
	}
}

// Session is one agent conversation.
type Session struct {
	ID             string
	Title          string
	AgentStatus    AgentStatus
	InstanceStatus InstanceStatus
	DefaultModel   string
	AgentProfile   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
