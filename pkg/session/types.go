package session

import (
	"context"
	"time"

	"github.com/go-go-golems/chatwidget/pkg/backend"
)

type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Message is a displayable chat line. Messages are only ever appended.
type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseAwaitingChatResponse Phase = "awaiting_chat_response"
	PhaseAwaitingToolResult   Phase = "awaiting_tool_result"
)

// SummaryState only moves forward: not_requested -> requested -> delivered.
type SummaryState string

const (
	SummaryNotRequested SummaryState = "not_requested"
	SummaryRequested    SummaryState = "requested"
	SummaryDelivered    SummaryState = "delivered"
)

// Backend is the remote assistant API the session drives.
type Backend interface {
	SendMessage(ctx context.Context, req backend.SendMessageRequest) (*backend.SendMessageResponse, error)
	ResolveToolCall(ctx context.Context, req backend.ResolveToolCallRequest) (*backend.ResolveToolCallResponse, error)
	Summarize(ctx context.Context, req backend.SummarizeRequest) (*backend.SummarizeResponse, error)
}

// Notifier receives session events in the order they happened.
type Notifier interface {
	Notify(ev Event) error
}

// SummaryArchive keeps delivered summaries beyond the lifetime of the session.
type SummaryArchive interface {
	ArchiveSummary(ctx context.Context, sessionID string, summary backend.Summary) error
}

type EventType string

const (
	EventMessageAppended  EventType = "message.appended"
	EventPhaseChanged     EventType = "phase.changed"
	EventSummaryDelivered EventType = "summary.delivered"
)

// Event is what presentation adapters subscribe to. Seq numbers the events
// of one session from 1 without gaps.
type Event struct {
	ID                 string           `json:"id"`
	Seq                uint64           `json:"seq"`
	Type               EventType        `json:"type"`
	SessionID          string           `json:"session_id"`
	Time               time.Time        `json:"time"`
	Phase              Phase            `json:"phase"`
	Loading            bool             `json:"loading"`
	ToolCallInProgress bool             `json:"tool_call_in_progress"`
	Message            *Message         `json:"message,omitempty"`
	Summary            *backend.Summary `json:"summary,omitempty"`
}

// State is a consistent snapshot of the session. It reflects exactly the
// events up to and including Seq.
type State struct {
	SessionID          string                 `json:"session_id"`
	Seq                uint64                 `json:"seq"`
	Phase              Phase                  `json:"phase"`
	SummaryState       SummaryState           `json:"summary_state"`
	ConversationID     string                 `json:"conversation_id,omitempty"`
	History            []backend.HistoryEntry `json:"history"`
	Messages           []Message              `json:"messages"`
	Summary            *backend.Summary       `json:"summary,omitempty"`
	Loading            bool                   `json:"loading"`
	ToolCallInProgress bool                   `json:"tool_call_in_progress"`
	InputEnabled       bool                   `json:"input_enabled"`
}

func loadingFor(p Phase) bool            { return p != PhaseIdle }
func toolCallInProgressFor(p Phase) bool { return p == PhaseAwaitingToolResult }
