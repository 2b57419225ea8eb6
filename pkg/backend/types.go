package backend

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// Well-known history roles. The backend may add others ("tool").
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// HistoryEntry is one backend-canonical conversation turn.
//
// Only Role and Content are interpreted by the client. Every other field the
// backend attaches (tool_calls, tool_call_id, ...) is kept in Extra and written
// back unchanged. A decoded entry also remembers how role and content looked
// on the wire: an absent key stays absent, a null stays null and an untouched
// string is written back with its original bytes. A history returned by the
// backend therefore goes back to it with the same value for every key.
type HistoryEntry struct {
	Role    string
	Content string
	Extra   map[string]json.RawMessage

	decoded     bool
	roleWire    wireField
	contentWire wireField
}

// wireField is the received form of a string field.
type wireField struct {
	seen   bool
	raw    json.RawMessage
	text   string
	isText bool
}

func readWireField(raw json.RawMessage) wireField {
	w := wireField{seen: true, raw: append(json.RawMessage(nil), raw...)}
	if err := json.Unmarshal(raw, &w.text); err == nil && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		w.isText = true
	}
	return w
}

// encode returns the JSON for cur and whether the key is written at all.
func (w wireField) encode(cur string, decoded bool) (json.RawMessage, bool, error) {
	switch {
	case decoded && !w.seen && cur == "":
		return nil, false, nil
	case w.seen && w.isText && w.text == cur:
		return w.raw, true, nil
	case w.seen && !w.isText && cur == "":
		return w.raw, true, nil
	}
	b, err := json.Marshal(cur)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func NewEntry(role, content string) HistoryEntry {
	return HistoryEntry{Role: role, Content: content}
}

func (h HistoryEntry) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(h.Extra))
	for k := range h.Extra {
		if k == "role" || k == "content" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	role, writeRole, err := h.roleWire.encode(h.Role, h.decoded)
	if err != nil {
		return nil, errors.Wrap(err, "history entry role")
	}
	content, writeContent, err := h.contentWire.encode(h.Content, h.decoded)
	if err != nil {
		return nil, errors.Wrap(err, "history entry content")
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	field := func(key string, value []byte) {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(value)
	}
	if writeRole {
		field("role", role)
	}
	if writeContent {
		field("content", content)
	}
	for _, k := range keys {
		field(k, h.Extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (h *HistoryEntry) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "history entry")
	}
	if raw == nil {
		return errors.New("history entry: null")
	}
	*h = HistoryEntry{decoded: true}
	if r, ok := raw["role"]; ok {
		h.roleWire = readWireField(r)
		h.Role = h.roleWire.text
		delete(raw, "role")
	}
	if c, ok := raw["content"]; ok {
		// assistant entries carrying tool_calls may have a null content
		h.contentWire = readWireField(c)
		h.Content = h.contentWire.text
		delete(raw, "content")
	}
	if len(raw) > 0 {
		h.Extra = raw
	}
	return nil
}

// HasToolCalls reports whether the entry is an assistant turn that requested tools.
func (h HistoryEntry) HasToolCalls() bool {
	_, ok := h.Extra["tool_calls"]
	return ok
}

// CloneHistory returns a copy of the slice that can be appended to without
// touching the original backing array.
func CloneHistory(history []HistoryEntry) []HistoryEntry {
	if history == nil {
		return nil
	}
	out := make([]HistoryEntry, len(history))
	copy(out, history)
	return out
}

type SendMessageRequest struct {
	Message             string         `json:"message"`
	ConversationHistory []HistoryEntry `json:"conversation_history"`
}

type SendMessageResponse struct {
	ChatResponse        string         `json:"chat_response"`
	ConversationHistory []HistoryEntry `json:"conversation_history"`
	ToolCallDetected    bool           `json:"tool_call_detected"`
	// Summary is set when the backend detected the end of the conversation on its own.
	Summary *Summary `json:"summary,omitempty"`
}

type ResolveToolCallRequest struct {
	ConversationHistory []HistoryEntry `json:"conversation_history"`
}

type ResolveToolCallResponse struct {
	FinalResponse            string         `json:"final_response"`
	FinalConversationHistory []HistoryEntry `json:"final_conversation_history"`
	Summary                  *Summary       `json:"summary,omitempty"`
}

type SummarizeRequest struct {
	ConversationHistory []HistoryEntry `json:"conversation_history"`
	// ConversationID is serialized as null when unknown.
	ConversationID *string `json:"conversation_id"`
}

type SummarizeResponse struct {
	Summary *Summary `json:"summary"`
}

// Summary is the end-of-conversation analysis produced by the backend.
type Summary struct {
	ConversationID string   `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	Sentiment      string   `json:"sentiment" yaml:"sentiment"`
	Keywords       []string `json:"keywords" yaml:"keywords"`
	Summary        string   `json:"summary" yaml:"summary"`
	Department     string   `json:"department" yaml:"department"`
	Insights       Insights `json:"insights" yaml:"insights"`
	CreatedAt      string   `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

type Insights struct {
	Urgency           string `json:"urgency" yaml:"urgency"`
	UpsellOpportunity bool   `json:"upsell_opportunity" yaml:"upsell_opportunity"`
	CustomerInterest  string `json:"customer_interest" yaml:"customer_interest"`
	AdditionalNotes   string `json:"additional_notes,omitempty" yaml:"additional_notes,omitempty"`
}

type CarReviewVideosRequest struct {
	CarMake  string `json:"car_make"`
	CarModel string `json:"car_model"`
	Year     *int   `json:"year,omitempty"`
}

type CarReviewVideosResponse struct {
	Videos []ReviewVideo `json:"videos"`
	Error  string        `json:"error,omitempty"`
}

type ReviewVideo struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Thumbnail   string `json:"thumbnail"`
	URL         string `json:"url"`
}
