package widget

import (
	"encoding/json"

	"github.com/go-go-golems/chatwidget/pkg/session"
)

const (
	FrameSnapshot = "snapshot"
	FrameEvent    = "event"
	FrameError    = "error"

	InboundSubmit   = "submit"
	InboundActivity = "activity"
)

// Frame is what the bridge writes to the browser.
type Frame struct {
	Type  string         `json:"type"`
	Event *session.Event `json:"event,omitempty"`
	State *session.State `json:"state,omitempty"`
	Error string         `json:"error,omitempty"`
}

// InboundFrame is what the browser sends.
type InboundFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func encodeFrame(f Frame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		return nil
	}
	return b
}
