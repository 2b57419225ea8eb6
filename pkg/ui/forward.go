package ui

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/events"
	"github.com/go-go-golems/chatwidget/pkg/session"
)

// EventMsg carries a session event into the bubbletea program.
type EventMsg struct {
	Event session.Event
}

// Sender is the part of *tea.Program the forwarder needs.
type Sender interface {
	Send(msg tea.Msg)
}

// ForwardFunc forwards watermill messages to the UI by transforming them
// into bubbletea messages and injecting them into the program p.
func ForwardFunc(p Sender) func(msg *message.Message) error {
	return func(msg *message.Message) error {
		msg.Ack()

		ev, err := events.DecodeEvent(msg.Payload)
		if err != nil {
			log.Error().Err(err).Str("payload", string(msg.Payload)).Msg("Failed to parse event")
			return err
		}
		log.Debug().Str("event", string(ev.Type)).Str("session_id", ev.SessionID).Msg("Dispatching event to UI")
		p.Send(EventMsg{Event: ev})
		return nil
	}
}

// Run feeds every message of ch to forward until ch is closed or ctx is done.
func Run(ctx context.Context, ch <-chan *message.Message, forward func(*message.Message) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			// decode errors are logged by forward and must not stop the program
			_ = forward(msg)
		}
	}
}
