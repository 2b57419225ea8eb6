package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/session"
)

const metadataEventType = "event_type"

// Notifier publishes session events on the session's topic.
type Notifier struct {
	pub message.Publisher
}

var _ session.Notifier = (*Notifier)(nil)

func NewNotifier(pub message.Publisher) *Notifier {
	return &Notifier{pub: pub}
}

func (n *Notifier) Notify(ev session.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal session event")
	}
	msg := message.NewMessage(ev.ID, payload)
	msg.Metadata.Set(metadataEventType, string(ev.Type))
	return errors.Wrapf(n.pub.Publish(TopicForSession(ev.SessionID), msg), "publish %s", ev.Type)
}

func DecodeEvent(payload []byte) (session.Event, error) {
	var ev session.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return session.Event{}, errors.Wrap(err, "decode session event")
	}
	if ev.Type == "" {
		return session.Event{}, errors.New("decode session event: missing type")
	}
	return ev, nil
}

// Consume acks and decodes every message on ch and hands it to handle until
// ch is closed or ctx is done. Undecodable messages are logged and skipped.
func Consume(ctx context.Context, ch <-chan *message.Message, handle func(session.Event) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			msg.Ack()

			ev, err := DecodeEvent(msg.Payload)
			if err != nil {
				log.Warn().Err(err).Str("component", "event_consumer").Msg("failed to decode event json")
				continue
			}
			if err := handle(ev); err != nil {
				log.Debug().Err(err).Str("session_id", ev.SessionID).Str("event", string(ev.Type)).Msg("event handler failed")
			}
		}
	}
}
