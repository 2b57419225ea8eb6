package widget

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/events"
	"github.com/go-go-golems/chatwidget/pkg/session"
)

// Bridge connects one session to any number of browser websockets, such as
// the same widget open in several tabs. Session events arrive through the
// event bus and are fanned out to every connection.
type Bridge struct {
	session *session.Session
	pool    *ConnectionPool

	upgrader   websocket.Upgrader
	onTeardown func(sessionID string)

	ctx    context.Context
	cancel context.CancelFunc
	reader sync.WaitGroup
	turns  sync.WaitGroup

	closeOnce sync.Once
}

type BridgeOption func(*Bridge)

func WithUpgrader(u websocket.Upgrader) BridgeOption {
	return func(b *Bridge) {
		b.upgrader = u
	}
}

// WithTeardown registers a callback that runs after the bridge closed its session.
func WithTeardown(f func(sessionID string)) BridgeOption {
	return func(b *Bridge) {
		b.onTeardown = f
	}
}

// NewBridge subscribes to the session's topic on bus. When no connection is
// attached for idleTeardown, the session is closed; zero disables teardown.
func NewBridge(s *session.Session, bus *events.Bus, idleTeardown time.Duration, opts ...BridgeOption) (*Bridge, error) {
	if s == nil || bus == nil {
		return nil, errors.New("widget bridge: session and bus are required")
	}
	b := &Bridge{
		session: s,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.pool = NewConnectionPool(s.ID(), idleTeardown, func() {
		log.Info().Str("component", "widget").Str("session_id", s.ID()).Msg("no connections left, tearing session down")
		b.Close()
	})

	ch, err := bus.Subscribe(b.ctx, s.ID())
	if err != nil {
		b.cancel()
		return nil, err
	}
	b.reader.Add(1)
	go func() {
		defer b.reader.Done()
		events.Consume(b.ctx, ch, b.broadcast)
	}()

	b.pool.StartIdle()
	return b, nil
}

func (b *Bridge) Session() *session.Session { return b.session }

func (b *Bridge) Connections() int { return b.pool.Count() }

// broadcast fans an event out. The bus delivers asynchronously, so a
// connection that attached in between may already hold the event in its
// snapshot; the pool skips it there.
func (b *Bridge) broadcast(ev session.Event) error {
	b.pool.BroadcastAfter(ev.Seq, encodeFrame(Frame{Type: FrameEvent, Event: &ev}))
	return nil
}

func (b *Bridge) snapshotFrame() ([]byte, uint64) {
	st := b.session.Snapshot()
	return encodeFrame(Frame{Type: FrameSnapshot, State: &st}), st.Seq
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if b.ctx.Err() != nil {
		http.Error(w, "session closed", http.StatusGone)
		return
	}
	conn, err := b.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	b.Attach(conn)
}

// Attach serves an already upgraded connection. It returns when the
// connection's read loop ends.
func (b *Bridge) Attach(conn *websocket.Conn) {
	wsLog := log.With().
		Str("component", "widget").
		Str("remote", conn.RemoteAddr().String()).
		Str("session_id", b.session.ID()).
		Logger()

	b.pool.Add(conn, b.snapshotFrame)
	wsLog.Info().Msg("ws connected")
	defer wsLog.Info().Msg("ws disconnected")
	defer b.pool.Remove(conn)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			wsLog.Debug().Err(err).Msg("ws read loop end")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var in InboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			wsLog.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}
		b.handle(conn, in)
	}
}

func (b *Bridge) handle(conn Conn, in InboundFrame) {
	switch strings.ToLower(in.Type) {
	case InboundActivity:
		b.session.RecordActivity()
	case InboundSubmit:
		b.session.RecordActivity()
		b.turns.Add(1)
		// Submit blocks for the whole turn; the read loop keeps serving activity frames meanwhile.
		go func() {
			defer b.turns.Done()
			if err := b.session.Submit(b.ctx, in.Text); err != nil {
				b.pool.SendToOne(conn, encodeFrame(Frame{Type: FrameError, Error: err.Error()}))
			}
		}()
	default:
		log.Debug().Str("component", "widget").Str("type", in.Type).Msg("ignoring unknown frame type")
	}
}

// Close closes every connection, aborts a turn in flight and closes the session.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.pool.CloseAll()
		b.cancel()
		b.session.Close()
		b.turns.Wait()
		b.reader.Wait()
		if b.onTeardown != nil {
			b.onTeardown(b.session.ID())
		}
	})
}
