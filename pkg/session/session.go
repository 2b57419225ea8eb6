package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/inactivity"
)

var (
	ErrTurnInFlight = errors.New("a turn is already in flight")
	ErrEmptyMessage = errors.New("empty message")
	ErrClosed       = errors.New("session closed")
)

// Session owns the conversation state of one chat widget.
//
// All fields below mu are guarded by it. The session never calls into the
// inactivity monitor while holding mu, because the monitor consults the
// session's summary state under its own lock.
type Session struct {
	id        string
	backend   Backend
	notifier  Notifier
	archive   SummaryArchive
	grounding TimeGrounding
	now       func() time.Time
	greeting  string

	inactivityTimeout time.Duration
	afterFunc         inactivity.AfterFunc
	monitor           *inactivity.Monitor

	mu             sync.Mutex
	history        []backend.HistoryEntry
	messages       []Message
	conversationID string
	phase          Phase
	summaryState   SummaryState
	summary        *backend.Summary
	closed         bool
	seq            uint64

	bg sync.WaitGroup
}

type Option func(*Session)

func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Session) {
		s.notifier = n
	}
}

func WithSummaryArchive(a SummaryArchive) Option {
	return func(s *Session) {
		s.archive = a
	}
}

func WithTimeGrounding(g TimeGrounding) Option {
	return func(s *Session) {
		s.grounding = g
	}
}

// WithClock overrides the wall clock used for message timestamps and time grounding.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

func WithInactivityTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.inactivityTimeout = d
	}
}

// WithAfterFunc replaces the timer factory of the inactivity monitor.
func WithAfterFunc(f inactivity.AfterFunc) Option {
	return func(s *Session) {
		s.afterFunc = f
	}
}

// WithGreeting shows a bot message before the first turn. It is display-only
// and never enters the backend history.
func WithGreeting(text string) Option {
	return func(s *Session) {
		s.greeting = text
	}
}

func New(b Backend, opts ...Option) *Session {
	s := &Session{
		id:                uuid.NewString(),
		backend:           b,
		grounding:         DefaultTimeGrounding(),
		now:               time.Now,
		inactivityTimeout: inactivity.DefaultTimeout,
		phase:             PhaseIdle,
		summaryState:      SummaryNotRequested,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.grounding = s.grounding.Resolve()

	monitorOpts := []inactivity.Option{
		inactivity.WithName(s.id),
		inactivity.WithArmCondition(s.summaryNotRequested),
	}
	if s.afterFunc != nil {
		monitorOpts = append(monitorOpts, inactivity.WithAfterFunc(s.afterFunc))
	}
	s.monitor = inactivity.New(s.inactivityTimeout, s.onInactive, monitorOpts...)

	if s.greeting != "" {
		s.mu.Lock()
		s.appendMessageLocked(SenderBot, s.greeting)
		s.mu.Unlock()
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Snapshot returns a copy of the current state. Loading, ToolCallInProgress
// and InputEnabled are derived from the phase read in the same critical section.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		SessionID:          s.id,
		Seq:                s.seq,
		Phase:              s.phase,
		SummaryState:       s.summaryState,
		ConversationID:     s.conversationID,
		History:            backend.CloneHistory(s.history),
		Messages:           append([]Message(nil), s.messages...),
		Loading:            loadingFor(s.phase),
		ToolCallInProgress: toolCallInProgressFor(s.phase),
		InputEnabled:       s.phase == PhaseIdle && !s.closed,
	}
	if s.summary != nil {
		sum := *s.summary
		st.Summary = &sum
	}
	return st
}

// RecordActivity forwards a user activity signal (key press, pointer move,
// click) to the inactivity monitor.
func (s *Session) RecordActivity() {
	s.monitor.RecordActivity()
}

// InactivityArmed reports whether an inactivity timer is pending.
func (s *Session) InactivityArmed() bool {
	return s.monitor.Armed()
}

// Close tears the session down: the inactivity timer is canceled for good,
// further submissions fail and pending background summarization is awaited.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.monitor.Close()
	s.bg.Wait()
	log.Debug().Str("session_id", s.id).Msg("session closed")
}

func (s *Session) summaryNotRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryState == SummaryNotRequested && !s.closed
}

func (s *Session) appendMessageLocked(sender Sender, text string) Message {
	msg := Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Text:      text,
		Timestamp: s.now(),
	}
	s.messages = append(s.messages, msg)
	return msg
}

func (s *Session) newEventLocked(t EventType) Event {
	s.seq++
	return Event{
		ID:                 uuid.NewString(),
		Seq:                s.seq,
		Type:               t,
		SessionID:          s.id,
		Time:               s.now(),
		Phase:              s.phase,
		Loading:            loadingFor(s.phase),
		ToolCallInProgress: toolCallInProgressFor(s.phase),
	}
}

func (s *Session) messageEventLocked(msg Message) Event {
	ev := s.newEventLocked(EventMessageAppended)
	ev.Message = &msg
	return ev
}

// setPhaseLocked changes the phase and returns the matching event.
func (s *Session) setPhaseLocked(p Phase) Event {
	s.phase = p
	return s.newEventLocked(EventPhaseChanged)
}

func (s *Session) emit(evs ...Event) {
	if s.notifier == nil {
		return
	}
	for _, ev := range evs {
		if err := s.notifier.Notify(ev); err != nil {
			log.Warn().Err(err).Str("session_id", s.id).Str("event", string(ev.Type)).Msg("failed to publish session event")
		}
	}
}
