package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/inactivity"
)

type fakeBackend struct {
	mu sync.Mutex

	sendFn      func(req backend.SendMessageRequest) (*backend.SendMessageResponse, error)
	resolveFn   func(req backend.ResolveToolCallRequest) (*backend.ResolveToolCallResponse, error)
	summarizeFn func(req backend.SummarizeRequest) (*backend.SummarizeResponse, error)

	sends      []backend.SendMessageRequest
	resolves   []backend.ResolveToolCallRequest
	summarizes []backend.SummarizeRequest
}

func (f *fakeBackend) SendMessage(_ context.Context, req backend.SendMessageRequest) (*backend.SendMessageResponse, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	fn := f.sendFn
	f.mu.Unlock()
	if fn == nil {
		return echoReply(req), nil
	}
	return fn(req)
}

func (f *fakeBackend) ResolveToolCall(_ context.Context, req backend.ResolveToolCallRequest) (*backend.ResolveToolCallResponse, error) {
	f.mu.Lock()
	f.resolves = append(f.resolves, req)
	fn := f.resolveFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("unexpected tool call")
	}
	return fn(req)
}

func (f *fakeBackend) Summarize(_ context.Context, req backend.SummarizeRequest) (*backend.SummarizeResponse, error) {
	f.mu.Lock()
	f.summarizes = append(f.summarizes, req)
	fn := f.summarizeFn
	f.mu.Unlock()
	if fn == nil {
		return &backend.SummarizeResponse{Summary: &backend.Summary{ConversationID: "conv-1", Sentiment: "positive", Summary: "ok"}}, nil
	}
	return fn(req)
}

func (f *fakeBackend) counts() (sends, resolves, summarizes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends), len(f.resolves), len(f.summarizes)
}

// echoReply mimics the backend: it keeps the request history and appends an assistant entry.
func echoReply(req backend.SendMessageRequest) *backend.SendMessageResponse {
	h := backend.CloneHistory(req.ConversationHistory)
	h = append(h, backend.NewEntry(backend.RoleAssistant, "echo: "+req.Message))
	return &backend.SendMessageResponse{ChatResponse: "echo: " + req.Message, ConversationHistory: h}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type stoppedTimer struct{}

func (stoppedTimer) Stop() bool { return true }

// noTimers keeps real timers out of tests that do not exercise inactivity.
func noTimers(time.Duration, func()) inactivity.Timer { return stoppedTimer{} }

var fixedNow = time.Date(2025, 3, 14, 17, 30, 5, 0, time.UTC)

func newTestSession(t *testing.T, b Backend, opts ...Option) *Session {
	t.Helper()
	base := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithAfterFunc(noTimers),
	}
	s := New(b, append(base, opts...)...)
	t.Cleanup(s.Close)
	return s
}

func TestSubmit_SimpleTurnReplacesHistory(t *testing.T) {
	fb := &fakeBackend{}
	canonical := []backend.HistoryEntry{
		backend.NewEntry(backend.RoleSystem, "You are Patricia"),
		backend.NewEntry(backend.RoleUser, "hello"),
		backend.NewEntry(backend.RoleAssistant, "Hi! How can I help?"),
	}
	fb.sendFn = func(req backend.SendMessageRequest) (*backend.SendMessageResponse, error) {
		return &backend.SendMessageResponse{ChatResponse: "Hi! How can I help?", ConversationHistory: canonical}, nil
	}
	s := newTestSession(t, fb)

	require.NoError(t, s.Submit(context.Background(), "  hello "))

	st := s.Snapshot()
	require.Equal(t, PhaseIdle, st.Phase)
	require.True(t, st.InputEnabled)
	require.False(t, st.Loading)
	require.Equal(t, canonical, st.History)
	require.Len(t, st.Messages, 2)
	require.Equal(t, SenderUser, st.Messages[0].Sender)
	require.Equal(t, "hello", st.Messages[0].Text)
	require.Equal(t, SenderBot, st.Messages[1].Sender)
	require.Equal(t, "Hi! How can I help?", st.Messages[1].Text)
	require.NotEqual(t, st.Messages[0].ID, st.Messages[1].ID)
}

func TestSubmit_ComposesTurnWithTimeGrounding(t *testing.T) {
	fb := &fakeBackend{}
	s := newTestSession(t, fb)

	require.NoError(t, s.Submit(context.Background(), "first"))
	require.NoError(t, s.Submit(context.Background(), "second"))

	require.Len(t, fb.sends, 2)
	first := fb.sends[0]
	require.Equal(t, "first", first.Message)
	require.Len(t, first.ConversationHistory, 2)
	require.Equal(t, backend.RoleSystem, first.ConversationHistory[0].Role)
	require.True(t, strings.HasPrefix(first.ConversationHistory[0].Content, "Current time: "))
	require.Equal(t, backend.NewEntry(backend.RoleUser, "first"), first.ConversationHistory[1])

	// second turn = returned history of the first + grounding + user
	second := fb.sends[1]
	require.Len(t, second.ConversationHistory, 5)
	require.Equal(t, "echo: first", second.ConversationHistory[2].Content)
	require.Equal(t, backend.RoleSystem, second.ConversationHistory[3].Role)
	require.Equal(t, backend.NewEntry(backend.RoleUser, "second"), second.ConversationHistory[4])
}

func TestSubmit_RejectsEmptyInput(t *testing.T) {
	fb := &fakeBackend{}
	s := newTestSession(t, fb)

	require.ErrorIs(t, s.Submit(context.Background(), "   "), ErrEmptyMessage)
	sends, _, _ := fb.counts()
	require.Equal(t, 0, sends)
	require.Empty(t, s.Snapshot().Messages)
}

func TestSubmit_OnlyOneTurnInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	fb := &fakeBackend{}
	fb.sendFn = func(req backend.SendMessageRequest) (*backend.SendMessageResponse, error) {
		close(entered)
		<-release
		return echoReply(req), nil
	}
	s := newTestSession(t, fb)

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background(), "first") }()
	<-entered

	st := s.Snapshot()
	require.Equal(t, PhaseAwaitingChatResponse, st.Phase)
	require.True(t, st.Loading)
	require.False(t, st.InputEnabled)

	for i := 0; i < 10; i++ {
		require.ErrorIs(t, s.Submit(context.Background(), "again"), ErrTurnInFlight)
	}
	sends, _, _ := fb.counts()
	require.Equal(t, 1, sends)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, PhaseIdle, s.Snapshot().Phase)

	fb.mu.Lock()
	fb.sendFn = nil
	fb.mu.Unlock()
	require.NoError(t, s.Submit(context.Background(), "next"))
	sends, _, _ = fb.counts()
	require.Equal(t, 2, sends)
}

func TestSubmit_ToolCallTwoPhaseExchange(t *testing.T) {
	toolHistory := []backend.HistoryEntry{
		backend.NewEntry(backend.RoleUser, "What SUVs do you have under $30k?"),
		{Role: backend.RoleAssistant, Content: "Processing your request..."},
	}
	finalHistory := append(backend.CloneHistory(toolHistory),
		backend.NewEntry(backend.RoleTool, "[]"),
		backend.NewEntry(backend.RoleAssistant, "Here are 3 options..."),
	)

	inTool := make(chan State, 1)
	fb := &fakeBackend{}
	var s *Session
	fb.sendFn = func(req backend.SendMessageRequest) (*backend.SendMessageResponse, error) {
		return &backend.SendMessageResponse{ChatResponse: "Processing your request...", ConversationHistory: toolHistory, ToolCallDetected: true}, nil
	}
	fb.resolveFn = func(req backend.ResolveToolCallRequest) (*backend.ResolveToolCallResponse, error) {
		inTool <- s.Snapshot()
		return &backend.ResolveToolCallResponse{FinalResponse: "Here are 3 options...", FinalConversationHistory: finalHistory}, nil
	}
	rec := &recordingNotifier{}
	s = newTestSession(t, fb, WithNotifier(rec))

	require.NoError(t, s.Submit(context.Background(), "What SUVs do you have under $30k?"))

	mid := <-inTool
	require.Equal(t, PhaseAwaitingToolResult, mid.Phase)
	require.True(t, mid.ToolCallInProgress)
	require.True(t, mid.Loading)
	require.False(t, mid.InputEnabled)
	require.Equal(t, SearchingText, mid.Messages[len(mid.Messages)-1].Text)
	require.Equal(t, toolHistory, mid.History)

	require.Len(t, fb.resolves, 1)
	require.Equal(t, toolHistory, fb.resolves[0].ConversationHistory)

	st := s.Snapshot()
	require.Equal(t, PhaseIdle, st.Phase)
	require.False(t, st.ToolCallInProgress)
	require.Equal(t, finalHistory, st.History)
	require.Len(t, st.Messages, 3)
	require.Equal(t, "Here are 3 options...", st.Messages[2].Text)
	require.Equal(t, SenderBot, st.Messages[2].Sender)

	require.Equal(t, []EventType{
		EventMessageAppended, EventPhaseChanged, // user + awaiting chat
		EventMessageAppended, EventPhaseChanged, // searching + awaiting tool
		EventMessageAppended, EventPhaseChanged, // final + idle
	}, rec.types())
}

func TestSubmit_TransportFailureAppendsOneErrorMessage(t *testing.T) {
	fb := &fakeBackend{}
	fb.sendFn = func(req backend.SendMessageRequest) (*backend.SendMessageResponse, error) {
		return nil, &backend.StatusError{Op: "send message", Code: 500, Message: "boom"}
	}
	s := newTestSession(t, fb)

	require.NoError(t, s.Submit(context.Background(), "hi"))

	st := s.Snapshot()
	require.Equal(t, PhaseIdle, st.Phase)
	require.Len(t, st.Messages, 2)
	require.Equal(t, ErrorText, st.Messages[1].Text)
	require.Empty(t, st.History, "a failed turn must not touch the canonical history")
	sends, _, _ := fb.counts()
	require.Equal(t, 1, sends)
}

func TestSubmit_ToolResolutionFailureReturnsToIdle(t *testing.T) {
	toolHistory := []backend.HistoryEntry{
		backend.NewEntry(backend.RoleUser, "show me trucks"),
		backend.NewEntry(backend.RoleAssistant, "Processing your request..."),
	}
	fb := &fakeBackend{}
	fb.sendFn = func(req backend.SendMessageRequest) (*backend.SendMessageResponse, error) {
		return &backend.SendMessageResponse{ConversationHistory: toolHistory, ToolCallDetected: true}, nil
	}
	fb.resolveFn = func(req backend.ResolveToolCallRequest) (*backend.ResolveToolCallResponse, error) {
		return nil, errors.Wrap(backend.ErrMalformedResponse, "resolve tool call")
	}
	s := newTestSession(t, fb)

	require.NoError(t, s.Submit(context.Background(), "show me trucks"))

	st := s.Snapshot()
	require.Equal(t, PhaseIdle, st.Phase)
	require.False(t, st.ToolCallInProgress)
	require.Equal(t, []string{"show me trucks", SearchingText, ErrorText}, texts(st.Messages))
	require.Equal(t, toolHistory, st.History)
}

func TestSubmit_ClosedSessionRejectsInput(t *testing.T) {
	fb := &fakeBackend{}
	s := newTestSession(t, fb)
	s.Close()

	require.ErrorIs(t, s.Submit(context.Background(), "hi"), ErrClosed)
	require.False(t, s.Snapshot().InputEnabled)
}

func TestGreetingIsDisplayOnly(t *testing.T) {
	fb := &fakeBackend{}
	s := newTestSession(t, fb, WithGreeting("Hi, I'm Patricia."))

	st := s.Snapshot()
	require.Len(t, st.Messages, 1)
	require.Empty(t, st.History)

	require.NoError(t, s.Submit(context.Background(), "hello"))
	require.Len(t, fb.sends[0].ConversationHistory, 2)
}

func TestEndPhraseTriggersSingleSummary(t *testing.T) {
	fb := &fakeBackend{}
	rec := &recordingNotifier{}
	s := newTestSession(t, fb, WithNotifier(rec))

	require.NoError(t, s.Submit(context.Background(), "do you have a Rogue in blue?"))
	require.GreaterOrEqual(t, len(s.Snapshot().History), 2)
	require.Equal(t, SummaryNotRequested, s.Snapshot().SummaryState)

	require.NoError(t, s.Submit(context.Background(), "thanks, bye!"))
	require.Contains(t, []SummaryState{SummaryRequested, SummaryDelivered}, s.Snapshot().SummaryState)

	require.Eventually(t, func() bool {
		return s.Snapshot().SummaryState == SummaryDelivered
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Submit(context.Background(), "goodbye"))
	s.Close()

	_, _, summarizes := fb.counts()
	require.Equal(t, 1, summarizes)

	st := s.Snapshot()
	require.Equal(t, "conv-1", st.ConversationID)
	require.NotNil(t, st.Summary)
	require.Contains(t, rec.types(), EventSummaryDelivered)
}

func TestEventsAreSequencedAndSnapshotCarriesLastSeq(t *testing.T) {
	fb := &fakeBackend{}
	rec := &recordingNotifier{}
	s := newTestSession(t, fb, WithNotifier(rec))
	require.Equal(t, uint64(0), s.Snapshot().Seq)

	require.NoError(t, s.Submit(context.Background(), "hello"))

	rec.mu.Lock()
	evs := append([]Event(nil), rec.events...)
	rec.mu.Unlock()
	require.NotEmpty(t, evs)
	for i, ev := range evs {
		require.Equal(t, uint64(i+1), ev.Seq)
	}
	require.Equal(t, evs[len(evs)-1].Seq, s.Snapshot().Seq)
}

func TestEndPhraseAfterCloseLeavesSummaryUnrequested(t *testing.T) {
	fb := &fakeBackend{}
	s := newTestSession(t, fb)
	require.NoError(t, s.Submit(context.Background(), "do you have a Rogue in blue?"))

	release := make(chan struct{})
	entered := make(chan struct{})
	fb.mu.Lock()
	fb.sendFn = func(req backend.SendMessageRequest) (*backend.SendMessageResponse, error) {
		close(entered)
		<-release
		return echoReply(req), nil
	}
	fb.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background(), "ok goodbye") }()
	<-entered
	s.Close()
	close(release)
	require.NoError(t, <-done)

	_, _, summarizes := fb.counts()
	require.Equal(t, 0, summarizes)
	require.Equal(t, SummaryNotRequested, s.Snapshot().SummaryState)
	require.False(t, s.TriggerSummary(context.Background()))
}

func TestEndPhraseNotScannedAfterToolTurn(t *testing.T) {
	fb := &fakeBackend{}
	fb.sendFn = func(req backend.SendMessageRequest) (*backend.SendMessageResponse, error) {
		h := append(backend.CloneHistory(req.ConversationHistory), backend.NewEntry(backend.RoleAssistant, "Processing your request..."))
		return &backend.SendMessageResponse{ConversationHistory: h, ToolCallDetected: true}, nil
	}
	fb.resolveFn = func(req backend.ResolveToolCallRequest) (*backend.ResolveToolCallResponse, error) {
		h := append(backend.CloneHistory(req.ConversationHistory), backend.NewEntry(backend.RoleAssistant, "Here you go"))
		return &backend.ResolveToolCallResponse{FinalResponse: "Here you go", FinalConversationHistory: h}, nil
	}
	s := newTestSession(t, fb)

	require.NoError(t, s.Submit(context.Background(), "thanks, show me reviews of the Kicks"))
	s.Close()

	_, _, summarizes := fb.counts()
	require.Equal(t, 0, summarizes)
	require.Equal(t, SummaryNotRequested, s.Snapshot().SummaryState)
}

func TestTriggerSummary_GuardOnShortHistory(t *testing.T) {
	fb := &fakeBackend{}
	s := newTestSession(t, fb)

	require.False(t, s.TriggerSummary(context.Background()))
	_, _, summarizes := fb.counts()
	require.Equal(t, 0, summarizes)
	require.Equal(t, SummaryNotRequested, s.Snapshot().SummaryState)
}

func TestTriggerSummary_FailureConsumesBudget(t *testing.T) {
	fb := &fakeBackend{}
	fb.summarizeFn = func(req backend.SummarizeRequest) (*backend.SummarizeResponse, error) {
		return nil, errors.New("summary service down")
	}
	s := newTestSession(t, fb)
	require.NoError(t, s.Submit(context.Background(), "hi"))

	require.True(t, s.TriggerSummary(context.Background()))
	st := s.Snapshot()
	require.Equal(t, SummaryRequested, st.SummaryState)
	require.Nil(t, st.Summary)
	require.Len(t, st.Messages, 2, "summarization errors are never shown to the user")

	require.False(t, s.TriggerSummary(context.Background()))
	_, _, summarizes := fb.counts()
	require.Equal(t, 1, summarizes)
}

func TestTriggerSummary_PassesConversationID(t *testing.T) {
	fb := &fakeBackend{}
	s := newTestSession(t, fb)
	require.NoError(t, s.Submit(context.Background(), "hi"))

	require.True(t, s.TriggerSummary(context.Background()))
	require.Nil(t, fb.summarizes[0].ConversationID)
	require.Equal(t, s.Snapshot().History, fb.summarizes[0].ConversationHistory)
	require.Equal(t, "conv-1", s.Snapshot().ConversationID)
}

func TestTriggerSummary_ConcurrentCallersCallOnce(t *testing.T) {
	var calls atomic.Int32
	fb := &fakeBackend{}
	fb.summarizeFn = func(req backend.SummarizeRequest) (*backend.SummarizeResponse, error) {
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
		return &backend.SummarizeResponse{Summary: &backend.Summary{Summary: "s"}}, nil
	}
	s := newTestSession(t, fb)
	require.NoError(t, s.Submit(context.Background(), "hi"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				s.TriggerSummary(context.Background())
			} else {
				s.onInactive()
			}
		}()
	}
	wg.Wait()
	s.Close()

	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, SummaryDelivered, s.Snapshot().SummaryState)
}

func TestServerAttachedSummaryIsAdopted(t *testing.T) {
	fb := &fakeBackend{}
	fb.sendFn = func(req backend.SendMessageRequest) (*backend.SendMessageResponse, error) {
		resp := echoReply(req)
		resp.Summary = &backend.Summary{ConversationID: "srv-1", Summary: "wrapped up"}
		return resp, nil
	}
	s := newTestSession(t, fb)

	require.NoError(t, s.Submit(context.Background(), "that's all, thanks"))
	s.Close()

	st := s.Snapshot()
	require.Equal(t, SummaryDelivered, st.SummaryState)
	require.Equal(t, "srv-1", st.ConversationID)
	_, _, summarizes := fb.counts()
	require.Equal(t, 0, summarizes, "the end phrase must not request a second summary")
}

func texts(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}
