package session

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/backend"
)

const (
	// ErrorText is the only thing a user ever sees of a failed turn.
	ErrorText = "Sorry, something went wrong. Please try again later."
	// SearchingText is shown while the backend resolves a tool call.
	SearchingText = "Searching our inventory, one moment..."
)

// EndPhrases close a conversation when the user's text contains one of them
// as whole words (case-insensitive).
var EndPhrases = []string{"goodbye", "bye", "thank you", "thanks", "end chat", "end conversation"}

var endPhrasePattern = compileEndPhrases(EndPhrases)

func compileEndPhrases(phrases []string) *regexp.Regexp {
	alts := make([]string, 0, len(phrases))
	for _, p := range phrases {
		words := strings.Fields(p)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		alts = append(alts, strings.Join(words, `\s+`))
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
}

// IsEndPhrase reports whether text contains one of EndPhrases.
func IsEndPhrase(text string) bool {
	return endPhrasePattern.MatchString(text)
}

// Submit runs one turn for text and blocks until the session is idle again.
//
// Backend failures never surface here: they turn into the fixed error
// message. Submit only fails when the call itself is invalid: empty text, a
// turn already in flight, or a closed session. In those cases no backend call
// is made.
func (s *Session) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.phase != PhaseIdle {
		s.mu.Unlock()
		return ErrTurnInFlight
	}
	userMsg := s.appendMessageLocked(SenderUser, text)
	turn := s.composeTurnLocked(text)
	evs := []Event{
		s.messageEventLocked(userMsg),
		s.setPhaseLocked(PhaseAwaitingChatResponse),
	}
	s.mu.Unlock()

	s.emit(evs...)
	s.monitor.RecordActivity()

	logger := log.With().Str("session_id", s.id).Logger()
	logger.Info().Int("history_len", len(turn)).Msg("dispatching turn")

	resp, err := s.backend.SendMessage(ctx, backend.SendMessageRequest{
		Message:             text,
		ConversationHistory: turn,
	})
	if err != nil {
		s.failTurn(err, PhaseAwaitingChatResponse)
		return nil
	}

	if !resp.ToolCallDetected {
		s.completeTurn(resp.ChatResponse, resp.ConversationHistory)
		s.adoptServerSummary(ctx, resp.Summary)
		if IsEndPhrase(text) {
			logger.Info().Msg("end of conversation phrase detected")
			s.requestSummaryAsync()
		}
		s.monitor.RecordActivity()
		return nil
	}

	history := s.enterToolPhase(resp.ConversationHistory)
	logger.Info().Msg("tool call detected, resolving")

	resolved, err := s.backend.ResolveToolCall(ctx, backend.ResolveToolCallRequest{
		ConversationHistory: history,
	})
	if err != nil {
		s.failTurn(err, PhaseAwaitingToolResult)
		return nil
	}

	s.completeTurn(resolved.FinalResponse, resolved.FinalConversationHistory)
	s.adoptServerSummary(ctx, resolved.Summary)
	s.monitor.RecordActivity()
	return nil
}

// composeTurnLocked builds the outgoing history: canonical history, then the
// time grounding entry, then the new user entry.
func (s *Session) composeTurnLocked(text string) []backend.HistoryEntry {
	turn := make([]backend.HistoryEntry, 0, len(s.history)+2)
	turn = append(turn, s.history...)
	turn = append(turn, s.grounding.Entry(s.now()))
	turn = append(turn, backend.NewEntry(backend.RoleUser, text))
	return turn
}

// enterToolPhase records the tool-call response and returns the history to resolve against.
func (s *Session) enterToolPhase(history []backend.HistoryEntry) []backend.HistoryEntry {
	s.mu.Lock()
	s.history = backend.CloneHistory(history)
	interim := s.appendMessageLocked(SenderBot, SearchingText)
	evs := []Event{
		s.messageEventLocked(interim),
		s.setPhaseLocked(PhaseAwaitingToolResult),
	}
	out := backend.CloneHistory(s.history)
	s.mu.Unlock()

	s.emit(evs...)
	return out
}

func (s *Session) completeTurn(reply string, history []backend.HistoryEntry) {
	s.mu.Lock()
	s.history = backend.CloneHistory(history)
	msg := s.appendMessageLocked(SenderBot, reply)
	evs := []Event{
		s.messageEventLocked(msg),
		s.setPhaseLocked(PhaseIdle),
	}
	s.mu.Unlock()

	s.emit(evs...)
}

// failTurn handles any transport or decoding failure: one error message, back to idle.
func (s *Session) failTurn(err error, during Phase) {
	log.Error().Err(err).Str("session_id", s.id).Str("phase", string(during)).Msg("turn failed")

	s.mu.Lock()
	msg := s.appendMessageLocked(SenderBot, ErrorText)
	evs := []Event{
		s.messageEventLocked(msg),
		s.setPhaseLocked(PhaseIdle),
	}
	s.mu.Unlock()

	s.emit(evs...)
	s.monitor.RecordActivity()
}
