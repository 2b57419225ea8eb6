package session

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/backend"
)

// MinHistoryForSummary is the shortest history worth summarizing.
const MinHistoryForSummary = 2

type summaryRequest struct {
	history        []backend.HistoryEntry
	conversationID string
	reason         string
}

// TriggerSummary asks the backend for the end-of-conversation summary.
//
// It does nothing unless the session is open, the history has at least two
// entries and no summary was requested before; the check and the transition to requested happen in
// one critical section, so concurrent callers cannot both pass. A failed
// attempt still consumes the single summarization allowed per session. It
// reports whether a backend call was made.
func (s *Session) TriggerSummary(ctx context.Context) bool {
	req, ok := s.claimSummary("explicit", false)
	if !ok {
		return false
	}
	s.runSummary(ctx, req)
	return true
}

// claimSummary moves the summary to requested when the guard allows it. A
// background claim is registered with Close in the same critical section, so a
// closed session never ends up requested without a backend call.
func (s *Session) claimSummary(reason string, background bool) (summaryRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.history) < MinHistoryForSummary || s.summaryState != SummaryNotRequested {
		return summaryRequest{}, false
	}
	s.summaryState = SummaryRequested
	if background {
		s.bg.Add(1)
	}
	return summaryRequest{
		history:        backend.CloneHistory(s.history),
		conversationID: s.conversationID,
		reason:         reason,
	}, true
}

// requestSummaryAsync claims the summary synchronously and talks to the backend in the background.
func (s *Session) requestSummaryAsync() {
	req, ok := s.claimSummary("end_phrase", true)
	if !ok {
		return
	}
	go s.runClaimedSummary(req)
}

func (s *Session) onInactive() {
	req, ok := s.claimSummary("inactivity", true)
	if !ok {
		return
	}
	log.Info().Str("session_id", s.id).Dur("timeout", s.monitor.Timeout()).Msg("session inactive, requesting summary")
	go s.runClaimedSummary(req)
}

func (s *Session) runClaimedSummary(req summaryRequest) {
	defer s.bg.Done()
	s.runSummary(context.Background(), req)
}

func (s *Session) runSummary(ctx context.Context, req summaryRequest) {
	logger := log.With().Str("session_id", s.id).Str("reason", req.reason).Logger()

	var convID *string
	if req.conversationID != "" {
		id := req.conversationID
		convID = &id
	}
	resp, err := s.backend.Summarize(ctx, backend.SummarizeRequest{
		ConversationHistory: req.history,
		ConversationID:      convID,
	})
	if err != nil {
		// the summary stays requested; there is no second attempt
		logger.Warn().Err(err).Msg("summarization failed")
		return
	}
	logger.Info().Str("conversation_id", resp.Summary.ConversationID).Msg("summary delivered")
	s.deliverSummary(ctx, *resp.Summary)
}

// adoptServerSummary accepts a summary the backend generated on its own
// during a turn, as long as the client has not requested one yet.
func (s *Session) adoptServerSummary(ctx context.Context, sum *backend.Summary) {
	if sum == nil {
		return
	}
	s.mu.Lock()
	if s.summaryState != SummaryNotRequested {
		s.mu.Unlock()
		return
	}
	s.summaryState = SummaryRequested
	s.mu.Unlock()

	log.Info().Str("session_id", s.id).Str("conversation_id", sum.ConversationID).Msg("backend attached a summary to the turn")
	s.deliverSummary(ctx, *sum)
}

func (s *Session) deliverSummary(ctx context.Context, sum backend.Summary) {
	s.mu.Lock()
	if sum.ConversationID != "" {
		s.conversationID = sum.ConversationID
	}
	stored := sum
	s.summary = &stored
	s.summaryState = SummaryDelivered
	ev := s.newEventLocked(EventSummaryDelivered)
	evSum := sum
	ev.Summary = &evSum
	s.mu.Unlock()

	s.monitor.Disarm()
	s.emit(ev)

	if s.archive != nil {
		if err := s.archive.ArchiveSummary(ctx, s.id, sum); err != nil {
			log.Warn().Err(err).Str("session_id", s.id).Msg("failed to archive summary")
		}
	}
}
