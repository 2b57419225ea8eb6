package summarystore

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/session"
)

// Record is one archived end-of-conversation summary.
type Record struct {
	SessionID      string          `json:"session_id" yaml:"session_id"`
	ConversationID string          `json:"conversation_id" yaml:"conversation_id"`
	StoredAtMs     int64           `json:"stored_at_ms" yaml:"stored_at_ms"`
	Summary        backend.Summary `json:"summary" yaml:"summary"`
}

// Store archives summaries delivered to sessions. A session has at most one
// record; saving again replaces it.
type Store interface {
	session.SummaryArchive

	Save(ctx context.Context, record Record) error
	// Get looks a record up by conversation id, then by session id.
	Get(ctx context.Context, id string) (Record, bool, error)
	// List returns the most recently stored records first.
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

const defaultListLimit = 200

func newRecord(sessionID string, sum backend.Summary, now time.Time) Record {
	return Record{
		SessionID:      sessionID,
		ConversationID: sum.ConversationID,
		StoredAtMs:     now.UnixMilli(),
		Summary:        sum,
	}
}

func normalizeRecord(r Record, now time.Time) Record {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.ConversationID = strings.TrimSpace(r.ConversationID)
	if r.ConversationID == "" {
		r.ConversationID = r.Summary.ConversationID
	}
	if r.StoredAtMs <= 0 {
		r.StoredAtMs = now.UnixMilli()
	}
	return r
}
