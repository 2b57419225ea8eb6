package summarystore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatwidget/pkg/backend"
)

// InMemoryStore keeps summaries for the lifetime of the process.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: map[string]Record{}}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) ArchiveSummary(ctx context.Context, sessionID string, sum backend.Summary) error {
	return s.Save(ctx, newRecord(sessionID, sum, time.Now()))
}

func (s *InMemoryStore) Save(_ context.Context, record Record) error {
	if s == nil {
		return errors.New("in-memory summary store: nil store")
	}
	record = normalizeRecord(record, time.Now())
	if record.SessionID == "" {
		return errors.New("in-memory summary store: sessionID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.SessionID] = record
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Record, bool, error) {
	if s == nil {
		return Record{}, false, errors.New("in-memory summary store: nil store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, false, errors.New("in-memory summary store: id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ConversationID == id {
			return r, true, nil
		}
	}
	r, ok := s.records[id]
	return r, ok, nil
}

func (s *InMemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	if s == nil {
		return nil, errors.New("in-memory summary store: nil store")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StoredAtMs != out[j].StoredAtMs {
			return out[i].StoredAtMs > out[j].StoredAtMs
		}
		return out[i].SessionID < out[j].SessionID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
