package widget

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/events"
	"github.com/go-go-golems/chatwidget/pkg/session"
)

// SessionFactory builds a new session for id.
type SessionFactory func(id string) *session.Session

// Server hosts one bridge per widget session and routes websockets to it by
// the session_id query parameter. Connections without one start a new session.
type Server struct {
	bus          *events.Bus
	newSession   SessionFactory
	idleTeardown time.Duration

	mu      sync.Mutex
	bridges map[string]*Bridge
}

func NewServer(bus *events.Bus, factory SessionFactory, idleTeardown time.Duration) *Server {
	return &Server{
		bus:          bus,
		newSession:   factory,
		idleTeardown: idleTeardown,
		bridges:      map[string]*Bridge{},
	}
}

// Handler returns the HTTP routes: /ws, /api/sessions/{id} and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSnapshot)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	return mux
}

// GetOrCreate returns the bridge for id, creating the session when needed.
func (s *Server) GetOrCreate(id string) (*Bridge, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bridges[id]; ok {
		return b, nil
	}
	b, err := NewBridge(s.newSession(id), s.bus, s.idleTeardown, WithTeardown(s.forget))
	if err != nil {
		return nil, err
	}
	s.bridges[id] = b
	log.Info().Str("component", "widget").Str("session_id", id).Msg("created widget session")
	return b, nil
}

func (s *Server) Get(id string) (*Bridge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bridges[id]
	return b, ok
}

func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bridges)
}

func (s *Server) forget(id string) {
	s.mu.Lock()
	delete(s.bridges, id)
	s.mu.Unlock()
}

// Close tears down every bridge.
func (s *Server) Close() {
	s.mu.Lock()
	bridges := make([]*Bridge, 0, len(s.bridges))
	for _, b := range s.bridges {
		bridges = append(bridges, b)
	}
	s.mu.Unlock()
	for _, b := range bridges {
		b.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	b, err := s.GetOrCreate(req.URL.Query().Get("session_id"))
	if err != nil {
		log.Error().Err(err).Str("component", "widget").Msg("failed to create widget session")
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	b.ServeHTTP(w, req)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, req *http.Request) {
	b, ok := s.Get(req.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(b.Session().Snapshot())
}
