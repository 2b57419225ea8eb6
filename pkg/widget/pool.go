package widget

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const defaultWriteTimeout = 5 * time.Second

// Conn is the part of *websocket.Conn the pool writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnectionPool holds the websocket connections viewing one session.
// It centralizes broadcasting, write failures and idle detection. When the
// last connection leaves and none returns within idleTimeout, onIdle runs once.
type ConnectionPool struct {
	sessionID    string
	mu           sync.Mutex
	conns        map[Conn]uint64
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	writeTimeout time.Duration
	onIdle       func()
}

func NewConnectionPool(sessionID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		sessionID:    sessionID,
		conns:        map[Conn]uint64{},
		idleTimeout:  idleTimeout,
		writeTimeout: defaultWriteTimeout,
		onIdle:       onIdle,
	}
}

// Hello builds the first frame of a connection and the sequence number of the
// last event it already reflects.
type Hello func() (frame []byte, seq uint64)

// Add registers conn and sends it hello() as its first frame. hello is
// computed under the pool lock, so no broadcast can slip in between. Events
// broadcast with BroadcastAfter at or below the returned seq are skipped for
// this connection.
func (cp *ConnectionPool) Add(conn Conn, hello Hello) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.conns[conn] = 0
	cp.stopIdleTimerLocked()
	if hello != nil {
		frame, seq := hello()
		cp.conns[conn] = seq
		cp.writeLocked(conn, frame)
	}
}

func (cp *ConnectionPool) Remove(conn Conn) {
	if cp == nil || conn == nil {
		_ = closeConn(conn)
		return
	}
	cp.mu.Lock()
	delete(cp.conns, conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	_ = closeConn(conn)
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		cp.writeLocked(conn, data)
	}
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

// BroadcastAfter sends the frame of event seq to the connections whose hello
// frame did not include it yet.
func (cp *ConnectionPool) BroadcastAfter(seq uint64, data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	for conn, seen := range cp.conns {
		if seq <= seen {
			continue
		}
		cp.conns[conn] = seq
		cp.writeLocked(conn, data)
	}
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) SendToOne(conn Conn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; !ok {
		return
	}
	cp.writeLocked(conn, data)
}

func (cp *ConnectionPool) writeLocked(conn Conn, data []byte) {
	if len(data) == 0 {
		return
	}
	if cp.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Err(err).Str("component", "widget").Str("session_id", cp.sessionID).Msg("ws send failed, dropping connection")
		delete(cp.conns, conn)
		_ = closeConn(conn)
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

// StartIdle arms the idle timer if the pool is empty. A bridge calls it
// right after creation so a session nobody connects to is still reaped.
func (cp *ConnectionPool) StartIdle() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		_ = closeConn(conn)
		delete(cp.conns, conn)
	}
	cp.stopIdleTimerLocked()
	cp.onIdle = nil
	cp.mu.Unlock()
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	if cp.idleTimer != nil {
		// already counting down since the last connection left
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	if cp == nil {
		return
	}
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
		cp.onIdle = nil
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}

func closeConn(conn Conn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}
