package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type ServerType string

const (
	CompetitionStart  ServerType = "COMPETITION_START"
	CompetitionUpdate ServerType = "COMPETITION_UPDATE"
	CompetitionEnd    ServerType = "COMPETITION_END"
	TaskPrepare       ServerType = "TASK_PREPARE"
	TaskStart         ServerType = "TASK_START"
	TaskUpdated       ServerType = "TASK_UPDATED"
	TaskEnd           ServerType = "TASK_END"
	Ping              ServerType = "PING"
)

type ClientType string

const (
	Ack        ClientType = "ACK"
	Register   ClientType = "REGISTER"
	Unregister ClientType = "UNREGISTER"
)

// ServerMessage only tells the client what changed; clients pull state.
type ServerMessage struct {
	RunID     string     `json:"runId"`
	Type      ServerType `json:"type"`
	Timestamp int64      `json:"timestamp"`
}

type ClientMessage struct {
	RunID string     `json:"runId"`
	Type  ClientType `json:"type"`
}

// Conn is one client transport. WriteMessage is only called from the
// session's writer goroutine.
type Conn interface {
	WriteMessage(ServerMessage) error
	Close() error
}

type Options struct {
	PingInterval   time.Duration
	MaxMissedPings int
	OutboxSize     int
	Now            func() time.Time
	Logger         *slog.Logger
}

func (o *Options) defaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 10 * time.Second
	}
	if o.MaxMissedPings <= 0 {
		o.MaxMissedPings = 3
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = 64
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Hub fans run notifications out to registered sessions. Delivery is fire
// and forget: a session whose outbox is full or whose write fails is
// dropped and must reconnect and pull.
type Hub struct {
	opts Options

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	runs     map[string]*runShard
}

type runShard struct {
	mu      sync.Mutex
	members map[*Session]struct{}
}

func NewHub(opts Options) *Hub {
	opts.defaults()
	return &Hub{
		opts:     opts,
		sessions: map[*Session]struct{}{},
		runs:     map[string]*runShard{},
	}
}

type Session struct {
	hub    *Hub
	conn   Conn
	out    chan ServerMessage
	done   chan struct{}
	once   sync.Once
	missed atomic.Int32

	mu     sync.Mutex
	runs   map[string]struct{}
	closed bool
}

// Attach starts the writer goroutine for conn and returns its session.
func (h *Hub) Attach(conn Conn) *Session {
	s := &Session{
		hub:  h,
		conn: conn,
		out:  make(chan ServerMessage, h.opts.OutboxSize),
		done: make(chan struct{}),
		runs: map[string]struct{}{},
	}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	go s.writeLoop()
	return s
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case m := <-s.out:
			if err := s.conn.WriteMessage(m); err != nil {
				s.hub.opts.Logger.Debug("live write failed", "err", err)
				s.Close()
				return
			}
		}
	}
}

func (s *Session) enqueue(m ServerMessage) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.out <- m:
		return true
	default:
		return false
	}
}

var errSessionClosed = errors.New("session closed")

// Handle applies one client message.
func (s *Session) Handle(m ClientMessage) error {
	switch m.Type {
	case Ack:
		s.missed.Store(0)
	case Register:
		if m.RunID == "" {
			return fmt.Errorf("register requires runId")
		}
		if !s.hub.register(s, m.RunID) {
			return errSessionClosed
		}
	case Unregister:
		s.hub.unregister(s, m.RunID)
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Close unregisters the session everywhere and closes its transport.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.hub.detach(s)
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Runs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.runs))
	for id := range s.runs {
		out = append(out, id)
	}
	return out
}

func (h *Hub) shard(runID string, create bool) *runShard {
	h.mu.RLock()
	sh, ok := h.runs[runID]
	h.mu.RUnlock()
	if ok || !create {
		return sh
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if sh, ok = h.runs[runID]; !ok {
		sh = &runShard{members: map[*Session]struct{}{}}
		h.runs[runID] = sh
	}
	return sh
}

// register adds s to runID unless s is already closed. s.mu is held across
// the shard insert so Close either sees the run or register sees closed.
func (h *Hub) register(s *Session, runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	sh := h.shard(runID, true)
	sh.mu.Lock()
	sh.members[s] = struct{}{}
	sh.mu.Unlock()
	s.runs[runID] = struct{}{}
	return true
}

func (h *Hub) unregister(s *Session, runID string) {
	if sh := h.shard(runID, false); sh != nil {
		sh.mu.Lock()
		delete(sh.members, s)
		sh.mu.Unlock()
	}
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
}

func (h *Hub) detach(s *Session) {
	for _, runID := range s.Runs() {
		h.unregister(s, runID)
	}
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}

// Broadcast queues a notification for every session registered to runID.
// Messages for one run reach each session in the order Broadcast was called.
func (h *Hub) Broadcast(runID string, typ ServerType, at time.Time) {
	if at.IsZero() {
		at = h.opts.Now()
	}
	sh := h.shard(runID, false)
	if sh == nil {
		return
	}
	m := ServerMessage{RunID: runID, Type: typ, Timestamp: at.UnixMilli()}
	var slow []*Session
	sh.mu.Lock()
	for s := range sh.members {
		if !s.enqueue(m) {
			slow = append(slow, s)
		}
	}
	sh.mu.Unlock()
	for _, s := range slow {
		h.opts.Logger.Warn("live outbox full, dropping session", "run_id", runID)
		s.Close()
	}
}

// DropRun forgets the registrations of a finished run.
func (h *Hub) DropRun(runID string) {
	h.mu.Lock()
	sh, ok := h.runs[runID]
	delete(h.runs, runID)
	h.mu.Unlock()
	if !ok {
		return
	}
	sh.mu.Lock()
	members := make([]*Session, 0, len(sh.members))
	for s := range sh.members {
		members = append(members, s)
	}
	sh.mu.Unlock()
	for _, s := range members {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
	}
}

func (h *Hub) Subscribers(runID string) int {
	sh := h.shard(runID, false)
	if sh == nil {
		return 0
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.members)
}

func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// PingAll sends one PING to every session and drops those that missed
// MaxMissedPings in a row.
func (h *Hub) PingAll() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	m := ServerMessage{Type: Ping, Timestamp: h.opts.Now().UnixMilli()}
	for _, s := range sessions {
		if int(s.missed.Load()) >= h.opts.MaxMissedPings {
			h.opts.Logger.Info("live session missed pings, dropping", "missed", s.missed.Load())
			s.Close()
			continue
		}
		s.missed.Add(1)
		if !s.enqueue(m) {
			s.Close()
		}
	}
}

// Run pings on the configured interval until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.PingAll()
		}
	}
}

// Shutdown closes every session.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		s.Close()
	}
}
