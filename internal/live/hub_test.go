package live

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   []ServerMessage
	got    chan ServerMessage
	closed chan struct{}
	once   sync.Once
	fail   bool
	block  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{got: make(chan ServerMessage, 256), closed: make(chan struct{})}
}

func (c *fakeConn) WriteMessage(m ServerMessage) error {
	if c.block != nil {
		<-c.block
	}
	if c.fail {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	c.got <- m
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) next(t *testing.T) ServerMessage {
	t.Helper()
	select {
	case m := <-c.got:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return ServerMessage{}
}

func (c *fakeConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("connection not closed")
	}
}

func TestBroadcastOrderedPerRun(t *testing.T) {
	hub := NewHub(Options{})
	conn := newFakeConn()
	s := hub.Attach(conn)
	defer s.Close()
	if err := s.Handle(ClientMessage{RunID: "r1", Type: Register}); err != nil {
		t.Fatalf("register: %v", err)
	}
	hub.Broadcast("r2", TaskStart, time.Time{})
	seq := []ServerType{CompetitionStart, TaskPrepare, TaskStart, TaskUpdated, TaskEnd, CompetitionEnd}
	for _, typ := range seq {
		hub.Broadcast("r1", typ, time.Time{})
	}
	for _, typ := range seq {
		m := conn.next(t)
		if m.Type != typ || m.RunID != "r1" {
			t.Fatalf("expected %s for r1, got %+v", typ, m)
		}
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub(Options{})
	conn := newFakeConn()
	s := hub.Attach(conn)
	defer s.Close()
	_ = s.Handle(ClientMessage{RunID: "r1", Type: Register})
	_ = s.Handle(ClientMessage{RunID: "r1", Type: Unregister})
	if hub.Subscribers("r1") != 0 {
		t.Fatalf("expected no subscribers")
	}
	if err := s.Handle(ClientMessage{Type: "HELLO"}); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestMissedPingsDropSession(t *testing.T) {
	hub := NewHub(Options{MaxMissedPings: 2})
	conn := newFakeConn()
	s := hub.Attach(conn)
	_ = s.Handle(ClientMessage{RunID: "r1", Type: Register})

	hub.PingAll()
	if m := conn.next(t); m.Type != Ping {
		t.Fatalf("expected PING, got %s", m.Type)
	}
	_ = s.Handle(ClientMessage{Type: Ack})
	hub.PingAll()
	hub.PingAll()
	conn.next(t)
	conn.next(t)
	hub.PingAll()
	conn.waitClosed(t)
	if hub.Sessions() != 0 || hub.Subscribers("r1") != 0 {
		t.Fatalf("dead session still registered")
	}
}

func TestFailedWriteDropsOnlyThatSession(t *testing.T) {
	hub := NewHub(Options{})
	bad := newFakeConn()
	bad.fail = true
	good := newFakeConn()
	sb := hub.Attach(bad)
	sg := hub.Attach(good)
	defer sg.Close()
	_ = sb.Handle(ClientMessage{RunID: "r1", Type: Register})
	_ = sg.Handle(ClientMessage{RunID: "r1", Type: Register})

	hub.Broadcast("r1", CompetitionUpdate, time.Time{})
	bad.waitClosed(t)
	if m := good.next(t); m.Type != CompetitionUpdate {
		t.Fatalf("expected update, got %s", m.Type)
	}
	if hub.Subscribers("r1") != 1 {
		t.Fatalf("expected one subscriber left, got %d", hub.Subscribers("r1"))
	}
}

func TestFullOutboxDropsSession(t *testing.T) {
	hub := NewHub(Options{OutboxSize: 1})
	conn := newFakeConn()
	conn.block = make(chan struct{})
	s := hub.Attach(conn)
	_ = s.Handle(ClientMessage{RunID: "r1", Type: Register})
	for i := 0; i < 4; i++ {
		hub.Broadcast("r1", CompetitionUpdate, time.Time{})
	}
	conn.waitClosed(t)
	close(conn.block)
	if hub.Subscribers("r1") != 0 {
		t.Fatalf("slow session should be unregistered")
	}
}

func TestRegisterAfterCloseIsRejected(t *testing.T) {
	hub := NewHub(Options{})
	conn := newFakeConn()
	s := hub.Attach(conn)
	s.Close()
	if err := s.Handle(ClientMessage{RunID: "r1", Type: Register}); !errors.Is(err, errSessionClosed) {
		t.Fatalf("expected session closed, got %v", err)
	}
	if hub.Subscribers("r1") != 0 || len(s.Runs()) != 0 {
		t.Fatalf("closed session must not be registered")
	}
}

func TestRegisterRacingCloseLeavesNoSubscriber(t *testing.T) {
	hub := NewHub(Options{})
	for i := 0; i < 200; i++ {
		s := hub.Attach(newFakeConn())
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Handle(ClientMessage{RunID: "r1", Type: Register})
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
		wg.Wait()
		if n := hub.Subscribers("r1"); n != 0 {
			t.Fatalf("round %d: closed session left %d subscribers", i, n)
		}
	}
}
