package stratum

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/erickytua/sugarmaker/pkg/log"
)

func testLogger() *log.Logger {
	return log.New("test", "dev", "error", "text")
}

// fakeConn is an in-memory MessageConn backed by channels.
type fakeConn struct {
	incoming chan []byte
	outgoing chan []byte

	mu     sync.Mutex
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		outgoing: make(chan []byte, 16),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	data, ok := <-c.incoming
	if !ok {
		return nil, net.ErrClosed
	}
	return data, nil
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.outgoing <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.incoming)
	}
	return nil
}

func (c *fakeConn) RemoteAddr() string               { return "fake:1234" }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) nextMessage(t *testing.T) *Message {
	t.Helper()
	select {
	case data := <-c.outgoing:
		msg, err := ParseMessage(data)
		if err != nil {
			t.Fatalf("wrote unparseable message: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

type recordingHandler struct {
	mu       sync.Mutex
	messages []*Message
}

func (h *recordingHandler) HandleMessage(_ context.Context, _ *Session, msg *Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func TestSessionStateTransitions(t *testing.T) {
	s := NewSession("s1", newFakeConn(), testLogger(), 0, 0)

	if s.State() != StateConnected {
		t.Fatalf("initial state = %s, want connected", s.State())
	}

	// Authorization before subscription must be refused.
	if err := s.MarkAuthorized("wallet", "worker1"); err == nil {
		t.Error("MarkAuthorized() succeeded before subscription")
	}

	if err := s.MarkSubscribed("ab12cd34"); err != nil {
		t.Fatalf("MarkSubscribed() error = %v", err)
	}
	if s.State() != StateSubscribed {
		t.Errorf("state = %s, want subscribed", s.State())
	}
	if s.ExtraNonce1() != "ab12cd34" {
		t.Errorf("ExtraNonce1() = %s", s.ExtraNonce1())
	}

	if err := s.MarkSubscribed("ffffffff"); err == nil {
		t.Error("MarkSubscribed() succeeded twice")
	}

	if err := s.MarkAuthorized("wallet", "worker1"); err != nil {
		t.Fatalf("MarkAuthorized() error = %v", err)
	}
	if s.State() != StateAuthorized {
		t.Errorf("state = %s, want authorized", s.State())
	}
	if s.Username() != "wallet" || s.WorkerName() != "worker1" {
		t.Errorf("identity = %s/%s", s.Username(), s.WorkerName())
	}

	if err := s.MarkAuthorized("other", "worker2"); err == nil {
		t.Error("MarkAuthorized() succeeded twice")
	}
}

func TestSessionDispatchesMessages(t *testing.T) {
	conn := newFakeConn()
	s := NewSession("s1", conn, testLogger(), 0, 0)
	handler := &recordingHandler{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(context.Background(), handler)
	}()

	conn.incoming <- []byte(`{"id":1,"method":"mining.subscribe","params":[]}`)
	conn.incoming <- []byte(`{"id":2,"method":"mining.authorize","params":["u","p"]}`)

	deadline := time.After(time.Second)
	for handler.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("handler saw %d messages, want 2", handler.count())
		case <-time.After(5 * time.Millisecond):
		}
	}

	conn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not stop after connection close")
	}
}

func TestSessionRepliesParseErrorAndKeepsReading(t *testing.T) {
	conn := newFakeConn()
	s := NewSession("s1", conn, testLogger(), 0, 0)
	handler := &recordingHandler{}

	go s.Start(context.Background(), handler)
	defer s.Close()

	conn.incoming <- []byte(`{"id":1,"meth`)

	reply := conn.nextMessage(t)
	if reply.Error == nil || reply.Error.Code != ErrorParseError {
		t.Fatalf("reply = %+v, want parse error", reply)
	}

	// The connection must survive the malformed line.
	conn.incoming <- []byte(`{"id":2,"method":"mining.subscribe","params":[]}`)
	deadline := time.After(time.Second)
	for handler.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("handler did not see the message after a parse error")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSessionSendHelpers(t *testing.T) {
	conn := newFakeConn()
	s := NewSession("s1", conn, testLogger(), 0, 0)

	go s.writeLoop(context.Background())
	defer s.Close()

	if err := s.SendResponse(7, true); err != nil {
		t.Fatalf("SendResponse() error = %v", err)
	}
	msg := conn.nextMessage(t)
	if msg.ID != float64(7) || msg.Result != true {
		t.Errorf("response = %+v", msg)
	}

	if err := s.SendError(8, ErrorStaleJob, "Job not found"); err != nil {
		t.Fatalf("SendError() error = %v", err)
	}
	msg = conn.nextMessage(t)
	if msg.Error == nil || msg.Error.Code != ErrorStaleJob {
		t.Errorf("error response = %+v", msg)
	}

	if err := s.SendNotification(MethodSetDifficulty, []any{16.0}); err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}
	msg = conn.nextMessage(t)
	if !msg.IsNotification() || msg.Method != MethodSetDifficulty {
		t.Errorf("notification = %+v", msg)
	}
}

func TestSessionNotificationWireFormatHasNullID(t *testing.T) {
	data, err := json.Marshal(NewNotification(MethodNotify, []any{"job-1"}))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if string(raw["id"]) != "null" {
		t.Errorf("notification id on the wire = %s, want null", raw["id"])
	}
}

func TestSessionSendAfterClose(t *testing.T) {
	s := NewSession("s1", newFakeConn(), testLogger(), 0, 0)
	s.Close()

	err := s.SendResponse(1, true)
	if err == nil {
		t.Error("SendResponse() succeeded on a closed session")
	}
	if errors.Is(err, net.ErrClosed) {
		t.Errorf("unexpected transport error: %v", err)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	s := NewSession("s1", newFakeConn(), testLogger(), 0, 0)
	s.Close()
	s.Close()

	select {
	case <-s.Done():
	default:
		t.Error("Done() not closed after Close()")
	}
}

func TestSessionCounters(t *testing.T) {
	s := NewSession("s1", newFakeConn(), testLogger(), 0, 0)

	s.CountSubmitted()
	s.CountSubmitted()
	s.CountSubmitted()
	s.CountResult(true)
	s.CountResult(false)
	s.CountResult(false)

	got := s.Counters()
	want := Counters{Submitted: 3, Accepted: 1, Rejected: 2}
	if got != want {
		t.Errorf("Counters() = %+v, want %+v", got, want)
	}
}

func TestSessionDifficulty(t *testing.T) {
	s := NewSession("s1", newFakeConn(), testLogger(), 0, 0)
	if s.Difficulty() != 1.0 {
		t.Errorf("default difficulty = %f, want 1", s.Difficulty())
	}
	s.SetDifficulty(32)
	if s.Difficulty() != 32 {
		t.Errorf("Difficulty() = %f, want 32", s.Difficulty())
	}
}
