package stratum

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/erickytua/sugarmaker/pkg/log"
)

// SessionState tracks the downstream protocol lifecycle. Transitions are
// one-way: Connected -> Subscribed -> Authorized, in that order only.
type SessionState int

const (
	// StateConnected - transport established, no protocol progress yet
	StateConnected SessionState = iota
	// StateSubscribed - mining.subscribe completed
	StateSubscribed
	// StateAuthorized - mining.authorize completed
	StateAuthorized
)

// String returns string representation of the state
func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Counters is a snapshot of a session's share accounting.
type Counters struct {
	Submitted int64
	Accepted  int64
	Rejected  int64
}

// Session represents one downstream miner connection
type Session struct {
	id     string
	conn   MessageConn
	logger *log.Logger

	// Protocol state
	state       SessionState
	username    string
	workerName  string
	extraNonce1 string
	difficulty  float64

	// Share accounting
	counters Counters

	createdAt time.Time

	// Connection management
	readTimeout  time.Duration
	writeTimeout time.Duration

	// Channels for communication
	outbound chan []byte
	done     chan struct{}

	mu sync.RWMutex
}

// NewSession creates a new downstream session over an established transport
func NewSession(id string, conn MessageConn, logger *log.Logger, readTimeout, writeTimeout time.Duration) *Session {
	return &Session{
		id:           id,
		conn:         conn,
		logger:       logger.WithSession(id, conn.RemoteAddr()),
		state:        StateConnected,
		difficulty:   1.0,
		createdAt:    time.Now(),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, 100),
		done:         make(chan struct{}),
	}
}

// MessageHandler interface for handling Stratum messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}

// Start begins processing the session. It blocks until the connection
// closes or the context is canceled.
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.conn.RemoteAddr())

	go s.writeLoop(ctx)

	return s.readLoop(ctx, handler)
}

// readLoop handles incoming messages from the client
func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		if s.readTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
				s.logger.WithError(err).Error("failed to set read deadline")
				return err
			}
		}

		data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			s.logger.Info("client disconnected")
			return nil
		}

		s.logger.LogStratumMessage("received", string(data))

		msg, err := ParseMessage(data)
		if err != nil {
			// Malformed input is connection-local and non-fatal: reply
			// with a parse error and keep reading.
			s.logger.WithError(err).Warn("discarding unparseable message")
			if sendErr := s.SendError(nil, ErrorParseError, "Parse error"); sendErr != nil {
				s.logger.WithError(sendErr).Error("failed to send parse error")
			}
			continue
		}

		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Error("failed to handle message")
		}
	}
}

// writeLoop handles outbound messages to the client
func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if s.writeTimeout > 0 {
				if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
					s.logger.WithError(err).Error("failed to set write deadline")
					return
				}
			}

			if err := s.conn.WriteMessage(data); err != nil {
				s.logger.WithError(err).Error("failed to write message")
				return
			}

			s.logger.LogStratumMessage("sent", string(data))
		}
	}
}

// SendMessage queues a message for delivery to the client. Delivery to a
// slow client never blocks the caller; a full queue is an error.
func (s *Session) SendMessage(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
	}

	select {
	case s.outbound <- data:
		return nil
	default:
		return fmt.Errorf("outbound queue full")
	}
}

// SendResponse sends a response message
func (s *Session) SendResponse(id any, result any) error {
	return s.SendMessage(NewResponse(id, result))
}

// SendError sends an error response
func (s *Session) SendError(id any, code int, message string) error {
	return s.SendMessage(NewErrorResponse(id, code, message))
}

// SendNotification sends a notification message
func (s *Session) SendNotification(method string, params []any) error {
	return s.SendMessage(NewNotification(method, params))
}

// Close closes the session. Safe to call multiple times.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return
	default:
		close(s.done)
		s.logger.LogConnection("disconnected", s.conn.RemoteAddr())
	}
}

// Done returns a channel closed when the session shuts down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

// CreatedAt returns the session creation timestamp.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// State returns the current protocol state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// MarkSubscribed advances the session from Connected to Subscribed.
func (s *Session) MarkSubscribed(extraNonce1 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return fmt.Errorf("cannot subscribe from state %s", s.state)
	}
	s.state = StateSubscribed
	s.extraNonce1 = extraNonce1
	return nil
}

// MarkAuthorized advances the session from Subscribed to Authorized.
// Authorization is unreachable without a prior subscription.
func (s *Session) MarkAuthorized(username, workerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSubscribed {
		return fmt.Errorf("cannot authorize from state %s", s.state)
	}
	s.state = StateAuthorized
	s.username = username
	s.workerName = workerName
	return nil
}

// Username returns the authorized username.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// WorkerName returns the worker name for this session.
func (s *Session) WorkerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerName
}

// ExtraNonce1 returns the ExtraNonce1 value assigned at subscription.
func (s *Session) ExtraNonce1() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extraNonce1
}

// UpdateExtraNonce replaces the session's extranonce. Used when an upstream
// reconnect assigns a different one than the session subscribed with.
func (s *Session) UpdateExtraNonce(extraNonce1 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraNonce1 = extraNonce1
}

// Difficulty returns the difficulty assigned to this session.
func (s *Session) Difficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// SetDifficulty sets the difficulty for this session.
func (s *Session) SetDifficulty(difficulty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.difficulty = difficulty
}

// CountSubmitted records a submit attempt.
func (s *Session) CountSubmitted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Submitted++
}

// CountResult records the accept/reject outcome of a routed submit.
func (s *Session) CountResult(accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if accepted {
		s.counters.Accepted++
	} else {
		s.counters.Rejected++
	}
}

// Counters returns a snapshot of the session's share accounting.
func (s *Session) Counters() Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters
}
