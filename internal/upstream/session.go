// Package upstream maintains the single client connection to the upstream
// Stratum pool: handshake, reconnection, job and difficulty intake, and
// request/reply correlation for routed share submissions.
package upstream

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/erickytua/sugarmaker/internal/jobs"
	"github.com/erickytua/sugarmaker/internal/stratum"
	"github.com/erickytua/sugarmaker/pkg/errors"
	"github.com/erickytua/sugarmaker/pkg/log"
	"github.com/erickytua/sugarmaker/pkg/retry"
)

// State represents the upstream link state
type State int

const (
	// StateDisconnected - no connection to the pool
	StateDisconnected State = iota
	// StateConnecting - dial in progress
	StateConnecting
	// StateSubscribing - connected, waiting for the subscribe reply
	StateSubscribing
	// StateAuthorizing - subscribed, waiting for the authorize reply
	StateAuthorizing
	// StateReady - handshake complete, shares can be routed
	StateReady
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateAuthorizing:
		return "authorizing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Dialer abstracts the TCP dial so tests can supply in-memory connections.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// NetDialer dials real TCP connections with a per-attempt timeout.
type NetDialer struct {
	Timeout time.Duration
}

// Dial connects to addr over TCP.
func (d *NetDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, "tcp", addr)
}

// SubmitResult is the pool's verdict on one routed share.
type SubmitResult struct {
	Accepted bool
	ErrCode  int
	ErrMsg   string
}

// Events receives upstream-originated state. Callbacks run on the session's
// read goroutine and must not block.
type Events interface {
	OnJob(job jobs.Job)
	OnDifficulty(difficulty float64)
	OnConnected()
	OnDisconnected()
}

// Config holds upstream session parameters
type Config struct {
	Addr             string
	Username         string
	Password         string
	UserAgent        string
	HandshakeTimeout time.Duration
	SubmitTimeout    time.Duration
	Reconnect        *retry.Config
	MaxMessageSize   int
}

// pendingRequest tracks one in-flight request awaiting the pool's reply.
type pendingRequest struct {
	originSessionID string
	method          string
	sentAt          time.Time
	deliver         func(*stratum.Message, error)
}

// Session is the single upstream pool connection. Run owns the connect,
// handshake and read lifecycle; Submit may be called from any goroutine.
type Session struct {
	cfg      Config
	dialer   Dialer
	events   Events
	registry *jobs.Registry
	logger   *log.Logger

	mu              sync.Mutex
	state           State
	conn            net.Conn
	msgConn         stratum.MessageConn
	nextID          uint64
	pending         map[uint64]*pendingRequest
	extraNonce1     string
	extraNonce2Size int
	difficulty      float64
}

// NewSession creates an upstream session. Run must be called to connect.
func NewSession(cfg Config, dialer Dialer, registry *jobs.Registry, events Events, logger *log.Logger) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = retry.ReconnectConfig(5 * time.Second)
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	return &Session{
		cfg:      cfg,
		dialer:   dialer,
		events:   events,
		registry: registry,
		logger:   logger.WithComponent("upstream"),
		state:    StateDisconnected,
		pending:  make(map[uint64]*pendingRequest),
	}
}

// State returns the current link state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether shares can currently be routed upstream.
func (s *Session) Ready() bool {
	return s.State() == StateReady
}

// ExtraNonce1 returns the extranonce assigned by the pool for the current
// connection, empty while disconnected.
func (s *Session) ExtraNonce1() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extraNonce1, s.extraNonce2Size
}

// Difficulty returns the last difficulty announced by the pool.
func (s *Session) Difficulty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.difficulty
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to {
		s.logger.LogUpstreamState(from.String(), to.String())
	}
}

// Run connects to the pool and keeps the link alive until the context is
// canceled. Each drop triggers exactly one reconnect loop with capped delay.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return ctx.Err()
		default:
		}

		if err := s.runOnce(ctx); err != nil {
			s.logger.WithError(err).Warn("upstream link lost")
		}
		if s.teardown() {
			attempt = 0
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := s.cfg.Reconnect.Delay(attempt)
		attempt++
		s.logger.Info("reconnecting to pool",
			"delay", delay.String(),
			"attempt", attempt,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce performs one full connection lifecycle: dial, handshake, read
// until the link drops.
func (s *Session) runOnce(ctx context.Context) error {
	s.setState(StateConnecting)

	conn, err := s.dialer.Dial(ctx, s.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "dial", "failed to dial pool").
			WithContext("addr", s.cfg.Addr)
	}

	msgConn := stratum.NewLineConn(conn, s.cfg.MaxMessageSize)
	s.mu.Lock()
	s.conn = conn
	s.msgConn = msgConn
	s.mu.Unlock()

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(ctx, msgConn)
	}()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.sweepLoop(sweepCtx)

	if err := s.handshake(ctx); err != nil {
		conn.Close()
		<-readErr
		return err
	}

	s.setState(StateReady)
	s.events.OnConnected()

	select {
	case <-ctx.Done():
		conn.Close()
		<-readErr
		return ctx.Err()
	case err := <-readErr:
		return err
	}
}

// handshake performs subscribe then authorize against the live read loop.
func (s *Session) handshake(ctx context.Context) error {
	s.setState(StateSubscribing)

	reply, err := s.call(ctx, stratum.MethodSubscribe, []any{s.cfg.UserAgent}, s.cfg.HandshakeTimeout)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeUpstream, "subscribe", "subscribe failed")
	}
	if reply.Error != nil {
		return errors.New(errors.ErrorTypeUpstream, "subscribe", reply.Error.Message)
	}
	en1, en2Size, err := parseSubscribeResult(reply.Result)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "subscribe", "malformed subscribe result")
	}
	s.mu.Lock()
	s.extraNonce1 = en1
	s.extraNonce2Size = en2Size
	s.mu.Unlock()

	s.setState(StateAuthorizing)

	reply, err = s.call(ctx, stratum.MethodAuthorize, []any{s.cfg.Username, s.cfg.Password}, s.cfg.HandshakeTimeout)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeUpstream, "authorize", "authorize failed")
	}
	if reply.Error != nil {
		return errors.New(errors.ErrorTypeUpstream, "authorize", reply.Error.Message)
	}
	if ok, _ := reply.Result.(bool); !ok {
		return errors.New(errors.ErrorTypeUpstream, "authorize", "pool refused worker credentials")
	}
	return nil
}

// parseSubscribeResult extracts extranonce1 and extranonce2_size from the
// [[subscriptions], extranonce1, extranonce2_size] reply shape.
func parseSubscribeResult(result any) (string, int, error) {
	arr, ok := result.([]any)
	if !ok || len(arr) < 3 {
		return "", 0, fmt.Errorf("subscribe result must be a 3-element array")
	}
	en1, ok := arr[1].(string)
	if !ok {
		return "", 0, fmt.Errorf("extranonce1 must be string")
	}
	size, ok := arr[2].(float64)
	if !ok {
		return "", 0, fmt.Errorf("extranonce2_size must be number")
	}
	return en1, int(size), nil
}

// call sends a request and blocks for its correlated reply.
func (s *Session) call(ctx context.Context, method string, params []any, timeout time.Duration) (*stratum.Message, error) {
	type outcome struct {
		msg *stratum.Message
		err error
	}
	ch := make(chan outcome, 1)

	if err := s.sendRequest("", method, params, func(msg *stratum.Message, err error) {
		ch <- outcome{msg: msg, err: err}
	}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-ch:
		return o.msg, o.err
	case <-time.After(timeout):
		return nil, errors.New(errors.ErrorTypeTimeout, method, "no reply from pool")
	}
}

// Submit routes one downstream share to the pool. The verdict is delivered
// asynchronously to exactly the originating session via deliver; a share that
// gets no reply within SubmitTimeout is delivered as a timeout error.
func (s *Session) Submit(req *stratum.SubmitRequest, originSessionID string, deliver func(SubmitResult, error)) error {
	if !s.Ready() {
		return errors.New(errors.ErrorTypeUpstream, "submit", "upstream not ready")
	}

	params := []any{s.cfg.Username, req.JobID, req.ExtraNonce2, req.NTime, req.Nonce}
	return s.sendRequest(originSessionID, stratum.MethodSubmit, params, func(msg *stratum.Message, err error) {
		if err != nil {
			deliver(SubmitResult{}, err)
			return
		}
		if msg.Error != nil {
			deliver(SubmitResult{Accepted: false, ErrCode: msg.Error.Code, ErrMsg: msg.Error.Message}, nil)
			return
		}
		accepted, _ := msg.Result.(bool)
		deliver(SubmitResult{Accepted: accepted}, nil)
	})
}

// sendRequest allocates a fresh local request id, registers the pending
// entry and writes the request. Pool-visible ids never reuse downstream ids.
// When a concurrent teardown already failed the pending entry, a failed
// write returns nil so exactly one verdict reaches the caller.
func (s *Session) sendRequest(originSessionID, method string, params []any, deliver func(*stratum.Message, error)) error {
	s.mu.Lock()
	if s.msgConn == nil {
		s.mu.Unlock()
		return errors.New(errors.ErrorTypeNetwork, method, "not connected")
	}
	s.nextID++
	id := s.nextID
	s.pending[id] = &pendingRequest{
		originSessionID: originSessionID,
		method:          method,
		sentAt:          time.Now(),
		deliver:         deliver,
	}
	msgConn := s.msgConn
	s.mu.Unlock()

	data, err := stratum.MarshalMessage(stratum.NewRequest(id, method, params))
	if err != nil {
		if s.takePending(id) == nil {
			// Teardown or the sweep got here first and delivered the verdict.
			return nil
		}
		return errors.Wrap(err, errors.ErrorTypeInternal, method, "failed to marshal request")
	}

	if err := msgConn.WriteMessage(data); err != nil {
		if s.takePending(id) == nil {
			return nil
		}
		return errors.Wrap(err, errors.ErrorTypeNetwork, method, "failed to write request")
	}

	s.logger.LogStratumMessage("sent", string(data))
	return nil
}

// takePending removes and returns the pending entry for id, if any.
func (s *Session) takePending(id uint64) *pendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[id]
	delete(s.pending, id)
	return p
}

// readLoop consumes pool messages until the connection drops.
func (s *Session) readLoop(ctx context.Context, msgConn stratum.MessageConn) error {
	for {
		data, err := msgConn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, errors.ErrorTypeNetwork, "read", "pool connection lost")
		}

		s.logger.LogStratumMessage("received", string(data))

		msg, err := stratum.ParseMessage(data)
		if err != nil {
			// A malformed line from the pool is dropped; the link stays up.
			s.logger.WithError(err).Warn("discarding malformed pool message")
			continue
		}

		switch {
		case msg.IsNotification():
			s.handleNotification(msg)
		case msg.IsResponse():
			s.handleResponse(msg)
		default:
			s.logger.Warn("ignoring unexpected pool message", "method", msg.Method)
		}
	}
}

// handleNotification processes mining.notify and mining.set_difficulty.
func (s *Session) handleNotification(msg *stratum.Message) {
	switch msg.Method {
	case stratum.MethodNotify:
		params, err := stratum.ParseNotifyParams(msg.Params)
		if err != nil {
			s.logger.WithError(err).Warn("discarding malformed mining.notify")
			return
		}
		job := s.registry.Set(jobs.Job{
			ID:           params.JobID,
			PrevHash:     params.PrevHash,
			Coinb1:       params.Coinb1,
			Coinb2:       params.Coinb2,
			MerkleBranch: params.MerkleBranch,
			Version:      params.Version,
			NBits:        params.NBits,
			NTime:        params.NTime,
			Clean:        params.CleanJobs,
		})
		s.events.OnJob(job)

	case stratum.MethodSetDifficulty:
		if len(msg.Params) < 1 {
			s.logger.Warn("discarding mining.set_difficulty without params")
			return
		}
		diff, ok := msg.Params[0].(float64)
		if !ok || diff <= 0 {
			s.logger.Warn("discarding mining.set_difficulty with invalid value", "value", msg.Params[0])
			return
		}
		s.mu.Lock()
		old := s.difficulty
		s.difficulty = diff
		s.mu.Unlock()
		s.logger.LogDifficultyChange(old, diff)
		s.events.OnDifficulty(diff)

	default:
		s.logger.Debug("ignoring pool notification", "method", msg.Method)
	}
}

// handleResponse correlates a pool reply to its pending request. A reply
// with no pending entry arrived after a timeout or reconnect and is dropped.
func (s *Session) handleResponse(msg *stratum.Message) {
	id, ok := responseID(msg.ID)
	if !ok {
		s.logger.Warn("discarding pool response with unusable id", "id", msg.ID)
		return
	}

	p := s.takePending(id)
	if p == nil {
		s.logger.Debug("dropping late pool response", "id", id)
		return
	}
	p.deliver(msg, nil)
}

// responseID normalizes the JSON-decoded reply id to the local counter type.
func responseID(raw any) (uint64, bool) {
	switch v := raw.(type) {
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, false
		}
		return uint64(v), true
	case string:
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	default:
		return 0, false
	}
}

// sweepLoop fails pending submits that never got a reply.
func (s *Session) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepPending(time.Now())
		}
	}
}

// sweepPending expires entries older than SubmitTimeout.
func (s *Session) sweepPending(now time.Time) {
	var expired []*pendingRequest
	s.mu.Lock()
	for id, p := range s.pending {
		if now.Sub(p.sentAt) >= s.cfg.SubmitTimeout {
			delete(s.pending, id)
			expired = append(expired, p)
		}
	}
	s.mu.Unlock()

	for _, p := range expired {
		s.logger.Warn("pending request timed out",
			"method", p.method,
			"origin_session", p.originSessionID,
		)
		p.deliver(nil, errors.New(errors.ErrorTypeTimeout, p.method, "no reply from pool"))
	}
}

// teardown closes the connection, fails all in-flight requests and resets
// per-connection state. Job IDs do not survive the connection, so the
// registry is cleared with it. The disconnect notification only goes out
// for links that reached Ready; a failed redial is not a new transition.
// Reports whether the link had been Ready.
func (s *Session) teardown() bool {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.msgConn = nil
	pending := s.pending
	s.pending = make(map[uint64]*pendingRequest)
	s.extraNonce1 = ""
	s.extraNonce2Size = 0
	wasReady := s.state == StateReady
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
		s.registry.Clear()
	}

	for _, p := range pending {
		p.deliver(nil, errors.New(errors.ErrorTypeUpstream, p.method, "pool connection lost"))
	}

	s.setState(StateDisconnected)
	if wasReady {
		s.events.OnDisconnected()
	}
	return wasReady
}
