// Package proxy bridges downstream miner sessions to the single upstream
// pool link: session acceptance over TCP and WebSocket, the downstream
// protocol handler, job and difficulty fan-out, and submit routing.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/erickytua/sugarmaker/internal/jobs"
	"github.com/erickytua/sugarmaker/internal/messaging"
	"github.com/erickytua/sugarmaker/internal/stratum"
	"github.com/erickytua/sugarmaker/internal/telemetry"
	"github.com/erickytua/sugarmaker/internal/upstream"
	"github.com/erickytua/sugarmaker/pkg/log"
)

// SubmitRouter is the upstream surface the manager needs. Satisfied by
// *upstream.Session; tests substitute a fake.
type SubmitRouter interface {
	Ready() bool
	ExtraNonce1() (string, int)
	Difficulty() float64
	Submit(req *stratum.SubmitRequest, originSessionID string, deliver func(upstream.SubmitResult, error)) error
}

// ManagerConfig holds downstream session manager parameters
type ManagerConfig struct {
	UpstreamAddr      string
	DefaultDifficulty float64
	ExtraNonce2Size   int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int
}

// Manager accepts and runs downstream miner sessions and routes their
// shares to the upstream link.
type Manager struct {
	cfg       ManagerConfig
	router    SubmitRouter
	registry  *jobs.Registry
	publisher messaging.Publisher
	recorder  telemetry.Recorder
	logger    *log.Logger

	mu       sync.RWMutex
	sessions map[string]*stratum.Session

	sessionSeq       atomic.Uint64
	lifetimeSessions atomic.Int64
	sharesSubmitted  atomic.Int64
	sharesAccepted   atomic.Int64
	sharesRejected   atomic.Int64
}

// NewManager creates a downstream session manager.
func NewManager(cfg ManagerConfig, router SubmitRouter, registry *jobs.Registry, publisher messaging.Publisher, recorder telemetry.Recorder, logger *log.Logger) *Manager {
	if cfg.DefaultDifficulty <= 0 {
		cfg.DefaultDifficulty = 1
	}
	if cfg.ExtraNonce2Size <= 0 {
		cfg.ExtraNonce2Size = 4
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	return &Manager{
		cfg:       cfg,
		router:    router,
		registry:  registry,
		publisher: publisher,
		recorder:  recorder,
		logger:    logger.WithComponent("proxy"),
		sessions:  make(map[string]*stratum.Session),
	}
}

// ServeTCP accepts plain TCP miner connections until the listener closes or
// the context is canceled.
func (m *Manager) ServeTCP(ctx context.Context, ln net.Listener) error {
	m.logger.Info("accepting tcp miners", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go m.runSession(ctx, stratum.NewLineConn(conn, m.cfg.MaxMessageSize))
	}
}

// WebSocketHandler upgrades browser miner connections. The bridge exists
// because browsers cannot open raw TCP sockets, so origin checks stay open.
func (m *Manager) WebSocketHandler(ctx context.Context) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsc, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.logger.WithError(err).Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr)
			return
		}
		go m.runSession(ctx, stratum.NewWebSocketConn(wsc))
	})
}

// ServeConn runs one downstream session over an established transport.
// Blocks until the session ends.
func (m *Manager) ServeConn(ctx context.Context, conn stratum.MessageConn) {
	m.runSession(ctx, conn)
}

// runSession registers, runs and deregisters one downstream session.
func (m *Manager) runSession(ctx context.Context, conn stratum.MessageConn) {
	id := fmt.Sprintf("sess-%d", m.sessionSeq.Add(1))
	session := stratum.NewSession(id, conn, m.logger, m.cfg.ReadTimeout, m.cfg.WriteTimeout)

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()
	m.lifetimeSessions.Add(1)

	defer func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		session.Close()
		m.recorder.RecordSessionGone(context.Background(), id)
	}()

	if err := session.Start(ctx, m); err != nil && ctx.Err() == nil {
		m.logger.WithSession(id, conn.RemoteAddr()).WithError(err).Debug("session ended with error")
	}
}

// HandleMessage dispatches one downstream request.
func (m *Manager) HandleMessage(ctx context.Context, session *stratum.Session, msg *stratum.Message) error {
	if !msg.IsRequest() {
		// Downstream clients only issue requests; anything else is noise.
		return session.SendError(msg.ID, stratum.ErrorInvalidRequest, "Invalid request")
	}

	switch msg.Method {
	case stratum.MethodSubscribe:
		return m.handleSubscribe(session, msg)
	case stratum.MethodAuthorize:
		return m.handleAuthorize(session, msg)
	case stratum.MethodSubmit:
		return m.handleSubmit(ctx, session, msg)
	default:
		return session.SendError(msg.ID, stratum.ErrorMethodNotFound, "Method not found")
	}
}

// handleSubscribe completes the subscription and immediately delivers the
// current difficulty and job, so no client waits for the next rotation.
func (m *Manager) handleSubscribe(session *stratum.Session, msg *stratum.Message) error {
	if _, err := stratum.ParseSubscribeRequest(msg.Params); err != nil {
		return session.SendError(msg.ID, stratum.ErrorInvalidParams, "Invalid params")
	}

	extraNonce1, en2Size := m.subscriptionExtraNonce(session.ID())
	if err := session.MarkSubscribed(extraNonce1); err != nil {
		return session.SendError(msg.ID, stratum.ErrorOther, "Already subscribed")
	}

	result := []any{
		[]any{[]any{"mining.set_difficulty", session.ID()}, []any{"mining.notify", session.ID()}},
		extraNonce1,
		en2Size,
	}
	if err := session.SendResponse(msg.ID, result); err != nil {
		return err
	}

	m.deliverCurrentWork(session)
	return nil
}

// subscriptionExtraNonce prefers the pool-assigned extranonce so routed
// shares search the space the pool carved out. Sessions subscribing while
// the link is down get a bridge-local placeholder.
func (m *Manager) subscriptionExtraNonce(sessionID string) (string, int) {
	if en1, size := m.router.ExtraNonce1(); en1 != "" {
		return en1, size
	}
	return fmt.Sprintf("%08x", m.sessionSeq.Load()), m.cfg.ExtraNonce2Size
}

// deliverCurrentWork pushes difficulty then the current job to a freshly
// subscribed session.
func (m *Manager) deliverCurrentWork(session *stratum.Session) {
	diff := m.currentDifficulty()
	session.SetDifficulty(diff)
	if err := session.SendNotification(stratum.MethodSetDifficulty, []any{diff}); err != nil {
		m.logger.WithError(err).Debug("failed to send initial difficulty", "session_id", session.ID())
	}

	job, ok := m.registry.Current()
	if !ok {
		return
	}
	if err := session.SendNotification(stratum.MethodNotify, notifyParams(job)); err != nil {
		m.logger.WithError(err).Debug("failed to send initial job", "session_id", session.ID())
	}
}

func (m *Manager) currentDifficulty() float64 {
	if d := m.router.Difficulty(); d > 0 {
		return d
	}
	return m.cfg.DefaultDifficulty
}

// handleAuthorize requires a prior subscription and records the miner's
// identity. Credentials are opaque to the bridge.
func (m *Manager) handleAuthorize(session *stratum.Session, msg *stratum.Message) error {
	req, err := stratum.ParseAuthorizeRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, stratum.ErrorInvalidParams, "Invalid params")
	}

	if session.State() == stratum.StateConnected {
		return session.SendError(msg.ID, stratum.ErrorNotSubscribed, "Not subscribed")
	}

	username, worker := splitWorker(req.Username)
	if err := session.MarkAuthorized(username, worker); err != nil {
		return session.SendError(msg.ID, stratum.ErrorOther, "Already authorized")
	}

	m.logger.WithWorker(username, worker).Info("miner authorized", "session_id", session.ID())
	return session.SendResponse(msg.ID, true)
}

// splitWorker separates a wallet.worker login into its parts.
func splitWorker(login string) (string, string) {
	if i := strings.IndexByte(login, '.'); i >= 0 {
		return login[:i], login[i+1:]
	}
	return login, ""
}

// handleSubmit validates a share and routes it upstream. The verdict comes
// back asynchronously and is delivered to this session only.
func (m *Manager) handleSubmit(ctx context.Context, session *stratum.Session, msg *stratum.Message) error {
	if session.State() != stratum.StateAuthorized {
		return session.SendError(msg.ID, stratum.ErrorUnauthorized, "Unauthorized")
	}

	session.CountSubmitted()
	m.sharesSubmitted.Add(1)

	req, err := stratum.ParseSubmitRequest(msg.Params)
	if err != nil {
		m.countReject(session)
		return session.SendError(msg.ID, stratum.ErrorInvalidParams, "Invalid params")
	}

	if _, err := stratum.ParseNonceHex(req.Nonce); err != nil {
		m.countReject(session)
		m.finishShare(ctx, session, req, false, stratum.ErrorInvalidNonce, "Invalid nonce", 0)
		return session.SendError(msg.ID, stratum.ErrorInvalidNonce, "Invalid nonce")
	}

	if !m.registry.IsAcceptable(req.JobID) {
		m.countReject(session)
		m.finishShare(ctx, session, req, false, stratum.ErrorStaleJob, "Job not found", 0)
		return session.SendError(msg.ID, stratum.ErrorStaleJob, "Job not found")
	}

	if !m.router.Ready() {
		m.countReject(session)
		return session.SendError(msg.ID, stratum.ErrorUpstreamDown, "Upstream unavailable")
	}

	sentAt := time.Now()
	replyID := msg.ID
	err = m.router.Submit(req, session.ID(), func(res upstream.SubmitResult, err error) {
		latency := float64(time.Since(sentAt).Milliseconds())

		if err != nil {
			m.countReject(session)
			m.finishShare(ctx, session, req, false, stratum.ErrorUpstreamDown, err.Error(), latency)
			if sendErr := session.SendError(replyID, stratum.ErrorUpstreamDown, "Upstream unavailable"); sendErr != nil {
				m.logger.Debug("dropping verdict for closed session", "session_id", session.ID())
			}
			return
		}

		if res.Accepted {
			session.CountResult(true)
			m.sharesAccepted.Add(1)
			m.finishShare(ctx, session, req, true, 0, "", latency)
			if sendErr := session.SendResponse(replyID, true); sendErr != nil {
				m.logger.Debug("dropping verdict for closed session", "session_id", session.ID())
			}
			return
		}

		m.countReject(session)
		m.finishShare(ctx, session, req, false, res.ErrCode, res.ErrMsg, latency)
		if sendErr := session.SendError(replyID, res.ErrCode, res.ErrMsg); sendErr != nil {
			m.logger.Debug("dropping verdict for closed session", "session_id", session.ID())
		}
	})
	if err != nil {
		m.countReject(session)
		return session.SendError(msg.ID, stratum.ErrorUpstreamDown, "Upstream unavailable")
	}
	return nil
}

func (m *Manager) countReject(session *stratum.Session) {
	session.CountResult(false)
	m.sharesRejected.Add(1)
}

// finishShare logs, publishes and records one share verdict off the hot path.
func (m *Manager) finishShare(ctx context.Context, session *stratum.Session, req *stratum.SubmitRequest, accepted bool, errCode int, errMsg string, latencyMs float64) {
	m.logger.LogShareResult(session.ID(), req.JobID, accepted, latencyMs)
	m.recorder.RecordShare(ctx, session.ID(), req.JobID, accepted, session.Difficulty(), latencyMs)

	ev := messaging.ShareEvent{
		SessionID:   session.ID(),
		Username:    session.Username(),
		WorkerName:  session.WorkerName(),
		JobID:       req.JobID,
		Nonce:       req.Nonce,
		NTime:       req.NTime,
		ExtraNonce2: req.ExtraNonce2,
		Accepted:    accepted,
		ErrorCode:   errCode,
		ErrorReason: errMsg,
		Difficulty:  session.Difficulty(),
		LatencyMs:   latencyMs,
		Timestamp:   time.Now(),
	}
	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.publisher.PublishShare(pubCtx, ev); err != nil {
			m.logger.WithError(err).Warn("failed to publish share event")
		}
	}()
}

// notifyParams renders a job as mining.notify positional parameters.
func notifyParams(job jobs.Job) []any {
	return (&stratum.NotifyParams{
		JobID:        job.ID,
		PrevHash:     job.PrevHash,
		Coinb1:       job.Coinb1,
		Coinb2:       job.Coinb2,
		MerkleBranch: job.MerkleBranch,
		Version:      job.Version,
		NBits:        job.NBits,
		NTime:        job.NTime,
		CleanJobs:    job.Clean,
	}).ToParams()
}

// subscribedSessions snapshots the sessions eligible for broadcasts.
func (m *Manager) subscribedSessions() []*stratum.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*stratum.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.State() != stratum.StateConnected {
			out = append(out, s)
		}
	}
	return out
}

// OnJob fans a new job out to every subscribed session. Called serially
// from the upstream read loop, which keeps job/difficulty ordering FIFO per
// session.
func (m *Manager) OnJob(job jobs.Job) {
	params := notifyParams(job)
	sessions := m.subscribedSessions()
	for _, s := range sessions {
		if err := s.SendNotification(stratum.MethodNotify, params); err != nil {
			m.logger.Debug("failed to deliver job", "session_id", s.ID(), "error", err.Error())
		}
	}

	m.logger.LogJobDistribution(job.ID, job.Clean, len(sessions))
	m.recorder.RecordJob(context.Background(), job.ID, job.Clean, len(sessions))

	ev := messaging.JobEvent{
		JobID:        job.ID,
		Seq:          job.Seq,
		Clean:        job.Clean,
		PrevHash:     job.PrevHash,
		NTime:        job.NTime,
		SessionCount: len(sessions),
		Timestamp:    time.Now(),
	}
	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.publisher.PublishJob(pubCtx, ev); err != nil {
			m.logger.WithError(err).Warn("failed to publish job event")
		}
	}()
}

// OnDifficulty fans a difficulty change out to every subscribed session.
func (m *Manager) OnDifficulty(difficulty float64) {
	for _, s := range m.subscribedSessions() {
		s.SetDifficulty(difficulty)
		if err := s.SendNotification(stratum.MethodSetDifficulty, []any{difficulty}); err != nil {
			m.logger.Debug("failed to deliver difficulty", "session_id", s.ID(), "error", err.Error())
		}
	}
}

// OnConnected tells every session the pool link is back. A reconnect can
// carry a different pool-assigned extranonce1; sessions still holding the
// old one get a mining.set_extranonce first so their next shares splice the
// range the pool actually carved out.
func (m *Manager) OnConnected() {
	if en1, en2Size := m.router.ExtraNonce1(); en1 != "" {
		for _, s := range m.subscribedSessions() {
			if s.ExtraNonce1() == en1 {
				continue
			}
			s.UpdateExtraNonce(en1)
			if err := s.SendNotification(stratum.MethodSetExtraNonce, []any{en1, en2Size}); err != nil {
				m.logger.Debug("failed to deliver extranonce update", "session_id", s.ID(), "error", err.Error())
			}
		}
	}
	m.broadcastPoolLink(stratum.MethodPoolConnected, "connected")
}

// OnDisconnected tells every session the pool link dropped. Sessions stay
// connected; submits fail with upstream-unavailable until reconnect.
func (m *Manager) OnDisconnected() {
	m.broadcastPoolLink(stratum.MethodPoolDisconnected, "disconnected")
}

func (m *Manager) broadcastPoolLink(method, state string) {
	for _, s := range m.subscribedSessions() {
		if err := s.SendNotification(method, []any{}); err != nil {
			m.logger.Debug("failed to deliver pool event", "session_id", s.ID(), "error", err.Error())
		}
	}

	m.recorder.RecordUpstreamEvent(context.Background(), state, m.cfg.UpstreamAddr)

	ev := messaging.PoolLinkEvent{State: state, Addr: m.cfg.UpstreamAddr, Timestamp: time.Now()}
	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.publisher.PublishPoolLink(pubCtx, ev); err != nil {
			m.logger.WithError(err).Warn("failed to publish pool link event")
		}
	}()
}

// SessionStats is the live view of the downstream side.
type SessionStats struct {
	ActiveSessions   int
	LifetimeSessions int64
	SharesSubmitted  int64
	SharesAccepted   int64
	SharesRejected   int64
}

// Stats returns a read-only snapshot without blocking mutation paths.
func (m *Manager) Stats() SessionStats {
	m.mu.RLock()
	active := len(m.sessions)
	m.mu.RUnlock()

	return SessionStats{
		ActiveSessions:   active,
		LifetimeSessions: m.lifetimeSessions.Load(),
		SharesSubmitted:  m.sharesSubmitted.Load(),
		SharesAccepted:   m.sharesAccepted.Load(),
		SharesRejected:   m.sharesRejected.Load(),
	}
}

// SnapshotSessions reports per-session live info for telemetry refresh.
func (m *Manager) SnapshotSessions() []telemetry.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]telemetry.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		c := s.Counters()
		out = append(out, telemetry.SessionInfo{
			SessionID:  s.ID(),
			RemoteAddr: s.RemoteAddr(),
			Username:   s.Username(),
			WorkerName: s.WorkerName(),
			State:      s.State().String(),
			Submitted:  c.Submitted,
			Accepted:   c.Accepted,
			Rejected:   c.Rejected,
			CreatedAt:  s.CreatedAt(),
		})
	}
	return out
}

// CloseSessions closes every active downstream session.
func (m *Manager) CloseSessions() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		s.Close()
	}
}
