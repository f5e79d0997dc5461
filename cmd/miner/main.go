// Package main implements a headless CPU miner for driving the bridge or
// the pool simulator. It subscribes over Stratum V1, scans nonce ranges
// with the hashing engine and submits every digest that meets the
// announced target.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/erickytua/sugarmaker/internal/hashing"
	"github.com/erickytua/sugarmaker/internal/stratum"
	"github.com/erickytua/sugarmaker/pkg/log"
)

func main() {
	var (
		pool      = flag.String("pool", "127.0.0.1:3333", "stratum endpoint to mine against")
		user      = flag.String("user", "wallet.cpu", "worker credential")
		password  = flag.String("password", "x", "worker password")
		agent     = flag.String("agent", "sugarmaker-miner/1.0", "advertised user agent")
		chunkSize = flag.Uint("chunk", 1<<18, "nonces scanned per cancellation check")
		logLevel  = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logger := log.New("miner", "dev", *logLevel, "text")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", *pool)
	if err != nil {
		logger.WithError(err).Error("failed to connect to pool")
		os.Exit(1)
	}
	logger.Info("connected", "pool", *pool)

	miner := NewMiner(MinerConfig{
		User:      *user,
		Password:  *password,
		Agent:     *agent,
		ChunkSize: uint32(*chunkSize),
	}, conn, logger)

	if err := miner.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("miner exited")
		os.Exit(1)
	}
	logger.Info("miner stopped")
}

// MinerConfig holds miner parameters.
type MinerConfig struct {
	User      string
	Password  string
	Agent     string
	ChunkSize uint32
}

// Miner owns one pool connection and one scan goroutine at a time. A new
// job cancels the scan in flight and starts over on the fresh work.
type Miner struct {
	cfg    MinerConfig
	logger *log.Logger
	engine *hashing.Engine
	mc     stratum.MessageConn

	writeMu sync.Mutex
	reqID   atomic.Uint64
	en2Seq  atomic.Uint64

	mu          sync.Mutex
	extraNonce1 string
	en2Size     int
	target      hashing.Target
	job         *stratum.NotifyParams
	stopScan    chan struct{}
}

// NewMiner creates a miner over an established pool connection.
func NewMiner(cfg MinerConfig, conn net.Conn, logger *log.Logger) *Miner {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 1 << 18
	}
	target, _ := hashing.DifficultyToTarget(1.0)
	return &Miner{
		cfg:    cfg,
		logger: logger.WithComponent("miner"),
		engine: hashing.NewEngine(hashing.DoubleSHA256),
		mc:     stratum.NewLineConn(conn, 64*1024),
		target: target,
	}
}

// Run performs the handshake and processes pool traffic until the context
// is canceled or the connection drops.
func (m *Miner) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		m.mc.Close()
	}()
	defer m.cancelScan()

	if err := m.handshake(); err != nil {
		return err
	}

	for {
		data, err := m.mc.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		msg, err := stratum.ParseMessage(data)
		if err != nil {
			m.logger.WithError(err).Warn("discarding malformed pool message")
			continue
		}

		switch {
		case msg.IsNotification():
			m.handleNotification(msg)
		case msg.IsResponse():
			m.handleVerdict(msg)
		}
	}
}

// handshake subscribes and authorizes, dispatching any notifications the
// pool interleaves before the responses arrive.
func (m *Miner) handshake() error {
	subID := m.reqID.Add(1)
	if err := m.write(stratum.NewRequest(subID, stratum.MethodSubscribe, []any{m.cfg.Agent})); err != nil {
		return err
	}
	resp, err := m.awaitResponse(subID)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("subscribe rejected: %s", resp.Error.Message)
	}
	result, ok := resp.Result.([]any)
	if !ok || len(result) < 3 {
		return fmt.Errorf("malformed subscribe result")
	}
	extraNonce1, ok := result[1].(string)
	if !ok {
		return fmt.Errorf("malformed extranonce1")
	}
	sizeF, ok := result[2].(float64)
	if !ok || sizeF < 1 {
		return fmt.Errorf("malformed extranonce2 size")
	}

	m.mu.Lock()
	m.extraNonce1 = extraNonce1
	m.en2Size = int(sizeF)
	m.mu.Unlock()
	m.logger.Info("subscribed", "extranonce1", extraNonce1, "extranonce2_size", int(sizeF))

	authID := m.reqID.Add(1)
	if err := m.write(stratum.NewRequest(authID, stratum.MethodAuthorize, []any{m.cfg.User, m.cfg.Password})); err != nil {
		return err
	}
	resp, err = m.awaitResponse(authID)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("authorize rejected: %s", resp.Error.Message)
	}
	if accepted, ok := resp.Result.(bool); !ok || !accepted {
		return fmt.Errorf("authorize refused for %s", m.cfg.User)
	}
	m.logger.Info("authorized", "user", m.cfg.User)

	// A job pushed during the handshake waits for the extranonce; start
	// scanning it now.
	m.maybeStartScan()
	return nil
}

func (m *Miner) awaitResponse(id uint64) (*stratum.Message, error) {
	for {
		data, err := m.mc.ReadMessage()
		if err != nil {
			return nil, err
		}
		msg, err := stratum.ParseMessage(data)
		if err != nil {
			continue
		}
		if msg.IsNotification() {
			m.handleNotification(msg)
			continue
		}
		if msg.IsResponse() && idMatches(msg.ID, id) {
			return msg, nil
		}
	}
}

func idMatches(got any, want uint64) bool {
	switch v := got.(type) {
	case float64:
		return uint64(v) == want
	case string:
		return v == fmt.Sprintf("%d", want)
	default:
		return false
	}
}

func (m *Miner) handleNotification(msg *stratum.Message) {
	switch msg.Method {
	case stratum.MethodSetDifficulty:
		if len(msg.Params) < 1 {
			return
		}
		difficulty, ok := msg.Params[0].(float64)
		if !ok || difficulty <= 0 {
			return
		}
		target, err := hashing.DifficultyToTarget(difficulty)
		if err != nil {
			return
		}
		m.mu.Lock()
		m.target = target
		m.mu.Unlock()
		m.logger.Info("difficulty changed", "difficulty", difficulty)

	case stratum.MethodNotify:
		job, err := stratum.ParseNotifyParams(msg.Params)
		if err != nil {
			m.logger.WithError(err).Warn("discarding malformed job")
			return
		}
		m.mu.Lock()
		m.job = job
		m.mu.Unlock()
		m.logger.Info("new job", "job_id", job.JobID, "clean", job.CleanJobs)
		m.maybeStartScan()

	case stratum.MethodSetExtraNonce:
		if len(msg.Params) < 1 {
			return
		}
		en1, ok := msg.Params[0].(string)
		if !ok || en1 == "" {
			return
		}
		m.mu.Lock()
		m.extraNonce1 = en1
		if len(msg.Params) >= 2 {
			if size, ok := msg.Params[1].(float64); ok && size >= 1 {
				m.en2Size = int(size)
			}
		}
		m.mu.Unlock()
		m.logger.Info("extranonce changed", "extranonce1", en1)
		m.maybeStartScan()

	case stratum.MethodPoolConnected, stratum.MethodPoolDisconnected:
		m.logger.Info("bridge pool link changed", "state", msg.Method)
	}
}

func (m *Miner) handleVerdict(msg *stratum.Message) {
	if msg.Error != nil {
		m.logger.Warn("share rejected", "code", msg.Error.Code, "reason", msg.Error.Message)
		return
	}
	if accepted, ok := msg.Result.(bool); ok && accepted {
		m.logger.Info("share accepted")
	}
}

// maybeStartScan replaces the running scan with one over the latest job.
// It is a no-op until the subscribe handshake has assigned an extranonce.
func (m *Miner) maybeStartScan() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.extraNonce1 == "" || m.job == nil {
		return
	}
	if m.stopScan != nil {
		close(m.stopScan)
	}
	m.stopScan = make(chan struct{})
	go m.scan(m.job, m.extraNonce1, m.en2Size, m.stopScan)
}

func (m *Miner) cancelScan() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopScan != nil {
		close(m.stopScan)
		m.stopScan = nil
	}
}

func (m *Miner) currentTarget() hashing.Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// scan walks extranonce2 values, scanning the full nonce space of each in
// chunks so a superseding job cancels promptly.
func (m *Miner) scan(job *stratum.NotifyParams, extraNonce1 string, en2Size int, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		extraNonce2 := fmt.Sprintf("%0*x", en2Size*2, m.en2Seq.Add(1))
		root, err := hashing.CoinbaseMerkleRoot(job.Coinb1, extraNonce1, extraNonce2, job.Coinb2, job.MerkleBranch)
		if err != nil {
			m.logger.WithError(err).Warn("cannot assemble coinbase, abandoning job", "job_id", job.JobID)
			return
		}
		header, err := hashing.AssembleHeader(job.Version, job.PrevHash, job.NTime, job.NBits, root, 0)
		if err != nil {
			m.logger.WithError(err).Warn("cannot assemble header, abandoning job", "job_id", job.JobID)
			return
		}

		nonce := uint32(0)
		for {
			select {
			case <-stop:
				return
			default:
			}

			end := nonce + m.cfg.ChunkSize - 1
			if end < nonce {
				end = ^uint32(0)
			}

			result, err := m.engine.ScanRange(header[:], m.currentTarget(), nonce, end)
			if err != nil {
				m.logger.WithError(err).Error("scan failed")
				return
			}
			if result.Found {
				m.submitShare(job, extraNonce2, result.Nonce)
				if result.Nonce == ^uint32(0) {
					break
				}
				nonce = result.Nonce + 1
				continue
			}

			if end == ^uint32(0) {
				break
			}
			nonce = end + 1
		}
	}
}

func (m *Miner) submitShare(job *stratum.NotifyParams, extraNonce2 string, nonce uint32) {
	id := m.reqID.Add(1)
	msg := stratum.NewRequest(id, stratum.MethodSubmit, []any{
		m.cfg.User, job.JobID, extraNonce2, job.NTime, fmt.Sprintf("%08x", nonce),
	})
	if err := m.write(msg); err != nil {
		m.logger.WithError(err).Warn("failed to submit share")
		return
	}
	m.logger.Info("share submitted", "job_id", job.JobID, "nonce", fmt.Sprintf("%08x", nonce))
}

func (m *Miner) write(msg *stratum.Message) error {
	data, err := stratum.MarshalMessage(msg)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.mc.WriteMessage(data)
}
