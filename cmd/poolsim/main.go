// Package main implements poolsim, a minimal Stratum V1 pool used to run
// the bridge and miner locally. It issues jobs on a timer and validates
// submitted shares with the same word-wise acceptance rule the miner
// scans against, so a full subscribe/authorize/submit round trip can be
// exercised without a real pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/erickytua/sugarmaker/internal/hashing"
	"github.com/erickytua/sugarmaker/internal/stratum"
	"github.com/erickytua/sugarmaker/pkg/log"
)

// jobHistory is how many superseded jobs remain submittable.
const jobHistory = 8

func main() {
	var (
		addr        = flag.String("addr", "127.0.0.1:3334", "listen address")
		difficulty  = flag.Float64("difficulty", 0.001, "share difficulty announced to miners")
		jobInterval = flag.Duration("job-interval", 15*time.Second, "delay between generated jobs")
		cleanEvery  = flag.Int("clean-every", 4, "every Nth job invalidates prior work")
		logLevel    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logger := log.New("poolsim", "dev", *logLevel, "text")

	sim, err := NewPoolSim(SimConfig{
		Difficulty:  *difficulty,
		JobInterval: *jobInterval,
		CleanEvery:  *cleanEvery,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("invalid simulator config")
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.WithError(err).Error("failed to bind listener")
		os.Exit(1)
	}
	logger.Info("pool simulator listening", "addr", *addr, "difficulty", *difficulty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sim.Run(ctx, ln); err != nil && err != context.Canceled {
		logger.WithError(err).Error("simulator exited")
		os.Exit(1)
	}
	logger.Info("poolsim stopped")
}

// SimConfig holds pool simulator parameters.
type SimConfig struct {
	Difficulty  float64
	JobInterval time.Duration
	CleanEvery  int
}

// simJob is a generated job plus the shares already counted against it.
type simJob struct {
	params *stratum.NotifyParams
	seen   map[string]struct{}
}

// PoolSim is a single-process Stratum V1 pool.
type PoolSim struct {
	cfg    SimConfig
	logger *log.Logger
	target hashing.Target
	engine *hashing.Engine

	mu       sync.Mutex
	conns    map[int]*simConn
	connSeq  int
	en1Seq   uint32
	jobSeq   uint64
	jobs     map[string]*simJob
	jobOrder []string
}

// NewPoolSim creates a simulator for the given difficulty and job cadence.
func NewPoolSim(cfg SimConfig, logger *log.Logger) (*PoolSim, error) {
	target, err := hashing.DifficultyToTarget(cfg.Difficulty)
	if err != nil {
		return nil, err
	}
	if cfg.JobInterval <= 0 {
		cfg.JobInterval = 15 * time.Second
	}
	if cfg.CleanEvery <= 0 {
		cfg.CleanEvery = 4
	}
	return &PoolSim{
		cfg:    cfg,
		logger: logger.WithComponent("poolsim"),
		target: target,
		engine: hashing.NewEngine(hashing.DoubleSHA256),
		conns:  make(map[int]*simConn),
		jobs:   make(map[string]*simJob),
	}, nil
}

// Run accepts miners and generates jobs until the context is canceled.
func (p *PoolSim) Run(ctx context.Context, ln net.Listener) error {
	p.generateJob()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go p.jobLoop(ctx)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.WithError(err).Error("accept failed")
			continue
		}
		go p.serveConn(ctx, conn)
	}
}

func (p *PoolSim) jobLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.JobInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job := p.generateJob()
			p.broadcastJob(job)
		}
	}
}

// generateJob mints the next job. Prevhash and merkle branch material come
// from double-SHA over a per-job seed so every job describes distinct work.
func (p *PoolSim) generateJob() *stratum.NotifyParams {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.jobSeq++
	clean := p.jobSeq%uint64(p.cfg.CleanEvery) == 0

	seed := fmt.Sprintf("poolsim-%d-%d", p.jobSeq, time.Now().UnixNano())
	prev := chainhash.DoubleHashH([]byte(seed))
	branch := chainhash.DoubleHashH([]byte(seed + "/branch"))

	job := &stratum.NotifyParams{
		JobID:        strconv.FormatUint(p.jobSeq, 16),
		PrevHash:     prev.String(),
		Coinb1:       "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff20",
		Coinb2:       "ffffffff0100f2052a010000001976a914000000000000000000000000000000000000000088ac00000000",
		MerkleBranch: []string{branch.String()},
		Version:      "20000000",
		NBits:        "1d00ffff",
		NTime:        fmt.Sprintf("%08x", time.Now().Unix()),
		CleanJobs:    clean,
	}

	if clean {
		p.jobs = make(map[string]*simJob)
		p.jobOrder = nil
	}
	p.jobs[job.JobID] = &simJob{params: job, seen: make(map[string]struct{})}
	p.jobOrder = append(p.jobOrder, job.JobID)
	for len(p.jobOrder) > jobHistory {
		delete(p.jobs, p.jobOrder[0])
		p.jobOrder = p.jobOrder[1:]
	}

	p.logger.Info("generated job", "job_id", job.JobID, "clean", clean)
	return job
}

func (p *PoolSim) broadcastJob(job *stratum.NotifyParams) {
	notify := stratum.NewNotification(stratum.MethodNotify, job.ToParams())

	p.mu.Lock()
	conns := make([]*simConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		if c.isSubscribed() {
			if err := c.write(notify); err != nil {
				c.logger.WithError(err).Debug("dropping job for dead connection")
			}
		}
	}
}

func (p *PoolSim) serveConn(ctx context.Context, conn net.Conn) {
	p.mu.Lock()
	p.connSeq++
	c := &simConn{
		id:     p.connSeq,
		mc:     stratum.NewLineConn(conn, 64*1024),
		logger: p.logger.WithSession(fmt.Sprintf("conn-%d", p.connSeq), conn.RemoteAddr().String()),
	}
	p.conns[c.id] = c
	p.mu.Unlock()

	c.logger.LogConnection("connected", conn.RemoteAddr().String())

	defer func() {
		p.mu.Lock()
		delete(p.conns, c.id)
		p.mu.Unlock()
		c.mc.Close()
		c.logger.LogConnection("disconnected", conn.RemoteAddr().String())
	}()

	for ctx.Err() == nil {
		data, err := c.mc.ReadMessage()
		if err != nil {
			return
		}
		msg, err := stratum.ParseMessage(data)
		if err != nil {
			_ = c.write(stratum.NewErrorResponse(nil, stratum.ErrorParseError, "Parse error"))
			continue
		}
		if !msg.IsRequest() {
			continue
		}
		p.handleRequest(c, msg)
	}
}

func (p *PoolSim) handleRequest(c *simConn, msg *stratum.Message) {
	switch msg.Method {
	case stratum.MethodSubscribe:
		p.handleSubscribe(c, msg)
	case stratum.MethodAuthorize:
		p.handleAuthorize(c, msg)
	case stratum.MethodSubmit:
		p.handleSubmit(c, msg)
	default:
		_ = c.write(stratum.NewErrorResponse(msg.ID, stratum.ErrorMethodNotFound, "Method not found"))
	}
}

func (p *PoolSim) handleSubscribe(c *simConn, msg *stratum.Message) {
	p.mu.Lock()
	p.en1Seq++
	extraNonce1 := fmt.Sprintf("%08x", p.en1Seq)
	var current *stratum.NotifyParams
	if len(p.jobOrder) > 0 {
		current = p.jobs[p.jobOrder[len(p.jobOrder)-1]].params
	}
	p.mu.Unlock()

	c.setSubscribed(extraNonce1)

	result := []any{
		[]any{
			[]any{stratum.MethodSetDifficulty, extraNonce1},
			[]any{stratum.MethodNotify, extraNonce1},
		},
		extraNonce1,
		4,
	}
	_ = c.write(stratum.NewResponse(msg.ID, result))
	_ = c.write(stratum.NewNotification(stratum.MethodSetDifficulty, []any{p.cfg.Difficulty}))
	if current != nil {
		_ = c.write(stratum.NewNotification(stratum.MethodNotify, current.ToParams()))
	}
}

func (p *PoolSim) handleAuthorize(c *simConn, msg *stratum.Message) {
	req, err := stratum.ParseAuthorizeRequest(msg.Params)
	if err != nil {
		_ = c.write(stratum.NewErrorResponse(msg.ID, stratum.ErrorInvalidParams, "Invalid parameters"))
		return
	}

	// Credentials are opaque; any worker may mine against the simulator.
	c.setAuthorized(req.Username)
	c.logger.Info("worker authorized", "username", req.Username)
	_ = c.write(stratum.NewResponse(msg.ID, true))
}

func (p *PoolSim) handleSubmit(c *simConn, msg *stratum.Message) {
	if !c.isAuthorized() {
		_ = c.write(stratum.NewErrorResponse(msg.ID, stratum.ErrorUnauthorized, "Not authorized"))
		return
	}

	req, err := stratum.ParseSubmitRequest(msg.Params)
	if err != nil {
		_ = c.write(stratum.NewErrorResponse(msg.ID, stratum.ErrorInvalidParams, "Invalid parameters"))
		return
	}

	code, reason := p.validateShare(c.extraNonce1Value(), req)
	if code != 0 {
		c.logger.Info("share rejected", "job_id", req.JobID, "code", code, "reason", reason)
		_ = c.write(stratum.NewErrorResponse(msg.ID, code, reason))
		return
	}

	c.logger.Info("share accepted", "job_id", req.JobID, "nonce", req.Nonce)
	_ = c.write(stratum.NewResponse(msg.ID, true))
}

// validateShare applies the authoritative acceptance rule: rebuild the
// header the miner hashed and compare its digest against the target word
// by word. Returns a zero code when the share is good.
func (p *PoolSim) validateShare(extraNonce1 string, req *stratum.SubmitRequest) (int, string) {
	p.mu.Lock()
	job, ok := p.jobs[req.JobID]
	if !ok {
		p.mu.Unlock()
		return stratum.ErrorStaleJob, "Stale job"
	}
	shareKey := extraNonce1 + ":" + req.ExtraNonce2 + ":" + req.NTime + ":" + req.Nonce
	if _, dup := job.seen[shareKey]; dup {
		p.mu.Unlock()
		return stratum.ErrorDuplicateShare, "Duplicate share"
	}
	params := job.params
	p.mu.Unlock()

	header, err := buildShareHeader(params, extraNonce1, req)
	if err != nil {
		return stratum.ErrorInvalidNonce, err.Error()
	}

	digest, err := p.engine.ComputeHash(header[:])
	if err != nil {
		return stratum.ErrorOther, "Hash computation failed"
	}
	if !hashing.Passes(digest, p.target) {
		return stratum.ErrorLowDifficulty, "Low difficulty share"
	}

	// Only accepted shares count against the duplicate guard, so a miner
	// can correct and resubmit a rejected one.
	p.mu.Lock()
	if j, ok := p.jobs[req.JobID]; ok {
		j.seen[shareKey] = struct{}{}
	}
	p.mu.Unlock()
	return 0, ""
}

// buildShareHeader reassembles the 80-byte header from job fields and the
// submitted extranonce, ntime and nonce.
func buildShareHeader(job *stratum.NotifyParams, extraNonce1 string, req *stratum.SubmitRequest) ([hashing.HeaderLen]byte, error) {
	var zero [hashing.HeaderLen]byte

	nonce, err := stratum.ParseNonceHex(req.Nonce)
	if err != nil {
		return zero, fmt.Errorf("invalid nonce")
	}

	root, err := hashing.CoinbaseMerkleRoot(job.Coinb1, extraNonce1, req.ExtraNonce2, job.Coinb2, job.MerkleBranch)
	if err != nil {
		return zero, err
	}

	return hashing.AssembleHeader(job.Version, job.PrevHash, req.NTime, job.NBits, root, nonce)
}

// simConn is one miner connection with serialized writes.
type simConn struct {
	id     int
	mc     stratum.MessageConn
	logger *log.Logger

	mu          sync.Mutex
	subscribed  bool
	authorized  bool
	extraNonce1 string
	username    string
}

func (c *simConn) write(msg *stratum.Message) error {
	data, err := stratum.MarshalMessage(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mc.WriteMessage(data)
}

func (c *simConn) setSubscribed(extraNonce1 string) {
	c.mu.Lock()
	c.subscribed = true
	c.extraNonce1 = extraNonce1
	c.mu.Unlock()
}

func (c *simConn) setAuthorized(username string) {
	c.mu.Lock()
	c.authorized = true
	c.username = username
	c.mu.Unlock()
}

func (c *simConn) isSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

func (c *simConn) isAuthorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized
}

func (c *simConn) extraNonce1Value() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extraNonce1
}
