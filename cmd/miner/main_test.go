package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/erickytua/sugarmaker/internal/hashing"
	"github.com/erickytua/sugarmaker/internal/stratum"
	"github.com/erickytua/sugarmaker/pkg/log"
)

func testLogger() *log.Logger {
	return log.New("test-miner", "test", "error", "text")
}

func TestIDMatches(t *testing.T) {
	tests := []struct {
		name string
		got  any
		want uint64
		ok   bool
	}{
		{name: "float64 id", got: float64(3), want: 3, ok: true},
		{name: "float64 mismatch", got: float64(4), want: 3, ok: false},
		{name: "string id", got: "3", want: 3, ok: true},
		{name: "string mismatch", got: "x", want: 3, ok: false},
		{name: "nil id", got: nil, want: 3, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := idMatches(tt.got, tt.want); got != tt.ok {
				t.Errorf("idMatches(%v, %d) = %v, want %v", tt.got, tt.want, got, tt.ok)
			}
		})
	}
}

// fakePool scripts the pool side of a pipe.
type fakePool struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func (p *fakePool) read() *stratum.Message {
	p.t.Helper()
	if !p.scanner.Scan() {
		p.t.Fatalf("miner closed connection: %v", p.scanner.Err())
	}
	msg, err := stratum.ParseMessage(p.scanner.Bytes())
	if err != nil {
		p.t.Fatalf("parse: %v", err)
	}
	return msg
}

func (p *fakePool) write(msg *stratum.Message) {
	p.t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		p.t.Fatalf("marshal: %v", err)
	}
	if _, err := p.conn.Write(append(data, '\n')); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func TestMiner_FindsAndSubmitsShare(t *testing.T) {
	poolEnd, minerEnd := net.Pipe()
	t.Cleanup(func() {
		poolEnd.Close()
		minerEnd.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	miner := NewMiner(MinerConfig{
		User:      "wallet.cpu",
		Password:  "x",
		Agent:     "test-agent/1.0",
		ChunkSize: 1024,
	}, minerEnd, testLogger())

	runErr := make(chan error, 1)
	go func() { runErr <- miner.Run(ctx) }()

	pool := &fakePool{t: t, conn: poolEnd, scanner: bufio.NewScanner(poolEnd)}

	// Subscribe.
	msg := pool.read()
	if msg.Method != stratum.MethodSubscribe {
		t.Fatalf("Expected subscribe first, got %s", msg.Method)
	}
	pool.write(stratum.NewResponse(msg.ID, []any{
		[]any{[]any{stratum.MethodNotify, "0000000a"}},
		"0000000a",
		4,
	}))

	// Authorize.
	msg = pool.read()
	if msg.Method != stratum.MethodAuthorize {
		t.Fatalf("Expected authorize, got %s", msg.Method)
	}
	if user, _ := msg.Params[0].(string); user != "wallet.cpu" {
		t.Errorf("Expected configured user, got %v", msg.Params[0])
	}
	pool.write(stratum.NewResponse(msg.ID, true))

	// The bridge re-assigns the extranonce when its pool link reconnects;
	// the miner must mine the new range from here on.
	extraNonce1 := "0000000b"
	pool.write(stratum.NewNotification(stratum.MethodSetExtraNonce, []any{extraNonce1, float64(4)}))

	// A near-zero difficulty clamps the target so the very first digest
	// the scan computes is a share.
	difficulty := 0.000000000001
	pool.write(stratum.NewNotification(stratum.MethodSetDifficulty, []any{difficulty}))

	job := &stratum.NotifyParams{
		JobID:        "job-1",
		PrevHash:     "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f",
		Coinb1:       "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff20",
		Coinb2:       "ffffffff0100f2052a010000001976a914000000000000000000000000000000000000000088ac00000000",
		MerkleBranch: nil,
		Version:      "20000000",
		NBits:        "1d00ffff",
		NTime:        "68b3a000",
		CleanJobs:    true,
	}
	pool.write(stratum.NewNotification(stratum.MethodNotify, job.ToParams()))

	// The miner should find a share and submit it.
	msg = pool.read()
	if msg.Method != stratum.MethodSubmit {
		t.Fatalf("Expected submit, got %s", msg.Method)
	}
	req, err := stratum.ParseSubmitRequest(msg.Params)
	if err != nil {
		t.Fatalf("ParseSubmitRequest() error = %v", err)
	}
	if req.JobID != "job-1" {
		t.Errorf("JobID = %s", req.JobID)
	}
	if req.NTime != job.NTime {
		t.Errorf("NTime = %s, want job ntime", req.NTime)
	}
	if len(req.ExtraNonce2) != 8 {
		t.Errorf("ExtraNonce2 = %q, want 8 hex chars", req.ExtraNonce2)
	}

	// Re-validate the share with the authoritative rule.
	nonce, err := stratum.ParseNonceHex(req.Nonce)
	if err != nil {
		t.Fatalf("ParseNonceHex(%q) error = %v", req.Nonce, err)
	}
	root, err := hashing.CoinbaseMerkleRoot(job.Coinb1, extraNonce1, req.ExtraNonce2, job.Coinb2, job.MerkleBranch)
	if err != nil {
		t.Fatalf("CoinbaseMerkleRoot() error = %v", err)
	}
	header, err := hashing.AssembleHeader(job.Version, job.PrevHash, req.NTime, job.NBits, root, nonce)
	if err != nil {
		t.Fatalf("AssembleHeader() error = %v", err)
	}
	digest, err := hashing.DoubleSHA256(header[:])
	if err != nil {
		t.Fatalf("DoubleSHA256() error = %v", err)
	}
	target, err := hashing.DifficultyToTarget(difficulty)
	if err != nil {
		t.Fatalf("DifficultyToTarget() error = %v", err)
	}
	if !hashing.Passes(digest, target) {
		t.Error("Submitted share does not meet the target it was mined against")
	}

	pool.write(stratum.NewResponse(msg.ID, true))

	cancel()
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("miner did not stop after cancellation")
	}
}
