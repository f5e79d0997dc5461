package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/erickytua/sugarmaker/internal/stratum"
	"github.com/erickytua/sugarmaker/pkg/log"
)

func testSim(t *testing.T, difficulty float64) *PoolSim {
	t.Helper()
	sim, err := NewPoolSim(SimConfig{
		Difficulty:  difficulty,
		JobInterval: time.Minute,
		CleanEvery:  3,
	}, log.New("test-poolsim", "test", "error", "text"))
	if err != nil {
		t.Fatalf("NewPoolSim() error = %v", err)
	}
	return sim
}

func TestNewPoolSim_RejectsInvalidDifficulty(t *testing.T) {
	_, err := NewPoolSim(SimConfig{Difficulty: 0}, log.New("test-poolsim", "test", "error", "text"))
	if err == nil {
		t.Error("Expected error for zero difficulty")
	}

	_, err = NewPoolSim(SimConfig{Difficulty: -1}, log.New("test-poolsim", "test", "error", "text"))
	if err == nil {
		t.Error("Expected error for negative difficulty")
	}
}

func TestGenerateJob_AdvancesAndRetainsHistory(t *testing.T) {
	sim := testSim(t, 1.0)

	first := sim.generateJob()
	second := sim.generateJob()

	if first.JobID == second.JobID {
		t.Errorf("Expected distinct job ids, both were %s", first.JobID)
	}
	if first.PrevHash == second.PrevHash {
		t.Error("Expected distinct prevhash per job")
	}

	sim.mu.Lock()
	_, firstKept := sim.jobs[first.JobID]
	_, secondKept := sim.jobs[second.JobID]
	sim.mu.Unlock()

	if !firstKept || !secondKept {
		t.Error("Expected both jobs to remain submittable")
	}
}

func TestGenerateJob_CleanWipesHistory(t *testing.T) {
	sim := testSim(t, 1.0)

	// CleanEvery is 3, so the third job is a clean cutover.
	first := sim.generateJob()
	_ = sim.generateJob()
	third := sim.generateJob()

	if !third.CleanJobs {
		t.Fatal("Expected third job to be clean")
	}

	sim.mu.Lock()
	_, firstKept := sim.jobs[first.JobID]
	_, thirdKept := sim.jobs[third.JobID]
	sim.mu.Unlock()

	if firstKept {
		t.Error("Expected clean job to evict prior work")
	}
	if !thirdKept {
		t.Error("Expected the clean job itself to be submittable")
	}
}

func TestValidateShare(t *testing.T) {
	// A tiny difficulty clamps the target to its maximum, so any
	// well-formed share passes the acceptance rule.
	sim := testSim(t, 0.000000000001)
	job := sim.generateJob()

	req := &stratum.SubmitRequest{
		Username:    "wallet.worker",
		JobID:       job.JobID,
		ExtraNonce2: "00000000",
		NTime:       job.NTime,
		Nonce:       "00000001",
	}

	if code, reason := sim.validateShare("0000000a", req); code != 0 {
		t.Fatalf("Expected share accepted, got code %d (%s)", code, reason)
	}

	// Same share again is a duplicate.
	if code, _ := sim.validateShare("0000000a", req); code != stratum.ErrorDuplicateShare {
		t.Errorf("Expected duplicate code %d, got %d", stratum.ErrorDuplicateShare, code)
	}

	// A different nonce is a fresh share.
	fresh := *req
	fresh.Nonce = "00000002"
	if code, reason := sim.validateShare("0000000a", &fresh); code != 0 {
		t.Errorf("Expected fresh nonce accepted, got code %d (%s)", code, reason)
	}
}

func TestValidateShare_Rejections(t *testing.T) {
	sim := testSim(t, 1.0)
	job := sim.generateJob()

	tests := []struct {
		name     string
		req      *stratum.SubmitRequest
		wantCode int
	}{
		{
			name: "unknown job",
			req: &stratum.SubmitRequest{
				JobID:       "no-such-job",
				ExtraNonce2: "00000000",
				NTime:       job.NTime,
				Nonce:       "00000001",
			},
			wantCode: stratum.ErrorStaleJob,
		},
		{
			name: "malformed nonce",
			req: &stratum.SubmitRequest{
				JobID:       job.JobID,
				ExtraNonce2: "00000000",
				NTime:       job.NTime,
				Nonce:       "xyz",
			},
			wantCode: stratum.ErrorInvalidNonce,
		},
		{
			name: "malformed ntime",
			req: &stratum.SubmitRequest{
				JobID:       job.JobID,
				ExtraNonce2: "00000000",
				NTime:       "not-hex!",
				Nonce:       "00000001",
			},
			wantCode: stratum.ErrorInvalidNonce,
		},
		{
			name: "low difficulty at difficulty 1",
			req: &stratum.SubmitRequest{
				JobID:       job.JobID,
				ExtraNonce2: "00000000",
				NTime:       job.NTime,
				Nonce:       "00000001",
			},
			wantCode: stratum.ErrorLowDifficulty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := sim.validateShare("0000000a", tt.req)
			if code != tt.wantCode {
				t.Errorf("validateShare() code = %d, want %d", code, tt.wantCode)
			}
		})
	}
}

// scriptedMiner drives one side of a pipe as a line-protocol client.
type scriptedMiner struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func (m *scriptedMiner) send(msg *stratum.Message) {
	m.t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		m.t.Fatalf("marshal: %v", err)
	}
	if _, err := m.conn.Write(append(data, '\n')); err != nil {
		m.t.Fatalf("write: %v", err)
	}
}

func (m *scriptedMiner) next() *stratum.Message {
	m.t.Helper()
	if !m.scanner.Scan() {
		m.t.Fatalf("connection closed: %v", m.scanner.Err())
	}
	msg, err := stratum.ParseMessage(m.scanner.Bytes())
	if err != nil {
		m.t.Fatalf("parse: %v", err)
	}
	return msg
}

func (m *scriptedMiner) nextResponse() *stratum.Message {
	m.t.Helper()
	for {
		msg := m.next()
		if msg.IsResponse() {
			return msg
		}
	}
}

func TestServeConn_FullRoundTrip(t *testing.T) {
	sim := testSim(t, 0.000000000001)
	job := sim.generateJob()

	serverEnd, clientEnd := net.Pipe()
	t.Cleanup(func() {
		serverEnd.Close()
		clientEnd.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sim.serveConn(ctx, serverEnd)

	miner := &scriptedMiner{t: t, conn: clientEnd, scanner: bufio.NewScanner(clientEnd)}

	// Subscribe: expect [subscriptions, extranonce1, extranonce2_size].
	miner.send(stratum.NewRequest(1, stratum.MethodSubscribe, []any{"test-miner/1.0"}))
	resp := miner.nextResponse()
	result, ok := resp.Result.([]any)
	if !ok || len(result) != 3 {
		t.Fatalf("Unexpected subscribe result: %v", resp.Result)
	}
	extraNonce1, ok := result[1].(string)
	if !ok || extraNonce1 == "" {
		t.Fatalf("Expected extranonce1 string, got %v", result[1])
	}
	if size, ok := result[2].(float64); !ok || size != 4 {
		t.Fatalf("Expected extranonce2 size 4, got %v", result[2])
	}

	// The simulator pushes difficulty and the current job unprompted.
	sawDifficulty := false
	sawJob := false
	for i := 0; i < 2; i++ {
		msg := miner.next()
		switch msg.Method {
		case stratum.MethodSetDifficulty:
			sawDifficulty = true
		case stratum.MethodNotify:
			sawJob = true
		}
	}
	if !sawDifficulty || !sawJob {
		t.Fatalf("Expected difficulty and job push, got difficulty=%v job=%v", sawDifficulty, sawJob)
	}

	// Authorize.
	miner.send(stratum.NewRequest(2, stratum.MethodAuthorize, []any{"wallet.worker", "x"}))
	resp = miner.nextResponse()
	if accepted, ok := resp.Result.(bool); !ok || !accepted {
		t.Fatalf("Expected authorize true, got %v", resp.Result)
	}

	// Submit a share; the clamped target accepts any well-formed one.
	miner.send(stratum.NewRequest(3, stratum.MethodSubmit, []any{
		"wallet.worker", job.JobID, "00000000", job.NTime, "00000001",
	}))
	resp = miner.nextResponse()
	if accepted, ok := resp.Result.(bool); !ok || !accepted {
		t.Fatalf("Expected share accepted, got result=%v error=%v", resp.Result, resp.Error)
	}

	// Unknown methods are answered, not dropped.
	miner.send(stratum.NewRequest(4, "mining.extranonce.subscribe", nil))
	resp = miner.nextResponse()
	if resp.Error == nil || resp.Error.Code != stratum.ErrorMethodNotFound {
		t.Fatalf("Expected method-not-found error, got %v", resp.Error)
	}
}
