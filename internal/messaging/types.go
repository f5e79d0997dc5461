package messaging

import "time"

// ShareEvent records the outcome of one routed share submission.
type ShareEvent struct {
	SessionID   string    `json:"session_id"`
	Username    string    `json:"username"`
	WorkerName  string    `json:"worker_name"`
	JobID       string    `json:"job_id"`
	Nonce       string    `json:"nonce"`
	NTime       string    `json:"ntime"`
	ExtraNonce2 string    `json:"extranonce2"`
	Accepted    bool      `json:"accepted"`
	ErrorCode   int       `json:"error_code,omitempty"`
	ErrorReason string    `json:"error_reason,omitempty"`
	Difficulty  float64   `json:"difficulty"`
	LatencyMs   float64   `json:"latency_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

// JobEvent records a job announcement from the upstream pool.
type JobEvent struct {
	JobID        string    `json:"job_id"`
	Seq          uint64    `json:"seq"`
	Clean        bool      `json:"clean"`
	PrevHash     string    `json:"prev_hash"`
	NTime        string    `json:"ntime"`
	SessionCount int       `json:"session_count"`
	Timestamp    time.Time `json:"timestamp"`
}

// PoolLinkEvent records upstream link state transitions.
type PoolLinkEvent struct {
	State     string    `json:"state"`
	Addr      string    `json:"addr"`
	Timestamp time.Time `json:"timestamp"`
}
