// Package stratum implements the Stratum V1 mining protocol for the
// sugarmaker bridge: JSON-RPC line message types, request parsing, the
// downstream transport abstraction and session handling.
package stratum

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorStaleJob       = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidNonce   = 26
	ErrorUpstreamDown   = -2
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// Protocol method names
const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodSubmit        = "mining.submit"
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
	MethodSetExtraNonce = "mining.set_extranonce"

	// Bridge-originated notifications about the upstream pool link.
	MethodPoolConnected    = "pool.connected"
	MethodPoolDisconnected = "pool.disconnected"
)

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// SubscribeResult carries the mining.subscribe response payload
type SubscribeResult struct {
	ExtraNonce1     string
	ExtraNonce2Size int
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	Username string
	Password string
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// NotifyParams represents mining.notify parameters
type NotifyParams struct {
	JobID        string
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
}

// ToParams flattens the notification into the positional wire form.
func (n *NotifyParams) ToParams() []any {
	branch := make([]any, len(n.MerkleBranch))
	for i, h := range n.MerkleBranch {
		branch[i] = h
	}
	return []any{
		n.JobID, n.PrevHash, n.Coinb1, n.Coinb2, branch,
		n.Version, n.NBits, n.NTime, n.CleanJobs,
	}
}

// ParseNotifyParams parses positional mining.notify parameters
func ParseNotifyParams(params []any) (*NotifyParams, error) {
	if len(params) < 9 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	n := &NotifyParams{}
	strs := []struct {
		idx  int
		dest *string
		name string
	}{
		{0, &n.JobID, "job_id"},
		{1, &n.PrevHash, "prevhash"},
		{2, &n.Coinb1, "coinb1"},
		{3, &n.Coinb2, "coinb2"},
		{5, &n.Version, "version"},
		{6, &n.NBits, "nbits"},
		{7, &n.NTime, "ntime"},
	}
	for _, f := range strs {
		s, ok := params[f.idx].(string)
		if !ok {
			return nil, fmt.Errorf("%s must be string", f.name)
		}
		*f.dest = s
	}

	branch, ok := params[4].([]any)
	if !ok {
		return nil, fmt.Errorf("merkle_branch must be array")
	}
	n.MerkleBranch = make([]string, 0, len(branch))
	for _, h := range branch {
		s, ok := h.(string)
		if !ok {
			return nil, fmt.Errorf("merkle_branch entries must be strings")
		}
		n.MerkleBranch = append(n.MerkleBranch, s)
	}

	clean, ok := params[8].(bool)
	if !ok {
		return nil, fmt.Errorf("clean_jobs must be bool")
	}
	n.CleanJobs = clean

	return n, nil
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id any, method string, params []any) *Message {
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewErrorResponse creates a new error response message
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params []any) *Message {
	return &Message{
		ID:     nil,
		Method: method,
		Params: params,
	}
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil && (m.Result != nil || m.Error != nil)
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// ParseSubscribeRequest parses mining.subscribe parameters
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	req := &SubscribeRequest{}

	if len(params) > 0 {
		if userAgent, ok := params[0].(string); ok {
			req.UserAgent = userAgent
		}
	}
	if len(params) > 1 {
		if sessionID, ok := params[1].(string); ok {
			req.SessionID = sessionID
		}
	}

	return req, nil
}

// ParseAuthorizeRequest parses mining.authorize parameters. The password is
// optional; credentials are opaque to the bridge.
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("username must be string")
	}

	req := &AuthorizeRequest{Username: username}
	if len(params) > 1 {
		if password, ok := params[1].(string); ok {
			req.Password = password
		}
	}

	return req, nil
}

// ParseSubmitRequest parses mining.submit parameters
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	fields := make([]string, 5)
	names := []string{"username", "job_id", "extranonce2", "ntime", "nonce"}
	for i := range fields {
		s, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s must be string", names[i])
		}
		fields[i] = s
	}

	return &SubmitRequest{
		Username:    fields[0],
		JobID:       fields[1],
		ExtraNonce2: fields[2],
		NTime:       fields[3],
		Nonce:       fields[4],
	}, nil
}

// ParseNonceHex parses an 8-character hex nonce field into its 32-bit value.
func ParseNonceHex(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("nonce must be 8 hex characters, got %d", len(s))
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid nonce %q: %w", s, err)
	}
	return uint32(v), nil
}
