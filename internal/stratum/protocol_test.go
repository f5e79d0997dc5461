package stratum

import (
	"reflect"
	"testing"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    *Message
		wantErr bool
	}{
		{
			name: "valid subscribe request",
			data: `{"id": 1, "method": "mining.subscribe", "params": ["miner/1.0"]}`,
			want: &Message{
				ID:     float64(1),
				Method: "mining.subscribe",
				Params: []any{"miner/1.0"},
			},
		},
		{
			name: "valid response",
			data: `{"id": 2, "result": true}`,
			want: &Message{
				ID:     float64(2),
				Result: true,
			},
		},
		{
			name: "error response",
			data: `{"id": 3, "error": {"code": 21, "message": "Job not found"}}`,
			want: &Message{
				ID:    float64(3),
				Error: &Error{Code: 21, Message: "Job not found"},
			},
		},
		{
			name: "notification without id",
			data: `{"id": null, "method": "mining.set_difficulty", "params": [16]}`,
			want: &Message{
				Method: "mining.set_difficulty",
				Params: []any{float64(16)},
			},
		},
		{
			name:    "invalid json",
			data:    `{"id": 1, "method"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseMessage() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMessageClassification(t *testing.T) {
	tests := []struct {
		name           string
		msg            *Message
		isRequest      bool
		isResponse     bool
		isNotification bool
	}{
		{
			name:      "request",
			msg:       &Message{ID: 1, Method: "mining.submit", Params: []any{}},
			isRequest: true,
		},
		{
			name:       "response",
			msg:        &Message{ID: 1, Result: true},
			isResponse: true,
		},
		{
			name:       "error response",
			msg:        &Message{ID: 1, Error: &Error{Code: 20, Message: "Other"}},
			isResponse: true,
		},
		{
			name:           "notification",
			msg:            &Message{Method: "mining.notify", Params: []any{}},
			isNotification: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.IsRequest(); got != tt.isRequest {
				t.Errorf("IsRequest() = %v, want %v", got, tt.isRequest)
			}
			if got := tt.msg.IsResponse(); got != tt.isResponse {
				t.Errorf("IsResponse() = %v, want %v", got, tt.isResponse)
			}
			if got := tt.msg.IsNotification(); got != tt.isNotification {
				t.Errorf("IsNotification() = %v, want %v", got, tt.isNotification)
			}
		})
	}
}

func TestParseAuthorizeRequest(t *testing.T) {
	tests := []struct {
		name    string
		params  []any
		want    *AuthorizeRequest
		wantErr bool
	}{
		{
			name:   "username and password",
			params: []any{"wallet.worker1", "x"},
			want:   &AuthorizeRequest{Username: "wallet.worker1", Password: "x"},
		},
		{
			name:   "password omitted",
			params: []any{"wallet.worker1"},
			want:   &AuthorizeRequest{Username: "wallet.worker1"},
		},
		{
			name:    "empty params",
			params:  []any{},
			wantErr: true,
		},
		{
			name:    "non-string username",
			params:  []any{42},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAuthorizeRequest(tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAuthorizeRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseAuthorizeRequest() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseSubmitRequest(t *testing.T) {
	tests := []struct {
		name    string
		params  []any
		want    *SubmitRequest
		wantErr bool
	}{
		{
			name:   "valid submit",
			params: []any{"wallet.worker1", "job-7", "00000000", "5a54a978", "deadbeef"},
			want: &SubmitRequest{
				Username:    "wallet.worker1",
				JobID:       "job-7",
				ExtraNonce2: "00000000",
				NTime:       "5a54a978",
				Nonce:       "deadbeef",
			},
		},
		{
			name:    "too few params",
			params:  []any{"wallet.worker1", "job-7"},
			wantErr: true,
		},
		{
			name:    "non-string nonce",
			params:  []any{"wallet.worker1", "job-7", "00000000", "5a54a978", 3735928559},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubmitRequest(tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSubmitRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSubmitRequest() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNotifyParamsRoundTrip(t *testing.T) {
	n := &NotifyParams{
		JobID:        "job-42",
		PrevHash:     "00000000000000000007e5b1",
		Coinb1:       "01000000",
		Coinb2:       "ffffffff",
		MerkleBranch: []string{"aa", "bb"},
		Version:      "20000000",
		NBits:        "1800c29f",
		NTime:        "5a54a978",
		CleanJobs:    true,
	}

	parsed, err := ParseNotifyParams(n.ToParams())
	if err != nil {
		t.Fatalf("ParseNotifyParams() error = %v", err)
	}
	if !reflect.DeepEqual(parsed, n) {
		t.Errorf("round trip = %+v, want %+v", parsed, n)
	}
}

func TestParseNotifyParamsErrors(t *testing.T) {
	tests := []struct {
		name   string
		params []any
	}{
		{
			name:   "too few params",
			params: []any{"job-1", "prev", "c1", "c2"},
		},
		{
			name:   "non-array merkle branch",
			params: []any{"job-1", "prev", "c1", "c2", "not-array", "v", "b", "t", true},
		},
		{
			name:   "non-bool clean flag",
			params: []any{"job-1", "prev", "c1", "c2", []any{}, "v", "b", "t", "yes"},
		},
		{
			name:   "non-string merkle entry",
			params: []any{"job-1", "prev", "c1", "c2", []any{1}, "v", "b", "t", true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseNotifyParams(tt.params); err == nil {
				t.Error("ParseNotifyParams() accepted malformed params")
			}
		})
	}
}

func TestParseNonceHex(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    uint32
		wantErr bool
	}{
		{name: "valid nonce", input: "deadbeef", want: 0xdeadbeef},
		{name: "zero nonce", input: "00000000", want: 0},
		{name: "uppercase", input: "DEADBEEF", want: 0xdeadbeef},
		{name: "too short", input: "beef", wantErr: true},
		{name: "too long", input: "deadbeef00", wantErr: true},
		{name: "non-hex", input: "deadbexf", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNonceHex(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseNonceHex() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseNonceHex() = %08x, want %08x", got, tt.want)
			}
		})
	}
}

func TestMarshalMessageOmitsEmptyFields(t *testing.T) {
	data, err := MarshalMessage(NewResponse(1, true))
	if err != nil {
		t.Fatalf("MarshalMessage() error = %v", err)
	}
	if got := string(data); got != `{"id":1,"result":true}` {
		t.Errorf("MarshalMessage() = %s", got)
	}
}
