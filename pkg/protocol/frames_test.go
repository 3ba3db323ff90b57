package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeFrame_Kinds(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, v any)
	}{
		{
			name: "req",
			raw:  `{"type":"req","id":"1","method":"health","params":{}}`,
			check: func(t *testing.T, v any) {
				req, ok := v.(*Request)
				if !ok {
					t.Fatalf("expected *Request, got %T", v)
				}
				if req.Method != "health" {
					t.Errorf("method = %q, want health", req.Method)
				}
			},
		},
		{
			name: "event",
			raw:  `{"type":"event","event":"agent","seq":7,"payload":{"stream":"assistant"}}`,
			check: func(t *testing.T, v any) {
				ev, ok := v.(*Event)
				if !ok {
					t.Fatalf("expected *Event, got %T", v)
				}
				if ev.Seq != 7 {
					t.Errorf("seq = %d, want 7", ev.Seq)
				}
			},
		},
		{
			name: "res with error",
			raw:  `{"type":"res","id":"1","ok":false,"error":{"code":"UNKNOWN_METHOD","message":"nope"}}`,
			check: func(t *testing.T, v any) {
				res, ok := v.(*Response)
				if !ok {
					t.Fatalf("expected *Response, got %T", v)
				}
				if res.Error == nil || res.Error.Code != ErrUnknownMethod {
					t.Errorf("error = %+v, want UNKNOWN_METHOD", res.Error)
				}
			},
		},
		{name: "req missing id", raw: `{"type":"req","method":"health"}`, wantErr: true},
		{name: "unknown kind", raw: `{"type":"ping"}`, wantErr: true},
		{name: "not json", raw: `{{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := DecodeFrame([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %T", v)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			tt.check(t, v)
		})
	}
}

func TestVersionCompatible(t *testing.T) {
	tests := []struct {
		min, max int
		want     bool
	}{
		{ProtocolVersion, ProtocolVersion, true},
		{1, ProtocolVersion + 5, true},
		{ProtocolVersion + 1, ProtocolVersion + 2, false},
		{1, ProtocolVersion - 1, false},
		{1, 0, true}, // no upper bound
	}
	for _, tt := range tests {
		if got := VersionCompatible(tt.min, tt.max); got != tt.want {
			t.Errorf("VersionCompatible(%d, %d) = %v, want %v", tt.min, tt.max, got, tt.want)
		}
	}
}

func TestNewResponse_RoundPayload(t *testing.T) {
	res := NewResponse("42", ChatSendResult{RunID: "r1", Status: "started"})
	if !res.OK || res.ID != "42" {
		t.Fatalf("unexpected response envelope: %+v", res)
	}
	var out ChatSendResult
	if err := json.Unmarshal(res.Payload, &out); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if out.RunID != "r1" || out.Status != "started" {
		t.Errorf("payload = %+v", out)
	}
}

func TestHasScope_AdminImpliesAll(t *testing.T) {
	scopes := []string{ScopeAdmin}
	for _, want := range []string{ScopeRead, ScopeWrite, ScopeApprovals, ScopePairing} {
		if !HasScope(scopes, want) {
			t.Errorf("admin should imply %s", want)
		}
	}
	if HasScope([]string{ScopeRead}, ScopeApprovals) {
		t.Error("read should not imply approvals")
	}
}
