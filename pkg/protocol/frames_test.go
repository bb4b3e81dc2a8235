package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeRequest(t *testing.T) {
	cases := []struct {
		name   string
		in     string
		wantID string
		ok     bool
	}{
		{"valid", `{"type":"req","id":"1","method":"status"}`, "1", true},
		{"not json", `{`, "", false},
		{"event frame", `{"type":"event","event":"tick"}`, "", false},
		{"missing id", `{"type":"req","method":"status"}`, "", false},
		{"missing method keeps id", `{"type":"req","id":"7"}`, "7", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req, err := DecodeRequest([]byte(c.in))
			if c.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			} else if !errors.Is(err, ErrBadFrame) {
				t.Fatalf("err = %v, want ErrBadFrame", err)
			}
			gotID := ""
			if req != nil {
				gotID = req.ID
			}
			if gotID != c.wantID {
				t.Errorf("id = %q, want %q", gotID, c.wantID)
			}
		})
	}
}

func TestFrameType(t *testing.T) {
	if got := FrameType([]byte(`{"type":"res","id":"x"}`)); got != FrameTypeResponse {
		t.Errorf("got %q", got)
	}
	if got := FrameType([]byte(`[1,2]`)); got != "" {
		t.Errorf("array should have no type, got %q", got)
	}
}

func TestNewRequestParams(t *testing.T) {
	req, err := NewRequest("a", MethodConnect, ConnectParams{Token: "t", ProtocolVersion: ProtocolVersion})
	if err != nil {
		t.Fatal(err)
	}
	var p ConnectParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		t.Fatal(err)
	}
	if p.Token != "t" || p.ProtocolVersion != ProtocolVersion {
		t.Errorf("params = %+v", p)
	}

	bare, _ := NewRequest("b", MethodConnect, nil)
	if bare.Params != nil {
		t.Errorf("nil params should be omitted, got %s", bare.Params)
	}
}

func TestRetryableError(t *testing.T) {
	res := NewRetryableError("r", ErrResourceExhausted, "slow down", 1000)
	if res.OK || !res.Error.Retryable || res.Error.RetryAfterMs != 1000 {
		t.Errorf("res = %+v", res.Error)
	}
	if res.Error.Error() != ErrResourceExhausted+": slow down" {
		t.Errorf("Error() = %q", res.Error.Error())
	}
}
