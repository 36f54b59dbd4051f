package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestUnmarshalRequest(t *testing.T) {
	var msg AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`), &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if msg.Type() != "request" {
		t.Errorf("type = %q, want request", msg.Type())
	}
	req := msg.AsRequest()
	if req == nil || req.Method != "ping" {
		t.Fatalf("AsRequest gave %+v", req)
	}
	if msg.AsResponse() != nil {
		t.Error("request decoded as response")
	}
}

func TestUnmarshalNotification(t *testing.T) {
	var msg AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"tick"}`), &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if msg.Type() != "notification" {
		t.Errorf("type = %q, want notification", msg.Type())
	}
}

func TestUnmarshalResponse(t *testing.T) {
	var msg AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`), &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if msg.Type() != "response" {
		t.Errorf("type = %q, want response", msg.Type())
	}
	if msg.AsRequest() != nil {
		t.Error("response decoded as request")
	}
}

func TestUnmarshalRejectsBadShapes(t *testing.T) {
	cases := map[string]string{
		"wrong version":        `{"jsonrpc":"1.0","id":1,"method":"ping"}`,
		"missing version":      `{"id":1,"method":"ping"}`,
		"method with result":   `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`,
		"result and error":     `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
		"neither side present": `{"jsonrpc":"2.0","id":1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var msg AnyMessage
			if err := json.Unmarshal([]byte(raw), &msg); err == nil {
				t.Errorf("expected error for %s", raw)
			}
		})
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`"abc"`, "abc"},
		{`42`, "42"},
		{`4.5`, "4.5"},
	}
	for _, tc := range cases {
		var id RequestID
		if err := json.Unmarshal([]byte(tc.raw), &id); err != nil {
			t.Fatalf("unmarshal %s failed: %v", tc.raw, err)
		}
		if id.String() != tc.want {
			t.Errorf("String() = %q, want %q", id.String(), tc.want)
		}
		out, err := json.Marshal(&id)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if string(out) != tc.raw {
			t.Errorf("round trip %s -> %s", tc.raw, out)
		}
	}

	var id RequestID
	if err := json.Unmarshal([]byte(`true`), &id); err == nil {
		t.Error("expected error for boolean id")
	}
}

func TestNewResultResponse(t *testing.T) {
	res, err := NewResultResponse(NewRequestID("r1"), map[string]int{"n": 3})
	if err != nil {
		t.Fatalf("NewResultResponse failed: %v", err)
	}
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var msg AnyMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		t.Fatalf("response does not round trip: %v", err)
	}
	if msg.ID.String() != "r1" {
		t.Errorf("id = %q, want r1", msg.ID.String())
	}
}

func TestNewErrorResponseWithNullID(t *testing.T) {
	res := NewErrorResponse(NewRequestID(nil), ErrorCodeParseError, "bad", nil)
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if string(raw["id"]) != "null" {
		t.Errorf("id = %s, want null", raw["id"])
	}
}
