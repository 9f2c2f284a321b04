package gateway

import (
	"encoding/json"
	"testing"
)

func TestFrameWireShape(t *testing.T) {
	data, err := marshalFrame(Frame{Type: FrameResize, Cols: 120, Rows: 40})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"resize","cols":120,"rows":40}` {
		t.Fatalf("resize frame = %s", data)
	}

	data, _ = marshalFrame(Frame{Type: FrameReady, SessionID: "abc123def456"})
	if string(data) != `{"type":"ready","sessionId":"abc123def456"}` {
		t.Fatalf("ready frame = %s", data)
	}

	// 空 data 字段省略，output 帧只带必要字段
	data, _ = marshalFrame(Frame{Type: FrameOutput, Data: "hello"})
	if string(data) != `{"type":"output","data":"hello"}` {
		t.Fatalf("output frame = %s", data)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	in := []byte(`{"type":"input","data":"echo hello\n"}`)
	var f Frame
	if err := json.Unmarshal(in, &f); err != nil {
		t.Fatal(err)
	}
	if f.Type != FrameInput || f.Data != "echo hello\n" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestTmuxSessionName(t *testing.T) {
	if got := TmuxSessionName("abc123def456"); got != "termflux-abc123def456" {
		t.Fatalf("TmuxSessionName() = %q", got)
	}
}

func TestCloseCodes(t *testing.T) {
	if CloseMissingParams != 4001 || CloseAuthFailed != 4002 ||
		CloseAccessDenied != 4003 || CloseSetupFailed != 4004 {
		t.Fatal("close codes drifted from the wire contract")
	}
}
