package protocol

import (
	"bytes"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{name: "hello", msg: New(CmdHello)},
		{name: "hello ack with name", msg: WithString(CmdHelloAck, "web-container")},
		{name: "uevent", msg: WithData(CmdUEvent, []byte("libudev\x00\x00\x00\x00\x00binary junk"))},
		{name: "sync", msg: WithData(CmdSync, JoinNUL("/devices/pci0000:00/sound/card0", "EG", "E:FOO=bar\nG:seat"))},
		{name: "empty payload", msg: New(CmdBye)},
		{name: "large payload", msg: WithData(CmdUEvent, bytes.Repeat([]byte("x"), 65536))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer

			if err := WriteMessage(&buf, tt.msg); err != nil {
				t.Fatalf("WriteMessage failed: %v", err)
			}

			decoded, err := ReadMessage(&buf)
			if err != nil {
				t.Fatalf("ReadMessage failed: %v", err)
			}

			if decoded.Command != tt.msg.Command {
				t.Errorf("Command: got %q, want %q", decoded.Command, tt.msg.Command)
			}
			if decoded.Type != tt.msg.Type {
				t.Errorf("Type: got %d, want %d", decoded.Type, tt.msg.Type)
			}
			if !bytes.Equal(decoded.Data, tt.msg.Data) {
				t.Errorf("Data mismatch: got %d bytes, want %d bytes", len(decoded.Data), len(tt.msg.Data))
			}
		})
	}
}

func TestMessageFIFO(t *testing.T) {
	var buf bytes.Buffer

	sent := []Message{
		New(CmdHello),
		WithString(CmdHelloAck, "a"),
		WithData(CmdUEvent, bytes.Repeat([]byte("a"), 1)),
		WithData(CmdUEvent, bytes.Repeat([]byte("b"), 4096)),
		WithData(CmdUEvent, nil),
		WithData(CmdSync, JoinNUL("/devices/x", "E", "E:K=V")),
	}

	for _, m := range sent {
		if err := WriteMessage(&buf, m); err != nil {
			t.Fatalf("WriteMessage failed: %v", err)
		}
	}

	for i, want := range sent {
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage[%d] failed: %v", i, err)
		}
		if got.Command != want.Command || !bytes.Equal(got.Data, want.Data) {
			t.Errorf("message[%d]: got %+v, want %+v", i, got, want)
		}
	}
}

func TestJoinSplitNUL(t *testing.T) {
	buf := JoinNUL("/devices/a", "EG", "E:FOO=bar")
	fields, err := SplitNUL(buf, 3)
	if err != nil {
		t.Fatalf("SplitNUL failed: %v", err)
	}
	want := []string{"/devices/a", "EG", "E:FOO=bar"}
	for i := range want {
		if fields[i] != want[i] {
			t.Errorf("field[%d]: got %q, want %q", i, fields[i], want[i])
		}
	}
}

func TestSplitNULTruncated(t *testing.T) {
	buf := JoinNUL("/devices/a")
	if _, err := SplitNUL(buf, 3); err == nil {
		t.Fatal("expected error for truncated NUL fields")
	}
}

func TestMessageUnicodeCommandPayload(t *testing.T) {
	var buf bytes.Buffer
	original := WithString(CmdEcho, "日本語ファイル.txt")

	if err := WriteMessage(&buf, original); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	decoded, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if string(decoded.Data) != "日本語ファイル.txt" {
		t.Errorf("Data: got %q, want %q", decoded.Data, "日本語ファイル.txt")
	}
}
