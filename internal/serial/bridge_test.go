package serial

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/bandsox/bandsox/internal/wire"
)

func TestDispatchExecResult(t *testing.T) {
	t.Parallel()

	resCh := make(chan wire.ExecResult, 1)
	pr, pw := io.Pipe()
	b := NewBridge(io.Discard, pr, Events{
		OnExecResult: func(res wire.ExecResult) { resCh <- res },
	}, nil)
	defer b.Close()

	record := `{"type":"exec_result","id":"c1","cmd_id":"c1","exit_code":3,"stdout_tail":"hi\n"}` + "\n"
	go pw.Write([]byte(record))

	select {
	case res := <-resCh:
		if res.CmdID != "c1" || res.ExitCode != 3 || res.StdoutTail != "hi\n" {
			t.Fatalf("result = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exec result never dispatched")
	}
}

func TestNonJSONLinesGoToConsole(t *testing.T) {
	t.Parallel()

	consoleCh := make(chan string, 4)
	pr, pw := io.Pipe()
	b := NewBridge(io.Discard, pr, Events{
		OnConsole: func(line string) { consoleCh <- line },
	}, nil)
	defer b.Close()

	go pw.Write([]byte("[    0.000000] Linux version 5.10\nEXT4-fs (vda): mounted\n"))

	for i := 0; i < 2; i++ {
		select {
		case line := <-consoleCh:
			if !strings.Contains(line, "Linux") && !strings.Contains(line, "EXT4") {
				t.Fatalf("unexpected console line %q", line)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("console line never dispatched")
		}
	}
}

func TestRepliesCorrelatedByID(t *testing.T) {
	t.Parallel()

	replyCh := make(chan wire.Envelope, 1)
	pr, pw := io.Pipe()
	b := NewBridge(io.Discard, pr, Events{
		OnReply: func(env wire.Envelope) { replyCh <- env },
	}, nil)
	defer b.Close()

	go pw.Write([]byte(`{"type":"success","id":"up_7","size":12}` + "\n"))

	select {
	case env := <-replyCh:
		if env.Type != wire.TypeSuccess || env.ID != "up_7" {
			t.Fatalf("reply = %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply never dispatched")
	}
}

func TestSendWritesOneLine(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	b := NewBridge(&out, strings.NewReader(""), Events{}, nil)
	defer b.Close()

	msg := wire.Exec{Type: wire.TypeExec, ID: "c2", CmdID: "c2", Argv: []string{"true"}}
	if err := b.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	line := out.String()
	if !strings.HasSuffix(line, "\n") || strings.Count(line, "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", line)
	}
	var decoded wire.Exec
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.CmdID != "c2" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	t.Parallel()

	b := NewBridge(io.Discard, strings.NewReader(""), Events{}, nil)
	b.Close()
	b.Close() // idempotent

	if err := b.Send(wire.Pong{Type: wire.TypePing}); err == nil {
		t.Fatal("expected error after Close")
	}
}

func TestOversizedRecordRejected(t *testing.T) {
	t.Parallel()

	b := NewBridge(io.Discard, strings.NewReader(""), Events{}, nil)
	defer b.Close()

	huge := wire.Upload{
		Type:    wire.TypeUpload,
		ID:      "big",
		Path:    "/tmp/x",
		DataB64: strings.Repeat("A", maxLineSize),
	}
	if err := b.Send(huge); err == nil {
		t.Fatal("expected oversized record to be rejected")
	}
}
