package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crosstalk/ct-bridge/internal/agent"
	"github.com/crosstalk/ct-bridge/internal/jsonrpc"
)

// writeScript drops an executable fake agent into a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}
	return path
}

// echoAgent answers every request with {"ok":true}.
const echoAgent = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9][0-9]*\).*/\1/p')
  if [ -n "$id" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}\n' "$id"
  fi
done
`

func spawn(t *testing.T, script string, cfg agent.Config) *agent.Transport {
	t.Helper()
	cfg.Command = script
	tr, err := agent.Spawn(cfg)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestCall_CorrelatesById(t *testing.T) {
	tr := spawn(t, writeScript(t, echoAgent), agent.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		raw, err := tr.Call(ctx, "initialize", json.RawMessage(`{"protocolVersion":1}`))
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		var result struct {
			OK bool `json:"ok"`
		}
		if err := json.Unmarshal(raw, &result); err != nil || !result.OK {
			t.Fatalf("call %d: unexpected result %s (%v)", i, raw, err)
		}
	}
}

func TestCall_AgentErrorPassthrough(t *testing.T) {
	script := writeScript(t, `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9][0-9]*\).*/\1/p')
  if [ -n "$id" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"error":{"code":-32000,"message":"agent busy","data":{"details":"turn in progress"}}}\n' "$id"
  fi
done
`)
	tr := spawn(t, script, agent.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := tr.Call(ctx, "session/prompt", nil)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *jsonrpc.Error, got %v", err)
	}
	if rpcErr.Code != -32000 || rpcErr.Message != "agent busy" || rpcErr.Details() != "turn in progress" {
		t.Fatalf("unexpected error payload: %#v", rpcErr)
	}
}

func TestNotification_RoutedBySessionBeforeResult(t *testing.T) {
	// The fake agent streams a session/update before answering the call.
	script := writeScript(t, `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9][0-9]*\).*/\1/p')
  if [ -n "$id" ]; then
    printf '{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"sess-1","update":{"kind":"agent_message_chunk"}}}\n'
    printf '{"jsonrpc":"2.0","id":%s,"result":{"stopReason":"end_turn"}}\n' "$id"
  fi
done
`)
	tr := spawn(t, script, agent.Config{})

	var updates atomic.Int64
	tr.Subscribe("sess-1", func(method string, params json.RawMessage) {
		if method != "session/update" {
			t.Errorf("unexpected method %q", method)
		}
		if !strings.Contains(string(params), "agent_message_chunk") {
			t.Errorf("unexpected params %s", params)
		}
		updates.Add(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := tr.Call(ctx, "session/prompt", json.RawMessage(`{"sessionId":"sess-1"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(string(raw), "end_turn") {
		t.Fatalf("unexpected result: %s", raw)
	}
	// The sink fires synchronously from the reader, ahead of the result.
	if got := updates.Load(); got != 1 {
		t.Fatalf("expected the update before the result, got %d updates", got)
	}

	// Unknown sessions are discarded without touching other sinks.
	tr.Unsubscribe("sess-1")
	if _, err := tr.Call(ctx, "session/prompt", json.RawMessage(`{"sessionId":"sess-1"}`)); err != nil {
		t.Fatalf("call after unsubscribe: %v", err)
	}
	if got := updates.Load(); got != 1 {
		t.Fatalf("unsubscribed sink must not fire, got %d updates", got)
	}
}

func TestClientRoleRequest_Dispatched(t *testing.T) {
	// The fake agent issues a client-role request at startup and copies the
	// bridge's reply into $REPLY_FILE.
	script := writeScript(t, `
printf '{"jsonrpc":"2.0","id":900,"method":"fs/read_text_file","params":{"sessionId":"sess-1","path":"/project/a.txt"}}\n'
IFS= read -r reply
printf '%s' "$reply" > "$REPLY_FILE"
`)
	replyFile := filepath.Join(t.TempDir(), "reply.json")
	tr := spawn(t, script, agent.Config{Env: map[string]string{"REPLY_FILE": replyFile}})

	tr.SetClientHandler(func(ctx context.Context, method string, params json.RawMessage) (any, *jsonrpc.Error) {
		if method != "fs/read_text_file" {
			return nil, jsonrpc.MethodNotFound(method)
		}
		return map[string]any{"content": "hello"}, nil
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		raw, err := os.ReadFile(replyFile)
		if err == nil && len(raw) > 0 {
			if !strings.Contains(string(raw), `"id":900`) || !strings.Contains(string(raw), "hello") {
				t.Fatalf("unexpected reply to agent: %s", raw)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent never received a reply")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestClientRoleRequest_EmptySuccessCarriesNullResult(t *testing.T) {
	script := writeScript(t, `
printf '{"jsonrpc":"2.0","id":901,"method":"fs/write_text_file","params":{"sessionId":"sess-1","path":"/project/a.txt","content":"x"}}\n'
IFS= read -r reply
printf '%s' "$reply" > "$REPLY_FILE"
`)
	replyFile := filepath.Join(t.TempDir(), "reply.json")
	tr := spawn(t, script, agent.Config{Env: map[string]string{"REPLY_FILE": replyFile}})

	tr.SetClientHandler(func(ctx context.Context, method string, params json.RawMessage) (any, *jsonrpc.Error) {
		return nil, nil
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		raw, err := os.ReadFile(replyFile)
		if err == nil && len(raw) > 0 {
			if !strings.Contains(string(raw), `"result":null`) {
				t.Fatalf("empty success must carry an explicit null result: %s", raw)
			}
			if strings.Contains(string(raw), `"error"`) {
				t.Fatalf("success reply must not carry an error member: %s", raw)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent never received a reply")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// logSink is a goroutine-safe slog target.
type logSink struct {
	mu sync.Mutex
	b  strings.Builder
}

func (l *logSink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *logSink) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestAgentExit_TrailingStderrIsLogged(t *testing.T) {
	// The fake agent emits one last stderr line and dies immediately.
	script := writeScript(t, `
echo "final diagnostic before exit" 1>&2
exit 7
`)
	sink := &logSink{}
	logger := slog.New(slog.NewTextHandler(sink, nil))
	tr := spawn(t, script, agent.Config{Logger: logger})

	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done never closed")
	}

	// The exit fan-out runs only after the stderr drain, so the trailing
	// line must already be logged once Done is closed.
	if !strings.Contains(sink.String(), "final diagnostic before exit") {
		t.Fatalf("trailing stderr line lost, logged:\n%s", sink.String())
	}
}

func TestAgentExit_FailsPendingAndSignalsDone(t *testing.T) {
	// The fake agent reads one frame and exits without answering.
	script := writeScript(t, `
IFS= read -r line
exit 3
`)
	exited := make(chan error, 1)
	tr := spawn(t, script, agent.Config{OnExit: func(err error) { exited <- err }})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := tr.Call(ctx, "session/prompt", nil)
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.Message != "agent exited" {
			t.Fatalf("expected agent exited error, got %#v", rpcErr)
		}
	} else if !errors.Is(err, agent.ErrAgentExited) {
		t.Fatalf("expected agent exit failure, got %v", err)
	}

	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done never closed")
	}
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("OnExit never ran")
	}

	// Subsequent calls fail fast.
	if _, err := tr.Call(ctx, "initialize", nil); err == nil {
		t.Fatal("expected failure after exit")
	}
}
