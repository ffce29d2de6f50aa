// Package agent runs the ACP agent as a child process and speaks JSON-RPC
// 2.0 over newline-delimited frames on its stdio. One transport is shared
// by every controller connection; traffic is demultiplexed by request id
// and session id.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/crosstalk/ct-bridge/internal/jsonrpc"
	"github.com/crosstalk/ct-bridge/internal/shared"
)

// ErrAgentExited is returned by Call once the child process is gone.
var ErrAgentExited = errors.New("agent process exited")

// maxFrameSize bounds a single stdout line. Agent turns can carry large
// diffs, so this is generous.
const maxFrameSize = 16 * 1024 * 1024

// Config describes the agent child process.
type Config struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	Logger  *slog.Logger
	// OnExit runs once when the process dies, after pending calls fail.
	OnExit func(err error)
}

// NotificationSink receives agent notifications for one session. Sinks are
// invoked synchronously from the stdout reader so notification order is
// preserved relative to the final result of the call that produced them.
type NotificationSink func(method string, params json.RawMessage)

// ClientHandler services client-role requests the agent sends back to the
// bridge (fs/read_text_file, fs/write_text_file, session/request_permission
// relays). A nil result with a nil error is a valid empty success.
type ClientHandler func(ctx context.Context, method string, params json.RawMessage) (any, *jsonrpc.Error)

// Transport owns the child process and its stdio framing.
type Transport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	writeMu sync.Mutex

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan jsonrpc.Response

	sinkMu sync.RWMutex
	sinks  map[string]NotificationSink

	handlerMu sync.RWMutex
	handler   ClientHandler

	stderrDone chan struct{}

	done     chan struct{}
	exitOnce sync.Once
	exitErr  error
	onExit   func(err error)
}

// Spawn starts the agent process and the stdout/stderr readers.
func Spawn(cfg Config) (*Transport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("agent command is empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %q: %w", cfg.Command, err)
	}

	t := &Transport{
		cmd:        cmd,
		stdin:      stdin,
		logger:     logger,
		pending:    make(map[int64]chan jsonrpc.Response),
		sinks:      make(map[string]NotificationSink),
		stderrDone: make(chan struct{}),
		done:       make(chan struct{}),
		onExit:     cfg.OnExit,
	}

	go t.readStdout(stdout)
	go t.readStderr(stderr)

	return t, nil
}

// SetClientHandler installs the dispatcher for agent-originated requests.
func (t *Transport) SetClientHandler(h ClientHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = h
}

// Subscribe routes notifications carrying the given session id to sink.
func (t *Transport) Subscribe(sessionID string, sink NotificationSink) {
	t.sinkMu.Lock()
	defer t.sinkMu.Unlock()
	t.sinks[sessionID] = sink
}

// Unsubscribe drops the sink for a session.
func (t *Transport) Unsubscribe(sessionID string) {
	t.sinkMu.Lock()
	defer t.sinkMu.Unlock()
	delete(t.sinks, sessionID)
}

// Done is closed when the agent process has exited.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// ExitErr reports why the process died. Valid after Done is closed.
func (t *Transport) ExitErr() error {
	select {
	case <-t.done:
		return t.exitErr
	default:
		return nil
	}
}

// Call sends a request to the agent and blocks for its response. Errors the
// agent returns come back as *jsonrpc.Error; transport faults (exit,
// cancellation) as ordinary errors.
func (t *Transport) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	select {
	case <-t.done:
		return nil, fmt.Errorf("%w: %s", ErrAgentExited, method)
	default:
	}

	id := t.nextID.Add(1)
	req := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      int64           `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{jsonrpc.Version, id, method, params}

	ch := make(chan jsonrpc.Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()

	if err := t.writeFrame(req); err != nil {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-t.done:
		// A response may have landed just before the exit fan-out.
		select {
		case resp := <-ch:
			return unpack(resp)
		default:
			return nil, fmt.Errorf("%w: %s", ErrAgentExited, method)
		}
	case resp := <-ch:
		return unpack(resp)
	}
}

func unpack(resp jsonrpc.Response) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	raw, _ := resp.Result.(json.RawMessage)
	return raw, nil
}

// Notify sends an id-less frame to the agent.
func (t *Transport) Notify(ctx context.Context, method string, params json.RawMessage) error {
	select {
	case <-t.done:
		return fmt.Errorf("%w: %s", ErrAgentExited, method)
	default:
	}
	return t.writeFrame(struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{jsonrpc.Version, method, params})
}

// Close terminates the child process.
func (t *Transport) Close() error {
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}

func (t *Transport) writeFrame(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write agent stdin: %w", err)
	}
	return nil
}

// frame is the union shape of everything the agent can emit.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc.Error  `json:"error,omitempty"`
}

func (t *Transport) readStdout(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			t.logger.Warn("agent emitted malformed frame", "error", err)
			continue
		}
		switch {
		case f.Method == "" && len(f.ID) > 0:
			t.routeResponse(f)
		case f.Method != "" && len(f.ID) > 0 && string(f.ID) != "null":
			// Client-role request from the agent. Handled off the reader
			// goroutine so a blocked handler cannot stall the stream.
			go t.dispatchRequest(f)
		case f.Method != "":
			t.routeNotification(f)
		default:
			t.logger.Warn("agent frame with neither method nor id")
		}
	}

	// Wait closes the pipes, so it must not run until stderr is drained or
	// trailing diagnostics from a dying agent are lost.
	<-t.stderrDone
	err := t.cmd.Wait()
	t.fail(err)
}

func (t *Transport) readStderr(stderr io.Reader) {
	defer close(t.stderrDone)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		t.logger.Warn("agent stderr", "line", shared.Redact(scanner.Text()))
	}
}

func (t *Transport) routeResponse(f frame) {
	id, err := strconv.ParseInt(string(f.ID), 10, 64)
	if err != nil {
		t.logger.Warn("agent response with non-numeric id", "id", string(f.ID))
		return
	}
	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
	if !ok {
		t.logger.Warn("agent response for unknown id", "id", id)
		return
	}
	resp := jsonrpc.Response{JSONRPC: f.JSONRPC, ID: f.ID, Error: f.Error}
	if f.Result != nil {
		resp.Result = f.Result
	}
	ch <- resp
}

// routeNotification delivers synchronously so the session/update stream
// stays ordered ahead of the prompt's final result.
func (t *Transport) routeNotification(f frame) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(f.Params, &p)

	t.sinkMu.RLock()
	sink, ok := t.sinks[p.SessionID]
	t.sinkMu.RUnlock()
	if !ok {
		t.logger.Debug("discarding notification for unknown session", "method", f.Method, "session_id", p.SessionID)
		return
	}
	sink(f.Method, f.Params)
}

func (t *Transport) dispatchRequest(f frame) {
	t.handlerMu.RLock()
	handler := t.handler
	t.handlerMu.RUnlock()

	var result any
	var rpcErr *jsonrpc.Error
	if handler == nil {
		rpcErr = jsonrpc.MethodNotFound(f.Method)
	} else {
		result, rpcErr = handler(context.Background(), f.Method, f.Params)
	}

	resp := jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: f.ID, Result: result, Error: rpcErr}
	if err := t.writeFrame(resp); err != nil {
		t.logger.Warn("reply to agent request failed", "method", f.Method, "error", err)
	}
}

// fail closes the transport: every pending call errors, sinks are dropped,
// and the exit hook runs exactly once.
func (t *Transport) fail(err error) {
	t.exitOnce.Do(func() {
		if err == nil {
			err = errors.New("process exited")
		}
		t.exitErr = err

		t.pendingMu.Lock()
		for id, ch := range t.pending {
			delete(t.pending, id)
			ch <- jsonrpc.Response{Error: jsonrpc.AgentExited(err.Error())}
		}
		t.pendingMu.Unlock()

		t.sinkMu.Lock()
		t.sinks = make(map[string]NotificationSink)
		t.sinkMu.Unlock()

		close(t.done)
		t.logger.Error("agent process exited", "error", err)
		if t.onExit != nil {
			t.onExit(err)
		}
	})
}
