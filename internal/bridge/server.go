// Package bridge is the WebSocket front of the ACP bridge: connection
// admission, JSON-RPC dispatch, session routing, and the client-role
// filesystem and login handlers.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/crosstalk/ct-bridge/internal/agent"
	"github.com/crosstalk/ct-bridge/internal/audit"
	"github.com/crosstalk/ct-bridge/internal/jsonrpc"
	"github.com/crosstalk/ct-bridge/internal/otelx"
	"github.com/crosstalk/ct-bridge/internal/permission"
	"github.com/crosstalk/ct-bridge/internal/sandbox"
	"github.com/crosstalk/ct-bridge/internal/shared"
)

// Subprotocol is the only WebSocket subprotocol the bridge speaks. Offers
// are matched case-insensitively; the response echoes this exact token.
const Subprotocol = "acp.jsonrpc.v1"

// maxWSFrame bounds a controller frame.
const maxWSFrame = 16 * 1024 * 1024

// outboundQueueSize bounds the frames queued toward one controller. A
// controller that stops reading hits the bound and is disconnected instead
// of suspending the goroutine that produced the frame.
const outboundQueueSize = 256

// AgentTransport is what the dispatcher needs from the agent side. It is
// satisfied by *agent.Transport; tests substitute an in-process double.
type AgentTransport interface {
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params json.RawMessage) error
	Subscribe(sessionID string, sink agent.NotificationSink)
	Unsubscribe(sessionID string)
	SetClientHandler(h agent.ClientHandler)
	Done() <-chan struct{}
}

// Config wires the server's collaborators.
type Config struct {
	BridgeID     string
	Origins      func() []string
	ProjectRoots func() []string
	Guard        *sandbox.Guard
	Permissions  *permission.Engine
	Audit        *audit.Log
	Transport    AgentTransport
	Logger       *slog.Logger
	Metrics      *otelx.Metrics
	// CLIBinName is the login CLI looked up for auth/cli_login when the
	// request names no agent. Defaults to "claude".
	CLIBinName string
}

// Server accepts controller WebSockets and routes ACP traffic.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *otelx.Metrics
	schemas *schemaSet

	sessMu   sync.RWMutex
	sessions map[string]*session
}

// New builds the server and installs the client-role handler on the agent
// transport so agent-originated fs requests are serviced identically.
func New(cfg Config) (*Server, error) {
	if cfg.BridgeID == "" {
		return nil, fmt.Errorf("bridge id is empty")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("agent transport is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otelx.NopMetrics()
	}
	if cfg.CLIBinName == "" {
		cfg.CLIBinName = "claude"
	}

	schemas, err := compileSchemas()
	if err != nil {
		return nil, fmt.Errorf("compile param schemas: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		schemas:  schemas,
		sessions: make(map[string]*session),
	}

	cfg.Transport.SetClientHandler(func(ctx context.Context, method string, params json.RawMessage) (any, *jsonrpc.Error) {
		switch method {
		case "fs/read_text_file":
			return s.readTextFile(ctx, params)
		case "fs/write_text_file":
			return s.writeTextFile(ctx, params)
		default:
			return nil, jsonrpc.MethodNotFound(method)
		}
	})

	return s, nil
}

// Handler returns the HTTP mux: the WS endpoint at / and a health probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", s.handleWS)
	return mux
}

// conn is one controller WebSocket. All outbound frames pass through a
// bounded queue drained by a single writer goroutine; request handling runs
// concurrently.
type conn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger

	out chan []byte

	stateMu     sync.Mutex
	initialized bool
	sessions    map[string]struct{}
}

// write queues a frame for the writer goroutine and never blocks the
// caller. A full queue means the controller has stopped reading; the
// connection is torn down rather than stalling notification fan-out or the
// agent's stdout reader.
func (c *conn) write(_ context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	select {
	case c.out <- b:
		return nil
	default:
		c.logger.Warn("ws: outbound queue full, dropping controller")
		_ = c.ws.CloseNow()
		return fmt.Errorf("outbound queue full")
	}
}

// writeLoop is the connection's only writer. The queue preserves enqueue
// order, so per-session notifications still precede the result that follows
// them.
func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.out:
			if err := c.ws.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
	}
}

func (c *conn) markInitialized() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.initialized = true
}

func (c *conn) isInitialized() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.initialized
}

func (c *conn) addSession(id string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.sessions[id] = struct{}{}
}

func (c *conn) sessionIDs() []string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !s.originAllowed(origin) {
		s.logger.Warn("ws: origin rejected", "origin", origin)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
		// The exact-match allow-list above replaces the library's
		// pattern-based origin check.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("ws: upgrade failed", "error", err)
		return
	}
	if ws.Subprotocol() != Subprotocol {
		s.logger.Warn("ws: subprotocol missing", "offered", r.Header.Get("Sec-WebSocket-Protocol"))
		_ = ws.Close(websocket.StatusPolicyViolation, "subprotocol "+Subprotocol+" required")
		return
	}
	ws.SetReadLimit(maxWSFrame)

	id := shared.NewTraceID()
	c := &conn{
		id:       id,
		ws:       ws,
		logger:   s.logger.With("conn_id", id),
		out:      make(chan []byte, outboundQueueSize),
		sessions: make(map[string]struct{}),
	}
	c.logger.Info("ws: controller connected", "origin", origin)
	s.metrics.ConnOpened(r.Context())

	defer func() {
		s.dropConnSessions(c)
		s.metrics.ConnClosed(context.Background())
		c.logger.Info("ws: controller disconnecting")
		_ = ws.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := shared.WithConnID(r.Context(), c.id)
	go c.writeLoop(ctx)
	for {
		// Read raw so malformed JSON yields a -32700 response instead of
		// tearing the connection down. Text and binary are both accepted.
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		s.metrics.FrameIn(ctx)

		var req jsonrpc.Request
		if err := json.Unmarshal(data, &req); err != nil {
			_ = c.write(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError()))
			continue
		}
		if req.Method == "" {
			if !req.IsNotification() {
				_ = c.write(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidRequest("frame has no method")))
			}
			continue
		}

		if req.IsNotification() {
			s.handleNotification(ctx, c, req)
			continue
		}

		// Concurrent dispatch keeps session/cancel responsive while a
		// prompt turn or permission round-trip is in flight.
		go func(req jsonrpc.Request) {
			resp := s.handleRequest(ctx, c, req)
			if err := c.write(ctx, resp); err != nil {
				c.logger.Warn("ws: write response failed", "method", req.Method, "error", err)
			}
		}(req)
	}
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range s.cfg.Origins() {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

// session tracks one agent session and the permission prompts in flight
// for it, so session/cancel can resolve them locally.
type session struct {
	id   string
	conn *conn

	mu      sync.Mutex
	nextKey int64
	cancels map[int64]context.CancelFunc
}

// promptContext derives a context that session/cancel can cancel. The
// returned release must run when the prompt resolves.
func (sess *session) promptContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sess.mu.Lock()
	sess.nextKey++
	key := sess.nextKey
	sess.cancels[key] = cancel
	sess.mu.Unlock()

	return ctx, func() {
		sess.mu.Lock()
		delete(sess.cancels, key)
		sess.mu.Unlock()
		cancel()
	}
}

func (sess *session) cancelPrompts() {
	sess.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(sess.cancels))
	for k, cancel := range sess.cancels {
		cancels = append(cancels, cancel)
		delete(sess.cancels, k)
	}
	sess.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *Server) registerSession(c *conn, sessionID string) {
	sess := &session{id: sessionID, conn: c, cancels: make(map[int64]context.CancelFunc)}
	s.sessMu.Lock()
	s.sessions[sessionID] = sess
	s.sessMu.Unlock()
	c.addSession(sessionID)
	s.metrics.SessionOpened(context.Background())

	// Agent notifications for this session queue to the owning conn in
	// arrival order. The sink runs on the transport's reader goroutine, so
	// it must never block; write only enqueues.
	s.cfg.Transport.Subscribe(sessionID, func(method string, params json.RawMessage) {
		if err := c.write(context.Background(), jsonrpc.NewNotification(method, params)); err != nil {
			c.logger.Warn("ws: forward notification failed", "method", method, "error", err)
		}
	})
}

func (s *Server) session(sessionID string) *session {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	return s.sessions[sessionID]
}

// dropConnSessions tears down every session owned by a disconnecting
// controller: sinks unsubscribe and in-flight prompts cancel.
func (s *Server) dropConnSessions(c *conn) {
	for _, id := range c.sessionIDs() {
		s.cfg.Transport.Unsubscribe(id)
		s.sessMu.Lock()
		sess := s.sessions[id]
		delete(s.sessions, id)
		s.sessMu.Unlock()
		if sess != nil {
			sess.cancelPrompts()
		}
		s.metrics.SessionClosed(context.Background())
	}
}
