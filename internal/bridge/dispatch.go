package bridge

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/crosstalk/ct-bridge/internal/agent"
	"github.com/crosstalk/ct-bridge/internal/jsonrpc"
)

func (s *Server) handleRequest(ctx context.Context, c *conn, req jsonrpc.Request) jsonrpc.Response {
	var (
		result any
		rpcErr *jsonrpc.Error
	)

	switch req.Method {
	case "initialize":
		result, rpcErr = s.handleInitialize(ctx, c, req.Params)
	case "auth/cli_login":
		// Callable before initialize: a fresh install has to log in first.
		result, rpcErr = s.handleCliLogin(ctx, c, req.Params)
	default:
		if !c.isInitialized() {
			rpcErr = jsonrpc.MethodNotFound(req.Method)
			break
		}
		switch req.Method {
		case "session/new":
			result, rpcErr = s.handleSessionNew(ctx, c, req.Params)
		case "session/prompt":
			result, rpcErr = s.handleSessionPrompt(ctx, c, req.Params)
		case "session/cancel":
			// Normally a notification; honored as a request too.
			s.cancelSession(ctx, req.Params)
			result = map[string]any{}
		case "fs/read_text_file":
			result, rpcErr = s.readTextFile(ctx, req.Params)
		case "fs/write_text_file":
			result, rpcErr = s.writeTextFile(ctx, req.Params)
		default:
			rpcErr = jsonrpc.MethodNotFound(req.Method)
		}
	}

	if rpcErr != nil {
		return jsonrpc.NewErrorResponse(req.ID, rpcErr)
	}
	return jsonrpc.NewResult(req.ID, result)
}

func (s *Server) handleNotification(ctx context.Context, c *conn, req jsonrpc.Request) {
	switch req.Method {
	case "session/cancel":
		s.cancelSession(ctx, req.Params)
	default:
		c.logger.Debug("ws: ignoring notification", "method", req.Method)
	}
}

// initializeParams is the subset the bridge validates; the rest is the
// agent's business and forwards untouched.
type initializeParams struct {
	Capabilities struct {
		FS struct {
			ReadTextFile  *bool `json:"readTextFile"`
			WriteTextFile *bool `json:"writeTextFile"`
		} `json:"fs"`
	} `json:"capabilities"`
}

func (s *Server) handleInitialize(ctx context.Context, c *conn, params json.RawMessage) (any, *jsonrpc.Error) {
	var p initializeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.InvalidParams("initialize params are not an object")
	}
	if p.Capabilities.FS.ReadTextFile == nil || !*p.Capabilities.FS.ReadTextFile {
		return nil, jsonrpc.InvalidParams("capabilities.fs.readTextFile must be true")
	}
	if p.Capabilities.FS.WriteTextFile == nil || !*p.Capabilities.FS.WriteTextFile {
		return nil, jsonrpc.InvalidParams("capabilities.fs.writeTextFile must be true")
	}

	raw, err := s.cfg.Transport.Call(ctx, "initialize", params)
	if err != nil {
		return nil, s.asRPCError(err)
	}

	result := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, jsonrpc.Internal("agent initialize result is not an object")
		}
	}

	// Stamp the bridge identity and echo the fs capabilities so the
	// controller knows the client-role surface is live.
	meta, _ := result["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["bridgeId"] = s.cfg.BridgeID
	result["_meta"] = meta

	caps, _ := result["capabilities"].(map[string]any)
	if caps == nil {
		caps = map[string]any{}
	}
	caps["fs"] = map[string]any{"readTextFile": true, "writeTextFile": true}
	result["capabilities"] = caps

	c.markInitialized()
	c.logger.Info("acp: initialized")
	return result, nil
}

func (s *Server) handleSessionNew(ctx context.Context, c *conn, params json.RawMessage) (any, *jsonrpc.Error) {
	raw, err := s.cfg.Transport.Call(ctx, "session/new", params)
	if err != nil {
		return nil, s.asRPCError(err)
	}

	var res struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &res); err == nil && res.SessionID != "" {
		s.registerSession(c, res.SessionID)
		c.logger.Info("acp: session created", "session_id", res.SessionID)
	} else {
		c.logger.Warn("acp: session/new result carries no sessionId")
	}
	return raw, nil
}

func (s *Server) handleSessionPrompt(ctx context.Context, c *conn, params json.RawMessage) (any, *jsonrpc.Error) {
	raw, err := s.cfg.Transport.Call(ctx, "session/prompt", params)
	if err != nil {
		return nil, s.asRPCError(err)
	}
	return raw, nil
}

// cancelSession forwards the cancel to the agent and resolves any in-flight
// permission prompts for that session as cancelled.
func (s *Server) cancelSession(ctx context.Context, params json.RawMessage) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(params, &p)

	if sess := s.session(p.SessionID); sess != nil {
		sess.cancelPrompts()
	}
	if err := s.cfg.Transport.Notify(ctx, "session/cancel", params); err != nil {
		s.logger.Warn("acp: forward session/cancel failed", "error", err)
	}
}

// asRPCError converts transport failures into wire errors. Agent-returned
// JSON-RPC errors pass through unchanged.
func (s *Server) asRPCError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if errors.Is(err, agent.ErrAgentExited) {
		return jsonrpc.AgentExited(err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return jsonrpc.NewError(jsonrpc.CodeDomain, "cancelled", "request context cancelled")
	}
	return jsonrpc.Internal(err.Error())
}
