package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/crosstalk/ct-bridge/internal/jsonrpc"
	"github.com/crosstalk/ct-bridge/internal/permission"
	"github.com/crosstalk/ct-bridge/internal/sandbox"
)

// binaryProbeSize is how far into the file the NUL check looks.
const binaryProbeSize = 8 * 1024

// readParams accepts both the camelCase names and the snake_case names some
// agents emit; camelCase wins when both are present.
type readParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`

	LineOffset      *int `json:"lineOffset"`
	LineLimit       *int `json:"lineLimit"`
	LineOffsetSnake *int `json:"line_offset"`
	LineLimitSnake  *int `json:"line_limit"`
}

func (p *readParams) offset() *int {
	if p.LineOffset != nil {
		return p.LineOffset
	}
	return p.LineOffsetSnake
}

func (p *readParams) limit() *int {
	if p.LineLimit != nil {
		return p.LineLimit
	}
	return p.LineLimitSnake
}

type readMeta struct {
	Truncated bool `json:"truncated"`
}

type readResult struct {
	Content string    `json:"content"`
	Meta    *readMeta `json:"_meta,omitempty"`
}

func (s *Server) readTextFile(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	if details, ok := s.schemas.validate("fs/read_text_file", params); !ok {
		return nil, jsonrpc.InvalidParams(details)
	}
	var p readParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.InvalidParams("fs/read_text_file params are not an object")
	}

	resolved, err := s.cfg.Guard.ResolveRead(p.Path)
	if err != nil {
		return nil, sandboxError(err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, jsonrpc.FileNotFound(fmt.Sprintf("%s does not exist", p.Path))
		}
		return nil, jsonrpc.IOError(err.Error())
	}
	if isBinary(data) {
		return nil, jsonrpc.BinaryFile(fmt.Sprintf("%s is not a UTF-8 text file", p.Path))
	}

	content, truncated := sliceLines(string(data), p.offset(), p.limit())
	res := readResult{Content: content}
	if truncated {
		res.Meta = &readMeta{Truncated: true}
	}
	return res, nil
}

// isBinary flags a NUL byte in the first 8 KiB or invalid UTF-8 anywhere.
func isBinary(data []byte) bool {
	probe := data
	if len(probe) > binaryProbeSize {
		probe = probe[:binaryProbeSize]
	}
	if bytes.IndexByte(probe, 0) >= 0 {
		return true
	}
	return !utf8.Valid(data)
}

// sliceLines applies the 1-based offset/limit window. With neither set the
// content passes through byte-identical. An offset past the last line
// yields "" without error; truncated is true only when the limit actually
// cut lines off.
func sliceLines(content string, offset, limit *int) (string, bool) {
	if offset == nil && limit == nil {
		return content, false
	}

	lines := strings.Split(content, "\n")
	start := 0
	if offset != nil && *offset > 1 {
		start = *offset - 1
	}
	if start >= len(lines) {
		return "", false
	}

	window := lines[start:]
	truncated := false
	if limit != nil && *limit >= 0 && *limit < len(window) {
		window = window[:*limit]
		truncated = true
	}
	return strings.Join(window, "\n"), truncated
}

type writeParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

func (s *Server) writeTextFile(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	if details, ok := s.schemas.validate("fs/write_text_file", params); !ok {
		return nil, jsonrpc.InvalidParams(details)
	}
	var p writeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.InvalidParams("fs/write_text_file params are not an object")
	}

	resolved, err := s.cfg.Guard.ResolveWrite(p.Path)
	if err != nil {
		return nil, sandboxError(err)
	}

	promptCtx := ctx
	release := func() {}
	if sess := s.session(p.SessionID); sess != nil {
		promptCtx, release = sess.promptContext(ctx)
	}
	defer release()

	err = s.cfg.Permissions.Authorize(promptCtx, p.SessionID, "fs/write_text_file", resolved, s.promptFunc(p.SessionID, p.Path))
	switch {
	case err == nil:
	case errors.Is(err, permission.ErrCancelled):
		s.metrics.PermissionDenial(ctx)
		return nil, jsonrpc.PermissionDenied("cancelled")
	case errors.Is(err, permission.ErrRejected):
		s.metrics.PermissionDenial(ctx)
		return nil, jsonrpc.PermissionDenied(fmt.Sprintf("write to %s rejected", p.Path))
	default:
		return nil, s.asRPCError(err)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, jsonrpc.IOError(err.Error())
	}
	if err := os.WriteFile(resolved, []byte(p.Content), 0o644); err != nil {
		return nil, jsonrpc.IOError(err.Error())
	}
	return map[string]any{"written": true}, nil
}

// promptFunc builds the session/request_permission round-trip for one write.
func (s *Server) promptFunc(sessionID, displayPath string) permission.PromptFunc {
	return func(ctx context.Context) (permission.Outcome, error) {
		s.metrics.PermissionPrompt(ctx)

		params, err := json.Marshal(map[string]any{
			"sessionId": sessionID,
			"toolCall": map[string]any{
				"toolCallId": "fs_write_text_file",
				"title":      "Write file: " + displayPath,
				"kind":       "edit",
				"status":     "in_progress",
			},
			"options": []map[string]any{
				{"id": permission.OptionAllowOnce, "name": "Allow once", "kind": permission.OptionAllowOnce},
				{"id": permission.OptionAllowAlways, "name": "Always allow", "kind": permission.OptionAllowAlways},
				{"id": permission.OptionRejectOnce, "name": "Reject once", "kind": permission.OptionRejectOnce},
				{"id": permission.OptionRejectAlways, "name": "Always reject", "kind": permission.OptionRejectAlways},
			},
		})
		if err != nil {
			return permission.Outcome{}, err
		}

		raw, err := s.cfg.Transport.Call(ctx, "session/request_permission", params)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return permission.Outcome{Cancelled: true}, nil
			}
			return permission.Outcome{}, err
		}

		return parsePermissionOutcome(raw)
	}
}

// parsePermissionOutcome accepts the flat shape {outcome, optionId} and the
// nested {outcome:{outcome, optionId}} variant some agents produce.
func parsePermissionOutcome(raw json.RawMessage) (permission.Outcome, error) {
	var flat struct {
		Outcome  string `json:"outcome"`
		OptionID string `json:"optionId"`
	}
	if err := json.Unmarshal(raw, &flat); err == nil && flat.Outcome != "" {
		return outcomeOf(flat.Outcome, flat.OptionID)
	}

	var nested struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && nested.Outcome.Outcome != "" {
		return outcomeOf(nested.Outcome.Outcome, nested.Outcome.OptionID)
	}
	return permission.Outcome{}, fmt.Errorf("unrecognized permission outcome: %s", raw)
}

func outcomeOf(outcome, optionID string) (permission.Outcome, error) {
	switch outcome {
	case "cancelled", "canceled":
		return permission.Outcome{Cancelled: true}, nil
	case "selected":
		if optionID == "" {
			return permission.Outcome{}, errors.New("permission outcome selected without optionId")
		}
		return permission.Outcome{OptionID: optionID}, nil
	default:
		return permission.Outcome{}, fmt.Errorf("unknown permission outcome %q", outcome)
	}
}

func sandboxError(err error) *jsonrpc.Error {
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		return jsonrpc.FileNotFound(err.Error())
	case errors.Is(err, sandbox.ErrOutsideRoot):
		return jsonrpc.SandboxViolation(err.Error())
	default:
		return jsonrpc.IOError(err.Error())
	}
}
