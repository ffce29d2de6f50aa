package bridge

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/crosstalk/ct-bridge/internal/cliauth"
	"github.com/crosstalk/ct-bridge/internal/jsonrpc"
)

type cliLoginParams struct {
	Agent string `json:"agent"`
}

// handleCliLogin resolves the login CLI and starts it without waiting for
// completion. Progress, the detected login URL, and the exit code arrive as
// notifications on the same connection.
func (s *Server) handleCliLogin(ctx context.Context, c *conn, params json.RawMessage) (any, *jsonrpc.Error) {
	if details, ok := s.schemas.validate("auth/cli_login", params); !ok {
		return nil, jsonrpc.InvalidParams(details)
	}
	var p cliLoginParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, jsonrpc.InvalidParams("auth/cli_login params are not an object")
		}
	}

	binName := s.cfg.CLIBinName
	if name := strings.TrimSpace(p.Agent); name != "" {
		binName = name
	}

	projectRoot := ""
	if roots := s.cfg.ProjectRoots(); len(roots) > 0 {
		projectRoot = roots[0]
	}

	res, err := cliauth.Resolve(binName, projectRoot)
	if err != nil {
		return nil, jsonrpc.CLIUnavailable(err.Error())
	}
	c.logger.Info("auth: login cli resolved", "bin", res.Path, "source", res.Source)

	notify := func(method string, params any) {
		if err := c.write(context.Background(), jsonrpc.NewNotification(method, params)); err != nil {
			c.logger.Warn("auth: notify failed", "method", method, "error", err)
		}
	}
	if err := cliauth.Launch(ctx, res.Path, projectRoot, c.logger, notify); err != nil {
		return nil, jsonrpc.CLIUnavailable(err.Error())
	}

	return map[string]any{"status": "started"}, nil
}
