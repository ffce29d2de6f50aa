// Package cliauth locates the agent's companion CLI and drives its /login
// flow without blocking the JSON-RPC request that started it.
package cliauth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/crosstalk/ct-bridge/internal/shared"
)

// EnvBinOverride short-circuits resolution when set to an executable path.
const EnvBinOverride = "CLAUDE_ACP_BIN"

// ErrUnavailable means no resolution strategy produced a runnable binary.
var ErrUnavailable = errors.New("cli unavailable")

// Resolution names the binary and which strategy found it.
type Resolution struct {
	Path   string
	Source string // "env", "node_modules", "path"
}

// Resolve walks the strategies in order: env override, the project's local
// node_modules/.bin, then PATH lookup.
func Resolve(binName, projectRoot string) (Resolution, error) {
	var tried []string

	if override := strings.TrimSpace(os.Getenv(EnvBinOverride)); override != "" {
		if isExecutable(override) {
			return Resolution{Path: override, Source: "env"}, nil
		}
		tried = append(tried, fmt.Sprintf("%s=%s (not executable)", EnvBinOverride, override))
	} else {
		tried = append(tried, EnvBinOverride+" (unset)")
	}

	if projectRoot != "" {
		local := filepath.Join(projectRoot, "node_modules", ".bin", binName)
		if isExecutable(local) {
			return Resolution{Path: local, Source: "node_modules"}, nil
		}
		tried = append(tried, local+" (missing)")
	}

	if found, err := exec.LookPath(binName); err == nil {
		return Resolution{Path: found, Source: "path"}, nil
	}
	tried = append(tried, fmt.Sprintf("PATH lookup for %q (missing)", binName))

	return Resolution{}, fmt.Errorf("%w: tried %s", ErrUnavailable, strings.Join(tried, ", "))
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// Notifier pushes login progress frames back to the controller.
type Notifier func(method string, params any)

// loginURLPattern picks the first https URL out of CLI output, tolerating
// surrounding quotes and punctuation.
var loginURLPattern = regexp.MustCompile(`https://[^\s"'<>]+`)

// Launch starts `<bin> /login` in the project root and returns as soon as
// the process is running. Output is streamed as notifications:
// auth/cli_login/progress per stderr line, auth/cli_login/url when a login
// URL appears on stdout, auth/cli_login/complete with the exit code.
func Launch(ctx context.Context, bin, projectRoot string, logger *slog.Logger, notify Notifier) error {
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(bin, "/login")
	cmd.Dir = projectRoot
	cmd.Env = sanitizedEnv()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %q: %v", ErrUnavailable, bin, err)
	}
	logger.Info("login cli started", "bin", bin, "pid", cmd.Process.Pid)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := shared.Redact(strings.TrimSpace(scanner.Text()))
			if line == "" {
				continue
			}
			notify("auth/cli_login/progress", map[string]any{"message": line})
		}
	}()

	stdoutDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		urlSent := false
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if urlSent {
				continue
			}
			if url := loginURLPattern.FindString(scanner.Text()); url != "" {
				urlSent = true
				notify("auth/cli_login/url", map[string]any{"loginUrl": url})
			}
		}
	}()

	go func() {
		<-stderrDone
		<-stdoutDone
		err := cmd.Wait()
		exitCode := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if err != nil {
			exitCode = -1
		}
		logger.Info("login cli finished", "bin", bin, "exit_code", exitCode)
		notify("auth/cli_login/complete", map[string]any{"exitCode": exitCode})
	}()

	return nil
}

// sanitizedEnv copies the process environment minus bridge-internal and
// override variables so the CLI sees a clean login context.
func sanitizedEnv() []string {
	var out []string
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		upper := strings.ToUpper(key)
		if upper == EnvBinOverride || strings.HasPrefix(upper, "CTBRIDGE_") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
