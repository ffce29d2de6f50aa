package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crosstalk/ct-bridge/internal/audit"
)

// Option ids the agent may answer a prompt with. The "once" variants are
// never persisted or cached.
const (
	OptionAllowOnce    = "allow_once"
	OptionAllowAlways  = "allow_always"
	OptionRejectOnce   = "reject_once"
	OptionRejectAlways = "reject_always"
)

var (
	// ErrRejected means the user (via the agent) declined the operation.
	ErrRejected = errors.New("write rejected")
	// ErrCancelled means the prompt was resolved by session cancellation
	// before an answer arrived.
	ErrCancelled = errors.New("prompt cancelled")
)

// Outcome is the resolution of a prompt round-trip.
type Outcome struct {
	Cancelled bool
	OptionID  string
}

// PromptFunc performs the permission round-trip for one path. It blocks
// until the user answers, the context is cancelled, or the agent dies.
type PromptFunc func(ctx context.Context) (Outcome, error)

// Engine is the lookup → prompt → update pipeline. Concurrent requests for
// the same canonical path serialize so the second request sees the first
// request's "always" decision instead of raising a duplicate prompt.
type Engine struct {
	store  *Store
	log    *audit.Log
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]Decision
	locks map[string]*sync.Mutex
}

// NewEngine rehydrates the decision cache from the store.
func NewEngine(ctx context.Context, store *Store, log *audit.Log, logger *slog.Logger) (*Engine, error) {
	cache, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("rehydrate permission cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		log:    log,
		logger: logger,
		cache:  cache,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Cached returns the persisted decision for a canonical path, if any.
func (e *Engine) Cached(path string) (Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.cache[path]
	return d, ok
}

// Authorize runs the full decision sequence for one write. A nil return
// means the write may proceed. ErrRejected and ErrCancelled surface as
// permission-denied to the controller; any other error is a transport
// fault (agent exited mid-prompt).
func (e *Engine) Authorize(ctx context.Context, sessionID, tool, canonicalPath string, prompt PromptFunc) error {
	lock := e.pathLock(canonicalPath)
	lock.Lock()
	defer lock.Unlock()

	if d, ok := e.Cached(canonicalPath); ok {
		switch d {
		case AllowAlways:
			return nil
		case RejectAlways:
			return ErrRejected
		}
	}

	e.log.Prompt(sessionID, tool, canonicalPath)

	out, err := prompt(ctx)
	if err != nil {
		e.log.Outcome(sessionID, tool, canonicalPath, "error")
		return err
	}
	if out.Cancelled {
		e.log.Outcome(sessionID, tool, canonicalPath, "cancelled")
		return ErrCancelled
	}

	e.log.Outcome(sessionID, tool, canonicalPath, out.OptionID)

	switch out.OptionID {
	case OptionAllowOnce:
		return nil
	case OptionAllowAlways:
		e.remember(canonicalPath, AllowAlways)
		return nil
	case OptionRejectOnce:
		return ErrRejected
	case OptionRejectAlways:
		e.remember(canonicalPath, RejectAlways)
		return ErrRejected
	default:
		return fmt.Errorf("unknown permission option %q", out.OptionID)
	}
}

// remember updates the cache immediately; persistence failures are logged
// but do not fail the request, the in-memory decision still applies.
// Persistence uses a background context so a decision made just before
// session cancellation still lands in the store.
func (e *Engine) remember(path string, d Decision) {
	e.mu.Lock()
	e.cache[path] = d
	e.mu.Unlock()

	if err := e.store.Put(context.Background(), path, d); err != nil {
		e.logger.Warn("persist permission decision failed", "error", err, "decision", string(d))
	}
}

func (e *Engine) pathLock(path string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.locks[path]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.locks[path] = l
	return l
}
