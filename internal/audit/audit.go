// Package audit keeps the append-only JSONL record of permission activity.
// Entries never contain raw paths or file contents; paths are stored as
// truncated SHA-256 digests.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Entry phases. A prompt entry is written before the permission round-trip,
// an outcome entry after it resolves.
const (
	PhasePrompt  = "prompt"
	PhaseOutcome = "outcome"
)

// Entry is one audit record.
type Entry struct {
	Timestamp string `json:"ts"`
	SessionID string `json:"sessionId"`
	Tool      string `json:"tool"`
	PathHash  string `json:"pathHash"`
	Phase     string `json:"phase"`
	Option    string `json:"option,omitempty"`
}

// Log is an append-only JSONL file with serialized writes.
type Log struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	denyCount  atomic.Int64
	promptsSum atomic.Int64
}

// Open creates the parent directory if needed and opens the log for append.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, path: path}, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Prompt records that a permission prompt is about to be sent.
func (l *Log) Prompt(sessionID, tool, canonicalPath string) {
	l.promptsSum.Add(1)
	l.write(Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: sessionID,
		Tool:      tool,
		PathHash:  HashPath(canonicalPath),
		Phase:     PhasePrompt,
	})
}

// Outcome records how a prompt resolved. option is the selected option id,
// or "cancelled"/"error" when the round-trip did not complete.
func (l *Log) Outcome(sessionID, tool, canonicalPath, option string) {
	if option == "reject_once" || option == "reject_always" || option == "cancelled" {
		l.denyCount.Add(1)
	}
	l.write(Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: sessionID,
		Tool:      tool,
		PathHash:  HashPath(canonicalPath),
		Phase:     PhaseOutcome,
		Option:    option,
	})
}

// DenyCount returns the number of denied outcomes since startup.
func (l *Log) DenyCount() int64 {
	return l.denyCount.Load()
}

// PromptCount returns the number of prompts issued since startup.
func (l *Log) PromptCount() int64 {
	return l.promptsSum.Load()
}

func (l *Log) write(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = l.file.Write(append(b, '\n'))
}

// Prune rewrites the log keeping only entries newer than cutoff. Used by the
// retention sweeper. Returns the number of removed entries.
func (l *Log) Prune(cutoff time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return 0, os.ErrClosed
	}

	raw, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}

	tmp := l.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}

	removed := 0
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		keep := true
		if err := json.Unmarshal(line, &e); err == nil {
			if ts, perr := time.Parse(time.RFC3339Nano, e.Timestamp); perr == nil && ts.Before(cutoff) {
				keep = false
			}
		}
		if keep {
			_, _ = out.Write(append(append([]byte{}, line...), '\n'))
		} else {
			removed++
		}
	}
	if err := out.Close(); err != nil {
		return 0, err
	}

	// Swap the file under the lock so concurrent writers never hit a stale fd.
	if err := l.file.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return removed, err
	}
	l.file = f
	return removed, nil
}

// HashPath returns the truncated hex SHA-256 of a canonical path.
func HashPath(canonicalPath string) string {
	sum := sha256.Sum256([]byte(canonicalPath))
	return hex.EncodeToString(sum[:8])
}
