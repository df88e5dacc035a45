// Package oplog writes one structured JSONL log file per operation, a
// human-greppable audit trail alongside the binary checkpoint. All methods
// are nil-safe so callers never guard logging.
package oplog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/redgraph/redgraph/internal/types"
)

// Log owns one operation's file.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// Open creates <dir>/<opID>.jsonl, creating dir as needed.
func Open(dir, opID string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("oplog: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, opID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("oplog: open %s: %w", path, err)
	}
	return &Log{
		file:   f,
		logger: slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}, nil
}

// Event records one broker event.
func (l *Log) Event(ev types.Event) {
	if l == nil {
		return
	}
	l.logger.Info("event",
		"seq", ev.Seq,
		"kind", string(ev.Event),
		"role", string(ev.Role),
		"data", ev.Data,
	)
}

// Phase records a loop phase change.
func (l *Log) Phase(phase types.Phase, detail string) {
	if l == nil {
		return
	}
	l.logger.Info("phase", "phase", string(phase), "detail", detail)
}

// Thought records a role's reasoning text.
func (l *Log) Thought(role types.Role, thought string) {
	if l == nil {
		return
	}
	l.logger.Debug("thought", "role", string(role), "text", thought)
}

// Error records a recoverable error the loop absorbed.
func (l *Log) Error(op string, err error) {
	if l == nil || err == nil {
		return
	}
	l.logger.Error("error", "op", op, "kind", string(types.KindOf(err)), "error", err.Error())
}

// Close flushes and closes the file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
