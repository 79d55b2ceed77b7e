// Package audit appends account and session events to a JSON-lines file.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"myaccounts/user-api/internal/observability"
)

const (
	ActionRegister = "account.register"
	ActionLogin    = "auth.login"
	ActionUpdate   = "account.update"
	ActionLogout   = "auth.logout"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Event struct {
	At         string `json:"at"`
	Action     string `json:"action"`
	Outcome    string `json:"outcome"`
	Username   string `json:"username,omitempty"`
	AccountID  string `json:"account_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Logger is safe for concurrent use. A nil Logger, or one built with an empty
// path, discards events.
type Logger struct {
	path string
	w    io.Writer
	now  func() time.Time
	mu   sync.Mutex
}

func NewLogger(path string) *Logger {
	return &Logger{path: path, now: time.Now}
}

// NewWriterLogger writes events to w instead of a file.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{w: w, now: time.Now}
}

func (l *Logger) Record(ctx context.Context, e Event) error {
	if l == nil || (l.path == "" && l.w == nil) {
		return nil
	}
	if e.At == "" {
		e.At = l.now().UTC().Format(time.RFC3339Nano)
	}
	if e.RequestID == "" {
		e.RequestID = observability.RequestIDFromContext(ctx)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w != nil {
		if _, err := l.w.Write(b); err != nil {
			return fmt.Errorf("write audit event: %w", err)
		}
		return nil
	}
	return appendLine(l.path, b)
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir audit log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write audit log entry: %w", err)
	}
	return f.Close()
}
