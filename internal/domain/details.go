package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Details is the free-form bag of outcome data carried by a task record.
// It holds the result on success, error information on failure, the frozen
// log snapshot once the task completes, and any registered errbacks.
type Details struct {
	Result    any         `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Exception string      `json:"exception,omitempty"`
	Traceback string      `json:"traceback,omitempty"`
	Logs      []LogEntry  `json:"logs,omitempty"`
	Errbacks  []Signature `json:"errbacks,omitempty"`
}

// LogEntry is a single message recorded against a task tree. Entries live
// in the root task's log buffer while the tree runs and are snapshotted
// into Details when the root completes. Origin identifies the descendant
// task the message bubbled up from; it is uuid.Nil for messages logged by
// the root itself.
type LogEntry struct {
	Origin    uuid.UUID `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// FormatLogs renders log entries as plain text, one message per line, in
// the order they were recorded.
func FormatLogs(entries []LogEntry) string {
	if len(entries) == 0 {
		return ""
	}
	msgs := make([]string, len(entries))
	for i, e := range entries {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "\n")
}
