package temporal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/mkb/internal/apperr"
)

const logFileName = "_rejection_log.jsonl"

// RejectLog persists admission failures: the original payload verbatim under
// the rejected/ directory, plus one JSON line per rejection. Appenders
// serialise through a mutex; the log file itself is append-only.
type RejectLog struct {
	dir string

	mu  sync.Mutex
	now func() time.Time
}

// NewRejectLog opens (creating if needed) a rejection log rooted at dir.
func NewRejectLog(dir string) (*RejectLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("temporal: create rejected dir: %w", err)
	}
	return &RejectLog{dir: dir, now: time.Now}, nil
}

// Entry is one line of the rejection log.
type Entry struct {
	Timestamp  time.Time              `json:"timestamp"`
	Source     string                 `json:"source"`
	Reason     apperr.RejectionReason `json:"reason"`
	Attempts   []string               `json:"attempts"`
	Suggestion string                 `json:"suggestion"`
	// Payload is the file name of the preserved payload inside the
	// rejection directory.
	Payload string `json:"payload,omitempty"`
	// Recovered is set by a later recovery pass.
	Recovered bool `json:"recovered,omitempty"`
}

// Record writes the payload file and appends the log line.
func (l *RejectLog) Record(source string, rej *apperr.TemporalRejection, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp:  l.now().UTC(),
		Source:     source,
		Reason:     rej.Reason,
		Attempts:   rej.Attempts,
		Suggestion: rej.Suggestion,
	}

	if len(payload) > 0 {
		name := fmt.Sprintf("%s-%s.md", entry.Timestamp.Format("20060102T150405"), uuid.NewString()[:8])
		if err := os.WriteFile(filepath.Join(l.dir, name), payload, 0o644); err != nil {
			return fmt.Errorf("temporal: write rejection payload: %w", err)
		}
		entry.Payload = name
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("temporal: marshal rejection entry: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(l.dir, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("temporal: open rejection log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("temporal: append rejection log: %w", err)
	}
	return nil
}

// Entries reads back the full rejection log, oldest first.
func (l *RejectLog) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(l.dir, logFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("temporal: read rejection log: %w", err)
	}

	var out []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("temporal: decode rejection log: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
