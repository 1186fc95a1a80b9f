// Package events is the append-only tunnel lifecycle journal (events.jsonl).
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/treykane/tunnelsub/internal/appconfig"
	"github.com/treykane/tunnelsub/internal/model"
)

// Event types.
const (
	StartRequested = "start_requested"
	StartSucceeded = "start_succeeded"
	StartFailed    = "start_failed"
	Stopped        = "stopped"
	Exited         = "exited"
	Keepalive      = "keepalive"
	Expired        = "expired"
	ProviderToggle = "provider_toggled"
)

// Event is one tunnel lifecycle record persisted to events.jsonl.
type Event struct {
	Timestamp  time.Time         `json:"timestamp"`
	TunnelID   string            `json:"tunnel_id,omitempty"`
	Provider   string            `json:"provider,omitempty"`
	ClientID   string            `json:"client_id,omitempty"`
	AttemptID  string            `json:"attempt_id,omitempty"`
	EventType  string            `json:"event_type"`
	State      model.TunnelState `json:"state,omitempty"`
	PublicHost string            `json:"public_host,omitempty"`
	Message    string            `json:"message,omitempty"`
	PID        int               `json:"pid,omitempty"`
}

// Query controls event filtering and bounded reads.
type Query struct {
	Provider  string
	TunnelID  string
	EventType string
	Since     time.Time
	Limit     int
}

// Store provides append/read access to the local event journal.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a store writing events.jsonl in the config directory.
func NewStore() *Store {
	return &Store{}
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) filePath() (string, error) {
	if s.path != "" {
		return s.path, nil
	}
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "events.jsonl"), nil
}

// Append writes a single event as one JSON line.
func (s *Store) Append(evt Event) error {
	path, err := s.filePath()
	if err != nil {
		return err
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// Read returns events in append order, filtered by query, with optional limit.
func (s *Store) Read(q Query) ([]Event, error) {
	path, err := s.filePath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		if !matches(evt, q) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[len(out)-q.Limit:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}

func matches(evt Event, q Query) bool {
	if strings.TrimSpace(q.Provider) != "" && evt.Provider != q.Provider {
		return false
	}
	if strings.TrimSpace(q.TunnelID) != "" && evt.TunnelID != q.TunnelID {
		return false
	}
	if strings.TrimSpace(q.EventType) != "" && evt.EventType != q.EventType {
		return false
	}
	if !q.Since.IsZero() && evt.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
