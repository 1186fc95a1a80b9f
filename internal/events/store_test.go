package events

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestStoreAppendReadAndFilters(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	s := NewStore()

	base := time.Now().Add(-2 * time.Hour).UTC()
	seed := []Event{
		{Timestamp: base, TunnelID: "a", Provider: "cloudflare", EventType: StartRequested},
		{Timestamp: base.Add(10 * time.Minute), TunnelID: "a", Provider: "cloudflare", EventType: StartSucceeded},
		{Timestamp: base.Add(20 * time.Minute), TunnelID: "b", Provider: "zrok", EventType: StartFailed},
	}
	for _, evt := range seed {
		if err := s.Append(evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := s.Read(Query{})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	byProvider, err := s.Read(Query{Provider: "cloudflare"})
	if err != nil {
		t.Fatalf("read provider: %v", err)
	}
	if len(byProvider) != 2 {
		t.Fatalf("expected 2 cloudflare events, got %d", len(byProvider))
	}

	failed, err := s.Read(Query{EventType: StartFailed})
	if err != nil {
		t.Fatalf("read type: %v", err)
	}
	if len(failed) != 1 || failed[0].TunnelID != "b" {
		t.Fatalf("unexpected failed result: %+v", failed)
	}

	limited, err := s.Read(Query{Limit: 1})
	if err != nil {
		t.Fatalf("read limit: %v", err)
	}
	if len(limited) != 1 || limited[0].TunnelID != "b" {
		t.Fatalf("unexpected limited result: %+v", limited)
	}

	since, err := s.Read(Query{Since: base.Add(15 * time.Minute)})
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	if len(since) != 1 || since[0].TunnelID != "b" {
		t.Fatalf("unexpected since result: %+v", since)
	}
}

func TestStoreReadMissingFile(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "none.jsonl"))
	got, err := s.Read(Query{})
	if err != nil || got != nil {
		t.Fatalf("expected empty read, got %v, %v", got, err)
	}
}

func TestStoreConcurrentAppendsAndSkipsBadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s := NewFileStore(path)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Append(Event{EventType: Keepalive}); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("{not json\n\n")
	_ = f.Close()

	got, err := s.Read(Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 20 {
		t.Fatalf("expected 20 events, got %d", len(got))
	}
	if got[0].Timestamp.IsZero() {
		t.Fatal("expected timestamp to be filled in")
	}
}
