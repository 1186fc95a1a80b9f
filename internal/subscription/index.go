// Package subscription holds the rewritten share links currently published
// for each client and renders them as a subscription document.
package subscription

import (
	"sort"
	"strings"
	"sync"
)

// Entry is one published link.
type Entry struct {
	ClientID string `json:"client_id"`
	Provider string `json:"provider"`
	URL      string `json:"url"`
}

// Index maps client ID -> provider name -> rewritten link. It is safe for
// concurrent use.
type Index struct {
	mu      sync.Mutex
	entries map[string]map[string]string
}

// New returns an empty index.
func New() *Index {
	return &Index{entries: make(map[string]map[string]string)}
}

// Add publishes url for the client through provider, replacing any earlier
// link for the same pair.
func (x *Index) Add(clientID, provider, url string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	byProvider, ok := x.entries[clientID]
	if !ok {
		byProvider = make(map[string]string)
		x.entries[clientID] = byProvider
	}
	byProvider[provider] = url
}

// Remove withdraws the pair's link. Removing a client's last link drops the
// client. Unknown pairs are ignored.
func (x *Index) Remove(clientID, provider string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	byProvider, ok := x.entries[clientID]
	if !ok {
		return
	}
	delete(byProvider, provider)
	if len(byProvider) == 0 {
		delete(x.entries, clientID)
	}
}

// List returns every entry ordered by client, then provider.
func (x *Index) List() []Entry {
	x.mu.Lock()
	out := make([]Entry, 0, len(x.entries))
	for client, byProvider := range x.entries {
		for p, url := range byProvider {
			out = append(out, Entry{ClientID: client, Provider: p, URL: url})
		}
	}
	x.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

// Render joins every link with newlines, in List order.
func (x *Index) Render() string {
	entries := x.List()
	urls := make([]string, len(entries))
	for i, e := range entries {
		urls[i] = e.URL
	}
	return strings.Join(urls, "\n")
}

// Len returns the number of published links.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for _, byProvider := range x.entries {
		n += len(byProvider)
	}
	return n
}

// Clients returns the number of clients with at least one link.
func (x *Index) Clients() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.entries)
}
