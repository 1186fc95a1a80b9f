package subscription

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Publisher writes the rendered subscription to Path whenever it changes.
// The file is replaced atomically so readers never see a partial document.
type Publisher struct {
	Path string

	mu    sync.Mutex
	last  string
	wrote bool
}

// Publish writes doc if it differs from the last document written and
// reports whether it did. An empty Path disables writing.
func (p *Publisher) Publish(doc string) (bool, error) {
	if p.Path == "" {
		return false, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wrote && doc == p.last {
		return false, nil
	}
	if err := writeAtomic(p.Path, doc); err != nil {
		return false, err
	}
	p.last, p.wrote = doc, true
	return true, nil
}

func writeAtomic(path, doc string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create subscription dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".subscription-*")
	if err != nil {
		return fmt.Errorf("create subscription temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("write subscription: %w", err)
	}
	if err := tmp.Chmod(0o640); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
