package mapping

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Provider holds the active mapping config and hot-reloads it when the file
// changes. Readers get a consistent snapshot; a reload swaps the pointer
// atomically and never blocks readers.
type Provider struct {
	path string
	cur  atomic.Pointer[Config]
}

// NewProvider loads the config file and returns a provider for it.
func NewProvider(path string) (*Provider, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	p := &Provider{path: path}
	p.cur.Store(cfg)
	return p, nil
}

// NewStatic wraps a fixed config, for nodes without a mapping file and for
// tests.
func NewStatic(cfg *Config) *Provider {
	p := &Provider{}
	p.cur.Store(cfg)
	return p
}

// Current returns the active config snapshot.
func (p *Provider) Current() *Config {
	return p.cur.Load()
}

// Watch reloads the config whenever the file is rewritten, until ctx is
// cancelled. A reload that fails validation keeps the previous config. The
// watch is on the parent directory so editors that replace the file
// atomically (write temp, rename over) are still seen.
func (p *Provider) Watch(ctx context.Context) error {
	if p.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start mapping watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(p.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(p.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(p.path)
			if err != nil {
				log.Printf("mapping config reload failed, keeping previous: %v", err)
				continue
			}
			p.cur.Store(cfg)
			log.Printf("mapping config reloaded: %d mappings", len(cfg.Mappings))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("mapping watcher error: %v", err)
		}
	}
}
