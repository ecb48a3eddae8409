// Package credentials answers agent input requests from a YAML file of
// known networks, reloading the file when it changes.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Entry holds the credentials of one network, matched by service Name.
type Entry struct {
	Name string `yaml:"name"`
	// Type restricts the entry to one technology type; empty matches any.
	Type       string            `yaml:"type"`
	Passphrase string            `yaml:"passphrase"`
	Identity   string            `yaml:"identity"`
	Password   string            `yaml:"password"`
	WPS        string            `yaml:"wps"`
	Fields     map[string]string `yaml:"fields"`
}

// Value returns the value for the named input field, if the entry has one.
func (e *Entry) Value(field string) (string, bool) {
	if v, ok := e.Fields[field]; ok {
		return v, true
	}
	var v string
	switch field {
	case "Passphrase":
		v = e.Passphrase
	case "Identity":
		v = e.Identity
	case "Password":
		v = e.Password
	case "WPS":
		v = e.WPS
	}
	return v, v != ""
}

type file struct {
	Services []Entry `yaml:"services"`
}

// Store holds the parsed credentials file.
type Store struct {
	path string

	mu      sync.RWMutex
	entries []Entry
	onLoad  []func()
}

// NewStore creates a store for path. Call Load to read it.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the credentials file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the file. A missing file yields an empty store.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var f file
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parsing credentials %s: %w", s.path, err)
		}
	}
	for i, e := range f.Services {
		if e.Name == "" {
			return fmt.Errorf("parsing credentials %s: entry %d has no name", s.path, i)
		}
	}

	s.mu.Lock()
	s.entries = f.Services
	callbacks := append([]func(){}, s.onLoad...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// OnLoad registers fn to run after every successful Load.
func (s *Store) OnLoad(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLoad = append(s.onLoad, fn)
}

// Lookup returns the first entry for the service name and technology type.
func (s *Store) Lookup(name, technologyType string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.entries {
		e := s.entries[i]
		if e.Name != name {
			continue
		}
		if e.Type != "" && technologyType != "" && e.Type != technologyType {
			continue
		}
		return &e, true
	}
	return nil, false
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Watch reloads the store whenever the file is written, created or renamed
// into place, until ctx is cancelled. The parent directory is watched so
// editors that replace the file are handled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// time to wait for no new events before reloading
	const settle = 100 * time.Millisecond
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			// Files are often written in chunks; reload once writes settle.
			if timer == nil {
				timer = time.AfterFunc(settle, s.reload)
			} else {
				timer.Reset(settle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("credentials watcher error", "error", err)
		}
	}
}

func (s *Store) reload() {
	if err := s.Load(); err != nil {
		slog.Error("failed to reload credentials", "path", s.path, "error", err)
		return
	}
	slog.Info("credentials reloaded", "path", s.path, "entries", s.Len())
}
