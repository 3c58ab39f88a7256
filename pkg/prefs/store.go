// Package prefs persists the small set of dashboard preferences: the
// selected date range, the last-used layout and free-form keyed values.
package prefs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrInvalidRange is returned for a date range that ends before it starts.
var ErrInvalidRange = errors.New("prefs: date range ends before it starts")

// DateRange is the selected reporting window.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Validate checks the range.
func (r DateRange) Validate() error {
	if r.To.Before(r.From) {
		return ErrInvalidRange
	}
	return nil
}

// Prefs is the full preference set.
type Prefs struct {
	DateRange *DateRange                 `json:"date_range,omitempty"`
	Layout    string                     `json:"layout,omitempty"`
	Values    map[string]json.RawMessage `json:"values,omitempty"`
}

func (p Prefs) clone() Prefs {
	out := Prefs{Layout: p.Layout}
	if p.DateRange != nil {
		r := *p.DateRange
		out.DateRange = &r
	}
	if p.Values != nil {
		out.Values = make(map[string]json.RawMessage, len(p.Values))
		for k, v := range p.Values {
			out.Values[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// Store defines preference storage operations.
type Store interface {
	// DateRange returns the saved range, false if none is set.
	DateRange() (DateRange, bool)
	SetDateRange(r DateRange) error

	Layout() string
	SetLayout(layout string) error

	// Get decodes the value under key into v. It reports false if unset.
	Get(key string, v any) (bool, error)
	Set(key string, v any) error
	Delete(key string) error

	// Snapshot returns a copy of everything.
	Snapshot() Prefs

	// Replace overwrites everything.
	Replace(p Prefs) error
}

// JSONStore implements Store using a JSON file for persistence.
type JSONStore struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	data Prefs

	// Last bytes this process wrote, so Watch can ignore its own saves.
	lastWritten []byte
}

// storeData is the JSON structure for the store file.
type storeData struct {
	Version   int    `json:"version"`
	UpdatedAt string `json:"updated_at"`
	Prefs     Prefs  `json:"prefs"`
}

const currentVersion = 1

// NewJSONStore creates a store at path. The file is created on first save.
func NewJSONStore(path string, logger *slog.Logger) (*JSONStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &JSONStore{
		path:   filepath.Clean(path),
		logger: logger.With("component", "prefs"),
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if _, err := os.Stat(s.path); err == nil {
		if _, err := s.load(); err != nil {
			return nil, fmt.Errorf("failed to load prefs: %w", err)
		}
	}
	return s, nil
}

// Path returns the backing file.
func (s *JSONStore) Path() string {
	return s.path
}

// load reads the file. It reports whether the contents differ from the
// last write by this process.
func (s *JSONStore) load() (bool, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("failed to read file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if bytes.Equal(raw, s.lastWritten) {
		return false, nil
	}

	var stored storeData
	if err := json.Unmarshal(raw, &stored); err != nil {
		return false, fmt.Errorf("failed to parse JSON: %w", err)
	}
	s.data = stored.Prefs
	s.lastWritten = raw
	return true, nil
}

// save writes the store to disk. Caller holds mu.
func (s *JSONStore) save() error {
	stored := storeData{
		Version:   currentVersion,
		UpdatedAt: time.Now().Format(time.RFC3339),
		Prefs:     s.data,
	}

	raw, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	// Write to temp file first, then rename (atomic write)
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	s.lastWritten = raw
	return nil
}

// update applies fn and saves, rolling back on a failed save.
func (s *JSONStore) update(fn func(p *Prefs)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.data.clone()
	fn(&s.data)
	if err := s.save(); err != nil {
		s.data = prev
		return err
	}
	return nil
}

// DateRange implements Store.
func (s *JSONStore) DateRange() (DateRange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.DateRange == nil {
		return DateRange{}, false
	}
	return *s.data.DateRange, true
}

// SetDateRange implements Store.
func (s *JSONStore) SetDateRange(r DateRange) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return s.update(func(p *Prefs) { p.DateRange = &r })
}

// Layout implements Store.
func (s *JSONStore) Layout() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Layout
}

// SetLayout implements Store.
func (s *JSONStore) SetLayout(layout string) error {
	return s.update(func(p *Prefs) { p.Layout = layout })
}

// Get implements Store.
func (s *JSONStore) Get(key string, v any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.data.Values[key]
	s.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("prefs: decode %q: %w", key, err)
	}
	return true, nil
}

// Set implements Store.
func (s *JSONStore) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("prefs: encode %q: %w", key, err)
	}
	return s.update(func(p *Prefs) {
		if p.Values == nil {
			p.Values = make(map[string]json.RawMessage)
		}
		p.Values[key] = raw
	})
}

// Delete implements Store.
func (s *JSONStore) Delete(key string) error {
	return s.update(func(p *Prefs) { delete(p.Values, key) })
}

// Snapshot implements Store.
func (s *JSONStore) Snapshot() Prefs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.clone()
}

// Replace implements Store.
func (s *JSONStore) Replace(p Prefs) error {
	if p.DateRange != nil {
		if err := p.DateRange.Validate(); err != nil {
			return err
		}
	}
	p = p.clone()
	return s.update(func(cur *Prefs) { *cur = p })
}

// Watch reloads the store whenever another process rewrites the file and
// calls fn with the new preferences. It blocks until ctx ends.
func (s *JSONStore) Watch(ctx context.Context, fn func(Prefs)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("prefs: create watcher: %w", err)
	}
	defer watcher.Close()

	// Atomic renames replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("prefs: watch %s: %w", filepath.Dir(s.path), err)
	}
	s.logger.Debug("watching prefs", "path", s.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			changed, err := s.load()
			if err != nil {
				// Partial writes from other editors show up as parse errors.
				s.logger.Debug("prefs reload skipped", "error", err)
				continue
			}
			if changed && fn != nil {
				s.logger.Info("prefs reloaded", "path", s.path)
				fn(s.Snapshot())
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("prefs watcher error", "error", err)
		}
	}
}
