package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Validated is implemented by every subject's config type.
type Validated interface {
	Validate() error
}

// subject is one config-registry entry: a current value, the file it
// persists to, and a "busy" gate serializing queries against edits
// (spec.md §4.7's "concurrency: serialised by per-subject config busy
// flags so a query and an edit cannot overlap").
type subject[T Validated] struct {
	busy     sync.Mutex
	value    T
	path     string
	onReload func(T) error
}

func newSubject[T Validated](path string, initial T, onReload func(T) error) *subject[T] {
	return &subject[T]{value: initial, path: path, onReload: onReload}
}

// Get returns the current value.
func (s *subject[T]) Get() T {
	s.busy.Lock()
	defer s.busy.Unlock()
	return s.value
}

// Replace validates next and, only if it passes, swaps it in and fires
// onReload so the owning component picks it up live (spec.md §4.7:
// "a successful replace triggers a live reload on the relevant
// component").
func (s *subject[T]) Replace(next T) error {
	s.busy.Lock()
	defer s.busy.Unlock()
	if err := next.Validate(); err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}
	if s.onReload != nil {
		if err := s.onReload(next); err != nil {
			return fmt.Errorf("config: reload: %w", err)
		}
	}
	s.value = next
	return s.saveLocked()
}

// UpdateFromJSON deep-merges patch into the current value, the same way
// the teacher's Config.UpdateFromJSON/deepMerge works, generalized to an
// arbitrary subject type.
func (s *subject[T]) UpdateFromJSON(patch []byte) (T, error) {
	s.busy.Lock()
	defer s.busy.Unlock()

	currentBytes, err := json.Marshal(s.value)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("config: marshal current: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		var zero T
		return zero, fmt.Errorf("config: unmarshal current: %w", err)
	}
	var patchMap map[string]interface{}
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		var zero T
		return zero, fmt.Errorf("config: unmarshal patch: %w", err)
	}
	deepMerge(base, patchMap)

	merged, err := json.Marshal(base)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("config: marshal merged: %w", err)
	}
	var next T
	if err := json.Unmarshal(merged, &next); err != nil {
		var zero T
		return zero, fmt.Errorf("config: unmarshal merged: %w", err)
	}
	if err := next.Validate(); err != nil {
		var zero T
		return zero, fmt.Errorf("config: validate merged: %w", err)
	}
	if s.onReload != nil {
		if err := s.onReload(next); err != nil {
			var zero T
			return zero, fmt.Errorf("config: reload: %w", err)
		}
	}
	s.value = next
	if err := s.saveLocked(); err != nil {
		return s.value, err
	}
	return s.value, nil
}

func (s *subject[T]) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(s.value)
	if err != nil {
		return fmt.Errorf("config: marshal yaml: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	return os.WriteFile(s.path, data, 0644)
}

func (s *subject[T]) load() error {
	s.busy.Lock()
	defer s.busy.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // keep the default, nothing persisted yet
		}
		return fmt.Errorf("config: read %s: %w", s.path, err)
	}
	var v T
	if err := yaml.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("config: parse %s: %w", s.path, err)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("config: %s: %w", s.path, err)
	}
	s.value = v
	return nil
}

// deepMerge recursively merges src into dst, src winning on leaf
// conflicts — identical to the teacher's internal/server/config.go
// deepMerge.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
