// Package settings holds the small set of durable runtime switches the owner
// can flip from chat. Values are strings persisted as a flat JSON object.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/roelfdiedericks/relaygate/internal/config"
	. "github.com/roelfdiedericks/relaygate/internal/logging"
)

// KeyAIActive gates the responder.
const KeyAIActive = "aiActive"

// Store is a key/value map backed by a JSON file.
type Store struct {
	path string

	mu     sync.RWMutex
	values map[string]string
}

// New creates a store persisting to path. Call Load to read existing values.
func New(path string) *Store {
	return &Store{path: path, values: make(map[string]string)}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Load reads values from disk. A missing file leaves the store empty.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			L_debug("settings: file not found, starting empty", "path", s.path)
			s.values = make(map[string]string)
			return nil
		}
		return fmt.Errorf("failed to read settings: %w", err)
	}

	raw := make(map[string]any)
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse settings %s: %w", s.path, err)
	}

	// Older files stored booleans as JSON booleans
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch tv := v.(type) {
		case string:
			values[k] = tv
		case bool:
			values[k] = strconv.FormatBool(tv)
		default:
			values[k] = fmt.Sprint(tv)
		}
	}
	s.values = values

	L_debug("settings: loaded", "path", s.path, "keys", len(values))
	return nil
}

// Get returns the value for key and whether it is set.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Bool interprets key as a boolean; unset or unparsable values read as false.
func (s *Store) Bool(key string) bool {
	v, _ := s.Get(key)
	b, _ := strconv.ParseBool(v)
	return b
}

// Set stores value and writes the file. It reports whether the value changed;
// an unchanged value does not touch the file.
func (s *Store) Set(key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.values[key]; ok && old == value {
		return false, nil
	}

	prev, had := s.values[key]
	s.values[key] = value
	if err := config.AtomicWriteJSON(s.path, s.values, 0600); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return false, fmt.Errorf("failed to save settings: %w", err)
	}

	L_info("settings: updated", "key", key, "value", value)
	return true, nil
}

// SetBool is Set for boolean values.
func (s *Store) SetBool(key string, value bool) (bool, error) {
	return s.Set(key, strconv.FormatBool(value))
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
