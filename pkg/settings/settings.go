// Package settings holds the layered "section.key = value" configuration
// context a session serves commands against.
//
// A session keeps one base Settings for its whole lifetime and hands every
// command a Copy, so overrides a command applies never leak into the next
// command on the same connection.
package settings

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

// ErrInvalidOverride is returned by ParseOverride for malformed input.
var ErrInvalidOverride = errors.New("settings: invalid override")

type entry struct {
	value  string
	source string
}

// Settings is a concurrency-safe two-level map of configuration values,
// each remembering where it came from.
type Settings struct {
	mu       sync.RWMutex
	sections map[string]map[string]entry
}

// New returns an empty Settings.
func New() *Settings {
	return &Settings{sections: make(map[string]map[string]entry)}
}

// Set stores value under section.key, recording source.
func (s *Settings) Set(section, key, value, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.sections[section]
	if !ok {
		sec = make(map[string]entry)
		s.sections[section] = sec
	}
	sec[key] = entry{value: value, source: source}
}

// Get returns the value of section.key and whether it is set.
func (s *Settings) Get(section, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sections[section][key]
	return e.value, ok
}

// GetDefault returns the value of section.key or def when unset.
func (s *Settings) GetDefault(section, key, def string) string {
	if v, ok := s.Get(section, key); ok {
		return v
	}
	return def
}

// GetBool interprets section.key as a boolean. Unset or unparseable values
// yield def.
func (s *Settings) GetBool(section, key string, def bool) bool {
	v, ok := s.Get(section, key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "yes", "true", "on", "always":
		return true
	case "0", "no", "false", "off", "never":
		return false
	}
	return def
}

// Source reports where section.key was last set from.
func (s *Settings) Source(section, key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sections[section][key].source
}

// Sections returns the section names in sorted order.
func (s *Settings) Sections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.sections))
	for name := range s.sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Keys returns the keys of section in sorted order.
func (s *Settings) Keys(section string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.sections[section]))
	for k := range s.sections[section] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Copy returns a deep copy. Mutating the copy never affects s.
func (s *Settings) Copy() *Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &Settings{sections: make(map[string]map[string]entry, len(s.sections))}
	for name, sec := range s.sections {
		dup := make(map[string]entry, len(sec))
		for k, e := range sec {
			dup[k] = e
		}
		c.sections[name] = dup
	}
	return c
}

// Environ renders every value as NAME=value pairs with the given prefix,
// e.g. prefix "CMDSERVER_CONFIG_" turns ui.nontty into
// CMDSERVER_CONFIG_UI_NONTTY.
func (s *Settings) Environ(prefix string) []string {
	var env []string
	for _, sec := range s.Sections() {
		for _, key := range s.Keys(sec) {
			v, _ := s.Get(sec, key)
			name := prefix + envName(sec) + "_" + envName(key)
			env = append(env, name+"="+v)
		}
	}
	return env
}

func envName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, s)
}

// LoadTOML reads a TOML file whose top-level tables are sections. Nested
// tables are flattened with dots; scalar values are stored in their textual
// form.
func (s *Settings) LoadTOML(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc map[string]interface{}
	if err := toml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for name, raw := range doc {
		table, ok := raw.(map[string]interface{})
		if !ok {
			return fmt.Errorf("parse %s: key %q is outside a section", path, name)
		}
		s.loadTable(name, "", table, path)
	}
	return nil
}

func (s *Settings) loadTable(section, prefix string, table map[string]interface{}, source string) {
	for k, v := range table {
		key := prefix + k
		if sub, ok := v.(map[string]interface{}); ok {
			s.loadTable(section, key+".", sub, source)
			continue
		}
		s.Set(section, key, stringify(v), source)
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case []interface{}:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = stringify(e)
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(t)
	}
}

// Override is one parsed "section.key=value" assignment.
type Override struct {
	Section string
	Key     string
	Value   string
}

// ParseOverride parses "section.key=value". The key may itself contain
// dots; the section is everything before the first one.
func ParseOverride(s string) (Override, error) {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return Override{}, fmt.Errorf("%w: %q lacks '='", ErrInvalidOverride, s)
	}
	section, key, ok := strings.Cut(name, ".")
	if !ok || section == "" || key == "" {
		return Override{}, fmt.Errorf("%w: %q is not section.key=value", ErrInvalidOverride, s)
	}
	return Override{Section: section, Key: key, Value: value}, nil
}

// Apply stores o into s.
func (o Override) Apply(s *Settings, source string) {
	s.Set(o.Section, o.Key, o.Value, source)
}
