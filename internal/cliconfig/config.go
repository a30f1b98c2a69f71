package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/htmlindex"
)

// EnvPrefix prefixes every environment variable read by ApplyEnvConfig.
const EnvPrefix = "CMDSERVER_"

// Config holds CLI configuration for the command server.
type Config struct {
	Address         string
	PollInterval    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// LogPath is the per-session diagnostic sink: "-" for the debug
	// channel, a file path, or empty.
	LogPath  string
	Encoding string

	// ExecPath is the program run for every command. Empty selects the
	// built-in commands.
	ExecPath     string
	ForwardStdin bool

	SettingsFiles []string
	LogLevel      string
	WatchConfig   bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Address:         DefaultAddress(),
		PollInterval:    time.Second,
		ShutdownTimeout: 30 * time.Second,
		Encoding:        "UTF-8",
		LogLevel:        "info",
		WatchConfig:     true,
	}
}

// DefaultAddress returns the per-user socket path: under $XDG_RUNTIME_DIR
// when set, else under the temporary directory.
func DefaultAddress() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "cmdserver", "cmdserver.sock")
	}
	return filepath.Join(os.TempDir(), "cmdserver-"+strconv.Itoa(os.Getuid()), "cmdserver.sock")
}

// Validate checks the configuration and canonicalises the encoding name.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	name, err := CanonicalEncoding(c.Encoding)
	if err != nil {
		return err
	}
	c.Encoding = name

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return nil
}

// CanonicalEncoding maps an encoding label such as "utf8" or "latin1" to
// its canonical name.
func CanonicalEncoding(label string) (string, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		return "", fmt.Errorf("unknown encoding %q", label)
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		return "", fmt.Errorf("encoding %q has no canonical name", label)
	}
	return strings.ToUpper(name), nil
}

// WorkerArgs renders the settings a worker process needs as arguments of
// the worker subcommand.
func (c Config) WorkerArgs() []string {
	args := []string{"--encoding", c.Encoding, "--log-level", c.LogLevel}
	if c.LogPath != "" {
		args = append(args, "--log", c.LogPath)
	}
	if c.ExecPath != "" {
		args = append(args, "--exec", c.ExecPath)
	}
	if c.ForwardStdin {
		args = append(args, "--forward-stdin")
	}
	for _, f := range c.SettingsFiles {
		args = append(args, "--settings", f)
	}
	return args
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

// newConfigSetter creates a new setter with the given changed flags map.
func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setStrings sets a list if not empty and flag not changed.
func (s *configSetter) setStrings(flag string, value []string, dst *[]string) {
	if len(value) == 0 || s.changed[flag] {
		return
	}
	*dst = append([]string(nil), value...)
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setBool sets a bool value from a pointer if not nil and flag not changed.
func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setBoolFromString parses a string to bool and sets the destination.
// Used for environment variables that come as strings.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = b
	return nil
}
