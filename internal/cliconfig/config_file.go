package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	Address         string   `toml:"address"`
	PollInterval    string   `toml:"poll_interval"`
	IdleTimeout     string   `toml:"idle_timeout"`
	ShutdownTimeout string   `toml:"shutdown_timeout"`
	LogPath         string   `toml:"log"`
	Encoding        string   `toml:"encoding"`
	ExecPath        string   `toml:"exec"`
	ForwardStdin    *bool    `toml:"forward_stdin"`
	SettingsFiles   []string `toml:"settings"`
	LogLevel        string   `toml:"log_level"`
	WatchConfig     *bool    `toml:"watch_config"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.cmdserver/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".cmdserver", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("address", fc.Address, &cfg.Address)
	s.setString("log", fc.LogPath, &cfg.LogPath)
	s.setString("encoding", fc.Encoding, &cfg.Encoding)
	s.setString("exec", fc.ExecPath, &cfg.ExecPath)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setStrings("settings", fc.SettingsFiles, &cfg.SettingsFiles)

	if err := s.setDuration("poll", fc.PollInterval, &cfg.PollInterval); err != nil {
		return err
	}
	if err := s.setDuration("idle-timeout", fc.IdleTimeout, &cfg.IdleTimeout); err != nil {
		return err
	}
	if err := s.setDuration("shutdown-timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout); err != nil {
		return err
	}

	s.setBool("forward-stdin", fc.ForwardStdin, &cfg.ForwardStdin)
	s.setBool("watch", fc.WatchConfig, &cfg.WatchConfig)
	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
