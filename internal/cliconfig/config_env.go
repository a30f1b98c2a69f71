package cliconfig

import (
	"os"
	"path/filepath"
)

// ApplyEnvConfig applies configuration from environment variables (CMDSERVER_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("address", os.Getenv(EnvPrefix+"ADDRESS"), &cfg.Address)
	s.setString("log", os.Getenv(EnvPrefix+"LOG"), &cfg.LogPath)
	s.setString("encoding", os.Getenv(EnvPrefix+"ENCODING"), &cfg.Encoding)
	s.setString("exec", os.Getenv(EnvPrefix+"EXEC"), &cfg.ExecPath)
	s.setString("log-level", os.Getenv(EnvPrefix+"LOG_LEVEL"), &cfg.LogLevel)
	s.setStrings("settings", filepath.SplitList(os.Getenv(EnvPrefix+"SETTINGS")), &cfg.SettingsFiles)

	if err := s.setDuration("poll", os.Getenv(EnvPrefix+"POLL_INTERVAL"), &cfg.PollInterval); err != nil {
		return err
	}
	if err := s.setDuration("idle-timeout", os.Getenv(EnvPrefix+"IDLE_TIMEOUT"), &cfg.IdleTimeout); err != nil {
		return err
	}
	if err := s.setDuration("shutdown-timeout", os.Getenv(EnvPrefix+"SHUTDOWN_TIMEOUT"), &cfg.ShutdownTimeout); err != nil {
		return err
	}

	if err := s.setBoolFromString("forward-stdin", os.Getenv(EnvPrefix+"FORWARD_STDIN"), &cfg.ForwardStdin); err != nil {
		return err
	}
	if err := s.setBoolFromString("watch", os.Getenv(EnvPrefix+"WATCH_CONFIG"), &cfg.WatchConfig); err != nil {
		return err
	}
	return nil
}
