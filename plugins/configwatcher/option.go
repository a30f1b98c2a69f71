package configwatcher

import "github.com/bft-labs/cmdserver/pkg/cmdserver"

// WithConfigWatcher returns a cmdserver Option that drains the server when
// its socket or settings files change.
//
// Usage:
//
//	srv, err := cmdserver.New(cfg,
//	    configwatcher.WithConfigWatcher(configwatcher.Config{
//	        DebounceDelay: 100 * time.Millisecond,
//	    }),
//	)
func WithConfigWatcher(cfg Config) cmdserver.Option {
	return cmdserver.WithPlugin(New(cfg))
}

// WithDefaultConfigWatcher returns a cmdserver Option that enables
// watching with default settings.
//
// Usage:
//
//	srv, err := cmdserver.New(cfg, configwatcher.WithDefaultConfigWatcher())
func WithDefaultConfigWatcher() cmdserver.Option {
	return WithConfigWatcher(DefaultConfig())
}
