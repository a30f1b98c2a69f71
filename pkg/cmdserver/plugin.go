package cmdserver

import (
	"context"

	"github.com/bft-labs/cmdserver/pkg/log"
)

// Plugin extends a Server. Plugins are initialized in registration order
// after the socket is bound and shut down in reverse order once the server
// has drained.
type Plugin interface {
	Name() string
	Initialize(ctx context.Context, cfg PluginConfig) error
	Shutdown(ctx context.Context) error
}

// PluginConfig is what a plugin gets to work with.
type PluginConfig struct {
	// Address is the listening socket path.
	Address string

	// SettingsFiles are the files the base settings were loaded from.
	SettingsFiles []string

	Logger log.Logger

	// RequestShutdown makes the server stop accepting and drain, as if the
	// exit handler had fired. Only the first reason is kept.
	RequestShutdown func(reason string)
}

// BasePlugin implements Plugin with no-op hooks. Embed it and override
// what you need.
type BasePlugin struct {
	name string
}

// NewBasePlugin returns a BasePlugin called name.
func NewBasePlugin(name string) BasePlugin {
	return BasePlugin{name: name}
}

// Name returns the name the plugin was created with.
func (p BasePlugin) Name() string { return p.name }

// Initialize does nothing.
func (p BasePlugin) Initialize(context.Context, PluginConfig) error { return nil }

// Shutdown does nothing.
func (p BasePlugin) Shutdown(context.Context) error { return nil }
