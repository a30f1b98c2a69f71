package cmdserver

import (
	"github.com/bft-labs/cmdserver/pkg/channel"
	"github.com/bft-labs/cmdserver/pkg/client"
	"github.com/bft-labs/cmdserver/pkg/frame"
	"github.com/bft-labs/cmdserver/pkg/log"
	"github.com/bft-labs/cmdserver/pkg/settings"
)

// Version information for the cmdserver module.
const (
	// Version is the current version of the cmdserver module.
	Version = "1.0.0"

	// MinCompatibleVersion is the minimum version that is compatible with this version.
	MinCompatibleVersion = "1.0.0"
)

// ModuleVersions returns the version of every sub-module.
func ModuleVersions() map[string]string {
	return map[string]string{
		"cmdserver": Version,
		"frame":     frame.Version,
		"channel":   channel.Version,
		"settings":  settings.Version,
		"client":    client.Version,
		"log":       log.Version,
	}
}

// CompatibilityMatrix returns the minimum compatible version of every
// sub-module.
func CompatibilityMatrix() map[string]string {
	return map[string]string{
		"cmdserver": MinCompatibleVersion,
		"frame":     frame.MinCompatibleVersion,
		"channel":   channel.MinCompatibleVersion,
		"settings":  settings.MinCompatibleVersion,
		"client":    client.MinCompatibleVersion,
		"log":       log.MinCompatibleVersion,
	}
}
