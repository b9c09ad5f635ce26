// Package capability defines the contract a host application consumes from
// kiln-managed artifacts. Loaded plugins and platform adapters are handed to
// the host only through these interfaces.
package capability

import (
	"context"
	"strings"
)

// Capability is the common surface of every loaded artifact.
type Capability interface {
	// Name is the id the host registers the artifact under.
	Name() string
}

// Plugin is the host's plugin contract. Every attribute is required.
type Plugin interface {
	Capability
	Description() string
	Usage() string
	Platforms() []string
	RequiredSettings() []string
}

// SelfChecker is implemented by plugins that expose an optional zero-argument
// self-check. A nil error means the plugin considers itself healthy; the
// string is a short confirmation message.
type SelfChecker interface {
	SelfCheck(ctx context.Context) (string, error)
}

// Platform is the host's platform adapter contract. Run blocks until ctx is
// cancelled or the adapter fails. Loading a platform never starts it.
type Platform interface {
	Capability
	Settings() map[string]any
	Run(ctx context.Context) error
}

// Plugin attribute names, in the order they are reported when missing.
const (
	AttrName             = "name"
	AttrDescription      = "description"
	AttrUsage            = "usage"
	AttrPlatforms        = "platforms"
	AttrRequiredSettings = "required_settings"
)

// RequiredPluginAttributes lists every attribute a plugin must expose.
var RequiredPluginAttributes = []string{
	AttrName,
	AttrDescription,
	AttrUsage,
	AttrPlatforms,
	AttrRequiredSettings,
}

// Declarer is implemented by plugins that can tell an attribute that was
// never declared apart from one declared empty.
type Declarer interface {
	Declares(attr string) bool
}

// MissingPluginAttributes returns the required attributes p does not satisfy,
// in RequiredPluginAttributes order. String attributes must be non-blank,
// platforms must be non-empty and required_settings must be declared, though
// it may be an empty list.
func MissingPluginAttributes(p Plugin) []string {
	if p == nil {
		return append([]string(nil), RequiredPluginAttributes...)
	}
	var missing []string
	if strings.TrimSpace(p.Name()) == "" {
		missing = append(missing, AttrName)
	}
	if strings.TrimSpace(p.Description()) == "" {
		missing = append(missing, AttrDescription)
	}
	if strings.TrimSpace(p.Usage()) == "" {
		missing = append(missing, AttrUsage)
	}
	if len(p.Platforms()) == 0 {
		missing = append(missing, AttrPlatforms)
	}
	if d, ok := p.(Declarer); ok && !d.Declares(AttrRequiredSettings) {
		missing = append(missing, AttrRequiredSettings)
	}
	return missing
}
