// Package registry scans a scripts directory, parses each executable's
// configuration-comment header, and builds the immutable snapshot the rest
// of Fisher dispatches against. Grounded on
// _examples/original_source/src/scripts/script.rs, adapted from Rust's
// struct-plus-Result idiom to Go's accept-struct-return-error style.
package registry

import (
	"time"

	"github.com/pietroalbini/fisher/internal/provider"
)

// Preferences is the body of a "## Fisher: <json>" directive.
type Preferences struct {
	Priority *int  `json:"priority,omitempty"`
	Parallel *bool `json:"parallel,omitempty"`
}

// StatusConfig is the body of a "## Fisher-Status: <json>" directive.
// Events and Scripts are both optional filters: an empty Events means "no
// subscription" (the descriptor is not a status hook at all unless this
// directive is present), an empty Scripts means "match any source script".
type StatusConfig struct {
	Events  []string `json:"events,omitempty"`
	Scripts []string `json:"scripts,omitempty"`
}

// Descriptor is one script's immutable configuration, as loaded from its
// header comments at a single point in time (spec.md §3's "Script
// descriptor"). A Registry snapshot never mutates a Descriptor in place;
// reload builds entirely new ones.
type Descriptor struct {
	Name     string
	ExecPath string

	Providers []provider.Provider

	Priority int
	Parallel bool

	Status *StatusConfig

	LoadedAt time.Time
}

// defaultPriority mirrors spec.md §3: ordinary scripts default to 0,
// status hooks default to 1000 so they outrun normal traffic unless an
// operator deliberately raises a job's priority above it.
const (
	defaultPriority       = 0
	defaultStatusPriority = 1000
)

// IsWebhookReachable reports whether a request could ever be routed to
// this script. A script with no providers parsed from its header has no
// way to accept a webhook delivery (spec.md §4.1) even though it still
// occupies a registry slot.
func (d *Descriptor) IsWebhookReachable() bool {
	return len(d.Providers) > 0
}

// IsStatusHook reports whether this script was declared with a
// "## Fisher-Status:" directive, which subscribes it to job outcomes
// (spec.md §4.3.4). The Status directive itself never matches a webhook
// request; a status hook that also declares a webhook provider is
// reachable through "/hook/<name>" like any other script.
func (d *Descriptor) IsStatusHook() bool {
	return d.Status != nil
}
