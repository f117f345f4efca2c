// Package provider implements the validation chain that turns a raw HTTP
// delivery into either a rejection, a skip, or an accepted set of
// environment variables (spec.md §4.3). Each provider is grounded on the
// matching module in _examples/original_source/src/providers/*.rs, ported
// to Go's accept-struct-return-error idiom instead of exceptions.
package provider

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
)

// Outcome is the tri-state result of running a single provider against a
// request: Accept (optionally skipping the job), Reject, or NotApplicable
// (try the next provider in the chain).
type Outcome int

const (
	NotApplicable Outcome = iota
	Accept
	Reject
	AcceptSkip
)

// Result is what a provider's Validate returns.
type Result struct {
	Outcome Outcome
	Env     map[string]string
	Reason  string
}

// Request is the subset of an inbound HTTP delivery providers inspect.
// SourceIP has already been resolved per spec.md §4.3.1 before any
// provider sees the request.
type Request struct {
	Method   string
	Header   http.Header
	Query    map[string]string
	Body     []byte
	SourceIP net.IP
}

// Provider validates a Request and optionally contributes environment
// variables. Implementations must not mutate Request.
type Provider interface {
	Name() string
	Validate(req Request) Result
}

// New constructs the provider named by a "## Fisher-<Name>:" directive from
// its raw JSON configuration. "Status" is deliberately not handled here:
// status hooks never participate in the webhook validation chain (spec.md
// §4.3.4) and are parsed into a separate structure by internal/registry.
func New(name string, raw json.RawMessage) (Provider, error) {
	switch name {
	case "Standalone":
		return newStandalone(raw)
	case "GitHub":
		return newGitHub(raw)
	case "GitLab":
		return newGitLab(raw)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// Pipeline runs an ordered chain of providers against a request per
// spec.md §4.3: accepted iff at least one provider accepts and none in the
// prefix before it rejects.
type Pipeline struct {
	Providers []Provider
}

// PipelineResult is the outcome of running the whole chain.
type PipelineResult struct {
	Accepted   bool
	Skip       bool
	Env        map[string]string
	Reason     string
	ProviderBy string
}

// Run executes the chain in declared order. If no provider accepts or
// rejects (including an empty chain), the request is rejected. A script
// with no providers at all is unreachable via HTTP (spec.md §4.1): the
// HTTP front-end answers 404 for it and never calls Run.
func (p Pipeline) Run(req Request) PipelineResult {
	for _, prov := range p.Providers {
		res := prov.Validate(req)
		switch res.Outcome {
		case NotApplicable:
			continue
		case Accept:
			return PipelineResult{Accepted: true, Env: res.Env, ProviderBy: prov.Name()}
		case AcceptSkip:
			return PipelineResult{Accepted: true, Skip: true, Env: res.Env, ProviderBy: prov.Name()}
		case Reject:
			reason := res.Reason
			if reason == "" {
				reason = "rejected by provider " + prov.Name()
			}
			return PipelineResult{Accepted: false, Reason: reason, ProviderBy: prov.Name()}
		}
	}
	return PipelineResult{Accepted: false, Reason: "no provider matched the request"}
}
