package provider

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// githubEvents is the fixed set of real GitHub webhook event names, used
// to validate an "events" whitelist at script-load time rather than
// silently accepting typos at request time. Grounded on
// _examples/original_source/src/providers/github.rs's GITHUB_EVENTS.
var githubEvents = map[string]bool{
	"commit_comment": true, "create": true, "delete": true, "deployment": true,
	"deployment_status": true, "fork": true, "gollum": true, "issue_comment": true,
	"issues": true, "member": true, "membership": true, "page_build": true,
	"public": true, "pull_request_review_comment": true, "pull_request": true,
	"push": true, "repository": true, "release": true, "status": true,
	"team_add": true, "watch": true, "ping": true,
}

type githubConfig struct {
	Secret *string  `json:"secret,omitempty"`
	Events []string `json:"events,omitempty"`
}

type githubProvider struct {
	cfg githubConfig
}

func newGitHub(raw json.RawMessage) (Provider, error) {
	var cfg githubConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing GitHub provider config: %w", err)
	}
	for _, event := range cfg.Events {
		if !githubEvents[event] {
			return nil, fmt.Errorf("invalid GitHub event %q", event)
		}
	}
	return &githubProvider{cfg: cfg}, nil
}

func (p *githubProvider) Name() string { return "GitHub" }

func (p *githubProvider) Validate(req Request) Result {
	event := req.Header.Get("X-GitHub-Event")
	if event == "" {
		return Result{Outcome: Reject, Reason: "missing X-GitHub-Event header"}
	}
	delivery := req.Header.Get("X-GitHub-Delivery")

	if p.cfg.Secret != nil {
		signature := req.Header.Get("X-Hub-Signature")
		if signature == "" {
			return Result{Outcome: Reject, Reason: "missing X-Hub-Signature header"}
		}
		if !verifyGitHubSignature(*p.cfg.Secret, req.Body, signature) {
			return Result{Outcome: Reject, Reason: "signature mismatch"}
		}
	}

	if event == "ping" {
		return Result{Outcome: AcceptSkip, Env: map[string]string{
			"FISHER_GITHUB_EVENT":        event,
			"FISHER_GITHUB_DELIVERY_ID": delivery,
		}}
	}

	if len(p.cfg.Events) > 0 && !containsString(p.cfg.Events, event) {
		// Event whitelist miss: accept-and-skip, not reject, so it never
		// costs the rate limiter (spec.md §4.3.2, §9 open question).
		return Result{Outcome: AcceptSkip, Env: map[string]string{
			"FISHER_GITHUB_EVENT":        event,
			"FISHER_GITHUB_DELIVERY_ID": delivery,
		}}
	}

	return Result{Outcome: Accept, Env: map[string]string{
		"FISHER_GITHUB_EVENT":        event,
		"FISHER_GITHUB_DELIVERY_ID": delivery,
	}}
}

func verifyGitHubSignature(secret string, body []byte, rawSignature string) bool {
	idx := strings.IndexByte(rawSignature, '=')
	if idx < 0 {
		return false
	}
	algorithm := rawSignature[:idx]
	hexSignature := rawSignature[idx+1:]

	if algorithm != "sha1" {
		return false
	}

	signature, err := hex.DecodeString(hexSignature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	return subtle.ConstantTimeCompare(expected, signature) == 1
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
