package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// gitlabEvents mirrors _examples/original_source/src/providers/gitlab.rs's
// GITLAB_EVENTS, used the same way as githubEvents: to validate an
// "events" whitelist at script-load time.
var gitlabEvents = map[string]bool{
	"Push": true, "Tag Push": true, "Issue": true, "Note": true,
	"Merge Request": true, "Wiki Page": true, "Build": true, "Pipeline": true,
	"Confidential Issue": true,
}

type gitlabConfig struct {
	Secret *string  `json:"secret,omitempty"`
	Events []string `json:"events,omitempty"`
}

type gitlabProvider struct {
	cfg gitlabConfig
}

func newGitLab(raw json.RawMessage) (Provider, error) {
	var cfg gitlabConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing GitLab provider config: %w", err)
	}
	for _, event := range cfg.Events {
		if !gitlabEvents[event] {
			return nil, fmt.Errorf("invalid GitLab event %q", event)
		}
	}
	return &gitlabProvider{cfg: cfg}, nil
}

func (p *gitlabProvider) Name() string { return "GitLab" }

// normalizeGitLabEvent strips the trailing " Hook" suffix GitLab appends
// to X-Gitlab-Event ("Push Hook" -> "Push"). spec.md is silent on this;
// the original implementation always normalizes before matching and
// before exposing the event name as an env var (original_source/src/providers/gitlab.rs).
func normalizeGitLabEvent(event string) string {
	return strings.TrimSuffix(event, " Hook")
}

func (p *gitlabProvider) Validate(req Request) Result {
	rawEvent := req.Header.Get("X-Gitlab-Event")
	if rawEvent == "" {
		return Result{Outcome: Reject, Reason: "missing X-Gitlab-Event header"}
	}

	if p.cfg.Secret != nil {
		token := req.Header.Get("X-Gitlab-Token")
		if token == "" {
			return Result{Outcome: Reject, Reason: "missing X-Gitlab-Token header"}
		}
		if !constantTimeEqual(token, *p.cfg.Secret) {
			return Result{Outcome: Reject, Reason: "token mismatch"}
		}
	}

	event := normalizeGitLabEvent(rawEvent)

	if len(p.cfg.Events) > 0 && !containsString(p.cfg.Events, event) {
		return Result{Outcome: AcceptSkip, Env: map[string]string{"FISHER_GITLAB_EVENT": event}}
	}

	return Result{Outcome: Accept, Env: map[string]string{"FISHER_GITLAB_EVENT": event}}
}
