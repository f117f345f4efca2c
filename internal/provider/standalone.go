package provider

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
)

// standaloneConfig mirrors _examples/original_source/src/providers/standalone.rs,
// except "secret" is optional here per spec.md §4.3.1 (the original treats
// it as mandatory; spec.md generalizes it so "from" can stand alone).
type standaloneConfig struct {
	Secret     *string  `json:"secret,omitempty"`
	ParamName  *string  `json:"param_name,omitempty"`
	HeaderName *string  `json:"header_name,omitempty"`
	From       []string `json:"from,omitempty"`
}

type standaloneProvider struct {
	cfg  standaloneConfig
	nets []*net.IPNet
	ips  []net.IP
}

func newStandalone(raw json.RawMessage) (Provider, error) {
	var cfg standaloneConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing Standalone provider config: %w", err)
	}

	p := &standaloneProvider{cfg: cfg}
	for _, entry := range cfg.From {
		if _, network, err := net.ParseCIDR(entry); err == nil {
			p.nets = append(p.nets, network)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			p.ips = append(p.ips, ip)
			continue
		}
		return nil, fmt.Errorf("invalid Standalone \"from\" entry %q: not a CIDR or IP address", entry)
	}

	return p, nil
}

func (p *standaloneProvider) Name() string { return "Standalone" }

func (p *standaloneProvider) paramName() string {
	if p.cfg.ParamName != nil {
		return *p.cfg.ParamName
	}
	return "secret"
}

func (p *standaloneProvider) headerName() string {
	if p.cfg.HeaderName != nil {
		return *p.cfg.HeaderName
	}
	return "X-Fisher-Secret"
}

func (p *standaloneProvider) sourceAllowed(req Request) bool {
	if len(p.nets) == 0 && len(p.ips) == 0 {
		return true
	}
	if req.SourceIP == nil {
		return false
	}
	for _, network := range p.nets {
		if network.Contains(req.SourceIP) {
			return true
		}
	}
	for _, ip := range p.ips {
		if ip.Equal(req.SourceIP) {
			return true
		}
	}
	return false
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (p *standaloneProvider) Validate(req Request) Result {
	if !p.sourceAllowed(req) {
		return Result{Outcome: Reject, Reason: "source IP not in the configured \"from\" list"}
	}

	if p.cfg.Secret == nil {
		return Result{Outcome: Accept, Env: map[string]string{}}
	}

	candidate, ok := req.Query[p.paramName()]
	if !ok || candidate == "" {
		candidate = req.Header.Get(p.headerName())
	}
	if candidate == "" {
		return Result{Outcome: Reject, Reason: "missing secret"}
	}
	if !constantTimeEqual(candidate, *p.cfg.Secret) {
		return Result{Outcome: Reject, Reason: "secret mismatch"}
	}

	return Result{Outcome: Accept, Env: map[string]string{}}
}
