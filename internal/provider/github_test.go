package provider

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret, body string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestGitHubSignatureValidation(t *testing.T) {
	p, err := newGitHub(json.RawMessage(`{"secret": "shh"}`))
	require.NoError(t, err)

	body := []byte("hello")
	req := Request{
		Header: http.Header{
			"X-Hub-Signature": []string{sign("shh", "hello")},
			"X-Github-Event":  []string{"push"},
		},
		Body: body,
	}
	res := p.Validate(req)
	assert.Equal(t, Accept, res.Outcome)
	assert.Equal(t, "push", res.Env["FISHER_GITHUB_EVENT"])

	req.Header.Set("X-Hub-Signature", "sha1=0000000000000000000000000000000000000000")
	assert.Equal(t, Reject, p.Validate(req).Outcome)
}

func TestGitHubPingAlwaysSkips(t *testing.T) {
	p, err := newGitHub(json.RawMessage(`{}`))
	require.NoError(t, err)

	req := Request{Header: http.Header{"X-Github-Event": []string{"ping"}, "X-Github-Delivery": []string{"12345"}}}
	res := p.Validate(req)
	assert.Equal(t, AcceptSkip, res.Outcome)
	assert.Equal(t, "12345", res.Env["FISHER_GITHUB_DELIVERY_ID"])
}

func TestGitHubEventWhitelistMissSkipsNotRejects(t *testing.T) {
	p, err := newGitHub(json.RawMessage(`{"events": ["push"]}`))
	require.NoError(t, err)

	req := Request{Header: http.Header{"X-Github-Event": []string{"fork"}}}
	res := p.Validate(req)
	assert.Equal(t, AcceptSkip, res.Outcome)
}

func TestGitHubEventWhitelistMatch(t *testing.T) {
	p, err := newGitHub(json.RawMessage(`{"events": ["push", "fork"]}`))
	require.NoError(t, err)

	req := Request{Header: http.Header{"X-Github-Event": []string{"push"}}}
	assert.Equal(t, Accept, p.Validate(req).Outcome)
}

func TestGitHubInvalidEventNameRejectedAtLoad(t *testing.T) {
	_, err := newGitHub(json.RawMessage(`{"events": ["not_a_real_event"]}`))
	assert.Error(t, err)
}

func TestGitHubMissingHeaderRejected(t *testing.T) {
	p, err := newGitHub(json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, Reject, p.Validate(Request{Header: http.Header{}}).Outcome)
}
