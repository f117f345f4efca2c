package provider

import (
	"encoding/json"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandaloneSecretFromParamOrHeader(t *testing.T) {
	p, err := newStandalone(json.RawMessage(`{"secret": "abcde"}`))
	require.NoError(t, err)

	req := Request{Header: http.Header{}, Query: map[string]string{}}
	assert.Equal(t, Reject, p.Validate(req).Outcome)

	req.Query["secret"] = "wrong"
	assert.Equal(t, Reject, p.Validate(req).Outcome)

	req.Query["secret"] = "abcde"
	assert.Equal(t, Accept, p.Validate(req).Outcome)

	req2 := Request{Header: http.Header{"X-Fisher-Secret": []string{"abcde"}}, Query: map[string]string{}}
	assert.Equal(t, Accept, p.Validate(req2).Outcome)
}

func TestStandaloneCustomNames(t *testing.T) {
	p, err := newStandalone(json.RawMessage(`{"secret": "abcde", "param_name": "a", "header_name": "X-A"}`))
	require.NoError(t, err)

	req := Request{Header: http.Header{"X-A": []string{"abcde"}}, Query: map[string]string{}}
	assert.Equal(t, Accept, p.Validate(req).Outcome)
}

func TestStandaloneNoSecretConfigured(t *testing.T) {
	p, err := newStandalone(json.RawMessage(`{}`))
	require.NoError(t, err)

	req := Request{Header: http.Header{}, Query: map[string]string{}}
	assert.Equal(t, Accept, p.Validate(req).Outcome)
}

func TestStandaloneFromCIDR(t *testing.T) {
	p, err := newStandalone(json.RawMessage(`{"from": ["10.0.0.0/8"]}`))
	require.NoError(t, err)

	req := Request{Header: http.Header{}, Query: map[string]string{}, SourceIP: net.ParseIP("10.1.2.3")}
	assert.Equal(t, Accept, p.Validate(req).Outcome)

	req.SourceIP = net.ParseIP("192.168.1.1")
	assert.Equal(t, Reject, p.Validate(req).Outcome)
}

func TestStandaloneInvalidFromEntry(t *testing.T) {
	_, err := newStandalone(json.RawMessage(`{"from": ["not-an-ip"]}`))
	assert.Error(t, err)
}
