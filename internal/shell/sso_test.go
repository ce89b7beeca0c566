package shell

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miniportal.org/internal/bus"
)

const (
	hostOrigin  = "http://host.test"
	childOrigin = "http://child.test"
)

func newPair() (*bus.Bus, *bus.Bus) {
	return bus.Pair(
		bus.Options{Origin: hostOrigin, AllowedOrigin: childOrigin, Source: "shell", TargetLabel: "miniportal:demo"},
		bus.Options{Origin: childOrigin, AllowedOrigin: hostOrigin, Source: "miniportal", TargetLabel: "shell"},
	)
}

type fakeIssuer struct {
	mu         sync.Mutex
	calls      int
	lastApp    string
	lastOrigin string
	lastScopes []string
	token      string
	expiresAt  func() time.Time
	err        error
}

func (f *fakeIssuer) IssueAppToken(_ context.Context, appName, origin string, scopes []string) (AppToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastApp = appName
	f.lastOrigin = origin
	f.lastScopes = scopes
	if f.err != nil {
		return AppToken{}, f.err
	}
	return AppToken{Token: f.token, ExpiresAt: f.expiresAt(), Scopes: scopes}, nil
}

func (f *fakeIssuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func initPayload(appID string, scopes []string) map[string]any {
	return map[string]any{"appId": appID, "scopes": scopes}
}

func TestInitHandshakeDeliversToken(t *testing.T) {
	host, child := newPair()
	defer host.Close()
	defer child.Close()

	exp := time.Now().Add(time.Hour)
	issuer := &fakeIssuer{token: "tok-1", expiresAt: func() time.Time { return exp }}
	sso, err := Attach(host, SSOOptions{AppID: "demo", Origin: childOrigin, Issuer: issuer})
	require.NoError(t, err)
	defer sso.Close()

	var pushed tokenPayload
	child.On(bus.TopicAuthToken, func(env bus.Envelope) {
		require.NoError(t, env.DecodePayload(&pushed))
	})

	raw, err := child.Request(context.Background(), bus.TopicAuthInit, initPayload("demo", []string{"users:read"}), time.Second)
	require.NoError(t, err)

	var ack map[string]bool
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.True(t, ack["ok"])

	assert.Equal(t, "tok-1", pushed.Token)
	assert.Equal(t, exp.Unix(), pushed.Exp)
	assert.Equal(t, "demo", issuer.lastApp)
	assert.Equal(t, childOrigin, issuer.lastOrigin)
	assert.Equal(t, []string{"users:read"}, issuer.lastScopes)
}

func TestInitForeignAppRejected(t *testing.T) {
	host, child := newPair()
	defer host.Close()
	defer child.Close()

	issuer := &fakeIssuer{token: "tok", expiresAt: func() time.Time { return time.Now().Add(time.Hour) }}
	sso, err := Attach(host, SSOOptions{AppID: "demo", Issuer: issuer})
	require.NoError(t, err)
	defer sso.Close()

	_, err = child.Request(context.Background(), bus.TopicAuthInit, initPayload("other", nil), time.Second)
	var info *bus.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, CodeAppMismatch, info.Code)
	assert.Zero(t, issuer.callCount())
}

func TestInitMalformedPayloadRejected(t *testing.T) {
	host, child := newPair()
	defer host.Close()
	defer child.Close()

	issuer := &fakeIssuer{token: "tok", expiresAt: func() time.Time { return time.Now().Add(time.Hour) }}
	sso, err := Attach(host, SSOOptions{AppID: "demo", Issuer: issuer})
	require.NoError(t, err)
	defer sso.Close()

	// A bare string cannot decode into the init request shape.
	_, err = child.Request(context.Background(), bus.TopicAuthInit, "garbage", time.Second)
	var info *bus.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, CodeBadRequest, info.Code)
	assert.Zero(t, issuer.callCount())
}

func TestIssueFailureEmitsErrorEventAndResponse(t *testing.T) {
	host, child := newPair()
	defer host.Close()
	defer child.Close()

	issuer := &fakeIssuer{err: assert.AnError}
	sso, err := Attach(host, SSOOptions{AppID: "demo", Issuer: issuer})
	require.NoError(t, err)
	defer sso.Close()

	var gotErr errorPayload
	child.On(bus.TopicAuthError, func(env bus.Envelope) {
		require.NoError(t, env.DecodePayload(&gotErr))
	})

	_, err = child.Request(context.Background(), bus.TopicAuthInit, initPayload("demo", []string{"users:read"}), time.Second)
	var info *bus.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, CodeTokenIssueFailed, info.Code)
	assert.Contains(t, gotErr.Message, assert.AnError.Error())
}

func TestTokenCacheServesRepeatInit(t *testing.T) {
	host, child := newPair()
	defer host.Close()
	defer child.Close()

	base := time.Now()
	now := base
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	issuer := &fakeIssuer{token: "tok", expiresAt: func() time.Time { return clock().Add(40 * time.Second) }}
	sso, err := Attach(host, SSOOptions{AppID: "demo", Issuer: issuer, Clock: clock})
	require.NoError(t, err)
	defer sso.Close()

	req := func() {
		_, err := child.Request(context.Background(), bus.TopicAuthInit, initPayload("demo", []string{"users:read"}), time.Second)
		require.NoError(t, err)
	}

	req()
	req()
	assert.Equal(t, 1, issuer.callCount(), "identical scope set should hit the cache")

	// A different scope set is a different cache entry.
	_, err = child.Request(context.Background(), bus.TopicAuthInit, initPayload("demo", []string{"apps:read"}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, issuer.callCount())

	// Inside the 30s margin the cached token no longer qualifies.
	mu.Lock()
	now = base.Add(15 * time.Second)
	mu.Unlock()
	req()
	assert.Equal(t, 3, issuer.callCount())
}

func TestInitUsesDefaultScopesWhenOmitted(t *testing.T) {
	host, child := newPair()
	defer host.Close()
	defer child.Close()

	issuer := &fakeIssuer{token: "tok", expiresAt: func() time.Time { return time.Now().Add(time.Hour) }}
	sso, err := Attach(host, SSOOptions{
		AppID:         "demo",
		DefaultScopes: []string{"users:write", "users:read"},
		Issuer:        issuer,
	})
	require.NoError(t, err)
	defer sso.Close()

	_, err = child.Request(context.Background(), bus.TopicAuthInit, initPayload("demo", nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"users:read", "users:write"}, issuer.lastScopes)
}

func TestClearCacheForcesReissue(t *testing.T) {
	host, child := newPair()
	defer host.Close()
	defer child.Close()

	issuer := &fakeIssuer{token: "tok", expiresAt: func() time.Time { return time.Now().Add(time.Hour) }}
	sso, err := Attach(host, SSOOptions{AppID: "demo", Issuer: issuer})
	require.NoError(t, err)
	defer sso.Close()

	_, err = sso.Token(context.Background(), []string{"users:read"})
	require.NoError(t, err)
	_, err = sso.Token(context.Background(), []string{"users:read"})
	require.NoError(t, err)
	assert.Equal(t, 1, issuer.callCount())

	sso.ClearCache()
	_, err = sso.Token(context.Background(), []string{"users:read"})
	require.NoError(t, err)
	assert.Equal(t, 2, issuer.callCount())

	_, err = child.Request(context.Background(), bus.TopicAuthInit, initPayload("demo", []string{"users:read"}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, issuer.callCount(), "bus path shares the same cache")
}

func TestReadySignal(t *testing.T) {
	host, child := newPair()
	defer host.Close()
	defer child.Close()

	issuer := &fakeIssuer{token: "tok", expiresAt: func() time.Time { return time.Now().Add(time.Hour) }}
	sso, err := Attach(host, SSOOptions{AppID: "demo", Issuer: issuer})
	require.NoError(t, err)
	defer sso.Close()

	assert.False(t, sso.Ready())
	require.NoError(t, child.SendEvent(bus.TopicAppReady, map[string]string{"appId": "demo"}))
	assert.True(t, sso.Ready())
}
