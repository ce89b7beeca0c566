package miniportal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miniportal.org/internal/bus"
	"miniportal.org/internal/shell"
)

const (
	hostOrigin  = "http://host.test"
	childOrigin = "http://child.test"
)

type fakeIssuer struct {
	mu        sync.Mutex
	calls     int
	token     string
	expiresAt func() time.Time
	err       error
}

func (f *fakeIssuer) IssueAppToken(_ context.Context, _, _ string, scopes []string) (shell.AppToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return shell.AppToken{}, f.err
	}
	return shell.AppToken{Token: f.token, ExpiresAt: f.expiresAt(), Scopes: scopes}, nil
}

func (f *fakeIssuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// hostedPair wires a child bridge against a live host-side bridge.
func hostedPair(t *testing.T, issuer shell.TokenIssuer, hostClock, childClock func() time.Time) (*Bridge, *shell.SSO) {
	t.Helper()
	hostBus, childBus := bus.Pair(
		bus.Options{Origin: hostOrigin, AllowedOrigin: childOrigin, Source: "shell", TargetLabel: "miniportal:demo"},
		bus.Options{Origin: childOrigin, AllowedOrigin: hostOrigin, Source: "miniportal", TargetLabel: "shell"},
	)
	t.Cleanup(hostBus.Close)
	t.Cleanup(childBus.Close)

	sso, err := shell.Attach(hostBus, shell.SSOOptions{
		AppID:  "demo",
		Origin: childOrigin,
		Issuer: issuer,
		Clock:  hostClock,
	})
	require.NoError(t, err)
	t.Cleanup(sso.Close)

	br, err := NewBridge(childBus, Options{AppID: "demo", Clock: childClock})
	require.NoError(t, err)
	t.Cleanup(br.Close)
	return br, sso
}

func TestReadyAnnouncesToHost(t *testing.T) {
	issuer := &fakeIssuer{token: "tok", expiresAt: func() time.Time { return time.Now().Add(time.Hour) }}
	br, sso := hostedPair(t, issuer, nil, nil)

	assert.False(t, sso.Ready())
	require.NoError(t, br.Ready())
	assert.True(t, sso.Ready())
}

func TestInitAuthStoresPushedToken(t *testing.T) {
	issuer := &fakeIssuer{token: "tok-1", expiresAt: func() time.Time { return time.Now().Add(time.Hour) }}
	br, _ := hostedPair(t, issuer, nil, nil)

	require.NoError(t, br.InitAuth(context.Background(), []string{"users:read"}))

	tok, err := br.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, 1, issuer.callCount(), "held token should be reused")
}

func TestAccessTokenReInitsNearExpiry(t *testing.T) {
	base := time.Now()
	var mu sync.Mutex
	now := base
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	issuer := &fakeIssuer{token: "tok", expiresAt: func() time.Time { return clock().Add(15 * time.Second) }}
	br, _ := hostedPair(t, issuer, clock, clock)

	require.NoError(t, br.InitAuth(context.Background(), []string{"users:read"}))
	require.Equal(t, 1, issuer.callCount())

	// 7s of validity left: under the 10s child margin, and under the host
	// cache margin too, so a fresh token is minted.
	mu.Lock()
	now = base.Add(8 * time.Second)
	mu.Unlock()

	tok, err := br.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)
	assert.Equal(t, 2, issuer.callCount())
}

func TestAccessTokenSurfacesHostRefusal(t *testing.T) {
	issuer := &fakeIssuer{err: assert.AnError}
	br, _ := hostedPair(t, issuer, nil, nil)

	_, err := br.AccessToken(context.Background())
	var info *bus.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, shell.CodeTokenIssueFailed, info.Code)
}

func TestAccessTokenWithoutHostTimesOut(t *testing.T) {
	_, childBus := bus.Pair(
		bus.Options{Origin: hostOrigin, AllowedOrigin: childOrigin, Source: "shell", TargetLabel: "miniportal:demo"},
		bus.Options{Origin: childOrigin, AllowedOrigin: hostOrigin, Source: "miniportal", TargetLabel: "shell"},
	)
	t.Cleanup(childBus.Close)

	br, err := NewBridge(childBus, Options{AppID: "demo", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(br.Close)

	_, err = br.AccessToken(context.Background())
	assert.ErrorIs(t, err, bus.ErrTimeout)
}
