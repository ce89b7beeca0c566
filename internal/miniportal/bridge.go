// Package miniportal is the embedded-app side of the bridge: the runtime a
// hosted application links against to announce itself, obtain scoped tokens
// from the host shell and keep them fresh.
package miniportal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"miniportal.org/internal/bus"
	"miniportal.org/internal/scope"
)

// TokenMargin is the child-side freshness margin: a held token with less
// remaining validity triggers a re-init before use. It is deliberately
// tighter than the host-side margin so the child refreshes first.
const TokenMargin = 10 * time.Second

// ErrNoToken is returned when the host answered the init handshake without
// delivering a token.
var ErrNoToken = errors.New("miniportal: no token received from host")

// Options configure a Bridge.
type Options struct {
	// AppID is this application's registered name, echoed in the init
	// handshake so the host can reject misrouted frames.
	AppID string
	// Timeout bounds one init round trip; zero means bus.DefaultTimeout.
	Timeout time.Duration
	// Clock overrides time.Now for expiry tests.
	Clock func() time.Time
}

// Bridge is the child endpoint. It listens passively for auth:token pushes
// and re-runs the handshake when its token runs low.
type Bridge struct {
	bus     *bus.Bus
	appID   string
	timeout time.Duration
	now     func() time.Time

	mu         sync.Mutex
	token      string
	exp        time.Time
	lastScopes []string
	lastErr    string

	offToken func()
	offErr   func()
}

// NewBridge binds a bridge to b and starts listening for token pushes.
func NewBridge(b *bus.Bus, opts Options) (*Bridge, error) {
	if opts.AppID == "" {
		return nil, errors.New("miniportal: app id is required")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = bus.DefaultTimeout
	}
	br := &Bridge{
		bus:     b,
		appID:   opts.AppID,
		timeout: timeout,
		now:     now,
	}
	br.offToken = b.On(bus.TopicAuthToken, br.handleToken)
	br.offErr = b.On(bus.TopicAuthError, br.handleError)
	return br, nil
}

type readyPayload struct {
	AppID string `json:"appId"`
}

type initRequest struct {
	AppID  string   `json:"appId"`
	Scopes []string `json:"scopes"`
}

type tokenPayload struct {
	Token string `json:"token"`
	Exp   int64  `json:"exp"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func (br *Bridge) handleToken(env bus.Envelope) {
	var p tokenPayload
	if err := env.DecodePayload(&p); err != nil || p.Token == "" {
		return
	}
	br.mu.Lock()
	br.token = p.Token
	br.exp = time.Unix(p.Exp, 0)
	br.lastErr = ""
	br.mu.Unlock()
}

func (br *Bridge) handleError(env bus.Envelope) {
	var p errorPayload
	if err := env.DecodePayload(&p); err != nil {
		return
	}
	br.mu.Lock()
	br.lastErr = p.Message
	br.mu.Unlock()
}

// Ready announces the app to the host. Hosts may use the signal to begin
// pushing state; the bridge works without it.
func (br *Bridge) Ready() error {
	return br.bus.SendEvent(bus.TopicAppReady, readyPayload{AppID: br.appID})
}

// InitAuth runs the token handshake for the given scopes. The token itself
// arrives through the passive auth:token listener; the response only
// acknowledges the request.
func (br *Bridge) InitAuth(ctx context.Context, scopes []string) error {
	scopes = scope.Canon(scopes)
	br.mu.Lock()
	br.lastScopes = scopes
	br.mu.Unlock()

	_, err := br.bus.Request(ctx, bus.TopicAuthInit, initRequest{
		AppID:  br.appID,
		Scopes: scopes,
	}, br.timeout)
	return err
}

// AccessToken returns a token with at least TokenMargin validity left,
// re-running the handshake with the last requested scopes when needed.
func (br *Bridge) AccessToken(ctx context.Context) (string, error) {
	if tok, ok := br.freshToken(); ok {
		return tok, nil
	}
	br.mu.Lock()
	scopes := br.lastScopes
	br.mu.Unlock()
	if err := br.InitAuth(ctx, scopes); err != nil {
		return "", err
	}
	if tok, ok := br.freshToken(); ok {
		return tok, nil
	}
	br.mu.Lock()
	msg := br.lastErr
	br.mu.Unlock()
	if msg != "" {
		return "", fmt.Errorf("miniportal: host refused token: %s", msg)
	}
	return "", ErrNoToken
}

func (br *Bridge) freshToken() (string, bool) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.token == "" || br.exp.Sub(br.now()) <= TokenMargin {
		return "", false
	}
	return br.token, true
}

// Close unsubscribes the bridge from the bus.
func (br *Bridge) Close() {
	if br.offToken != nil {
		br.offToken()
	}
	if br.offErr != nil {
		br.offErr()
	}
}
