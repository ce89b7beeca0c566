// Package shell is the host side of the portal: it embeds applications,
// answers their auth:init requests over the message bus and hands them
// short-lived scoped tokens, caching issued tokens per scope set.
package shell

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"miniportal.org/internal/bus"
	"miniportal.org/internal/obs"
	"miniportal.org/internal/scope"
	"miniportal.org/internal/tokencache"
)

// TokenMargin is how much validity must remain before a cached host-side
// token is reused instead of issuing a fresh one.
const TokenMargin = 30 * time.Second

// DefaultIssueTimeout bounds a single token issuance triggered by a bus
// request.
const DefaultIssueTimeout = 5 * time.Second

// Bridge error codes carried on failed auth:init responses.
const (
	CodeBadRequest       = "bad_request"
	CodeAppMismatch      = "app_mismatch"
	CodeTokenIssueFailed = "token_issue_failed"
)

// AppToken is an issued app-scoped access token as seen by the host bridge.
type AppToken struct {
	Token     string
	ExpiresAt time.Time
	Scopes    []string
}

// TokenIssuer issues app-scoped tokens on behalf of the signed-in portal
// user. ServiceIssuer adapts the in-process auth service; *Client reaches a
// remote portal API.
type TokenIssuer interface {
	IssueAppToken(ctx context.Context, appName, origin string, scopes []string) (AppToken, error)
}

// SSOOptions configure Attach.
type SSOOptions struct {
	// AppID is the application this bridge instance serves. auth:init
	// requests naming any other app are rejected.
	AppID string
	// Origin is the embedded frame's origin, forwarded to the issuer for
	// registry validation.
	Origin string
	// DefaultScopes are used when an auth:init request carries none.
	DefaultScopes []string
	Issuer        TokenIssuer
	// IssueTimeout bounds one issuance; zero means DefaultIssueTimeout.
	IssueTimeout time.Duration
	// Clock overrides time.Now for cache-expiry tests.
	Clock func() time.Time
}

// SSO is one host-side bridge instance bound to a single embedded app.
type SSO struct {
	bus     *bus.Bus
	appID   string
	origin  string
	scopes  []string
	issuer  TokenIssuer
	cache   *tokencache.Cache
	timeout time.Duration
	log     *logrus.Entry

	mu    sync.Mutex
	ready bool

	offInit  func()
	offReady func()
}

// Attach registers the bridge on b and starts answering auth:init requests.
func Attach(b *bus.Bus, opts SSOOptions) (*SSO, error) {
	if opts.AppID == "" {
		return nil, errors.New("shell: app id is required")
	}
	if opts.Issuer == nil {
		return nil, errors.New("shell: token issuer is required")
	}
	timeout := opts.IssueTimeout
	if timeout <= 0 {
		timeout = DefaultIssueTimeout
	}
	s := &SSO{
		bus:     b,
		appID:   opts.AppID,
		origin:  opts.Origin,
		scopes:  scope.Canon(opts.DefaultScopes),
		issuer:  opts.Issuer,
		cache:   tokencache.New(TokenMargin, opts.Clock),
		timeout: timeout,
		log:     obs.Logger().WithField("component", "shell.sso").WithField("app", opts.AppID),
	}
	s.offInit = b.On(bus.TopicAuthInit, s.handleInit)
	s.offReady = b.On(bus.TopicAppReady, s.handleReady)
	return s, nil
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

func (s *SSO) handleReady(env bus.Envelope) {
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.log.Debug("embedded app reported ready")
}

// Ready reports whether the embedded app has announced itself.
func (s *SSO) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *SSO) handleInit(env bus.Envelope) {
	var req initRequest
	if err := env.DecodePayload(&req); err != nil {
		s.respondError(env, CodeBadRequest, "malformed init payload")
		return
	}
	if req.AppID != s.appID {
		s.log.WithField("requested_app", req.AppID).Warn("init request for foreign app rejected")
		s.respondError(env, CodeAppMismatch, "init request does not match hosted app")
		return
	}
	scopes := scope.Canon(req.Scopes)
	if scopes == nil {
		scopes = s.scopes
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	tok, err := s.Token(ctx, scopes)
	if err != nil {
		s.log.WithError(err).Warn("token issuance failed")
		_ = s.bus.SendEvent(bus.TopicAuthError, errorPayload{Message: err.Error()})
		s.respondError(env, CodeTokenIssueFailed, err.Error())
		return
	}
	_ = s.bus.SendEvent(bus.TopicAuthToken, tokenPayload{Token: tok.Token, Exp: tok.ExpiresAt.Unix()})
	_ = s.bus.Respond(env, map[string]bool{"ok": true}, bus.StatusOK, nil)
}

func (s *SSO) respondError(env bus.Envelope, code, msg string) {
	_ = s.bus.Respond(env, nil, bus.StatusError, &bus.ErrorInfo{Code: code, Message: msg})
}

// Token returns a token for the given scope set, serving from cache while
// more than TokenMargin validity remains.
func (s *SSO) Token(ctx context.Context, scopes []string) (AppToken, error) {
	scopes = scope.Canon(scopes)
	key := scope.Key(scopes)
	if e, ok := s.cache.Get(key); ok {
		return AppToken{Token: e.Token, ExpiresAt: e.ExpiresAt, Scopes: scopes}, nil
	}
	tok, err := s.issuer.IssueAppToken(ctx, s.appID, s.origin, scopes)
	if err != nil {
		return AppToken{}, err
	}
	s.cache.Put(key, tokencache.Entry{Token: tok.Token, ExpiresAt: tok.ExpiresAt})
	return tok, nil
}

// ClearCache drops every cached token, forcing reissue on next use. Called
// on portal logout.
func (s *SSO) ClearCache() {
	s.cache.Clear()
}

// Close unsubscribes the bridge from the bus. The bus itself stays open.
func (s *SSO) Close() {
	if s.offInit != nil {
		s.offInit()
	}
	if s.offReady != nil {
		s.offReady()
	}
}
