package shell

import (
	"context"

	"miniportal.org/internal/auth"
)

// ServiceIssuer adapts the in-process auth service to the TokenIssuer
// interface for same-process hosting: the host shell and the API run in one
// binary, so no HTTP round trip is needed.
type ServiceIssuer struct {
	Auth *auth.Service
	// Claims supplies the portal user on whose behalf tokens are issued,
	// typically the claims of the current interactive session.
	Claims func() *auth.Claims
}

func (si ServiceIssuer) IssueAppToken(ctx context.Context, appName, origin string, scopes []string) (AppToken, error) {
	var claims *auth.Claims
	if si.Claims != nil {
		claims = si.Claims()
	}
	if claims == nil {
		return AppToken{}, auth.ErrUnauthorized
	}
	sess, err := si.Auth.AppLogin(ctx, claims, auth.AppLoginParams{
		AppName:         appName,
		Origin:          origin,
		RequestedScopes: scopes,
	})
	if err != nil {
		return AppToken{}, err
	}
	return AppToken{
		Token:     sess.AccessToken,
		ExpiresAt: sess.ExpiresAt,
		Scopes:    sess.Scopes,
	}, nil
}
