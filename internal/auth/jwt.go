// Package auth validates JWTs presented by requests that arrive through
// the tunnel gateway, using a remote JWKS endpoint. The tunnel's own API
// key authenticates the gateway connection itself (internal/tunnel); this
// package authenticates the individual end user the gateway is proxying
// on behalf of, scoping each token to the workspace it names.
//
// Grounded on the teacher's internal/auth/jwt.go.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT claim set Tower expects from the gateway: standard
// registered claims plus the workspace the token authorizes access to.
type Claims struct {
	jwt.RegisteredClaims
	Workspace string `json:"workspace"`
}

// Validator validates JWTs against a remote JWKS endpoint.
type Validator struct {
	jwks     *keyfunc.Keyfunc
	issuer   string
	audience string
}

// NewValidator fetches and caches the signing keys at jwksURL. issuer and
// audience are checked against every token's registered claims; an empty
// issuer skips that check.
func NewValidator(jwksURL, issuer, audience string) (*Validator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("auth: create JWKS keyfunc: %w", err)
	}

	return &Validator{jwks: k, issuer: issuer, audience: audience}, nil
}

// Validate parses and verifies tokenString, then checks that its
// workspace claim matches workspacePath. A token valid for one workspace
// must not grant access to another.
func (v *Validator) Validate(tokenString, workspacePath string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithAudience(v.audience)}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("auth: unexpected claims type")
	}

	if workspacePath != "" && claims.Workspace != workspacePath {
		return nil, fmt.Errorf("auth: token scoped to %q, not %q", claims.Workspace, workspacePath)
	}

	return claims, nil
}
