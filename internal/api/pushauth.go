package api

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
)

// googleIssuer is the issuer of Pub/Sub push OIDC tokens.
const googleIssuer = "https://accounts.google.com"

// PushVerifier authenticates Pub/Sub push requests. Verify returns the
// service account email the token was issued to.
type PushVerifier interface {
	Verify(ctx context.Context, rawToken string) (string, error)
}

// OIDCVerifier validates Google-signed push tokens against the configured
// audience, and optionally pins the service account the token belongs to.
type OIDCVerifier struct {
	audience       string
	serviceAccount string

	mu       sync.Mutex
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier creates a verifier for the given audience. An empty
// serviceAccount accepts any verified subject.
func NewOIDCVerifier(audience, serviceAccount string) *OIDCVerifier {
	return &OIDCVerifier{audience: audience, serviceAccount: serviceAccount}
}

// Verify checks the token signature, issuer, audience, and expiry, then the
// service account pin. Provider discovery happens on first use so server
// startup does not depend on network reachability.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (string, error) {
	verifier, err := v.idTokenVerifier(ctx)
	if err != nil {
		return "", fmt.Errorf("push token verifier: %w", err)
	}

	token, err := verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", fmt.Errorf("verify push token: %w", err)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := token.Claims(&claims); err != nil {
		return "", fmt.Errorf("parse token claims: %w", err)
	}

	if v.serviceAccount != "" && claims.Email != v.serviceAccount {
		return "", fmt.Errorf("push token from unexpected service account %q", claims.Email)
	}
	return claims.Email, nil
}

func (v *OIDCVerifier) idTokenVerifier(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.verifier == nil {
		provider, err := oidc.NewProvider(ctx, googleIssuer)
		if err != nil {
			return nil, err
		}
		v.verifier = provider.Verifier(&oidc.Config{ClientID: v.audience})
	}
	return v.verifier, nil
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return ""
}
