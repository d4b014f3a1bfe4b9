// Package auth builds Gmail API token sources from the supported
// credential variants: plain service account, service account with
// workspace domain delegation, and OAuth user tokens.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Scopes required for history reconciliation and watch management.
var Scopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.modify",
}

// Provider yields an opaque token source for Gmail API calls. Callers never
// learn which credential variant produced it.
type Provider interface {
	TokenSource(ctx context.Context) (oauth2.TokenSource, error)
}

// serviceAccount authenticates as a service account, optionally impersonating
// a workspace user via domain-wide delegation.
type serviceAccount struct {
	keyJSON []byte
	subject string
}

// NewServiceAccount builds a provider from a service account key.
func NewServiceAccount(keyJSON []byte) Provider {
	return &serviceAccount{keyJSON: keyJSON}
}

// NewDelegated builds a provider from a service account key that impersonates
// the given workspace user.
func NewDelegated(keyJSON []byte, subject string) Provider {
	return &serviceAccount{keyJSON: keyJSON, subject: subject}
}

func (p *serviceAccount) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	cfg, err := google.JWTConfigFromJSON(p.keyJSON, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	cfg.Subject = p.subject
	return cfg.TokenSource(ctx), nil
}

// userToken authenticates with a stored OAuth authorized-user token
// (client ID, client secret, refresh token).
type userToken struct {
	tokenJSON []byte
}

// NewUserToken builds a provider from an authorized-user token JSON blob.
func NewUserToken(tokenJSON []byte) Provider {
	return &userToken{tokenJSON: tokenJSON}
}

func (p *userToken) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	creds, err := google.CredentialsFromJSON(ctx, p.tokenJSON, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse user token: %w", err)
	}
	return creds.TokenSource, nil
}

// DecodeKeyMaterial accepts credential material that may arrive either as
// raw JSON or base64-encoded JSON (the common shape for env variables) and
// returns the JSON bytes.
func DecodeKeyMaterial(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty credential material")
	}
	if strings.HasPrefix(trimmed, "{") {
		return []byte(trimmed), nil
	}

	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("credential material is neither JSON nor base64: %w", err)
	}

	// Tolerate double-encoded JSON (a quoted JSON string inside the blob).
	var asString string
	if json.Unmarshal(decoded, &asString) == nil && strings.HasPrefix(strings.TrimSpace(asString), "{") {
		return []byte(asString), nil
	}
	return decoded, nil
}
