package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dghubble/oauth1"

	"github.com/thetahealth/ingest/internal/vault"
)

// pendingOAuth1 remembers the request-token secret between link and
// callback. Entries expire with the same TTL as OAuth2 states.
type pendingOAuth1 struct {
	userID    string
	secret    string
	returnURL string
	expires   time.Time
}

// OAuth1Link implements the three-legged OAuth1 flow shared by OAuth1
// providers, on top of dghubble/oauth1.
type OAuth1Link struct {
	Slug   string
	Config *oauth1.Config
	Vault  *vault.Vault

	mu      sync.Mutex
	pending map[string]pendingOAuth1
}

// AuthURL obtains a request token and returns the vendor authorization URL.
func (l *OAuth1Link) AuthURL(userID, returnURL string) (string, error) {
	requestToken, requestSecret, err := l.Config.RequestToken()
	if err != nil {
		return "", fmt.Errorf("%w: request token failed: %v", ErrAuthFailed, err)
	}
	authURL, err := l.Config.AuthorizationURL(requestToken)
	if err != nil {
		return "", fmt.Errorf("failed to build authorization url: %w", err)
	}

	l.mu.Lock()
	if l.pending == nil {
		l.pending = make(map[string]pendingOAuth1)
	}
	now := time.Now()
	for k, p := range l.pending {
		if now.After(p.expires) {
			delete(l.pending, k)
		}
	}
	l.pending[requestToken] = pendingOAuth1{
		userID:    userID,
		secret:    requestSecret,
		returnURL: returnURL,
		expires:   now.Add(stateTTL),
	}
	l.mu.Unlock()

	return authURL.String(), nil
}

// HandleCallback exchanges the verifier for an access token and persists it.
func (l *OAuth1Link) HandleCallback(ctx context.Context, token, verifier string) (CallbackResult, error) {
	l.mu.Lock()
	p, ok := l.pending[token]
	delete(l.pending, token)
	l.mu.Unlock()
	if !ok || time.Now().After(p.expires) {
		return CallbackResult{}, fmt.Errorf("%w: unknown or expired oauth token", ErrValidation)
	}
	if verifier == "" {
		return CallbackResult{}, fmt.Errorf("%w: missing oauth verifier", ErrValidation)
	}

	accessToken, accessSecret, err := l.Config.AccessToken(token, p.secret, verifier)
	if err != nil {
		return CallbackResult{}, fmt.Errorf("%w: access token exchange failed: %v", ErrAuthFailed, err)
	}

	err = l.Vault.SaveLink(ctx, p.userID, l.Slug, vault.AuthOAuth1, vault.Credentials{
		AccessToken: accessToken,
		TokenSecret: accessSecret,
	})
	if err != nil {
		return CallbackResult{}, fmt.Errorf("failed to persist oauth1 tokens: %w", err)
	}
	return CallbackResult{UserID: p.userID, ReturnURL: p.returnURL}, nil
}
