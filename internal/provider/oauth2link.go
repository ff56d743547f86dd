package provider

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/thetahealth/ingest/internal/vault"
)

const stateTTL = 15 * time.Minute

// expiryLeeway refreshes tokens slightly before their deadline so an
// in-flight pull never races expiry.
const expiryLeeway = 30 * time.Second

// StateEntry pins an in-flight OAuth2 authorization to its initiator.
type StateEntry struct {
	UserID    string
	ReturnURL string
	Expires   time.Time
}

// StateStore holds pending OAuth2 states with a 15-minute TTL. States are
// single-use: Consume removes the entry, so replayed callbacks fail.
type StateStore struct {
	mu      sync.Mutex
	entries map[string]StateEntry
}

// NewStateStore returns an empty state store.
func NewStateStore() *StateStore {
	return &StateStore{entries: make(map[string]StateEntry)}
}

// New mints a state token for the user and records the return URL.
func (s *StateStore) New(userID, returnURL string) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	s.entries[state] = StateEntry{
		UserID:    userID,
		ReturnURL: returnURL,
		Expires:   time.Now().Add(stateTTL),
	}
	return state, nil
}

// Consume redeems a state token, first-wins.
func (s *StateStore) Consume(state string) (StateEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[state]
	if !ok {
		return StateEntry{}, false
	}
	delete(s.entries, state)
	if time.Now().After(entry.Expires) {
		return StateEntry{}, false
	}
	return entry, true
}

func (s *StateStore) pruneLocked() {
	now := time.Now()
	for k, e := range s.entries {
		if now.After(e.Expires) {
			delete(s.entries, k)
		}
	}
}

// OAuth2Link implements the shared OAuth2 link/callback/refresh flow on top
// of golang.org/x/oauth2. Concrete providers own the endpoint configuration
// and the pull logic.
type OAuth2Link struct {
	Slug   string
	Config *oauth2.Config
	Vault  *vault.Vault
	States *StateStore
	HTTP   *http.Client

	// OnLinked, when set, runs in the background after a completed callback.
	// The engine uses it to trigger the initial pull.
	OnLinked func(userID string)
}

// AuthURL starts the flow: mints a state bound to the caller's return URL
// and builds the vendor authorization URL.
func (l *OAuth2Link) AuthURL(userID, returnURL string) (string, error) {
	state, err := l.States.New(userID, returnURL)
	if err != nil {
		return "", fmt.Errorf("failed to create oauth state: %w", err)
	}
	return l.Config.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// HandleCallback redeems the state, exchanges the code, and persists the
// token bundle. A mismatched or expired state is a validation error.
func (l *OAuth2Link) HandleCallback(ctx context.Context, code, state string) (CallbackResult, error) {
	entry, ok := l.States.Consume(state)
	if !ok {
		return CallbackResult{}, fmt.Errorf("%w: unknown or expired oauth state", ErrValidation)
	}
	if code == "" {
		return CallbackResult{}, fmt.Errorf("%w: missing authorization code", ErrValidation)
	}

	ctx = l.withHTTPClient(ctx)
	token, err := l.Config.Exchange(ctx, code)
	if err != nil {
		return CallbackResult{}, fmt.Errorf("%w: code exchange failed: %v", ErrAuthFailed, err)
	}

	err = l.Vault.SaveLink(ctx, entry.UserID, l.Slug, vault.AuthOAuth2, vault.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	})
	if err != nil {
		return CallbackResult{}, fmt.Errorf("failed to persist oauth tokens: %w", err)
	}

	if l.OnLinked != nil {
		go l.OnLinked(entry.UserID)
	}
	return CallbackResult{UserID: entry.UserID, ReturnURL: entry.ReturnURL}, nil
}

// ValidAccessToken returns a usable access token for the user, refreshing
// when the stored one is expired. A 4xx from the token endpoint is terminal:
// the link is flagged for reconnect and ErrAuthFailed is returned.
func (l *OAuth2Link) ValidAccessToken(ctx context.Context, userID string) (string, error) {
	_, creds, err := l.Vault.GetCredentials(ctx, userID, l.Slug)
	if err != nil {
		return "", err
	}
	if creds == nil {
		return "", ErrNotLinked
	}
	if creds.AccessToken != "" && time.Now().Add(expiryLeeway).Before(creds.ExpiresAt) {
		return creds.AccessToken, nil
	}
	if creds.RefreshToken == "" {
		if markErr := l.Vault.MarkReconnect(ctx, userID, l.Slug); markErr != nil {
			log.Warn().Err(markErr).Str("provider", l.Slug).Msg("Failed to flag link for reconnect")
		}
		return "", fmt.Errorf("%w: access token expired and no refresh token stored", ErrAuthFailed)
	}

	ctx = l.withHTTPClient(ctx)
	src := l.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	token, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) &&
			retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			// Refresh rejection is not transient: require a fresh link.
			log.Warn().Str("provider", l.Slug).Str("userId", userID).
				Int("status", retrieveErr.Response.StatusCode).
				Msg("Token refresh rejected, flagging link for reconnect")
			if markErr := l.Vault.MarkReconnect(ctx, userID, l.Slug); markErr != nil {
				log.Warn().Err(markErr).Str("provider", l.Slug).Msg("Failed to flag link for reconnect")
			}
			return "", fmt.Errorf("%w: token refresh rejected: %v", ErrAuthFailed, err)
		}
		return "", fmt.Errorf("token refresh failed: %w", err)
	}

	if err := l.Vault.UpdateOAuth2Tokens(ctx, userID, l.Slug,
		token.AccessToken, token.RefreshToken, token.Expiry); err != nil {
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}
	return token.AccessToken, nil
}

func (l *OAuth2Link) withHTTPClient(ctx context.Context) context.Context {
	if l.HTTP == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, l.HTTP)
}
