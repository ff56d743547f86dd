// Package vault stores per-user provider credentials, encrypted at rest.
//
// Writes never mutate a credential row in place: SaveLink soft-deletes the
// prior row and inserts a fresh one inside a transaction, so concurrent
// readers always observe a complete bundle.
package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/thetahealth/ingest/internal/crypto"
)

const linksDBFileName = "links.db"

// AuthKind enumerates the supported provider authentication protocols.
type AuthKind string

const (
	AuthPassword   AuthKind = "password"
	AuthOAuth1     AuthKind = "oauth1"
	AuthOAuth2     AuthKind = "oauth2"
	AuthCustomized AuthKind = "customized"
)

// Valid reports whether k is a known auth kind.
func (k AuthKind) Valid() bool {
	switch k {
	case AuthPassword, AuthOAuth1, AuthOAuth2, AuthCustomized:
		return true
	}
	return false
}

// Credentials is the union of all bundle variants. Only the fields relevant
// to the link's auth kind are populated.
type Credentials struct {
	Username     string            `json:"username,omitempty"`
	Password     string            `json:"password,omitempty"`
	AccessToken  string            `json:"access_token,omitempty"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	TokenSecret  string            `json:"token_secret,omitempty"` // oauth1
	ExpiresAt    time.Time         `json:"expires_at,omitempty"`   // oauth2
	ConnectInfo  map[string]string `json:"connect_info,omitempty"` // customized
}

// UserCredential pairs a decrypted bundle with its owner, for pull loops.
type UserCredential struct {
	UserID      string
	AuthKind    AuthKind
	Credentials Credentials
}

// UserLink is the link metadata exposed to provider listings.
type UserLink struct {
	Provider  string
	LLMAccess int
	Reconnect bool
}

// Vault is the encrypted link store.
type Vault struct {
	db     *sql.DB
	crypto *crypto.Manager
	mu     sync.Mutex
}

// Open opens or creates the link database under dataDir.
func Open(dataDir string, cm *crypto.Manager) (*Vault, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dataDir, linksDBFileName)
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open links db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	v := &Vault{db: db, crypto: cm}
	if err := v.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize links schema: %w", err)
	}
	log.Info().Str("path", path).Msg("Credential vault initialized")
	return v, nil
}

func (v *Vault) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS provider_links (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id     TEXT NOT NULL,
			provider    TEXT NOT NULL,
			auth_kind   TEXT NOT NULL,
			secret      TEXT NOT NULL, -- encrypted credential bundle
			llm_access  INTEGER NOT NULL DEFAULT 0,
			reconnect   INTEGER NOT NULL DEFAULT 0,
			expires_at  INTEGER NOT NULL DEFAULT 0, -- epoch seconds, oauth2 only
			deleted     INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_links_user_provider
			ON provider_links(user_id, provider, deleted);
		CREATE INDEX IF NOT EXISTS idx_links_provider
			ON provider_links(provider, deleted, reconnect);
	`
	_, err := v.db.Exec(schema)
	return err
}

// SaveLink soft-deletes any prior row for (user, provider) and inserts a
// fresh one with reconnect cleared. Secret fields are encrypted before they
// reach the database.
func (v *Vault) SaveLink(ctx context.Context, userID, provider string, kind AuthKind, creds Credentials) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid auth kind %q", kind)
	}
	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}
	secret, err := v.crypto.Encrypt(string(plain))
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()

	// Carry llm_access forward from the row being replaced.
	var llmAccess int
	_ = tx.QueryRowContext(ctx, `
		SELECT llm_access FROM provider_links
		WHERE user_id = ? AND provider = ? AND deleted = 0
		ORDER BY id DESC LIMIT 1`, userID, provider).Scan(&llmAccess)

	if _, err := tx.ExecContext(ctx, `
		UPDATE provider_links SET deleted = 1, updated_at = ?
		WHERE user_id = ? AND provider = ? AND deleted = 0`,
		now, userID, provider); err != nil {
		return fmt.Errorf("failed to retire prior link: %w", err)
	}

	var expiresAt int64
	if !creds.ExpiresAt.IsZero() {
		expiresAt = creds.ExpiresAt.Unix()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO provider_links
			(user_id, provider, auth_kind, secret, llm_access, reconnect, expires_at, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, 0, ?, ?)`,
		userID, provider, string(kind), secret, llmAccess, expiresAt, now, now); err != nil {
		return fmt.Errorf("failed to insert link: %w", err)
	}
	return tx.Commit()
}

// GetCredentials returns the decrypted bundle for (user, provider), or nil
// when no usable link exists. A decryption failure is logged and reported as
// missing; the row has to be rotated by re-linking.
func (v *Vault) GetCredentials(ctx context.Context, userID, provider string) (AuthKind, *Credentials, error) {
	var kind, secret string
	err := v.db.QueryRowContext(ctx, `
		SELECT auth_kind, secret FROM provider_links
		WHERE user_id = ? AND provider = ? AND deleted = 0
		ORDER BY id DESC LIMIT 1`, userID, provider).Scan(&kind, &secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	creds, ok := v.decryptBundle(userID, provider, secret)
	if !ok {
		return "", nil, nil
	}
	return AuthKind(kind), creds, nil
}

func (v *Vault) decryptBundle(userID, provider, secret string) (*Credentials, bool) {
	plain, err := v.crypto.Decrypt(secret)
	if err != nil {
		log.Warn().Str("userId", userID).Str("provider", provider).
			Msg("Credential decryption failed, treating link as missing")
		return nil, false
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(plain), &creds); err != nil {
		log.Warn().Str("userId", userID).Str("provider", provider).
			Msg("Credential bundle unparseable, treating link as missing")
		return nil, false
	}
	return &creds, true
}

// ListCredentialsForProvider returns every decryptable, non-deleted,
// non-reconnect bundle for the provider. Used by scheduled pulls.
func (v *Vault) ListCredentialsForProvider(ctx context.Context, provider string) ([]UserCredential, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT user_id, auth_kind, secret FROM provider_links
		WHERE provider = ? AND deleted = 0 AND reconnect = 0
		ORDER BY user_id`, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserCredential
	for rows.Next() {
		var userID, kind, secret string
		if err := rows.Scan(&userID, &kind, &secret); err != nil {
			return nil, err
		}
		creds, ok := v.decryptBundle(userID, provider, secret)
		if !ok {
			continue
		}
		out = append(out, UserCredential{UserID: userID, AuthKind: AuthKind(kind), Credentials: *creds})
	}
	return out, rows.Err()
}

// DeleteLink soft-deletes the link for (user, provider). Idempotent.
func (v *Vault) DeleteLink(ctx context.Context, userID, provider string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, err := v.db.ExecContext(ctx, `
		UPDATE provider_links SET deleted = 1, updated_at = ?
		WHERE user_id = ? AND provider = ? AND deleted = 0`,
		time.Now().UnixMilli(), userID, provider)
	return err
}

// SetLLMAccess updates the LLM access level (0, 1, or 2) on the live link.
func (v *Vault) SetLLMAccess(ctx context.Context, userID, provider string, level int) error {
	if level < 0 || level > 2 {
		return fmt.Errorf("llm access level must be 0..2, got %d", level)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	res, err := v.db.ExecContext(ctx, `
		UPDATE provider_links SET llm_access = ?, updated_at = ?
		WHERE user_id = ? AND provider = ? AND deleted = 0`,
		level, time.Now().UnixMilli(), userID, provider)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no active link for user %s provider %s", userID, provider)
	}
	return nil
}

// MarkReconnect flags the link as needing a fresh authorization. Flagged rows
// drop out of scheduled pulls but stay visible in link listings so the user
// can be prompted.
func (v *Vault) MarkReconnect(ctx context.Context, userID, provider string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, err := v.db.ExecContext(ctx, `
		UPDATE provider_links SET reconnect = 1, updated_at = ?
		WHERE user_id = ? AND provider = ? AND deleted = 0`,
		time.Now().UnixMilli(), userID, provider)
	return err
}

// UpdateOAuth2Tokens rotates the stored tokens via SaveLink, preserving the
// refresh token when the vendor did not return a new one.
func (v *Vault) UpdateOAuth2Tokens(ctx context.Context, userID, provider, access, refresh string, expiresAt time.Time) error {
	if refresh == "" {
		if _, prior, err := v.GetCredentials(ctx, userID, provider); err == nil && prior != nil {
			refresh = prior.RefreshToken
		}
	}
	return v.SaveLink(ctx, userID, provider, AuthOAuth2, Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	})
}

// ListUserLinks returns every active link for the user.
func (v *Vault) ListUserLinks(ctx context.Context, userID string) ([]UserLink, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT provider, llm_access, reconnect FROM provider_links
		WHERE user_id = ? AND deleted = 0
		ORDER BY provider`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserLink
	for rows.Next() {
		var l UserLink
		var reconnect int
		if err := rows.Scan(&l.Provider, &l.LLMAccess, &reconnect); err != nil {
			return nil, err
		}
		l.Reconnect = reconnect != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

// ActiveLinkCount returns the number of non-deleted rows for (user, provider).
// Exists for the at-most-one invariant check.
func (v *Vault) ActiveLinkCount(ctx context.Context, userID, provider string) (int, error) {
	var n int
	err := v.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM provider_links
		WHERE user_id = ? AND provider = ? AND deleted = 0`, userID, provider).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (v *Vault) Close() error {
	return v.db.Close()
}
