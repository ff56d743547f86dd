// Package provider defines the data-source adapter contract and the shared
// plumbing every adapter builds on: the registry, dotted-path payload
// traversal, field-mapping tables, and the OAuth link helpers.
package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/thetahealth/ingest/internal/config"
	"github.com/thetahealth/ingest/internal/lock"
	"github.com/thetahealth/ingest/internal/store"
	"github.com/thetahealth/ingest/internal/vault"
)

// Sentinel errors shared by all providers. The transport maps them onto the
// response envelope codes.
var (
	ErrValidation   = errors.New("provider: validation failed")
	ErrAuthFailed   = errors.New("provider: authentication failed")
	ErrNotLinked    = errors.New("provider: user not linked")
	ErrNotSupported = errors.New("provider: operation not supported")
)

// ConnectField describes one field of a customized provider's connect form.
type ConnectField struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // "string", "password", "url"
	Label    string `json:"label"`
	Required bool   `json:"required"`
}

// Descriptor is the static description of a provider.
type Descriptor struct {
	Slug              string         `json:"slug"`
	DisplayName       string         `json:"displayName"`
	LogoURL           string         `json:"logoUrl,omitempty"`
	Supported         bool           `json:"supported"`
	AuthKind          vault.AuthKind `json:"authKind"`
	ConnectInfoSchema []ConnectField `json:"connectInfoSchema,omitempty"`
}

// LinkRequest carries everything a provider needs to establish a link.
type LinkRequest struct {
	UserID      string
	AuthKind    vault.AuthKind
	Credentials vault.Credentials
	Options     map[string]string // e.g. "return_url"
}

// LinkResult is the outcome of Link. OAuth flows return a redirect URL and
// complete later in Callback; direct flows set Linked immediately.
type LinkResult struct {
	Linked     bool   `json:"linked"`
	LinkWebURL string `json:"link_web_url,omitempty"`
}

// CallbackRequest carries the OAuth redirect parameters: code+state for
// OAuth2, oauth_token+oauth_verifier for OAuth1.
type CallbackRequest struct {
	Params map[string]string
}

// CallbackResult reports where to send the user after a completed callback.
type CallbackResult struct {
	UserID    string
	ReturnURL string
}

// MetaInfo heads every normalized batch.
type MetaInfo struct {
	UserID    string `json:"userId"`
	RequestID string `json:"requestId"`
	Source    string `json:"source"`
	Timezone  string `json:"timezone"`
	TaskID    string `json:"taskId,omitempty"`
}

// CanonicalRecord is one normalized measurement in flight.
type CanonicalRecord struct {
	Source    string `json:"source"`
	Type      string `json:"type"` // indicator id
	Timestamp int64  `json:"timestamp"` // epoch millis
	Unit      string `json:"unit"`
	Value     any    `json:"value"` // number or string label
	Timezone  string `json:"timezone"`
	StartTime *int64 `json:"startTime"`
	EndTime   *int64 `json:"endTime"`
	SourceID  string `json:"source_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

// UserBatch groups the records a single payload produced for one user.
type UserBatch struct {
	Meta    MetaInfo          `json:"metaInfo"`
	Records []CanonicalRecord `json:"healthData"`
}

// PullWindow bounds an incremental vendor fetch.
type PullWindow struct {
	Start time.Time
	End   time.Time
}

// Provider is the uniform adapter contract.
type Provider interface {
	// Info returns the static descriptor. Pure.
	Info() Descriptor

	// Link establishes or begins establishing a user link.
	Link(ctx context.Context, req LinkRequest) (LinkResult, error)

	// Callback completes an OAuth link. Non-OAuth providers return
	// ErrNotSupported.
	Callback(ctx context.Context, req CallbackRequest) (CallbackResult, error)

	// Unlink soft-deletes the user's link. Always succeeds for absent links.
	Unlink(ctx context.Context, userID string) error

	// FormatData normalizes one raw payload into per-user record batches.
	// Invalid records are skipped, not fatal.
	FormatData(ctx context.Context, raw map[string]any) ([]UserBatch, error)

	// SaveRawData persists the payload for audit and idempotency.
	SaveRawData(ctx context.Context, raw map[string]any, msgID string) ([]store.RawRecord, error)

	// IsAlreadyProcessed reports whether msgID was ingested before.
	IsAlreadyProcessed(ctx context.Context, raw map[string]any, msgID string) (bool, error)

	// PullFromVendor fetches raw payloads for one credential within the
	// window. Providers without a pull API return ErrNotSupported.
	PullFromVendor(ctx context.Context, cred vault.UserCredential, window PullWindow) ([]map[string]any, error)

	// RegistersPullTask reports whether the provider wants scheduled pulls.
	RegistersPullTask() bool
}

// Deps is the dependency bundle handed to provider factories.
type Deps struct {
	Cfg    *config.Config
	Vault  *vault.Vault
	Store  *store.HealthStore
	Locks  *lock.Service
	HTTP   *http.Client
}
