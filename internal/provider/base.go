package provider

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/thetahealth/ingest/internal/store"
	"github.com/thetahealth/ingest/internal/vault"
)

// Base carries the plumbing shared by all concrete providers: descriptor,
// vault access, and raw-payload persistence. Providers embed it by value and
// override the operations their protocol needs. Composition, not
// inheritance: Base never calls back into the embedding type.
type Base struct {
	Desc  Descriptor
	Vault *vault.Vault
	Store *store.HealthStore

	// UserIDFields optionally names the raw-payload paths carrying the theta
	// and external user ids, used when persisting raw rows.
	ThetaUserIDPath    string
	ExternalUserIDPath string
}

// NewBase initializes the shared plumbing and creates the provider's raw
// table.
func NewBase(desc Descriptor, v *vault.Vault, s *store.HealthStore) (Base, error) {
	if desc.AuthKind == vault.AuthCustomized && len(desc.ConnectInfoSchema) == 0 {
		return Base{}, fmt.Errorf("customized provider %s requires a connect_info schema", desc.Slug)
	}
	if s != nil {
		if err := s.EnsureRawTable(desc.Slug); err != nil {
			return Base{}, err
		}
	}
	return Base{Desc: desc, Vault: v, Store: s}, nil
}

// Info returns the static descriptor.
func (b *Base) Info() Descriptor {
	return b.Desc
}

// Unlink soft-deletes the user's link. Safe on absent links.
func (b *Base) Unlink(ctx context.Context, userID string) error {
	return b.Vault.DeleteLink(ctx, userID, b.Desc.Slug)
}

// Callback is unsupported unless the provider overrides it.
func (b *Base) Callback(ctx context.Context, req CallbackRequest) (CallbackResult, error) {
	return CallbackResult{}, ErrNotSupported
}

// PullFromVendor is unsupported unless the provider overrides it.
func (b *Base) PullFromVendor(ctx context.Context, cred vault.UserCredential, window PullWindow) ([]map[string]any, error) {
	return nil, ErrNotSupported
}

// RegistersPullTask defaults to true; webhook-only providers override.
func (b *Base) RegistersPullTask() bool {
	return true
}

// IsAlreadyProcessed checks the raw table for the msg_id.
func (b *Base) IsAlreadyProcessed(ctx context.Context, raw map[string]any, msgID string) (bool, error) {
	if msgID == "" {
		return false, nil
	}
	return b.Store.RawExists(ctx, b.Desc.Slug, msgID)
}

// SaveRawData persists the payload into the provider's raw table. The msg_id
// unique index makes duplicate deliveries collapse to the stored row.
func (b *Base) SaveRawData(ctx context.Context, raw map[string]any, msgID string) ([]store.RawRecord, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize raw payload: %w", err)
	}
	rec := store.RawRecord{
		ID:        ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		MsgID:     msgID,
		RawData:   data,
		CreatedAt: time.Now().UTC(),
	}
	if b.ThetaUserIDPath != "" {
		rec.ThetaUserID, _ = LookupString(raw, b.ThetaUserIDPath)
	}
	if b.ExternalUserIDPath != "" {
		if s, ok := LookupString(raw, b.ExternalUserIDPath); ok {
			rec.ExternalUserID = s
		} else if n, ok := LookupNumber(raw, b.ExternalUserIDPath); ok {
			rec.ExternalUserID = fmt.Sprintf("%.0f", n)
		}
	}
	if _, err := b.Store.InsertRaw(ctx, b.Desc.Slug, rec); err != nil {
		return nil, err
	}
	return []store.RawRecord{rec}, nil
}
