// Package vault seals payloads under their owner's identity.
package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/macoaure/privacychain/internal/audit"
	"github.com/macoaure/privacychain/internal/clock"
	"github.com/macoaure/privacychain/internal/crypto"
	"github.com/macoaure/privacychain/internal/metrics"
	"github.com/macoaure/privacychain/internal/storage"
	"github.com/macoaure/privacychain/pkg/models"
	"github.com/rs/zerolog/log"
)

// Vault creates EncryptedRecords. Each payload gets its own content key,
// which is only ever stored wrapped for the owner.
type Vault struct {
	store storage.Store
	clock clock.Clock
	audit *audit.Emitter
}

// New creates a Vault. A nil emitter disables audit events.
func New(store storage.Store, clk clock.Clock, emitter *audit.Emitter) *Vault {
	if clk == nil {
		clk = clock.System{}
	}
	return &Vault{store: store, clock: clk, audit: emitter}
}

// Seal encrypts plaintext for the owner and persists the record.
func (v *Vault) Seal(ctx context.Context, plaintext []byte, ownerPublic models.PublicKey, locator string) (*models.EncryptedRecord, error) {
	defer metrics.Observe("seal", time.Now())

	rec, err := v.Encrypt(plaintext, ownerPublic, locator)
	if err != nil {
		return nil, err
	}
	if err := v.store.PutRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("storing record: %w", err)
	}
	metrics.RecordsSealed.Inc()
	log.Debug().
		Str("record_id", rec.ID.String()).
		Str("locator", locator).
		Str("owner", rec.OwnerPublicKey.Short()).
		Msg("record sealed")
	v.audit.Emit(ctx, models.EventRecordSealed, uuid.Nil, rec.OwnerPublicKey, map[string]string{
		"record_id": rec.ID.String(),
		"locator":   locator,
	})
	return rec, nil
}

// Encrypt builds a sealed record without persisting it.
func (v *Vault) Encrypt(plaintext []byte, ownerPublic models.PublicKey, locator string) (*models.EncryptedRecord, error) {
	if locator == "" {
		return nil, models.ErrInvalidLocator
	}
	owner, err := crypto.NormalizePublicKey(ownerPublic)
	if err != nil {
		return nil, err
	}

	contentKey, err := crypto.GenerateContentKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(contentKey)

	ciphertext, nonce, err := crypto.EncryptAESGCM(plaintext, contentKey)
	if err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}
	wrapped, err := crypto.WrapKey(contentKey, owner)
	if err != nil {
		return nil, fmt.Errorf("wrapping content key: %w", err)
	}

	return &models.EncryptedRecord{
		ID:                   uuid.New(),
		Locator:              locator,
		OwnerPublicKey:       owner,
		Ciphertext:           ciphertext,
		Nonce:                nonce,
		ContentKeyWrapped:    wrapped,
		ContentKeyCommitment: crypto.Commitment(contentKey),
		CreatedAt:            v.clock.Now(),
	}, nil
}

// Get returns a record by id.
func (v *Vault) Get(ctx context.Context, id uuid.UUID) (*models.EncryptedRecord, error) {
	return v.store.GetRecord(ctx, id)
}

// History returns every record sealed under locator, oldest first.
func (v *Vault) History(ctx context.Context, locator string) ([]*models.EncryptedRecord, error) {
	if locator == "" {
		return nil, models.ErrInvalidLocator
	}
	return v.store.ListRecordsByLocator(ctx, locator)
}

// Latest returns the newest record under locator, the one that supersedes
// every earlier rectification.
func (v *Vault) Latest(ctx context.Context, locator string) (*models.EncryptedRecord, error) {
	recs, err := v.History(ctx, locator)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, models.ErrNotFound
	}
	return recs[len(recs)-1], nil
}
