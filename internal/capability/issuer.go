// Package capability issues proxy keys and runs their lifecycle.
//
// A capability is the record's content key re-wrapped for one recipient.
// Issuing one needs the owner's private key for the duration of the call
// only: the key unwraps the content key, the content key is wrapped again
// for the recipient, and both are dropped before the capability is stored.
package capability

import (
	"context"
	"crypto/ecdh"
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

// Capability lifetime bounds. A ttl outside [MinTTL, MaxTTL] is rejected,
// never clamped.
const (
	MinTTL     = time.Hour
	MaxTTL     = 8760 * time.Hour
	DefaultTTL = 24 * time.Hour
)

// ValidateTTL returns ErrInvalidExpiration for a ttl outside [MinTTL, MaxTTL].
func ValidateTTL(ttl time.Duration) error {
	if ttl < MinTTL || ttl > MaxTTL {
		return fmt.Errorf("%w: ttl %s outside [%s, %s]", models.ErrInvalidExpiration, ttl, MinTTL, MaxTTL)
	}
	return nil
}

// Issuer derives capabilities from sealed records.
type Issuer struct {
	store storage.Store
	clock clock.Clock
	audit *audit.Emitter
}

// NewIssuer creates an Issuer.
func NewIssuer(store storage.Store, clk clock.Clock, emitter *audit.Emitter) *Issuer {
	if clk == nil {
		clk = clock.System{}
	}
	return &Issuer{store: store, clock: clk, audit: emitter}
}

// Issue derives a capability for recipientPublic over record and persists it.
//
// The record is re-read from the store and must still carry the locator the
// caller passed; a capability can never bind a record under another locator.
func (i *Issuer) Issue(ctx context.Context, ownerPrivate *ecdh.PrivateKey, recipientPublic models.PublicKey, record *models.EncryptedRecord, ttl time.Duration) (*models.Capability, error) {
	defer metrics.Observe("issue", time.Now())

	if record == nil {
		return nil, models.ErrNotFound
	}
	stored, err := i.store.GetRecord(ctx, record.ID)
	if err != nil {
		return nil, fmt.Errorf("loading record %s: %w", record.ID, err)
	}
	if stored.Locator != record.Locator {
		return nil, fmt.Errorf("%w: record %s is under %q, not %q",
			models.ErrLocatorMismatch, record.ID, stored.Locator, record.Locator)
	}

	c, err := i.Derive(ownerPrivate, recipientPublic, stored, ttl)
	if err != nil {
		return nil, err
	}
	if err := i.store.PutCapability(ctx, c); err != nil {
		return nil, fmt.Errorf("storing capability: %w", err)
	}
	i.Issued(ctx, c)
	return c, nil
}

// Derive runs the re-encryption transform without persisting anything.
func (i *Issuer) Derive(ownerPrivate *ecdh.PrivateKey, recipientPublic models.PublicKey, record *models.EncryptedRecord, ttl time.Duration) (*models.Capability, error) {
	if err := ValidateTTL(ttl); err != nil {
		return nil, err
	}
	owner, err := crypto.PublicOf(ownerPrivate)
	if err != nil {
		return nil, err
	}
	if !owner.Equal(record.OwnerPublicKey) {
		return nil, fmt.Errorf("%w: caller is not the record owner", models.ErrUnauthorized)
	}
	recipient, err := crypto.NormalizePublicKey(recipientPublic)
	if err != nil {
		return nil, err
	}

	contentKey, err := crypto.UnwrapKey(record.ContentKeyWrapped, ownerPrivate)
	if err != nil {
		return nil, fmt.Errorf("unwrapping content key: %w", err)
	}
	defer crypto.Zero(contentKey)
	if crypto.Commitment(contentKey) != record.ContentKeyCommitment {
		return nil, fmt.Errorf("content key does not match record commitment: %w", models.ErrAuthenticationFailure)
	}

	transform, err := crypto.WrapKey(contentKey, recipient)
	if err != nil {
		return nil, fmt.Errorf("re-wrapping content key: %w", err)
	}

	now := i.clock.Now()
	expiresAt := now.Add(ttl)
	return &models.Capability{
		ID:                 uuid.New(),
		Locator:            record.Locator,
		RecordID:           record.ID,
		OwnerPublicKey:     owner,
		RecipientPublicKey: recipient,
		TransformData:      transform,
		Fingerprint:        crypto.Fingerprint(transform, record.ID, recipient, expiresAt),
		CreatedAt:          now,
		ExpiresAt:          expiresAt,
	}, nil
}

// Issued records a persisted capability. Issue calls it itself; callers that
// persist a derived capability through another path call it after the write.
func (i *Issuer) Issued(ctx context.Context, c *models.Capability) {
	metrics.CapabilitiesIssued.Inc()
	log.Debug().
		Str("capability_id", c.ID.String()).
		Str("record_id", c.RecordID.String()).
		Str("locator", c.Locator).
		Str("recipient", c.RecipientPublicKey.Short()).
		Time("expires_at", c.ExpiresAt).
		Msg("capability issued")
	i.audit.Emit(ctx, models.EventCapabilityIssued, c.ID, c.OwnerPublicKey, map[string]string{
		"record_id": c.RecordID.String(),
		"locator":   c.Locator,
		"recipient": c.RecipientPublicKey.String(),
	})
}
