package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/macoaure/privacychain/pkg/models"
)

// ErrImmutableField is returned when a capability update touches anything
// other than the revocation fields, or tries to un-revoke.
var ErrImmutableField = errors.New("capability update modifies an immutable field")

// CapabilityPredicate decides, against the current row, whether an update applies.
type CapabilityPredicate func(current *models.Capability) bool

// CapabilityUpdate mutates a copy of the current row.
type CapabilityUpdate func(next *models.Capability)

// ShareBundle is everything one share creation writes. Record is nil when the
// share reuses an already sealed record.
type ShareBundle struct {
	Record     *models.EncryptedRecord
	Capability *models.Capability
	Package    *models.RecipientPackage
	Share      *models.ShareRecord
}

// Store defines the durable persistence the share engine runs on.
// Implementations must give single-row compare-and-swap semantics for
// capabilities and write a ShareBundle all-or-nothing.
type Store interface {
	// Records
	PutRecord(ctx context.Context, rec *models.EncryptedRecord) error
	GetRecord(ctx context.Context, id uuid.UUID) (*models.EncryptedRecord, error)
	ListRecordsByLocator(ctx context.Context, locator string) ([]*models.EncryptedRecord, error)

	// Capabilities. An empty locator lists every capability.
	PutCapability(ctx context.Context, c *models.Capability) error
	GetCapability(ctx context.Context, id uuid.UUID) (*models.Capability, error)
	ListCapabilitiesByLocator(ctx context.Context, locator string) ([]*models.Capability, error)
	CompareAndSwapCapability(ctx context.Context, id uuid.UUID, pred CapabilityPredicate, update CapabilityUpdate) (bool, error)

	// Recipient packages
	PutPackage(ctx context.Context, pkg *models.RecipientPackage) error
	GetPackage(ctx context.Context, id uuid.UUID) (*models.RecipientPackage, error)

	// Shares
	SaveShare(ctx context.Context, b *ShareBundle) error
	GetShare(ctx context.Context, id uuid.UUID) (*models.ShareRecord, error)
	ListSharesByLocator(ctx context.Context, locator string) ([]*models.ShareRecord, error)
	DeactivateShare(ctx context.Context, id uuid.UUID) error

	// Audit
	WriteAuditEvent(ctx context.Context, ev *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error)

	// Lifecycle
	Close()
}

// AuditFilter specifies query parameters for audit event retrieval.
type AuditFilter struct {
	CapabilityID *uuid.UUID
	Kind         string
	Since        *time.Time
	Limit        int
}

func (f AuditFilter) match(ev *models.AuditEvent) bool {
	if f.CapabilityID != nil && ev.CapabilityID != *f.CapabilityID {
		return false
	}
	if f.Kind != "" && ev.Kind != f.Kind {
		return false
	}
	if f.Since != nil && ev.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}

// applyCapabilityUpdate runs update on a copy of cur and rejects changes to
// anything but Revoked/RevokedAt, and any revoked -> not-revoked transition.
func applyCapabilityUpdate(cur *models.Capability, update CapabilityUpdate) (*models.Capability, error) {
	next := cloneCapability(cur)
	update(next)
	if next.ID != cur.ID || next.Locator != cur.Locator || next.RecordID != cur.RecordID ||
		!next.OwnerPublicKey.Equal(cur.OwnerPublicKey) || !next.RecipientPublicKey.Equal(cur.RecipientPublicKey) ||
		string(next.TransformData) != string(cur.TransformData) || next.Fingerprint != cur.Fingerprint ||
		!next.CreatedAt.Equal(cur.CreatedAt) || !next.ExpiresAt.Equal(cur.ExpiresAt) {
		return nil, ErrImmutableField
	}
	if cur.Revoked && !next.Revoked {
		return nil, ErrImmutableField
	}
	return next, nil
}

// unavailable wraps a backend failure as retryable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrStorageUnavailable, err)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneRecord(r *models.EncryptedRecord) *models.EncryptedRecord {
	c := *r
	c.OwnerPublicKey = cloneBytes(r.OwnerPublicKey)
	c.Ciphertext = cloneBytes(r.Ciphertext)
	c.Nonce = cloneBytes(r.Nonce)
	c.ContentKeyWrapped = cloneBytes(r.ContentKeyWrapped)
	return &c
}

func cloneCapability(cp *models.Capability) *models.Capability {
	c := *cp
	c.OwnerPublicKey = cloneBytes(cp.OwnerPublicKey)
	c.RecipientPublicKey = cloneBytes(cp.RecipientPublicKey)
	c.TransformData = cloneBytes(cp.TransformData)
	if cp.RevokedAt != nil {
		t := *cp.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}

func clonePackage(p *models.RecipientPackage) *models.RecipientPackage {
	c := *p
	c.RecipientPublicKey = cloneBytes(p.RecipientPublicKey)
	c.TransformedCiphertext = cloneBytes(p.TransformedCiphertext)
	c.Nonce = cloneBytes(p.Nonce)
	return &c
}

// cloneShare copies the persisted columns only; materialized joins are dropped.
func cloneShare(s *models.ShareRecord) *models.ShareRecord {
	c := *s
	c.OwnerPublicKey = cloneBytes(s.OwnerPublicKey)
	c.RecipientPublicKey = cloneBytes(s.RecipientPublicKey)
	c.Record = nil
	c.Capability = nil
	c.Package = nil
	return &c
}

func cloneAuditEvent(ev *models.AuditEvent) *models.AuditEvent {
	c := *ev
	c.ActorPublicKey = cloneBytes(ev.ActorPublicKey)
	if ev.Metadata != nil {
		c.Metadata = make(map[string]string, len(ev.Metadata))
		for k, v := range ev.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
