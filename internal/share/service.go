// Package share composes sealing, capability issuance and recipient access
// into the share use cases. It is the engine's caller-facing surface.
package share

import (
	"context"
	"crypto/ecdh"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/macoaure/privacychain/internal/access"
	"github.com/macoaure/privacychain/internal/audit"
	"github.com/macoaure/privacychain/internal/capability"
	"github.com/macoaure/privacychain/internal/clock"
	"github.com/macoaure/privacychain/internal/crypto"
	"github.com/macoaure/privacychain/internal/metrics"
	"github.com/macoaure/privacychain/internal/storage"
	"github.com/macoaure/privacychain/internal/vault"
	"github.com/macoaure/privacychain/pkg/models"
	"github.com/rs/zerolog/log"
)

// Request describes one share. RecordID shares that record. Otherwise a
// non-nil Plaintext is sealed under Locator as a new record; an empty payload
// must be []byte{}, not nil. With neither set, the newest record under
// Locator is shared.
type Request struct {
	Plaintext       []byte
	Locator         string
	RecordID        uuid.UUID
	OwnerPrivate    *ecdh.PrivateKey
	RecipientPublic models.PublicKey
	TTL             time.Duration
}

// Service is the share orchestrator.
type Service struct {
	store    storage.Store
	clock    clock.Clock
	audit    *audit.Emitter
	vault    *vault.Vault
	issuer   *capability.Issuer
	registry *capability.Registry
	access   *access.Accessor
}

// NewService wires the engine's components over one store, clock and audit sink.
func NewService(store storage.Store, clk clock.Clock, sink audit.Sink) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	emitter := audit.NewEmitter(sink, clk)
	registry := capability.NewRegistry(store, clk, emitter)
	return &Service{
		store:    store,
		clock:    clk,
		audit:    emitter,
		vault:    vault.New(store, clk, emitter),
		issuer:   capability.NewIssuer(store, clk, emitter),
		registry: registry,
		access:   access.New(store, registry, emitter),
	}
}

// Registry exposes the capability registry.
func (s *Service) Registry() *capability.Registry { return s.registry }

// Vault exposes the owner vault.
func (s *Service) Vault() *vault.Vault { return s.vault }

// --- Share use cases ---

// CreateShare seals (when given plaintext) or picks the source record,
// issues a capability and builds the recipient package. Everything is written in one store transaction:
// on any failure no record, capability, package or share is left behind.
func (s *Service) CreateShare(ctx context.Context, req Request) (*models.ShareRecord, error) {
	defer metrics.Observe("create_share", time.Now())

	var rec, newRecord *models.EncryptedRecord
	var err error
	switch {
	case req.RecordID != uuid.Nil:
		if req.Plaintext != nil {
			return nil, fmt.Errorf("%w: plaintext and record id are mutually exclusive", models.ErrInvalidRequest)
		}
		if rec, err = s.store.GetRecord(ctx, req.RecordID); err != nil {
			return nil, fmt.Errorf("loading record %s: %w", req.RecordID, err)
		}
		if req.Locator != "" && req.Locator != rec.Locator {
			return nil, fmt.Errorf("%w: record %s is under %q, not %q",
				models.ErrLocatorMismatch, rec.ID, rec.Locator, req.Locator)
		}
	case req.Plaintext != nil:
		owner, err := crypto.PublicOf(req.OwnerPrivate)
		if err != nil {
			return nil, err
		}
		if rec, err = s.vault.Encrypt(req.Plaintext, owner, req.Locator); err != nil {
			return nil, err
		}
		newRecord = rec
	case req.Locator != "":
		if rec, err = s.vault.Latest(ctx, req.Locator); err != nil {
			return nil, fmt.Errorf("loading latest record under %q: %w", req.Locator, err)
		}
	default:
		return nil, fmt.Errorf("%w: share request needs plaintext, a record id or a locator", models.ErrInvalidRequest)
	}

	c, err := s.issuer.Derive(req.OwnerPrivate, req.RecipientPublic, rec, req.TTL)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	// Only the key wrapper changes per recipient; the sealed payload is reused as is.
	pkg := &models.RecipientPackage{
		ID:                    uuid.New(),
		CapabilityID:          c.ID,
		RecordID:              rec.ID,
		Locator:               rec.Locator,
		RecipientPublicKey:    c.RecipientPublicKey,
		TransformedCiphertext: rec.Ciphertext,
		Nonce:                 rec.Nonce,
		CreatedAt:             now,
	}
	sr := &models.ShareRecord{
		ID:                 uuid.New(),
		Locator:            rec.Locator,
		OwnerPublicKey:     c.OwnerPublicKey,
		RecipientPublicKey: c.RecipientPublicKey,
		RecordID:           rec.ID,
		CapabilityID:       c.ID,
		PackageID:          pkg.ID,
		CreatedAt:          now,
		Active:             true,
	}

	err = s.store.SaveShare(ctx, &storage.ShareBundle{
		Record:     newRecord,
		Capability: c,
		Package:    pkg,
		Share:      sr,
	})
	if err != nil {
		return nil, fmt.Errorf("saving share: %w", err)
	}

	if newRecord != nil {
		metrics.RecordsSealed.Inc()
	}
	s.issuer.Issued(ctx, c)
	metrics.SharesCreated.Inc()
	log.Debug().
		Str("share_id", sr.ID.String()).
		Str("capability_id", c.ID.String()).
		Str("locator", sr.Locator).
		Msg("share created")
	s.audit.Emit(ctx, models.EventShareCreated, c.ID, c.OwnerPublicKey, map[string]string{
		"share_id":  sr.ID.String(),
		"record_id": rec.ID.String(),
		"locator":   sr.Locator,
	})

	sr.Record = rec
	sr.Capability = c
	sr.Package = pkg
	return sr, nil
}

// AccessShare opens a share for its recipient. Failures from the access
// checks are returned unchanged.
func (s *Service) AccessShare(ctx context.Context, shareID uuid.UUID, recipientPrivate *ecdh.PrivateKey) ([]byte, error) {
	sr, err := s.store.GetShare(ctx, shareID)
	if err != nil {
		return nil, fmt.Errorf("loading share %s: %w", shareID, err)
	}
	pkg, err := s.store.GetPackage(ctx, sr.PackageID)
	if err != nil {
		return nil, fmt.Errorf("loading package %s: %w", sr.PackageID, err)
	}
	return s.access.Open(ctx, pkg, recipientPrivate)
}

// RevokeShare revokes the share's capability and marks the share inactive.
func (s *Service) RevokeShare(ctx context.Context, shareID uuid.UUID, ownerPrivate *ecdh.PrivateKey) error {
	sr, err := s.store.GetShare(ctx, shareID)
	if err != nil {
		return fmt.Errorf("loading share %s: %w", shareID, err)
	}
	if err := s.registry.Revoke(ctx, sr.CapabilityID, ownerPrivate); err != nil {
		return err
	}
	if err := s.store.DeactivateShare(ctx, shareID); err != nil {
		return fmt.Errorf("deactivating share %s: %w", shareID, err)
	}
	return nil
}

// RevokeAllShares authenticates the owner by private key, revokes every live
// capability they issued under locator and deactivates the matching shares.
func (s *Service) RevokeAllShares(ctx context.Context, locator string, ownerPrivate *ecdh.PrivateKey) (int, error) {
	owner, err := crypto.PublicOf(ownerPrivate)
	if err != nil {
		return 0, err
	}
	n, err := s.registry.RevokeAllForLocator(ctx, locator, owner)
	if err != nil {
		return n, err
	}
	shares, err := s.store.ListSharesByLocator(ctx, locator)
	if err != nil {
		return n, fmt.Errorf("listing shares for %q: %w", locator, err)
	}
	for _, sr := range shares {
		if !sr.Active || !sr.OwnerPublicKey.Equal(owner) {
			continue
		}
		if err := s.store.DeactivateShare(ctx, sr.ID); err != nil {
			return n, fmt.Errorf("deactivating share %s: %w", sr.ID, err)
		}
	}
	return n, nil
}

// GetShare returns a share with its record, capability and package joined
// and Active derived from the capability's current state.
func (s *Service) GetShare(ctx context.Context, shareID uuid.UUID) (*models.ShareRecord, error) {
	sr, err := s.store.GetShare(ctx, shareID)
	if err != nil {
		return nil, fmt.Errorf("loading share %s: %w", shareID, err)
	}
	if err := s.materialize(ctx, sr); err != nil {
		return nil, err
	}
	return sr, nil
}

// ListShares returns the shares under locator, oldest first. With activeOnly
// set, shares whose capability is revoked, expired or tampered are dropped.
func (s *Service) ListShares(ctx context.Context, locator string, activeOnly bool) ([]*models.ShareRecord, error) {
	if locator == "" {
		return nil, models.ErrInvalidLocator
	}
	shares, err := s.store.ListSharesByLocator(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("listing shares for %q: %w", locator, err)
	}
	out := shares[:0]
	for _, sr := range shares {
		if err := s.materialize(ctx, sr); err != nil {
			return nil, err
		}
		if activeOnly && !sr.Active {
			continue
		}
		out = append(out, sr)
	}
	return out, nil
}

func (s *Service) materialize(ctx context.Context, sr *models.ShareRecord) error {
	rec, err := s.store.GetRecord(ctx, sr.RecordID)
	if err != nil {
		return fmt.Errorf("loading record %s: %w", sr.RecordID, err)
	}
	c, err := s.store.GetCapability(ctx, sr.CapabilityID)
	if err != nil {
		return fmt.Errorf("loading capability %s: %w", sr.CapabilityID, err)
	}
	pkg, err := s.store.GetPackage(ctx, sr.PackageID)
	if err != nil {
		return fmt.Errorf("loading package %s: %w", sr.PackageID, err)
	}
	sr.Record = rec
	sr.Capability = c
	sr.Package = pkg
	sr.Active = sr.Active && s.registry.CheckValidity(c).Valid
	return nil
}

// --- Component operations ---

// Seal encrypts plaintext for ownerPublic under locator.
func (s *Service) Seal(ctx context.Context, plaintext []byte, ownerPublic models.PublicKey, locator string) (*models.EncryptedRecord, error) {
	return s.vault.Seal(ctx, plaintext, ownerPublic, locator)
}

// Issue derives and stores a capability over record for recipientPublic.
func (s *Service) Issue(ctx context.Context, ownerPrivate *ecdh.PrivateKey, recipientPublic models.PublicKey, record *models.EncryptedRecord, ttl time.Duration) (*models.Capability, error) {
	return s.issuer.Issue(ctx, ownerPrivate, recipientPublic, record, ttl)
}

// Revoke revokes one capability.
func (s *Service) Revoke(ctx context.Context, capabilityID uuid.UUID, ownerPrivate *ecdh.PrivateKey) error {
	return s.registry.Revoke(ctx, capabilityID, ownerPrivate)
}

// RevokeAllForLocator revokes every live capability ownerPublic issued under locator.
func (s *Service) RevokeAllForLocator(ctx context.Context, locator string, ownerPublic models.PublicKey) (int, error) {
	return s.registry.RevokeAllForLocator(ctx, locator, ownerPublic)
}

// CheckValidity loads a capability and reports whether it is usable.
func (s *Service) CheckValidity(ctx context.Context, capabilityID uuid.UUID) (capability.Validity, error) {
	c, err := s.registry.Get(ctx, capabilityID)
	if err != nil {
		return capability.Validity{}, err
	}
	return s.registry.CheckValidity(c), nil
}

// ListActiveCapabilities returns the usable capabilities under locator.
func (s *Service) ListActiveCapabilities(ctx context.Context, locator string) ([]*models.Capability, error) {
	return s.registry.ListActive(ctx, locator)
}

// Open opens a recipient package directly.
func (s *Service) Open(ctx context.Context, pkg *models.RecipientPackage, recipientPrivate *ecdh.PrivateKey) ([]byte, error) {
	return s.access.Open(ctx, pkg, recipientPrivate)
}

// Stats summarizes capabilities under locator, or all of them when empty.
func (s *Service) Stats(ctx context.Context, locator string) (*models.ShareStats, error) {
	return s.registry.Stats(ctx, locator)
}

// History returns every record sealed under locator, oldest first.
func (s *Service) History(ctx context.Context, locator string) ([]*models.EncryptedRecord, error) {
	return s.vault.History(ctx, locator)
}
