// Package access opens recipient packages.
package access

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"time"

	"github.com/macoaure/privacychain/internal/audit"
	"github.com/macoaure/privacychain/internal/capability"
	"github.com/macoaure/privacychain/internal/crypto"
	"github.com/macoaure/privacychain/internal/metrics"
	"github.com/macoaure/privacychain/internal/storage"
	"github.com/macoaure/privacychain/pkg/models"
	"github.com/rs/zerolog/log"
)

// Accessor recovers plaintext for the recipient of a live capability.
type Accessor struct {
	store    storage.Store
	registry *capability.Registry
	audit    *audit.Emitter
}

// New creates an Accessor.
func New(store storage.Store, registry *capability.Registry, emitter *audit.Emitter) *Accessor {
	return &Accessor{store: store, registry: registry, audit: emitter}
}

// Open checks the package's capability against its current stored state,
// verifies the caller is its recipient and decrypts the payload.
func (a *Accessor) Open(ctx context.Context, pkg *models.RecipientPackage, recipientPrivate *ecdh.PrivateKey) ([]byte, error) {
	defer metrics.Observe("access", time.Now())

	plaintext, err := a.open(ctx, pkg, recipientPrivate)
	result := metrics.ResultOK
	switch {
	case err == nil:
	case errors.Is(err, models.ErrCapabilityInvalid):
		result = metrics.ResultInvalid
	case errors.Is(err, models.ErrUnauthorized):
		result = metrics.ResultUnauthorized
	default:
		result = metrics.ResultError
	}
	metrics.Access.WithLabelValues(result).Inc()

	if pkg != nil {
		kind := models.EventShareAccessed
		meta := map[string]string{"package_id": pkg.ID.String(), "result": result}
		if err != nil {
			kind = models.EventShareAccessDenied
			if reason, ok := models.InvalidReasonOf(err); ok {
				meta["reason"] = string(reason)
			}
		}
		actor, _ := crypto.PublicOf(recipientPrivate)
		a.audit.Emit(ctx, kind, pkg.CapabilityID, actor, meta)
	}
	return plaintext, err
}

func (a *Accessor) open(ctx context.Context, pkg *models.RecipientPackage, recipientPrivate *ecdh.PrivateKey) ([]byte, error) {
	if pkg == nil {
		return nil, models.ErrNotFound
	}

	c, err := a.registry.Validate(ctx, pkg.CapabilityID)
	if err != nil {
		log.Debug().Err(err).Str("capability_id", pkg.CapabilityID.String()).Msg("access refused")
		return nil, err
	}
	if c.RecordID != pkg.RecordID || c.Locator != pkg.Locator || !c.RecipientPublicKey.Equal(pkg.RecipientPublicKey) {
		return nil, &models.CapabilityInvalidError{Reason: models.ReasonFingerprintMismatch}
	}

	caller, err := crypto.PublicOf(recipientPrivate)
	if err != nil {
		return nil, err
	}
	if !caller.Equal(c.RecipientPublicKey) {
		return nil, fmt.Errorf("%w: caller is not the capability recipient", models.ErrUnauthorized)
	}

	contentKey, err := crypto.UnwrapKey(c.TransformData, recipientPrivate)
	if err != nil {
		return nil, fmt.Errorf("unwrapping transform data: %w", err)
	}
	defer crypto.Zero(contentKey)

	rec, err := a.store.GetRecord(ctx, c.RecordID)
	if err != nil {
		return nil, fmt.Errorf("loading record %s: %w", c.RecordID, err)
	}
	if crypto.Commitment(contentKey) != rec.ContentKeyCommitment {
		return nil, fmt.Errorf("content key does not match record commitment: %w", models.ErrAuthenticationFailure)
	}

	return crypto.DecryptAESGCM(pkg.TransformedCiphertext, pkg.Nonce, contentKey)
}
