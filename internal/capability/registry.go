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

// Validity is the outcome of a capability check. Reason is empty when Valid.
type Validity struct {
	Valid  bool
	Reason models.InvalidReason
}

// Err returns nil for a valid capability and a *CapabilityInvalidError otherwise.
func (v Validity) Err() error {
	if v.Valid {
		return nil
	}
	return &models.CapabilityInvalidError{Reason: v.Reason}
}

// Registry is the capability state machine.
//
//	valid -> revoked   explicit, one-way, stored
//	valid -> expired   computed from the clock at read time, never stored
//
// Both terminal states block access but stay distinguishable for audit.
type Registry struct {
	store storage.Store
	clock clock.Clock
	audit *audit.Emitter
}

// NewRegistry creates a Registry.
func NewRegistry(store storage.Store, clk clock.Clock, emitter *audit.Emitter) *Registry {
	if clk == nil {
		clk = clock.System{}
	}
	return &Registry{store: store, clock: clk, audit: emitter}
}

// CheckValidity recomputes the fingerprint before anything else, so a
// tampered row is reported as such even if it is also revoked or expired.
func (r *Registry) CheckValidity(c *models.Capability) Validity {
	fp := crypto.Fingerprint(c.TransformData, c.RecordID, c.RecipientPublicKey, c.ExpiresAt)
	if fp != c.Fingerprint {
		return Validity{Reason: models.ReasonFingerprintMismatch}
	}
	if c.Revoked {
		return Validity{Reason: models.ReasonRevoked}
	}
	if c.IsExpired(r.clock.Now()) {
		return Validity{Reason: models.ReasonExpired}
	}
	return Validity{Valid: true}
}

// Get loads a capability by id.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.Capability, error) {
	c, err := r.store.GetCapability(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading capability %s: %w", id, err)
	}
	return c, nil
}

// Validate loads the current row and checks it. Nothing is cached: every
// call sees the latest acknowledged revocation.
func (r *Registry) Validate(ctx context.Context, id uuid.UUID) (*models.Capability, error) {
	c, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.CheckValidity(c).Err(); err != nil {
		return c, err
	}
	return c, nil
}

func notRevoked(c *models.Capability) bool { return !c.Revoked }

func (r *Registry) revokeUpdate() storage.CapabilityUpdate {
	now := r.clock.Now()
	return func(next *models.Capability) {
		next.Revoked = true
		next.RevokedAt = &now
	}
}

// Revoke marks a capability revoked. Only the owner may revoke; revoking an
// already revoked capability succeeds and keeps the first RevokedAt.
func (r *Registry) Revoke(ctx context.Context, id uuid.UUID, ownerPrivate *ecdh.PrivateKey) error {
	defer metrics.Observe("revoke", time.Now())

	caller, err := crypto.PublicOf(ownerPrivate)
	if err != nil {
		return err
	}
	c, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !caller.Equal(c.OwnerPublicKey) {
		return fmt.Errorf("%w: only the owner may revoke capability %s", models.ErrUnauthorized, id)
	}

	swapped, err := r.store.CompareAndSwapCapability(ctx, id, notRevoked, r.revokeUpdate())
	if err != nil {
		return fmt.Errorf("revoking capability %s: %w", id, err)
	}
	if !swapped {
		log.Debug().Str("capability_id", id.String()).Msg("capability already revoked")
		return nil
	}

	metrics.Revocations.WithLabelValues("single").Inc()
	log.Debug().Str("capability_id", id.String()).Str("locator", c.Locator).Msg("capability revoked")
	r.audit.Emit(ctx, models.EventCapabilityRevoked, id, caller, map[string]string{
		"locator": c.Locator,
	})
	return nil
}

// RevokeAllForLocator revokes every live capability under locator issued by
// ownerPublic and returns how many it revoked. Each row is its own
// compare-and-swap; on error the rows already revoked stay revoked and the
// count so far is returned with the error.
func (r *Registry) RevokeAllForLocator(ctx context.Context, locator string, ownerPublic models.PublicKey) (int, error) {
	defer metrics.Observe("revoke_all", time.Now())

	if locator == "" {
		return 0, models.ErrInvalidLocator
	}
	owner, err := crypto.NormalizePublicKey(ownerPublic)
	if err != nil {
		return 0, err
	}
	caps, err := r.store.ListCapabilitiesByLocator(ctx, locator)
	if err != nil {
		return 0, fmt.Errorf("listing capabilities for %q: %w", locator, err)
	}

	ownedLive := func(c *models.Capability) bool {
		return !c.Revoked && c.Locator == locator && c.OwnerPublicKey.Equal(owner)
	}
	update := r.revokeUpdate()

	count := 0
	for _, c := range caps {
		if !ownedLive(c) {
			continue
		}
		swapped, err := r.store.CompareAndSwapCapability(ctx, c.ID, ownedLive, update)
		if err != nil {
			return count, fmt.Errorf("revoking capability %s: %w", c.ID, err)
		}
		if swapped {
			count++
			metrics.Revocations.WithLabelValues("bulk").Inc()
			r.audit.Emit(ctx, models.EventCapabilityRevoked, c.ID, owner, map[string]string{
				"locator": locator,
				"mode":    "bulk",
			})
		}
	}

	log.Debug().Str("locator", locator).Int("revoked", count).Msg("locator capabilities revoked")
	r.audit.Emit(ctx, models.EventLocatorRevoked, uuid.Nil, owner, map[string]string{
		"locator": locator,
		"count":   fmt.Sprint(count),
	})
	return count, nil
}

// List returns every capability under locator, live or not, oldest first.
// An empty locator lists all capabilities.
func (r *Registry) List(ctx context.Context, locator string) ([]*models.Capability, error) {
	caps, err := r.store.ListCapabilitiesByLocator(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("listing capabilities: %w", err)
	}
	return caps, nil
}

// ListActive returns the capabilities under locator that pass CheckValidity.
func (r *Registry) ListActive(ctx context.Context, locator string) ([]*models.Capability, error) {
	if locator == "" {
		return nil, models.ErrInvalidLocator
	}
	caps, err := r.List(ctx, locator)
	if err != nil {
		return nil, err
	}
	var out []*models.Capability
	for _, c := range caps {
		if r.CheckValidity(c).Valid {
			out = append(out, c)
		}
	}
	return out, nil
}

// Stats summarizes capabilities under locator, or all of them when locator
// is empty. Revoked wins over expired when a capability is both.
func (r *Registry) Stats(ctx context.Context, locator string) (*models.ShareStats, error) {
	caps, err := r.List(ctx, locator)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	stats := &models.ShareStats{Locator: locator, Total: len(caps)}
	var lifetime time.Duration
	for _, c := range caps {
		lifetime += c.ExpiresAt.Sub(c.CreatedAt)
		switch {
		case c.Revoked:
			stats.Revoked++
		case c.IsExpired(now):
			stats.Expired++
		default:
			stats.Active++
		}
	}
	if len(caps) > 0 {
		stats.AverageExpirationHours = lifetime.Hours() / float64(len(caps))
	}
	return stats, nil
}
