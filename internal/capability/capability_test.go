package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/macoaure/privacychain/internal/clock"
	"github.com/macoaure/privacychain/internal/crypto"
	"github.com/macoaure/privacychain/internal/storage"
	"github.com/macoaure/privacychain/internal/vault"
	"github.com/macoaure/privacychain/pkg/models"
)

type fixture struct {
	ctx      context.Context
	clock    *clock.Fixed
	store    *storage.MemoryStore
	vault    *vault.Vault
	issuer   *Issuer
	registry *Registry
	owner    *crypto.KeyPair
	bob      *crypto.KeyPair
	charlie  *crypto.KeyPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFixed(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := storage.NewMemoryStore()
	f := &fixture{
		ctx:      context.Background(),
		clock:    clk,
		store:    store,
		vault:    vault.New(store, clk, nil),
		issuer:   NewIssuer(store, clk, nil),
		registry: NewRegistry(store, clk, nil),
	}
	for _, kp := range []**crypto.KeyPair{&f.owner, &f.bob, &f.charlie} {
		k, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair: %v", err)
		}
		*kp = k
	}
	return f
}

func (f *fixture) seal(t *testing.T, owner *crypto.KeyPair, locator, payload string) *models.EncryptedRecord {
	t.Helper()
	rec, err := f.vault.Seal(f.ctx, []byte(payload), owner.Public, locator)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return rec
}

func (f *fixture) issue(t *testing.T, rec *models.EncryptedRecord, recipient *crypto.KeyPair) *models.Capability {
	t.Helper()
	c, err := f.issuer.Issue(f.ctx, f.owner.Private, recipient.Public, rec, DefaultTTL)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return c
}

// --- Issuer ---

func TestIssueRewrapsContentKeyForRecipient(t *testing.T) {
	f := newFixture(t)
	rec := f.seal(t, f.owner, "patients/p-001", "diagnosis: flu")
	c := f.issue(t, rec, f.bob)

	if c.Revoked || c.RevokedAt != nil {
		t.Error("new capability should not be revoked")
	}
	if !c.ExpiresAt.Equal(f.clock.Now().Add(DefaultTTL)) || !c.ExpiresAt.After(c.CreatedAt) {
		t.Errorf("unexpected expiry %v (created %v)", c.ExpiresAt, c.CreatedAt)
	}
	if c.Locator != rec.Locator || c.RecordID != rec.ID {
		t.Error("capability not bound to its record")
	}

	key, err := crypto.UnwrapKey(c.TransformData, f.bob.Private)
	if err != nil {
		t.Fatalf("recipient could not unwrap transform data: %v", err)
	}
	if crypto.Commitment(key) != rec.ContentKeyCommitment {
		t.Error("recipient recovered a different content key")
	}
	if _, err := crypto.UnwrapKey(c.TransformData, f.charlie.Private); !errors.Is(err, models.ErrAuthenticationFailure) {
		t.Errorf("other recipient unwrap: expected ErrAuthenticationFailure, got %v", err)
	}

	stored, err := f.store.GetCapability(f.ctx, c.ID)
	if err != nil {
		t.Fatalf("capability not persisted: %v", err)
	}
	if stored.Fingerprint != c.Fingerprint {
		t.Error("stored fingerprint differs")
	}
}

func TestIssueRequiresOwner(t *testing.T) {
	f := newFixture(t)
	rec := f.seal(t, f.owner, "loc", "x")

	_, err := f.issuer.Issue(f.ctx, f.bob.Private, f.charlie.Public, rec, DefaultTTL)
	if !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	caps, _ := f.store.ListCapabilitiesByLocator(f.ctx, "loc")
	if len(caps) != 0 {
		t.Errorf("rejected issue persisted %d capabilities", len(caps))
	}

	if _, err := f.issuer.Issue(f.ctx, nil, f.bob.Public, rec, DefaultTTL); !errors.Is(err, models.ErrMalformedKey) {
		t.Errorf("nil owner key: expected ErrMalformedKey, got %v", err)
	}
	if _, err := f.issuer.Issue(f.ctx, f.owner.Private, models.PublicKey("junk"), rec, DefaultTTL); !errors.Is(err, models.ErrInvalidPublicKey) {
		t.Errorf("junk recipient: expected ErrInvalidPublicKey, got %v", err)
	}
}

func TestIssueTTLBounds(t *testing.T) {
	f := newFixture(t)
	rec := f.seal(t, f.owner, "loc", "x")

	cases := []struct {
		ttl     time.Duration
		wantErr bool
	}{
		{0, true},
		{-time.Hour, true},
		{59 * time.Minute, true},
		{time.Hour, false},
		{24 * time.Hour, false},
		{8760 * time.Hour, false},
		{8760*time.Hour + time.Second, true},
	}
	for _, tc := range cases {
		c, err := f.issuer.Issue(f.ctx, f.owner.Private, f.bob.Public, rec, tc.ttl)
		if tc.wantErr {
			if !errors.Is(err, models.ErrInvalidExpiration) {
				t.Errorf("ttl %s: expected ErrInvalidExpiration, got %v", tc.ttl, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ttl %s: unexpected error %v", tc.ttl, err)
			continue
		}
		if got := c.ExpiresAt.Sub(c.CreatedAt); got != tc.ttl {
			t.Errorf("ttl %s: lifetime %s, not clamped or adjusted", tc.ttl, got)
		}
	}
}

func TestIssueRejectsCrossLocatorRecord(t *testing.T) {
	f := newFixture(t)
	rec := f.seal(t, f.owner, "patients/p-001", "x")

	moved := *rec
	moved.Locator = "patients/p-999"
	_, err := f.issuer.Issue(f.ctx, f.owner.Private, f.bob.Public, &moved, DefaultTTL)
	if !errors.Is(err, models.ErrLocatorMismatch) {
		t.Fatalf("expected ErrLocatorMismatch, got %v", err)
	}
	for _, loc := range []string{"patients/p-001", "patients/p-999"} {
		if caps, _ := f.store.ListCapabilitiesByLocator(f.ctx, loc); len(caps) != 0 {
			t.Errorf("capability persisted under %s", loc)
		}
	}

	unsaved, _ := f.vault.Encrypt([]byte("x"), f.owner.Public, "loc")
	if _, err := f.issuer.Issue(f.ctx, f.owner.Private, f.bob.Public, unsaved, DefaultTTL); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unsaved record: expected ErrNotFound, got %v", err)
	}
}

func TestCapabilityCarriesNoSecrets(t *testing.T) {
	f := newFixture(t)
	rec := f.seal(t, f.owner, "loc", "x")
	c := f.issue(t, rec, f.bob)

	contentKey, _ := crypto.UnwrapKey(rec.ContentKeyWrapped, f.owner.Private)
	serialized, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	stored, _ := f.store.GetCapability(f.ctx, c.ID)
	raw := append(serialized, stored.TransformData...)
	raw = append(raw, stored.Fingerprint[:]...)

	secrets := map[string][]byte{
		"owner private key":     f.owner.Private.Bytes(),
		"recipient private key": f.bob.Private.Bytes(),
		"content key":           contentKey,
	}
	for name, secret := range secrets {
		if bytes.Contains(raw, secret) {
			t.Errorf("%s found in serialized capability", name)
		}
		encoded, _ := json.Marshal(secret)
		if bytes.Contains(serialized, encoded[1:len(encoded)-1]) {
			t.Errorf("base64 %s found in serialized capability", name)
		}
	}
}

// --- Registry ---

func TestRevokeIsIdempotentAndKeepsFirstTimestamp(t *testing.T) {
	f := newFixture(t)
	c := f.issue(t, f.seal(t, f.owner, "loc", "x"), f.bob)

	if err := f.registry.Revoke(f.ctx, c.ID, f.owner.Private); err != nil {
		t.Fatalf("first Revoke: %v", err)
	}
	first, _ := f.store.GetCapability(f.ctx, c.ID)
	if !first.Revoked || first.RevokedAt == nil {
		t.Fatal("capability should be revoked with a timestamp")
	}

	f.clock.Advance(time.Hour)
	if err := f.registry.Revoke(f.ctx, c.ID, f.owner.Private); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	second, _ := f.store.GetCapability(f.ctx, c.ID)
	if !second.Revoked || !second.RevokedAt.Equal(*first.RevokedAt) {
		t.Errorf("RevokedAt moved from %v to %v", first.RevokedAt, second.RevokedAt)
	}

	if v := f.registry.CheckValidity(second); v.Valid || v.Reason != models.ReasonRevoked {
		t.Errorf("expected revoked, got %+v", v)
	}
	_, err := f.registry.Validate(f.ctx, c.ID)
	if reason, ok := models.InvalidReasonOf(err); !ok || reason != models.ReasonRevoked {
		t.Errorf("Validate: expected revoked, got %v", err)
	}
}

func TestRevokeOnlyByOwner(t *testing.T) {
	f := newFixture(t)
	c := f.issue(t, f.seal(t, f.owner, "loc", "x"), f.bob)

	if err := f.registry.Revoke(f.ctx, c.ID, f.bob.Private); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("recipient revoke: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.registry.Validate(f.ctx, c.ID); err != nil {
		t.Errorf("capability should still be valid: %v", err)
	}
	if err := f.registry.Revoke(f.ctx, c.ID, nil); !errors.Is(err, models.ErrMalformedKey) {
		t.Errorf("nil key: expected ErrMalformedKey, got %v", err)
	}
}

func TestConcurrentRevokesAllSucceed(t *testing.T) {
	f := newFixture(t)
	c := f.issue(t, f.seal(t, f.owner, "loc", "x"), f.bob)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.registry.Revoke(f.ctx, c.ID, f.owner.Private)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent revoke failed: %v", err)
		}
	}
	got, _ := f.store.GetCapability(f.ctx, c.ID)
	if !got.Revoked {
		t.Error("capability should be revoked")
	}
}

func TestExpiryWithoutSweep(t *testing.T) {
	f := newFixture(t)
	rec := f.seal(t, f.owner, "loc", "x")
	c, err := f.issuer.Issue(f.ctx, f.owner.Private, f.bob.Public, rec, MinTTL)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	f.clock.Advance(MinTTL)
	if v := f.registry.CheckValidity(c); !v.Valid {
		t.Fatalf("capability should be valid at its expiry instant, got %+v", v)
	}

	f.clock.Advance(time.Second)
	v := f.registry.CheckValidity(c)
	if v.Valid || v.Reason != models.ReasonExpired {
		t.Fatalf("expected expired, got %+v", v)
	}
	stored, _ := f.store.GetCapability(f.ctx, c.ID)
	if stored.Revoked {
		t.Error("expiry must not be persisted as a revocation")
	}
}

func TestTamperDetection(t *testing.T) {
	f := newFixture(t)
	c := f.issue(t, f.seal(t, f.owner, "loc", "x"), f.bob)

	tamper := map[string]func(c *models.Capability){
		"transform data first byte": func(c *models.Capability) { c.TransformData[0] ^= 0x01 },
		"transform data last byte":  func(c *models.Capability) { c.TransformData[len(c.TransformData)-1] ^= 0x80 },
		"recipient":                 func(c *models.Capability) { c.RecipientPublicKey = f.charlie.Public },
		"extended expiry":           func(c *models.Capability) { c.ExpiresAt = c.ExpiresAt.Add(MaxTTL) },
		"fingerprint":               func(c *models.Capability) { c.Fingerprint[5] ^= 0xff },
		"tampered and revoked": func(c *models.Capability) {
			c.TransformData[10] ^= 0x01
			c.Revoked = true
		},
	}
	for name, mutate := range tamper {
		t.Run(name, func(t *testing.T) {
			cp, _ := f.store.GetCapability(f.ctx, c.ID)
			mutate(cp)
			v := f.registry.CheckValidity(cp)
			if v.Valid || v.Reason != models.ReasonFingerprintMismatch {
				t.Errorf("expected fingerprint mismatch, got %+v", v)
			}
		})
	}
}

func TestSelectiveRevocation(t *testing.T) {
	f := newFixture(t)
	rec := f.seal(t, f.owner, "loc", "x")
	cb := f.issue(t, rec, f.bob)
	cc := f.issue(t, rec, f.charlie)

	if err := f.registry.Revoke(f.ctx, cb.ID, f.owner.Private); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := f.registry.Validate(f.ctx, cc.ID); err != nil {
		t.Errorf("charlie's capability should stay valid: %v", err)
	}
	active, err := f.registry.ListActive(f.ctx, "loc")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].ID != cc.ID {
		t.Errorf("expected only charlie's capability active, got %d", len(active))
	}
}

func TestRevokeAllForLocatorScope(t *testing.T) {
	f := newFixture(t)
	newOwner, _ := crypto.GenerateKeyPair()

	rec := f.seal(t, f.owner, "patients/p-001", "v1")
	c1 := f.issue(t, rec, f.bob)
	c2 := f.issue(t, rec, f.charlie)
	other := f.issue(t, f.seal(t, f.owner, "patients/p-002", "x"), f.bob)

	// Superseded under the same locator by a different identity
	superseded := f.seal(t, newOwner, "patients/p-001", "v2")
	foreign, err := f.issuer.Issue(f.ctx, newOwner.Private, f.bob.Public, superseded, DefaultTTL)
	if err != nil {
		t.Fatalf("Issue for new owner: %v", err)
	}

	n, err := f.registry.RevokeAllForLocator(f.ctx, "patients/p-001", f.owner.Public)
	if err != nil {
		t.Fatalf("RevokeAllForLocator: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 revocations, got %d", n)
	}
	for _, id := range []*models.Capability{c1, c2} {
		got, _ := f.store.GetCapability(f.ctx, id.ID)
		if !got.Revoked {
			t.Errorf("capability %s should be revoked", id.ID)
		}
	}
	for _, id := range []*models.Capability{other, foreign} {
		if _, err := f.registry.Validate(f.ctx, id.ID); err != nil {
			t.Errorf("capability %s should be untouched: %v", id.ID, err)
		}
	}

	again, err := f.registry.RevokeAllForLocator(f.ctx, "patients/p-001", f.owner.Public)
	if err != nil || again != 0 {
		t.Errorf("second bulk revoke: n=%d err=%v", again, err)
	}
	if _, err := f.registry.RevokeAllForLocator(f.ctx, "", f.owner.Public); !errors.Is(err, models.ErrInvalidLocator) {
		t.Errorf("empty locator: expected ErrInvalidLocator, got %v", err)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	rec := f.seal(t, f.owner, "loc", "x")
	revoked := f.issue(t, rec, f.bob)
	f.issue(t, rec, f.charlie)
	if _, err := f.issuer.Issue(f.ctx, f.owner.Private, f.bob.Public, rec, MinTTL); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	f.registry.Revoke(f.ctx, revoked.ID, f.owner.Private) //nolint:errcheck
	f.clock.Advance(2 * time.Hour)

	stats, err := f.registry.Stats(f.ctx, "loc")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 || stats.Active != 1 || stats.Revoked != 1 || stats.Expired != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if want := (24.0 + 24.0 + 1.0) / 3; stats.AverageExpirationHours != want {
		t.Errorf("average expiration %v, want %v", stats.AverageExpirationHours, want)
	}

	empty, _ := f.registry.Stats(f.ctx, "nothing-here")
	if empty.Total != 0 || empty.AverageExpirationHours != 0 {
		t.Errorf("unexpected empty stats: %+v", empty)
	}
}
