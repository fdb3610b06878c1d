package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/macoaure/privacychain/pkg/models"
	"github.com/rs/zerolog"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	os.Exit(m.Run())
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// backends returns a fresh instance of every embedded Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	b, err := NewBadgerStore("")
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	t.Cleanup(b.Close)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": b,
	}
}

func testRecord(locator string, at time.Time) *models.EncryptedRecord {
	return &models.EncryptedRecord{
		ID:                uuid.New(),
		Locator:           locator,
		OwnerPublicKey:    models.PublicKey{0x04, 0x01, 0x02},
		Ciphertext:        []byte("ciphertext"),
		Nonce:             []byte("nonce-12byte"),
		ContentKeyWrapped: []byte("wrapped"),
		CreatedAt:         at,
	}
}

func testCapability(rec *models.EncryptedRecord, at time.Time) *models.Capability {
	return &models.Capability{
		ID:                 uuid.New(),
		Locator:            rec.Locator,
		RecordID:           rec.ID,
		OwnerPublicKey:     rec.OwnerPublicKey,
		RecipientPublicKey: models.PublicKey{0x04, 0x09},
		TransformData:      []byte("transform"),
		Fingerprint:        [32]byte{1, 2, 3},
		CreatedAt:          at,
		ExpiresAt:          at.Add(time.Hour),
	}
}

func testBundle(rec *models.EncryptedRecord, at time.Time) *ShareBundle {
	c := testCapability(rec, at)
	pkg := &models.RecipientPackage{
		ID:                    uuid.New(),
		CapabilityID:          c.ID,
		RecordID:              rec.ID,
		Locator:               rec.Locator,
		RecipientPublicKey:    c.RecipientPublicKey,
		TransformedCiphertext: rec.Ciphertext,
		Nonce:                 rec.Nonce,
		CreatedAt:             at,
	}
	return &ShareBundle{
		Record:     rec,
		Capability: c,
		Package:    pkg,
		Share: &models.ShareRecord{
			ID:                 uuid.New(),
			Locator:            rec.Locator,
			OwnerPublicKey:     rec.OwnerPublicKey,
			RecipientPublicKey: c.RecipientPublicKey,
			RecordID:           rec.ID,
			CapabilityID:       c.ID,
			PackageID:          pkg.ID,
			CreatedAt:          at,
			Active:             true,
		},
	}
}

func revokeAt(at time.Time) (CapabilityPredicate, CapabilityUpdate) {
	pred := func(c *models.Capability) bool { return !c.Revoked }
	update := func(c *models.Capability) {
		c.Revoked = true
		c.RevokedAt = &at
	}
	return pred, update
}

func TestRecordPutGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := testRecord("patients/p-001", epoch)
			if err := s.PutRecord(ctx, rec); err != nil {
				t.Fatalf("PutRecord: %v", err)
			}
			if err := s.PutRecord(ctx, rec); !errors.Is(err, models.ErrAlreadyExists) {
				t.Errorf("duplicate PutRecord: expected ErrAlreadyExists, got %v", err)
			}

			got, err := s.GetRecord(ctx, rec.ID)
			if err != nil {
				t.Fatalf("GetRecord: %v", err)
			}
			if got.Locator != rec.Locator || string(got.Ciphertext) != "ciphertext" || !got.CreatedAt.Equal(epoch) {
				t.Errorf("unexpected record: %+v", got)
			}

			// Returned rows must not alias stored state
			got.Ciphertext[0] = 'X'
			again, _ := s.GetRecord(ctx, rec.ID)
			if again.Ciphertext[0] != 'c' {
				t.Error("mutating a returned record changed the stored copy")
			}

			if _, err := s.GetRecord(ctx, uuid.New()); !errors.Is(err, models.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestListRecordsByLocatorOrdered(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var ids []uuid.UUID
			for i := 0; i < 3; i++ {
				rec := testRecord("loc-a", epoch.Add(time.Duration(i)*time.Minute))
				ids = append(ids, rec.ID)
				if err := s.PutRecord(ctx, rec); err != nil {
					t.Fatalf("PutRecord: %v", err)
				}
			}
			if err := s.PutRecord(ctx, testRecord("loc-b", epoch)); err != nil {
				t.Fatalf("PutRecord: %v", err)
			}

			recs, err := s.ListRecordsByLocator(ctx, "loc-a")
			if err != nil {
				t.Fatalf("ListRecordsByLocator: %v", err)
			}
			if len(recs) != 3 {
				t.Fatalf("expected 3 records, got %d", len(recs))
			}
			for i, r := range recs {
				if r.ID != ids[i] {
					t.Errorf("record %d out of order", i)
				}
			}
			none, _ := s.ListRecordsByLocator(ctx, "loc-missing")
			if len(none) != 0 {
				t.Errorf("expected no records, got %d", len(none))
			}
		})
	}
}

func TestCapabilityCompareAndSwap(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := testRecord("loc", epoch)
			s.PutRecord(ctx, rec) //nolint:errcheck
			c := testCapability(rec, epoch)
			if err := s.PutCapability(ctx, c); err != nil {
				t.Fatalf("PutCapability: %v", err)
			}

			revokedAt := epoch.Add(10 * time.Minute)
			pred, update := revokeAt(revokedAt)
			ok, err := s.CompareAndSwapCapability(ctx, c.ID, pred, update)
			if err != nil || !ok {
				t.Fatalf("first swap: ok=%v err=%v", ok, err)
			}
			ok, err = s.CompareAndSwapCapability(ctx, c.ID, pred, update)
			if err != nil || ok {
				t.Fatalf("second swap should be a no-op: ok=%v err=%v", ok, err)
			}

			got, _ := s.GetCapability(ctx, c.ID)
			if !got.Revoked || got.RevokedAt == nil || !got.RevokedAt.Equal(revokedAt) {
				t.Errorf("unexpected revocation state: %+v", got)
			}

			if _, err := s.CompareAndSwapCapability(ctx, uuid.New(), pred, update); !errors.Is(err, models.ErrNotFound) {
				t.Errorf("missing capability: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestCapabilityUpdateImmutableFields(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := testRecord("loc", epoch)
			c := testCapability(rec, epoch)
			s.PutCapability(ctx, c) //nolint:errcheck

			always := func(*models.Capability) bool { return true }
			_, err := s.CompareAndSwapCapability(ctx, c.ID, always, func(n *models.Capability) {
				n.ExpiresAt = n.ExpiresAt.Add(time.Hour)
			})
			if !errors.Is(err, ErrImmutableField) {
				t.Errorf("extending expiry: expected ErrImmutableField, got %v", err)
			}

			pred, update := revokeAt(epoch)
			s.CompareAndSwapCapability(ctx, c.ID, pred, update) //nolint:errcheck
			_, err = s.CompareAndSwapCapability(ctx, c.ID, always, func(n *models.Capability) {
				n.Revoked = false
				n.RevokedAt = nil
			})
			if !errors.Is(err, ErrImmutableField) {
				t.Errorf("un-revoking: expected ErrImmutableField, got %v", err)
			}
			got, _ := s.GetCapability(ctx, c.ID)
			if !got.Revoked {
				t.Error("capability should still be revoked")
			}
		})
	}
}

func TestConcurrentRevokeConverges(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := testRecord("loc", epoch)
			c := testCapability(rec, epoch)
			s.PutCapability(ctx, c) //nolint:errcheck

			const workers = 8
			var wg sync.WaitGroup
			var mu sync.Mutex
			winners := 0
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					pred, update := revokeAt(epoch.Add(time.Duration(i) * time.Second))
					ok, err := s.CompareAndSwapCapability(ctx, c.ID, pred, update)
					if err != nil {
						t.Errorf("worker %d: %v", i, err)
						return
					}
					if ok {
						mu.Lock()
						winners++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			if winners != 1 {
				t.Errorf("expected exactly one winning revoke, got %d", winners)
			}
			got, _ := s.GetCapability(ctx, c.ID)
			if !got.Revoked || got.RevokedAt == nil {
				t.Error("capability should be revoked with a timestamp")
			}
		})
	}
}

func TestListCapabilitiesAllLocators(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, loc := range []string{"a", "b", "a"} {
				rec := testRecord(loc, epoch)
				s.PutCapability(ctx, testCapability(rec, epoch.Add(time.Duration(i)*time.Second))) //nolint:errcheck
			}
			all, err := s.ListCapabilitiesByLocator(ctx, "")
			if err != nil {
				t.Fatalf("ListCapabilitiesByLocator: %v", err)
			}
			if len(all) != 3 {
				t.Errorf("expected 3 capabilities, got %d", len(all))
			}
			onlyA, _ := s.ListCapabilitiesByLocator(ctx, "a")
			if len(onlyA) != 2 {
				t.Errorf("expected 2 capabilities for locator a, got %d", len(onlyA))
			}
		})
	}
}

func TestSaveShareAllOrNothing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := testRecord("loc", epoch)
			b := testBundle(rec, epoch)
			if err := s.SaveShare(ctx, b); err != nil {
				t.Fatalf("SaveShare: %v", err)
			}
			share, err := s.GetShare(ctx, b.Share.ID)
			if err != nil {
				t.Fatalf("GetShare: %v", err)
			}
			if !share.Active || share.CapabilityID != b.Capability.ID {
				t.Errorf("unexpected share: %+v", share)
			}

			// Second bundle reuses the record but collides on the package id
			clash := testBundle(rec, epoch.Add(time.Minute))
			clash.Record = nil
			clash.Package.ID = b.Package.ID
			if err := s.SaveShare(ctx, clash); !errors.Is(err, models.ErrAlreadyExists) {
				t.Fatalf("expected ErrAlreadyExists, got %v", err)
			}
			if _, err := s.GetCapability(ctx, clash.Capability.ID); !errors.Is(err, models.ErrNotFound) {
				t.Errorf("failed bundle left its capability behind: %v", err)
			}
			if _, err := s.GetShare(ctx, clash.Share.ID); !errors.Is(err, models.ErrNotFound) {
				t.Errorf("failed bundle left its share behind: %v", err)
			}

			// Bundle pointing at a record that does not exist
			orphan := testBundle(testRecord("loc", epoch), epoch)
			orphan.Record = nil
			if err := s.SaveShare(ctx, orphan); !errors.Is(err, models.ErrNotFound) {
				t.Errorf("orphan bundle: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestDeactivateShare(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := testBundle(testRecord("loc", epoch), epoch)
			s.SaveShare(ctx, b) //nolint:errcheck

			if err := s.DeactivateShare(ctx, b.Share.ID); err != nil {
				t.Fatalf("DeactivateShare: %v", err)
			}
			got, _ := s.GetShare(ctx, b.Share.ID)
			if got.Active {
				t.Error("share should be inactive")
			}
			shares, _ := s.ListSharesByLocator(ctx, "loc")
			if len(shares) != 1 || shares[0].Active {
				t.Errorf("unexpected share listing: %+v", shares)
			}
			if err := s.DeactivateShare(ctx, uuid.New()); !errors.Is(err, models.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestAuditEventsNewestFirst(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			capID := uuid.New()
			for i := 0; i < 5; i++ {
				kind := models.EventShareAccessed
				if i%2 == 0 {
					kind = models.EventCapabilityIssued
				}
				ev := &models.AuditEvent{
					ID:           uuid.New(),
					Kind:         kind,
					CapabilityID: capID,
					Timestamp:    epoch.Add(time.Duration(i) * time.Minute),
					Metadata:     map[string]string{"seq": fmt.Sprint(i)},
				}
				if err := s.WriteAuditEvent(ctx, ev); err != nil {
					t.Fatalf("WriteAuditEvent: %v", err)
				}
			}
			s.WriteAuditEvent(ctx, &models.AuditEvent{ //nolint:errcheck
				ID: uuid.New(), Kind: models.EventRecordSealed, CapabilityID: uuid.New(), Timestamp: epoch,
			})

			events, err := s.ListAuditEvents(ctx, AuditFilter{CapabilityID: &capID})
			if err != nil {
				t.Fatalf("ListAuditEvents: %v", err)
			}
			if len(events) != 5 {
				t.Fatalf("expected 5 events, got %d", len(events))
			}
			if events[0].Metadata["seq"] != "4" || events[4].Metadata["seq"] != "0" {
				t.Errorf("events not newest first: first=%s last=%s", events[0].Metadata["seq"], events[4].Metadata["seq"])
			}

			issued, _ := s.ListAuditEvents(ctx, AuditFilter{Kind: models.EventCapabilityIssued, Limit: 2})
			if len(issued) != 2 {
				t.Errorf("expected limit to cap results at 2, got %d", len(issued))
			}
			since := epoch.Add(3 * time.Minute)
			recent, _ := s.ListAuditEvents(ctx, AuditFilter{CapabilityID: &capID, Since: &since})
			if len(recent) != 2 {
				t.Errorf("expected 2 events since minute 3, got %d", len(recent))
			}
		})
	}
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.PutRecord(ctx, testRecord("loc", epoch))
	if !errors.Is(err, models.ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable, got %v", err)
	}
	if !models.IsRetryable(err) {
		t.Error("storage failures should be retryable")
	}
}
