package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/macoaure/privacychain/pkg/models"
)

// postgresStore connects to DATABASE_URL after applying migrations, or
// skips the test when no database is configured.
func postgresStore(t *testing.T) *PostgresBackend {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	if _, err := RunMigrations(url, ""); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := NewPostgresBackend(ctx, url)
	if err != nil {
		t.Fatalf("NewPostgresBackend: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestPostgresConcurrentRevokeConverges(t *testing.T) {
	p := postgresStore(t)
	ctx := context.Background()

	rec := testRecord("pg/"+uuid.NewString(), epoch)
	if err := p.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	c := testCapability(rec, epoch)
	if err := p.PutCapability(ctx, c); err != nil {
		t.Fatalf("PutCapability: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pred, update := revokeAt(epoch.Add(time.Duration(i+1) * time.Second))
			ok, err := p.CompareAndSwapCapability(ctx, c.ID, pred, update)
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
	got, err := p.GetCapability(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCapability: %v", err)
	}
	if !got.Revoked || got.RevokedAt == nil {
		t.Error("capability should be revoked with a timestamp")
	}

	pred, update := revokeAt(epoch)
	if _, err := p.CompareAndSwapCapability(ctx, uuid.New(), pred, update); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing capability: expected ErrNotFound, got %v", err)
	}
}

func TestPostgresSaveShareAllOrNothing(t *testing.T) {
	p := postgresStore(t)
	ctx := context.Background()

	rec := testRecord("pg/"+uuid.NewString(), epoch)
	b := testBundle(rec, epoch)
	if err := p.SaveShare(ctx, b); err != nil {
		t.Fatalf("SaveShare: %v", err)
	}
	if _, err := p.GetShare(ctx, b.Share.ID); err != nil {
		t.Fatalf("GetShare: %v", err)
	}

	clash := testBundle(rec, epoch.Add(time.Minute))
	clash.Record = nil
	clash.Package.ID = b.Package.ID
	if err := p.SaveShare(ctx, clash); !errors.Is(err, models.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if _, err := p.GetCapability(ctx, clash.Capability.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("failed bundle left its capability behind: %v", err)
	}
	if _, err := p.GetShare(ctx, clash.Share.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("failed bundle left its share behind: %v", err)
	}

	orphan := testBundle(testRecord(rec.Locator, epoch), epoch)
	orphan.Record = nil
	if err := p.SaveShare(ctx, orphan); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("orphan bundle: expected ErrNotFound, got %v", err)
	}
}
