package storage

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/macoaure/privacychain/pkg/models"
	"github.com/rs/zerolog/log"
)

// Key layout:
//
//	rec/<id>, cap/<id>, pkg/<id>, shr/<id>             JSON rows
//	idx/rec/<hex locator>/<created micros>/<id>        locator index (oldest first)
//	idx/cap/<hex locator>/<created micros>/<id>
//	idx/shr/<hex locator>/<created micros>/<id>
//	aud/<timestamp micros>/<id>                        audit events
const (
	prefixRecord     = "rec/"
	prefixCapability = "cap/"
	prefixPackage    = "pkg/"
	prefixShare      = "shr/"
	prefixAudit      = "aud/"
	prefixIndex      = "idx/"
)

// maxConflictRetries bounds retries of an optimistic transaction that lost a
// write-write race inside badger.
const maxConflictRetries = 16

// BadgerStore is a Store backed by an embedded Badger database.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger database at dir.
// An empty dir opens an in-memory instance.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Close() {
	if err := b.db.Close(); err != nil {
		log.Error().Err(err).Msg("closing badger")
	}
}

// RunGC reclaims value log space. Badger returns ErrNoRewrite when there was
// nothing to collect.
func (b *BadgerStore) RunGC() error {
	err := b.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return err
	}
	return nil
}

func entityKey(prefix string, id uuid.UUID) []byte {
	return []byte(prefix + id.String())
}

func indexPrefix(kind, locator string) []byte {
	return []byte(prefixIndex + kind + hex.EncodeToString([]byte(locator)) + "/")
}

// indexKey orders entries by creation time, then id.
func indexKey(kind, locator string, created time.Time, id uuid.UUID) []byte {
	k := indexPrefix(kind, locator)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(created.UnixMicro()))
	k = append(k, hex.EncodeToString(ts[:])...)
	k = append(k, '/')
	return append(k, id.String()...)
}

func auditKey(ev *models.AuditEvent) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(ev.Timestamp.UnixMicro()))
	return []byte(prefixAudit + hex.EncodeToString(ts[:]) + "/" + ev.ID.String())
}

// update runs fn in a read-write transaction, retrying on badger.ErrConflict.
func (b *BadgerStore) update(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return unavailable(op, err)
		}
		err := b.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		return b.mapErr(op, err)
	}
}

func (b *BadgerStore) view(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	return b.mapErr(op, b.db.View(fn))
}

// mapErr passes domain errors through and wraps everything else as unavailable.
func (b *BadgerStore) mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return models.ErrNotFound
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrAlreadyExists), errors.Is(err, ErrImmutableField):
		return err
	default:
		return unavailable(op, err)
	}
}

func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

// setNewJSON writes dst at key, failing if key is already present.
func setNewJSON(txn *badger.Txn, key []byte, v any) error {
	if _, err := txn.Get(key); err == nil {
		return models.ErrAlreadyExists
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// scanIndex loads every row referenced by the index entries under prefix.
func scanIndex[T any](txn *badger.Txn, prefix []byte, rowPrefix string) ([]*T, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []*T
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := it.Item().Key()
		id, err := uuid.ParseBytes(k[len(k)-36:])
		if err != nil {
			return nil, fmt.Errorf("corrupt index key %q: %w", k, err)
		}
		var row T
		if err := getJSON(txn, entityKey(rowPrefix, id), &row); err != nil {
			return nil, err
		}
		out = append(out, &row)
	}
	return out, nil
}

// --- Records ---

func (b *BadgerStore) PutRecord(ctx context.Context, rec *models.EncryptedRecord) error {
	return b.update(ctx, "put record", func(txn *badger.Txn) error {
		return putRecordTxn(txn, rec)
	})
}

func putRecordTxn(txn *badger.Txn, rec *models.EncryptedRecord) error {
	if err := setNewJSON(txn, entityKey(prefixRecord, rec.ID), rec); err != nil {
		return err
	}
	return txn.Set(indexKey("rec/", rec.Locator, rec.CreatedAt, rec.ID), nil)
}

func (b *BadgerStore) GetRecord(ctx context.Context, id uuid.UUID) (*models.EncryptedRecord, error) {
	var rec models.EncryptedRecord
	err := b.view(ctx, "get record", func(txn *badger.Txn) error {
		return getJSON(txn, entityKey(prefixRecord, id), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *BadgerStore) ListRecordsByLocator(ctx context.Context, locator string) ([]*models.EncryptedRecord, error) {
	var out []*models.EncryptedRecord
	err := b.view(ctx, "list records", func(txn *badger.Txn) error {
		var err error
		out, err = scanIndex[models.EncryptedRecord](txn, indexPrefix("rec/", locator), prefixRecord)
		return err
	})
	return out, err
}

// --- Capabilities ---

func (b *BadgerStore) PutCapability(ctx context.Context, c *models.Capability) error {
	return b.update(ctx, "put capability", func(txn *badger.Txn) error {
		return putCapabilityTxn(txn, c)
	})
}

func putCapabilityTxn(txn *badger.Txn, c *models.Capability) error {
	if err := setNewJSON(txn, entityKey(prefixCapability, c.ID), c); err != nil {
		return err
	}
	return txn.Set(indexKey("cap/", c.Locator, c.CreatedAt, c.ID), nil)
}

func (b *BadgerStore) GetCapability(ctx context.Context, id uuid.UUID) (*models.Capability, error) {
	var c models.Capability
	err := b.view(ctx, "get capability", func(txn *badger.Txn) error {
		return getJSON(txn, entityKey(prefixCapability, id), &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (b *BadgerStore) ListCapabilitiesByLocator(ctx context.Context, locator string) ([]*models.Capability, error) {
	prefix := indexPrefix("cap/", locator)
	if locator == "" {
		prefix = []byte(prefixIndex + "cap/")
	}
	var out []*models.Capability
	err := b.view(ctx, "list capabilities", func(txn *badger.Txn) error {
		var err error
		out, err = scanIndex[models.Capability](txn, prefix, prefixCapability)
		return err
	})
	return out, err
}

// CompareAndSwapCapability reads and writes the row in one optimistic
// transaction. A concurrent writer makes badger return ErrConflict and the
// whole read-check-write is retried against the new row.
func (b *BadgerStore) CompareAndSwapCapability(ctx context.Context, id uuid.UUID, pred CapabilityPredicate, update CapabilityUpdate) (bool, error) {
	swapped := false
	err := b.update(ctx, "swap capability", func(txn *badger.Txn) error {
		swapped = false
		var cur models.Capability
		if err := getJSON(txn, entityKey(prefixCapability, id), &cur); err != nil {
			return err
		}
		if !pred(cloneCapability(&cur)) {
			return nil
		}
		next, err := applyCapabilityUpdate(&cur, update)
		if err != nil {
			return err
		}
		if err := setJSON(txn, entityKey(prefixCapability, id), next); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// --- Packages ---

func (b *BadgerStore) PutPackage(ctx context.Context, pkg *models.RecipientPackage) error {
	return b.update(ctx, "put package", func(txn *badger.Txn) error {
		return setNewJSON(txn, entityKey(prefixPackage, pkg.ID), pkg)
	})
}

func (b *BadgerStore) GetPackage(ctx context.Context, id uuid.UUID) (*models.RecipientPackage, error) {
	var p models.RecipientPackage
	err := b.view(ctx, "get package", func(txn *badger.Txn) error {
		return getJSON(txn, entityKey(prefixPackage, id), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Shares ---

func (b *BadgerStore) SaveShare(ctx context.Context, bundle *ShareBundle) error {
	share := cloneShare(bundle.Share)
	return b.update(ctx, "save share", func(txn *badger.Txn) error {
		if bundle.Record != nil {
			if err := putRecordTxn(txn, bundle.Record); err != nil {
				return err
			}
		} else if _, err := txn.Get(entityKey(prefixRecord, share.RecordID)); err != nil {
			return err
		}
		if err := putCapabilityTxn(txn, bundle.Capability); err != nil {
			return err
		}
		if err := setNewJSON(txn, entityKey(prefixPackage, bundle.Package.ID), bundle.Package); err != nil {
			return err
		}
		if err := setNewJSON(txn, entityKey(prefixShare, share.ID), share); err != nil {
			return err
		}
		return txn.Set(indexKey("shr/", share.Locator, share.CreatedAt, share.ID), nil)
	})
}

func (b *BadgerStore) GetShare(ctx context.Context, id uuid.UUID) (*models.ShareRecord, error) {
	var s models.ShareRecord
	err := b.view(ctx, "get share", func(txn *badger.Txn) error {
		return getJSON(txn, entityKey(prefixShare, id), &s)
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (b *BadgerStore) ListSharesByLocator(ctx context.Context, locator string) ([]*models.ShareRecord, error) {
	var out []*models.ShareRecord
	err := b.view(ctx, "list shares", func(txn *badger.Txn) error {
		var err error
		out, err = scanIndex[models.ShareRecord](txn, indexPrefix("shr/", locator), prefixShare)
		return err
	})
	return out, err
}

func (b *BadgerStore) DeactivateShare(ctx context.Context, id uuid.UUID) error {
	return b.update(ctx, "deactivate share", func(txn *badger.Txn) error {
		var s models.ShareRecord
		if err := getJSON(txn, entityKey(prefixShare, id), &s); err != nil {
			return err
		}
		if !s.Active {
			return nil
		}
		s.Active = false
		return setJSON(txn, entityKey(prefixShare, id), &s)
	})
}

// --- Audit ---

func (b *BadgerStore) WriteAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	return b.update(ctx, "write audit event", func(txn *badger.Txn) error {
		return setJSON(txn, auditKey(ev), ev)
	})
}

// ListAuditEvents returns matching events newest first.
func (b *BadgerStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	var out []*models.AuditEvent
	err := b.view(ctx, "list audit events", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixAudit)
		// Reverse iteration must start past the last key under prefix
		seek := append([]byte(prefixAudit), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var ev models.AuditEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return err
			}
			if !filter.match(&ev) {
				continue
			}
			out = append(out, &ev)
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Error().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Warn().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	log.Debug().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	log.Trace().Str("component", "badger").Msgf(format, args...)
}
