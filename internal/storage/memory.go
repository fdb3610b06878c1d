package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/macoaure/privacychain/pkg/models"
)

// MemoryStore is a Store held in process memory. Every read and write copies,
// so callers never alias stored rows.
type MemoryStore struct {
	mu           sync.RWMutex
	records      map[uuid.UUID]*models.EncryptedRecord
	recordIdx    map[string][]uuid.UUID
	capabilities map[uuid.UUID]*models.Capability
	capIdx       map[string][]uuid.UUID
	capOrder     []uuid.UUID
	packages     map[uuid.UUID]*models.RecipientPackage
	shares       map[uuid.UUID]*models.ShareRecord
	shareIdx     map[string][]uuid.UUID
	audit        []*models.AuditEvent
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:      map[uuid.UUID]*models.EncryptedRecord{},
		recordIdx:    map[string][]uuid.UUID{},
		capabilities: map[uuid.UUID]*models.Capability{},
		capIdx:       map[string][]uuid.UUID{},
		packages:     map[uuid.UUID]*models.RecipientPackage{},
		shares:       map[uuid.UUID]*models.ShareRecord{},
		shareIdx:     map[string][]uuid.UUID{},
	}
}

func (m *MemoryStore) Close() {}

// --- Records ---

func (m *MemoryStore) PutRecord(ctx context.Context, rec *models.EncryptedRecord) error {
	if err := ctx.Err(); err != nil {
		return unavailable("put record", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return models.ErrAlreadyExists
	}
	m.putRecordLocked(rec)
	return nil
}

func (m *MemoryStore) putRecordLocked(rec *models.EncryptedRecord) {
	m.records[rec.ID] = cloneRecord(rec)
	m.recordIdx[rec.Locator] = append(m.recordIdx[rec.Locator], rec.ID)
}

func (m *MemoryStore) GetRecord(ctx context.Context, id uuid.UUID) (*models.EncryptedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *MemoryStore) ListRecordsByLocator(ctx context.Context, locator string) ([]*models.EncryptedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.EncryptedRecord
	for _, id := range m.recordIdx[locator] {
		out = append(out, cloneRecord(m.records[id]))
	}
	return out, nil
}

// --- Capabilities ---

func (m *MemoryStore) PutCapability(ctx context.Context, c *models.Capability) error {
	if err := ctx.Err(); err != nil {
		return unavailable("put capability", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.capabilities[c.ID]; ok {
		return models.ErrAlreadyExists
	}
	m.putCapabilityLocked(c)
	return nil
}

func (m *MemoryStore) putCapabilityLocked(c *models.Capability) {
	m.capabilities[c.ID] = cloneCapability(c)
	m.capIdx[c.Locator] = append(m.capIdx[c.Locator], c.ID)
	m.capOrder = append(m.capOrder, c.ID)
}

func (m *MemoryStore) GetCapability(ctx context.Context, id uuid.UUID) (*models.Capability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.capabilities[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneCapability(c), nil
}

func (m *MemoryStore) ListCapabilitiesByLocator(ctx context.Context, locator string) ([]*models.Capability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.capIdx[locator]
	if locator == "" {
		ids = m.capOrder
	}
	var out []*models.Capability
	for _, id := range ids {
		out = append(out, cloneCapability(m.capabilities[id]))
	}
	return out, nil
}

func (m *MemoryStore) CompareAndSwapCapability(ctx context.Context, id uuid.UUID, pred CapabilityPredicate, update CapabilityUpdate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable("swap capability", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.capabilities[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if !pred(cloneCapability(cur)) {
		return false, nil
	}
	next, err := applyCapabilityUpdate(cur, update)
	if err != nil {
		return false, err
	}
	m.capabilities[id] = next
	return true, nil
}

// --- Packages ---

func (m *MemoryStore) PutPackage(ctx context.Context, pkg *models.RecipientPackage) error {
	if err := ctx.Err(); err != nil {
		return unavailable("put package", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.packages[pkg.ID]; ok {
		return models.ErrAlreadyExists
	}
	m.packages[pkg.ID] = clonePackage(pkg)
	return nil
}

func (m *MemoryStore) GetPackage(ctx context.Context, id uuid.UUID) (*models.RecipientPackage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.packages[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return clonePackage(p), nil
}

// --- Shares ---

func (m *MemoryStore) SaveShare(ctx context.Context, b *ShareBundle) error {
	if err := ctx.Err(); err != nil {
		return unavailable("save share", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check every key before writing any
	if b.Record != nil {
		if _, ok := m.records[b.Record.ID]; ok {
			return models.ErrAlreadyExists
		}
	} else if _, ok := m.records[b.Share.RecordID]; !ok {
		return models.ErrNotFound
	}
	if _, ok := m.capabilities[b.Capability.ID]; ok {
		return models.ErrAlreadyExists
	}
	if _, ok := m.packages[b.Package.ID]; ok {
		return models.ErrAlreadyExists
	}
	if _, ok := m.shares[b.Share.ID]; ok {
		return models.ErrAlreadyExists
	}

	if b.Record != nil {
		m.putRecordLocked(b.Record)
	}
	m.putCapabilityLocked(b.Capability)
	m.packages[b.Package.ID] = clonePackage(b.Package)
	m.shares[b.Share.ID] = cloneShare(b.Share)
	m.shareIdx[b.Share.Locator] = append(m.shareIdx[b.Share.Locator], b.Share.ID)
	return nil
}

func (m *MemoryStore) GetShare(ctx context.Context, id uuid.UUID) (*models.ShareRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shares[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneShare(s), nil
}

func (m *MemoryStore) ListSharesByLocator(ctx context.Context, locator string) ([]*models.ShareRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ShareRecord
	for _, id := range m.shareIdx[locator] {
		out = append(out, cloneShare(m.shares[id]))
	}
	return out, nil
}

func (m *MemoryStore) DeactivateShare(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[id]
	if !ok {
		return models.ErrNotFound
	}
	s.Active = false
	return nil
}

// --- Audit ---

func (m *MemoryStore) WriteAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, cloneAuditEvent(ev))
	return nil
}

// ListAuditEvents returns matching events newest first.
func (m *MemoryStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AuditEvent
	for i := len(m.audit) - 1; i >= 0; i-- {
		ev := m.audit[i]
		if !filter.match(ev) {
			continue
		}
		out = append(out, cloneAuditEvent(ev))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}
