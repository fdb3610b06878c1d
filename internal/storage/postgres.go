package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/macoaure/privacychain/pkg/models"
)

// PostgresBackend is a Store backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, unavailable("connecting to postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("pinging postgres", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// mapPgErr translates pgx errors into the store's error vocabulary.
func mapPgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrAlreadyExists) || errors.Is(err, ErrImmutableField) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return models.ErrAlreadyExists
		case "23503": // foreign_key_violation
			return models.ErrNotFound
		}
	}
	return unavailable(op, err)
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// --- Records ---

const recordColumns = `id, locator, owner_public_key, ciphertext, nonce, content_key_wrapped, content_key_commitment, created_at`

func (p *PostgresBackend) PutRecord(ctx context.Context, rec *models.EncryptedRecord) error {
	return mapPgErr("put record", insertRecord(ctx, p.pool, rec))
}

func insertRecord(ctx context.Context, db execer, rec *models.EncryptedRecord) error {
	_, err := db.Exec(ctx,
		`INSERT INTO encrypted_records (`+recordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Locator, []byte(rec.OwnerPublicKey), rec.Ciphertext, rec.Nonce,
		rec.ContentKeyWrapped, rec.ContentKeyCommitment[:], rec.CreatedAt,
	)
	return err
}

func (p *PostgresBackend) GetRecord(ctx context.Context, id uuid.UUID) (*models.EncryptedRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM encrypted_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	return rec, mapPgErr("get record", err)
}

func (p *PostgresBackend) ListRecordsByLocator(ctx context.Context, locator string) ([]*models.EncryptedRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM encrypted_records WHERE locator = $1 ORDER BY created_at, id`,
		locator,
	)
	if err != nil {
		return nil, mapPgErr("list records", err)
	}
	defer rows.Close()
	var out []*models.EncryptedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, mapPgErr("list records", err)
		}
		out = append(out, rec)
	}
	return out, mapPgErr("list records", rows.Err())
}

func scanRecord(row pgx.Row) (*models.EncryptedRecord, error) {
	var r models.EncryptedRecord
	var owner, commitment []byte
	err := row.Scan(&r.ID, &r.Locator, &owner, &r.Ciphertext, &r.Nonce,
		&r.ContentKeyWrapped, &commitment, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.OwnerPublicKey = owner
	copy(r.ContentKeyCommitment[:], commitment)
	return &r, nil
}

// --- Capabilities ---

const capabilityColumns = `id, locator, record_id, owner_public_key, recipient_public_key, transform_data, fingerprint, created_at, expires_at, revoked, revoked_at`

func (p *PostgresBackend) PutCapability(ctx context.Context, c *models.Capability) error {
	return mapPgErr("put capability", insertCapability(ctx, p.pool, c))
}

func insertCapability(ctx context.Context, db execer, c *models.Capability) error {
	_, err := db.Exec(ctx,
		`INSERT INTO capabilities (`+capabilityColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.Locator, c.RecordID, []byte(c.OwnerPublicKey), []byte(c.RecipientPublicKey),
		c.TransformData, c.Fingerprint[:], c.CreatedAt, c.ExpiresAt, c.Revoked, c.RevokedAt,
	)
	return err
}

func (p *PostgresBackend) GetCapability(ctx context.Context, id uuid.UUID) (*models.Capability, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+capabilityColumns+` FROM capabilities WHERE id = $1`, id)
	c, err := scanCapability(row)
	return c, mapPgErr("get capability", err)
}

func (p *PostgresBackend) ListCapabilitiesByLocator(ctx context.Context, locator string) ([]*models.Capability, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT ` + capabilityColumns + ` FROM capabilities`)
	args := []any{}
	if locator != "" {
		query.WriteString(` WHERE locator = $1`)
		args = append(args, locator)
	}
	query.WriteString(` ORDER BY created_at, id`)

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, mapPgErr("list capabilities", err)
	}
	defer rows.Close()
	var out []*models.Capability
	for rows.Next() {
		c, err := scanCapability(rows)
		if err != nil {
			return nil, mapPgErr("list capabilities", err)
		}
		out = append(out, c)
	}
	return out, mapPgErr("list capabilities", rows.Err())
}

// CompareAndSwapCapability locks the row with SELECT ... FOR UPDATE,
// evaluates pred against it and writes the revocation columns in the same
// transaction.
func (p *PostgresBackend) CompareAndSwapCapability(ctx context.Context, id uuid.UUID, pred CapabilityPredicate, update CapabilityUpdate) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, mapPgErr("swap capability", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT `+capabilityColumns+` FROM capabilities WHERE id = $1 FOR UPDATE`, id)
	cur, err := scanCapability(row)
	if err != nil {
		return false, mapPgErr("swap capability", err)
	}
	if !pred(cloneCapability(cur)) {
		return false, nil
	}
	next, err := applyCapabilityUpdate(cur, update)
	if err != nil {
		return false, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE capabilities SET revoked = $2, revoked_at = $3 WHERE id = $1`,
		id, next.Revoked, next.RevokedAt,
	)
	if err != nil {
		return false, mapPgErr("swap capability", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, mapPgErr("swap capability", err)
	}
	return true, nil
}

func scanCapability(row pgx.Row) (*models.Capability, error) {
	var c models.Capability
	var owner, recipient, fingerprint []byte
	err := row.Scan(&c.ID, &c.Locator, &c.RecordID, &owner, &recipient, &c.TransformData,
		&fingerprint, &c.CreatedAt, &c.ExpiresAt, &c.Revoked, &c.RevokedAt)
	if err != nil {
		return nil, err
	}
	c.OwnerPublicKey = owner
	c.RecipientPublicKey = recipient
	copy(c.Fingerprint[:], fingerprint)
	return &c, nil
}

// --- Packages ---

const packageColumns = `id, capability_id, record_id, locator, recipient_public_key, transformed_ciphertext, nonce, created_at`

func (p *PostgresBackend) PutPackage(ctx context.Context, pkg *models.RecipientPackage) error {
	return mapPgErr("put package", insertPackage(ctx, p.pool, pkg))
}

func insertPackage(ctx context.Context, db execer, pkg *models.RecipientPackage) error {
	_, err := db.Exec(ctx,
		`INSERT INTO recipient_packages (`+packageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		pkg.ID, pkg.CapabilityID, pkg.RecordID, pkg.Locator, []byte(pkg.RecipientPublicKey),
		pkg.TransformedCiphertext, pkg.Nonce, pkg.CreatedAt,
	)
	return err
}

func (p *PostgresBackend) GetPackage(ctx context.Context, id uuid.UUID) (*models.RecipientPackage, error) {
	var pkg models.RecipientPackage
	var recipient []byte
	err := p.pool.QueryRow(ctx, `SELECT `+packageColumns+` FROM recipient_packages WHERE id = $1`, id).
		Scan(&pkg.ID, &pkg.CapabilityID, &pkg.RecordID, &pkg.Locator, &recipient,
			&pkg.TransformedCiphertext, &pkg.Nonce, &pkg.CreatedAt)
	if err != nil {
		return nil, mapPgErr("get package", err)
	}
	pkg.RecipientPublicKey = recipient
	return &pkg, nil
}

// --- Shares ---

const shareColumns = `id, locator, owner_public_key, recipient_public_key, record_id, capability_id, package_id, created_at, active`

// SaveShare writes the bundle in one transaction.
func (p *PostgresBackend) SaveShare(ctx context.Context, b *ShareBundle) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return mapPgErr("save share", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if b.Record != nil {
		if err := insertRecord(ctx, tx, b.Record); err != nil {
			return mapPgErr("save share: record", err)
		}
	}
	if err := insertCapability(ctx, tx, b.Capability); err != nil {
		return mapPgErr("save share: capability", err)
	}
	if err := insertPackage(ctx, tx, b.Package); err != nil {
		return mapPgErr("save share: package", err)
	}
	s := b.Share
	_, err = tx.Exec(ctx,
		`INSERT INTO share_records (`+shareColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.Locator, []byte(s.OwnerPublicKey), []byte(s.RecipientPublicKey),
		s.RecordID, s.CapabilityID, s.PackageID, s.CreatedAt, s.Active,
	)
	if err != nil {
		return mapPgErr("save share: share", err)
	}
	return mapPgErr("save share", tx.Commit(ctx))
}

func (p *PostgresBackend) GetShare(ctx context.Context, id uuid.UUID) (*models.ShareRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+shareColumns+` FROM share_records WHERE id = $1`, id)
	s, err := scanShare(row)
	return s, mapPgErr("get share", err)
}

func (p *PostgresBackend) ListSharesByLocator(ctx context.Context, locator string) ([]*models.ShareRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+shareColumns+` FROM share_records WHERE locator = $1 ORDER BY created_at, id`,
		locator,
	)
	if err != nil {
		return nil, mapPgErr("list shares", err)
	}
	defer rows.Close()
	var out []*models.ShareRecord
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, mapPgErr("list shares", err)
		}
		out = append(out, s)
	}
	return out, mapPgErr("list shares", rows.Err())
}

func (p *PostgresBackend) DeactivateShare(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `UPDATE share_records SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return mapPgErr("deactivate share", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func scanShare(row pgx.Row) (*models.ShareRecord, error) {
	var s models.ShareRecord
	var owner, recipient []byte
	err := row.Scan(&s.ID, &s.Locator, &owner, &recipient, &s.RecordID,
		&s.CapabilityID, &s.PackageID, &s.CreatedAt, &s.Active)
	if err != nil {
		return nil, err
	}
	s.OwnerPublicKey = owner
	s.RecipientPublicKey = recipient
	return &s, nil
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	metaJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_events (id, kind, capability_id, actor_public_key, timestamp, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.Kind, ev.CapabilityID, []byte(ev.ActorPublicKey), ev.Timestamp, metaJSON,
	)
	return mapPgErr("write audit event", err)
}

func (p *PostgresBackend) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, kind, capability_id, actor_public_key, timestamp, metadata FROM audit_events WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.CapabilityID != nil {
		fmt.Fprintf(&query, ` AND capability_id = $%d`, n)
		args = append(args, *filter.CapabilityID)
		n++
	}
	if filter.Kind != "" {
		fmt.Fprintf(&query, ` AND kind = $%d`, n)
		args = append(args, filter.Kind)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, *filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, mapPgErr("list audit events", err)
	}
	defer rows.Close()

	var out []*models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var actor, metaJSON []byte
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.CapabilityID, &actor, &ev.Timestamp, &metaJSON); err != nil {
			return nil, mapPgErr("list audit events", err)
		}
		ev.ActorPublicKey = actor
		json.Unmarshal(metaJSON, &ev.Metadata) //nolint:errcheck
		out = append(out, &ev)
	}
	return out, mapPgErr("list audit events", rows.Err())
}
