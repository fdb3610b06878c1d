package models

import (
	"time"

	"github.com/google/uuid"
)

// EncryptedRecord is a payload sealed under its owner's public key. Records are
// immutable; a rectification writes a new record under the same locator.
type EncryptedRecord struct {
	ID                   uuid.UUID `json:"id"`
	Locator              string    `json:"locator"`
	OwnerPublicKey       PublicKey `json:"owner_public_key"`
	Ciphertext           []byte    `json:"ciphertext"`
	Nonce                []byte    `json:"nonce"`
	ContentKeyWrapped    []byte    `json:"content_key_wrapped"`
	ContentKeyCommitment [32]byte  `json:"content_key_commitment"`
	CreatedAt            time.Time `json:"created_at"`
}

// Capability is a proxy key: the record's content key wrapped for one
// recipient, valid until ExpiresAt unless revoked first.
type Capability struct {
	ID                 uuid.UUID  `json:"id"`
	Locator            string     `json:"locator"`
	RecordID           uuid.UUID  `json:"record_id"`
	OwnerPublicKey     PublicKey  `json:"owner_public_key"`
	RecipientPublicKey PublicKey  `json:"recipient_public_key"`
	TransformData      []byte     `json:"transform_data"`
	Fingerprint        [32]byte   `json:"fingerprint"`
	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
	Revoked            bool       `json:"revoked"`
	RevokedAt          *time.Time `json:"revoked_at,omitempty"`
}

// IsExpired returns true if now is past the capability's expiry.
func (c *Capability) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// IsActive returns true if the capability is neither revoked nor expired.
// It does not check the fingerprint; use the registry for a full check.
func (c *Capability) IsActive(now time.Time) bool {
	return !c.Revoked && !c.IsExpired(now)
}

// RecipientPackage is the material handed to a recipient. The ciphertext is
// the record's sealed payload; only the key wrapper differs per recipient and
// that lives in the referenced capability.
type RecipientPackage struct {
	ID                    uuid.UUID `json:"id"`
	CapabilityID          uuid.UUID `json:"capability_id"`
	RecordID              uuid.UUID `json:"record_id"`
	Locator               string    `json:"locator"`
	RecipientPublicKey    PublicKey `json:"recipient_public_key"`
	TransformedCiphertext []byte    `json:"transformed_ciphertext"`
	Nonce                 []byte    `json:"nonce"`
	CreatedAt             time.Time `json:"created_at"`
}
