package models

import (
	"time"

	"github.com/google/uuid"
)

// ShareRecord joins the record, capability and package of one share
// transaction. It is a read model; Capability.Revoked is the source of truth.
type ShareRecord struct {
	ID                 uuid.UUID `json:"id"`
	Locator            string    `json:"locator"`
	OwnerPublicKey     PublicKey `json:"owner_public_key"`
	RecipientPublicKey PublicKey `json:"recipient_public_key"`
	RecordID           uuid.UUID `json:"record_id"`
	CapabilityID       uuid.UUID `json:"capability_id"`
	PackageID          uuid.UUID `json:"package_id"`
	CreatedAt          time.Time `json:"created_at"`
	Active             bool      `json:"active"`

	Record     *EncryptedRecord  `json:"record,omitempty"`
	Capability *Capability       `json:"capability,omitempty"`
	Package    *RecipientPackage `json:"package,omitempty"`
}

// ShareStats summarizes capabilities under a locator, or across all
// locators when Locator is empty.
type ShareStats struct {
	Locator                string  `json:"locator,omitempty"`
	Total                  int     `json:"total"`
	Active                 int     `json:"active"`
	Revoked                int     `json:"revoked"`
	Expired                int     `json:"expired"`
	AverageExpirationHours float64 `json:"average_expiration_hours"`
}
