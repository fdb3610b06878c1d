package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit event kinds.
const (
	EventRecordSealed      = "record.sealed"
	EventCapabilityIssued  = "capability.issued"
	EventCapabilityRevoked = "capability.revoked"
	EventLocatorRevoked    = "locator.revoked"
	EventShareCreated      = "share.created"
	EventShareAccessed     = "share.accessed"
	EventShareAccessDenied = "share.access_denied"
)

// AuditEvent records a capability lifecycle event.
// Key material other than public keys must NEVER be placed here.
type AuditEvent struct {
	ID             uuid.UUID         `json:"id"`
	Kind           string            `json:"kind"`
	CapabilityID   uuid.UUID         `json:"capability_id"`
	ActorPublicKey PublicKey         `json:"actor_public_key,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}
