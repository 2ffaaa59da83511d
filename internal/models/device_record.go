package models

import (
	"time"

	"github.com/google/uuid"
)

// DeviceRecord is the persisted attestation state for one device.
// DeviceID is the client-chosen business key; KeyID is the base64
// SHA-256 of the attested public key and stays empty until a
// registration completes.
type DeviceRecord struct {
	ID           uuid.UUID `json:"id"`
	DeviceID     string    `json:"device_id"`
	KeyID        string    `json:"key_id,omitempty"`
	Nonce        string    `json:"nonce,omitempty"`
	PublicKeyPEM string    `json:"public_key,omitempty"`
	Counter      uint32    `json:"counter"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Attested reports whether the device completed a registration ceremony.
func (d *DeviceRecord) Attested() bool {
	return d.KeyID != "" && d.PublicKeyPEM != ""
}
