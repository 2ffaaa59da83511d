package dtos

// NonceResponse answers a nonce issuance request.
type NonceResponse struct {
	Nonce string `json:"nonce"`
}

// RegisterAttestationRequest is the attestation registration body.
// Decoded sizes are enforced by the service; the tags bound the
// base64 text itself.
type RegisterAttestationRequest struct {
	KeyID             string `json:"keyId" validate:"required,len=44"`
	AttestationObject string `json:"attestationObject" validate:"required,min=100,max=16384"`
}

// HeartbeatResponse echoes the verified assertion identity.
type HeartbeatResponse struct {
	DeviceID string `json:"deviceId"`
	Counter  uint32 `json:"counter"`
}
