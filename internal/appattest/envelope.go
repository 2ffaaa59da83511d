package appattest

import (
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
)

const attestationFormat = "apple-appattest"

// AAGUID values distinguishing the App Attest environments.
var (
	aaguidDevelop    = []byte("appattestdevelop")
	aaguidProduction = []byte("appattest\x00\x00\x00\x00\x00\x00\x00")
)

type appleAttStmt struct {
	X5C     [][]byte `cbor:"x5c"`
	Receipt []byte   `cbor:"receipt"`
}

// AttestationObject is the decoded CBOR attestation envelope. The
// receipt is carried but not verified here.
type AttestationObject struct {
	Format      string       `cbor:"fmt"`
	AttStmt     appleAttStmt `cbor:"attStmt"`
	RawAuthData []byte       `cbor:"authData"`
}

// AssertionEnvelope is the decoded CBOR assertion envelope.
type AssertionEnvelope struct {
	Signature   []byte `cbor:"signature"`
	RawAuthData []byte `cbor:"authenticatorData"`
}

// AuthenticatorData is the WebAuthn-style authenticator payload at the
// fixed big-endian offsets Apple uses. The credential fields are only
// present in attestation authData (len > 37).
type AuthenticatorData struct {
	RPIDHash     []byte
	Flags        byte
	Counter      uint32
	AAGUID       []byte
	CredentialID []byte
}

const (
	rpIDHashLen    = 32
	flagsLen       = 1
	counterLen     = 4
	aaguidLen      = 16
	credIDLenBytes = 2
	assertionADLen = rpIDHashLen + flagsLen + counterLen
	credDataOffset = assertionADLen + aaguidLen + credIDLenBytes
)

func DecodeAttestationObject(raw []byte) (*AttestationObject, error) {
	var obj AttestationObject
	if err := cbor.Unmarshal(raw, &obj); err != nil {
		return nil, ErrMalformedCBOR
	}
	if obj.Format == "" || len(obj.RawAuthData) == 0 {
		return nil, ErrMalformedCBOR
	}
	return &obj, nil
}

func DecodeAssertionEnvelope(raw []byte) (*AssertionEnvelope, error) {
	var env AssertionEnvelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, ErrMalformedCBOR
	}
	if len(env.Signature) == 0 || len(env.RawAuthData) == 0 {
		return nil, ErrMalformedCBOR
	}
	return &env, nil
}

// ParseAuthenticatorData decodes the fixed layout. The credential
// section is optional: a 37-byte slice is the assertion form.
func ParseAuthenticatorData(data []byte) (*AuthenticatorData, error) {
	if len(data) < assertionADLen {
		return nil, ErrTruncatedAuthData
	}

	ad := &AuthenticatorData{
		RPIDHash: data[:rpIDHashLen],
		Flags:    data[rpIDHashLen],
		Counter:  binary.BigEndian.Uint32(data[33:37]),
	}

	if len(data) == assertionADLen {
		return ad, nil
	}

	if len(data) < credDataOffset {
		return nil, ErrTruncatedAuthData
	}
	ad.AAGUID = data[37:53]
	idLen := int(binary.BigEndian.Uint16(data[53:55]))
	if len(data) < credDataOffset+idLen {
		return nil, ErrTruncatedAuthData
	}
	ad.CredentialID = data[credDataOffset : credDataOffset+idLen]

	return ad, nil
}
