package appattest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"math/big"

	"github.com/figamore/app-attest-server/internal/utils"
)

// VerifyAssertion checks a per-request assertion against the stored key
// and counter, returning the accepted counter value. signatureB64 is the
// CBOR assertion envelope; clientData maps the lowercased signed header
// names to their values.
//
// The device signs SHA-256(authenticatorData || clientDataHash) and the
// ECDSA verifier hashes that nonce once more, matching the client
// library's convention.
func (v *Verifier) VerifyAssertion(
	signatureB64 string,
	clientData map[string]string,
	publicKeyPEM string,
	storedCounter uint32,
) (uint32, error) {
	raw, err := utils.DecodeFlexB64(signatureB64)
	if err != nil {
		return 0, ErrMalformedCBOR
	}
	env, err := DecodeAssertionEnvelope(raw)
	if err != nil {
		return 0, err
	}
	authData, err := ParseAuthenticatorData(env.RawAuthData)
	if err != nil {
		return 0, err
	}

	clientDataHash := sha256.Sum256(CanonicalJSON(clientData))
	nonce := sha256.Sum256(append(env.RawAuthData, clientDataHash[:]...))
	digest := sha256.Sum256(nonce[:])

	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		utils.Logger.Warn("[AppAttest] stored public key is not PEM")
		return 0, ErrBadSignature
	}
	pubIfc, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		utils.Logger.WithError(err).Warn("[AppAttest] cannot parse stored public key")
		return 0, ErrBadSignature
	}
	pub, ok := pubIfc.(*ecdsa.PublicKey)
	if !ok {
		return 0, ErrBadSignature
	}

	var rs struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(env.Signature, &rs); err != nil {
		return 0, ErrBadSignature
	}
	n := elliptic.P256().Params().N
	halfN := new(big.Int).Rsh(n, 1)
	if rs.S.Cmp(halfN) == 1 {
		rs.S.Sub(n, rs.S) // force low-S
	}
	if !ecdsa.Verify(pub, digest[:], rs.R, rs.S) {
		return 0, ErrBadSignature
	}

	rpHash := sha256.Sum256([]byte(v.appID()))
	if !bytes.Equal(authData.RPIDHash, rpHash[:]) {
		return 0, ErrRpIDMismatch
	}

	if authData.Counter <= storedCounter {
		return 0, ErrCounterRegression
	}
	return authData.Counter, nil
}
