package appattest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"time"

	"github.com/figamore/app-attest-server/internal/utils"
)

var appleNonceOID = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 8, 2}

// appleAnonymousAttestation mirrors the payload of the
// 1.2.840.113635.100.8.2 extension: a sequence wrapping a single
// tagged OCTET STRING carrying the expected nonce.
type appleAnonymousAttestation struct {
	Nonce []byte `asn1:"tag:1,explicit"`
}

// Verifier holds the read-only verification inputs. RootPEM defaults to
// the embedded Apple App Attest Root CA; tests pin their own anchor.
type Verifier struct {
	TeamID   string
	BundleID string
	DevMode  bool
	RootPEM  []byte
}

func NewVerifier(teamID, bundleID string, devMode bool) *Verifier {
	return &Verifier{
		TeamID:   teamID,
		BundleID: bundleID,
		DevMode:  devMode,
		RootPEM:  []byte(AppleAppAttestRootCA),
	}
}

func (v *Verifier) appID() string {
	return v.TeamID + "." + v.BundleID
}

// VerifyAttestation validates the attestation object produced for the
// issued challenge and, on success, returns the attested public key as
// a PEM-encoded PKIX block. nonce is the base64 challenge string exactly
// as issued; keyIDB64 is the std-base64 SHA-256 of the attested key.
func (v *Verifier) VerifyAttestation(nonce, keyIDB64 string, attestation []byte) (string, error) {
	obj, err := DecodeAttestationObject(attestation)
	if err != nil {
		return "", err
	}
	if obj.Format != attestationFormat {
		utils.Logger.Warnf("[AppAttest] unexpected attestation format %q", obj.Format)
		return "", ErrMalformedCBOR
	}
	if len(obj.AttStmt.X5C) < 2 {
		utils.Logger.Warn("[AppAttest] x5c chain too short")
		return "", ErrMalformedCBOR
	}

	authData, err := ParseAuthenticatorData(obj.RawAuthData)
	if err != nil {
		return "", err
	}
	if authData.CredentialID == nil {
		return "", ErrTruncatedAuthData
	}

	keyID, err := base64.StdEncoding.DecodeString(keyIDB64)
	if err != nil {
		return "", ErrKeyIDMismatch
	}

	leaf, err := x509.ParseCertificate(obj.AttStmt.X5C[0])
	if err != nil {
		return "", ErrInvalidCertChain
	}
	interPool := x509.NewCertPool()
	for _, der := range obj.AttStmt.X5C[1:] {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return "", ErrInvalidCertChain
		}
		interPool.AddCert(cert)
	}

	// Step 2: the credential certificate carries
	// SHA-256(authData || SHA-256(challenge)) in Apple's extension.
	clientDataHash := sha256.Sum256([]byte(nonce))
	expectedNonce := sha256.Sum256(append(obj.RawAuthData, clientDataHash[:]...))

	var extBytes []byte
	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(appleNonceOID) {
			extBytes = ext.Value
			break
		}
	}
	if len(extBytes) == 0 {
		utils.Logger.Warn("[AppAttest] certificate missing nonce extension 1.2.840.113635.100.8.2")
		return "", ErrNonceMismatch
	}
	var decoded appleAnonymousAttestation
	if _, err := asn1.Unmarshal(extBytes, &decoded); err != nil {
		utils.Logger.WithError(err).Warn("[AppAttest] cannot parse nonce extension")
		return "", ErrNonceMismatch
	}
	if !bytes.Equal(decoded.Nonce, expectedNonce[:]) {
		return "", ErrNonceMismatch
	}

	// Step 3: chain up to the pinned root.
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(v.RootPEM) {
		return "", ErrInvalidCertChain
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: interPool,
		CurrentTime:   time.Now(),
	}); err != nil {
		utils.Logger.WithError(err).Warn("[AppAttest] certificate chain verification failed")
		return "", ErrInvalidCertChain
	}

	// Step 4: keyID is the SHA-256 of the uncompressed P-256 point.
	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return "", ErrKeyIDMismatch
	}
	pt := make([]byte, 65)
	pt[0] = 0x04
	pub.X.FillBytes(pt[1:33])
	pub.Y.FillBytes(pt[33:])
	pubHash := sha256.Sum256(pt)
	if subtle.ConstantTimeCompare(pubHash[:], keyID) != 1 {
		return "", ErrKeyIDMismatch
	}

	// Step 5: RP ID binds team + bundle.
	rpHash := sha256.Sum256([]byte(v.appID()))
	if !bytes.Equal(authData.RPIDHash, rpHash[:]) {
		return "", ErrRpIDMismatch
	}

	// Step 6: a fresh attestation always carries counter 0.
	if authData.Counter != 0 {
		return "", ErrNonZeroCounter
	}

	// Step 7: AAGUID selects the App Attest environment.
	wantAAGUID := aaguidProduction
	if v.DevMode {
		wantAAGUID = aaguidDevelop
	}
	if !bytes.Equal(authData.AAGUID, wantAAGUID) {
		return "", ErrWrongEnvironment
	}

	// Step 8: the credential id must be the key id.
	if !bytes.Equal(authData.CredentialID, keyID) {
		return "", ErrCredentialIDMismatch
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", ErrKeyIDMismatch
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return string(pemBytes), nil
}
