package testhelpers

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/figamore/app-attest-server/internal/appattest"
)

var appleNonceOID = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 8, 2}

type nonceExtension struct {
	Nonce []byte `asn1:"tag:1,explicit"`
}

type attStmt struct {
	X5C     [][]byte `cbor:"x5c"`
	Receipt []byte   `cbor:"receipt"`
}

type attestationEnvelope struct {
	Format   string  `cbor:"fmt"`
	AttStmt  attStmt `cbor:"attStmt"`
	AuthData []byte  `cbor:"authData"`
}

type assertionEnvelope struct {
	Signature         []byte `cbor:"signature"`
	AuthenticatorData []byte `cbor:"authenticatorData"`
}

// AttestationParams are the authData knobs a test can tamper with
// before the envelope is sealed.
type AttestationParams struct {
	Format       string
	RPID         string
	Counter      uint32
	AAGUID       []byte
	CredentialID []byte
}

// TestDevice fabricates a complete App Attest identity: a private CA
// chain standing in for Apple's, and a P-256 credential key. The chain
// root is handed to the verifier as its pinned anchor, so the whole
// pipeline runs exactly as against real hardware.
type TestDevice struct {
	TeamID   string
	BundleID string

	RootPEM  []byte
	Key      *ecdsa.PrivateKey
	KeyID    []byte
	KeyIDB64 string

	rootCert  *x509.Certificate
	interCert *x509.Certificate
	interKey  *ecdsa.PrivateKey
	interDER  []byte
}

func NewTestDevice(tb testing.TB, teamID, bundleID string) *TestDevice {
	tb.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(tb, err)
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test App Attestation Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * 365 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	require.NoError(tb, err)
	rootCert, err := x509.ParseCertificate(rootDER)
	require.NoError(tb, err)

	interKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(tb, err)
	interTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Test App Attestation CA 1"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * 365 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	interDER, err := x509.CreateCertificate(rand.Reader, interTmpl, rootCert, &interKey.PublicKey, rootKey)
	require.NoError(tb, err)
	interCert, err := x509.ParseCertificate(interDER)
	require.NoError(tb, err)

	credKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(tb, err)
	pt := elliptic.Marshal(elliptic.P256(), credKey.PublicKey.X, credKey.PublicKey.Y)
	keyID := sha256.Sum256(pt)

	rootPEM := pemEncodeCert(rootDER)

	return &TestDevice{
		TeamID:   teamID,
		BundleID: bundleID,
		RootPEM:  rootPEM,
		Key:      credKey,
		KeyID:    keyID[:],
		KeyIDB64: base64.StdEncoding.EncodeToString(keyID[:]),

		rootCert:  rootCert,
		interCert: interCert,
		interKey:  interKey,
		interDER:  interDER,
	}
}

// NewVerifier returns an appattest.Verifier pinned to this device's
// private root, in dev mode.
func (d *TestDevice) NewVerifier() *appattest.Verifier {
	v := appattest.NewVerifier(d.TeamID, d.BundleID, true)
	v.RootPEM = d.RootPEM
	return v
}

// AttestationObject seals a well-formed dev-environment attestation
// envelope for the given challenge string.
func (d *TestDevice) AttestationObject(tb testing.TB, nonce string) []byte {
	return d.AttestationObjectWith(tb, nonce, nil)
}

// AttestationObjectWith lets a test tamper with the authData fields
// before the certificate nonce is computed, so the mismatch under test
// is the only one present.
func (d *TestDevice) AttestationObjectWith(tb testing.TB, nonce string, mutate func(*AttestationParams)) []byte {
	tb.Helper()

	params := AttestationParams{
		Format:       "apple-appattest",
		RPID:         d.TeamID + "." + d.BundleID,
		Counter:      0,
		AAGUID:       []byte("appattestdevelop"),
		CredentialID: d.KeyID,
	}
	if mutate != nil {
		mutate(&params)
	}

	authData := d.buildAttestationAuthData(params)

	clientDataHash := sha256.Sum256([]byte(nonce))
	nonceHash := sha256.Sum256(append(append([]byte{}, authData...), clientDataHash[:]...))

	extValue, err := asn1.Marshal(nonceExtension{Nonce: nonceHash[:]})
	require.NoError(tb, err)

	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: d.KeyIDB64},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 90 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtraExtensions: []pkix.Extension{{
			Id:    appleNonceOID,
			Value: extValue,
		}},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, d.interCert, &d.Key.PublicKey, d.interKey)
	require.NoError(tb, err)

	env := attestationEnvelope{
		Format: params.Format,
		AttStmt: attStmt{
			X5C:     [][]byte{leafDER, d.interDER},
			Receipt: []byte("test-receipt"),
		},
		AuthData: authData,
	}
	raw, err := cbor.Marshal(env)
	require.NoError(tb, err)
	return raw
}

// AttestationObjectB64 is AttestationObject in the wire encoding.
func (d *TestDevice) AttestationObjectB64(tb testing.TB, nonce string) string {
	return base64.RawURLEncoding.EncodeToString(d.AttestationObject(tb, nonce))
}

// SignAssertion produces the base64 CBOR assertion envelope for the
// given client data and counter value.
func (d *TestDevice) SignAssertion(tb testing.TB, clientData map[string]string, counter uint32) string {
	tb.Helper()

	authData := make([]byte, 37)
	rpHash := sha256.Sum256([]byte(d.TeamID + "." + d.BundleID))
	copy(authData, rpHash[:])
	binary.BigEndian.PutUint32(authData[33:37], counter)

	clientDataHash := sha256.Sum256(appattest.CanonicalJSON(clientData))
	nonce := sha256.Sum256(append(append([]byte{}, authData...), clientDataHash[:]...))
	digest := sha256.Sum256(nonce[:])

	sig, err := ecdsa.SignASN1(rand.Reader, d.Key, digest[:])
	require.NoError(tb, err)

	raw, err := cbor.Marshal(assertionEnvelope{
		Signature:         sig,
		AuthenticatorData: authData,
	})
	require.NoError(tb, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func (d *TestDevice) buildAttestationAuthData(p AttestationParams) []byte {
	rpHash := sha256.Sum256([]byte(p.RPID))

	buf := make([]byte, 0, 55+len(p.CredentialID))
	buf = append(buf, rpHash[:]...)
	buf = append(buf, 0x40) // attested-credential-data flag
	buf = binary.BigEndian.AppendUint32(buf, p.Counter)
	buf = append(buf, p.AAGUID...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.CredentialID)))
	buf = append(buf, p.CredentialID...)
	return buf
}

func pemEncodeCert(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
