package appattest_test

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/figamore/app-attest-server/internal/appattest"
)

func buildAuthData(counter uint32, aaguid, credID []byte) []byte {
	rpHash := sha256.Sum256([]byte("TEAM.bundle"))
	buf := append([]byte{}, rpHash[:]...)
	buf = append(buf, 0x40)
	buf = binary.BigEndian.AppendUint32(buf, counter)
	if aaguid != nil {
		buf = append(buf, aaguid...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(credID)))
		buf = append(buf, credID...)
	}
	return buf
}

func TestParseAuthenticatorDataAttestationForm(t *testing.T) {
	credID := make([]byte, 32)
	for i := range credID {
		credID[i] = byte(i)
	}
	data := buildAuthData(7, []byte("appattestdevelop"), credID)

	ad, err := appattest.ParseAuthenticatorData(data)
	require.NoError(t, err)
	require.Equal(t, uint32(7), ad.Counter)
	require.Equal(t, []byte("appattestdevelop"), ad.AAGUID)
	require.Equal(t, credID, ad.CredentialID)
	require.Len(t, ad.RPIDHash, 32)
}

func TestParseAuthenticatorDataAssertionForm(t *testing.T) {
	data := buildAuthData(42, nil, nil)
	require.Len(t, data, 37)

	ad, err := appattest.ParseAuthenticatorData(data)
	require.NoError(t, err)
	require.Equal(t, uint32(42), ad.Counter)
	require.Nil(t, ad.AAGUID)
	require.Nil(t, ad.CredentialID)
}

func TestParseAuthenticatorDataTruncated(t *testing.T) {
	_, err := appattest.ParseAuthenticatorData(make([]byte, 36))
	require.ErrorIs(t, err, appattest.ErrTruncatedAuthData)

	// credential section announced but cut short
	_, err = appattest.ParseAuthenticatorData(make([]byte, 50))
	require.ErrorIs(t, err, appattest.ErrTruncatedAuthData)

	full := buildAuthData(0, []byte("appattestdevelop"), make([]byte, 32))
	_, err = appattest.ParseAuthenticatorData(full[:len(full)-5])
	require.ErrorIs(t, err, appattest.ErrTruncatedAuthData)
}

func TestDecodeAttestationObjectRejectsGarbage(t *testing.T) {
	_, err := appattest.DecodeAttestationObject([]byte{0xff, 0x00, 0x13, 0x37})
	require.ErrorIs(t, err, appattest.ErrMalformedCBOR)
}

func TestDecodeAssertionEnvelopeRejectsGarbage(t *testing.T) {
	_, err := appattest.DecodeAssertionEnvelope([]byte{0xff, 0xff})
	require.ErrorIs(t, err, appattest.ErrMalformedCBOR)
}
