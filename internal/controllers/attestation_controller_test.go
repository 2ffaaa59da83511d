package controllers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/figamore/app-attest-server/internal/controllers"
	"github.com/figamore/app-attest-server/internal/dtos"
	"github.com/figamore/app-attest-server/internal/middleware"
	"github.com/figamore/app-attest-server/internal/repositories"
	"github.com/figamore/app-attest-server/internal/services"
	"github.com/figamore/app-attest-server/internal/testhelpers"
	"github.com/figamore/app-attest-server/internal/utils"
)

const (
	testTeamID   = "ABCDE12345"
	testBundleID = "com.example.app"
	testDeviceID = "device-0001"
)

func newAttestServer(t *testing.T) (*httptest.Server, *testhelpers.TestDevice) {
	t.Helper()

	device := testhelpers.NewTestDevice(t, testTeamID, testBundleID)
	repo := repositories.NewMemoryDeviceRepository()
	svc := services.NewAttestationService(repo, device.NewVerifier())
	controller := controllers.NewAttestationController(svc)

	router := mux.NewRouter()
	router.HandleFunc("/attest/v1/nonce", controller.IssueNonce).Methods("POST")
	router.HandleFunc("/attest/v1/attestation", controller.RegisterAttestation).Methods("POST")

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, device
}

func fetchNonce(t *testing.T, server *httptest.Server, deviceID string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, server.URL+"/attest/v1/nonce", nil)
	require.NoError(t, err)
	if deviceID != "" {
		req.Header.Set(middleware.HeaderDeviceID, deviceID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var nr dtos.NonceResponse
	_ = json.NewDecoder(resp.Body).Decode(&nr)
	return resp.StatusCode, nr.Nonce
}

func postAttestation(t *testing.T, server *httptest.Server, deviceID string, body dtos.RegisterAttestationRequest) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/attest/v1/attestation", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderDeviceID, deviceID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func TestNonceEndpoint(t *testing.T) {
	server, _ := newAttestServer(t)

	status, _ := fetchNonce(t, server, "")
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = fetchNonce(t, server, "bad id!")
	require.Equal(t, http.StatusBadRequest, status)

	status, nonce := fetchNonce(t, server, testDeviceID)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, nonce)

	// idempotent per device, fresh value each time
	status, second := fetchNonce(t, server, testDeviceID)
	require.Equal(t, http.StatusOK, status)
	require.NotEqual(t, nonce, second)
}

func TestRegistrationEndpointHappyPath(t *testing.T) {
	server, device := newAttestServer(t)

	status, nonce := fetchNonce(t, server, testDeviceID)
	require.Equal(t, http.StatusOK, status)

	status, body := postAttestation(t, server, testDeviceID, dtos.RegisterAttestationRequest{
		KeyID:             device.KeyIDB64,
		AttestationObject: device.AttestationObjectB64(t, nonce),
	})
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, body)
}

func TestRegistrationEndpointRejectsBadPayload(t *testing.T) {
	server, device := newAttestServer(t)

	status, nonce := fetchNonce(t, server, testDeviceID)
	require.Equal(t, http.StatusOK, status)

	// malformed key id fails DTO validation
	status, body := postAttestation(t, server, testDeviceID, dtos.RegisterAttestationRequest{
		KeyID:             "tiny",
		AttestationObject: device.AttestationObjectB64(t, nonce),
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, utils.ErrCodeValidation, body["code"])
}

func TestRegistrationEndpointTamperedNonce(t *testing.T) {
	server, device := newAttestServer(t)

	status, _ := fetchNonce(t, server, testDeviceID)
	require.Equal(t, http.StatusOK, status)

	status, body := postAttestation(t, server, testDeviceID, dtos.RegisterAttestationRequest{
		KeyID:             device.KeyIDB64,
		AttestationObject: device.AttestationObjectB64(t, "d29ybGQ="),
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, utils.ErrCodeAttestationFailed, body["code"])

	// generic message, no verification oracle
	require.Equal(t, "Device attestation failed", body["message"])
}

func TestRegistrationEndpointWithoutNonce(t *testing.T) {
	server, device := newAttestServer(t)

	status, body := postAttestation(t, server, testDeviceID, dtos.RegisterAttestationRequest{
		KeyID:             device.KeyIDB64,
		AttestationObject: device.AttestationObjectB64(t, "bm9uY2U="),
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, utils.ErrCodeAttestationFailed, body["code"])
}
