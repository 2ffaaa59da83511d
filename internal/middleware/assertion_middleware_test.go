package middleware_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

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

type protectedHarness struct {
	server *httptest.Server
	svc    services.AttestationService
	device *testhelpers.TestDevice
}

func newProtectedHarness(t *testing.T) *protectedHarness {
	t.Helper()

	device := testhelpers.NewTestDevice(t, testTeamID, testBundleID)
	repo := repositories.NewMemoryDeviceRepository()
	svc := services.NewAttestationService(repo, device.NewVerifier())

	router := mux.NewRouter()
	protected := router.NewRoute().Subrouter()
	protected.Use(middleware.AssertionMiddleware(svc))
	protected.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		deviceID, _ := r.Context().Value(utils.CtxKeyDeviceID).(string)
		counter, _ := r.Context().Value(utils.CtxKeyCounter).(uint32)
		utils.RespondWithJSON(w, http.StatusOK, map[string]any{
			"deviceId": deviceID,
			"counter":  counter,
		})
	}).Methods("POST")

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &protectedHarness{server: server, svc: svc, device: device}
}

func (h *protectedHarness) register(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	nonce, err := h.svc.IssueNonce(ctx, testDeviceID)
	require.NoError(t, err)
	err = h.svc.RegisterAttestation(ctx, testDeviceID, h.device.KeyIDB64, h.device.AttestationObjectB64(t, nonce))
	require.NoError(t, err)
}

func (h *protectedHarness) assertedRequest(t *testing.T, counter uint32, clientData map[string]string, inputs string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/echo", nil)
	require.NoError(t, err)

	req.Header.Set(middleware.HeaderDeviceID, testDeviceID)
	req.Header.Set(middleware.HeaderKeyID, h.device.KeyIDB64)
	req.Header.Set(middleware.HeaderSignature, h.device.SignAssertion(t, clientData, counter))
	req.Header.Set(middleware.HeaderNonce, fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set(middleware.HeaderAssertionInputs, inputs)
	for k, v := range clientData {
		req.Header.Set(k, v)
	}
	return req
}

func doJSON(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestAssertionMiddlewareHappyPath(t *testing.T) {
	h := newProtectedHarness(t)
	h.register(t)

	clientData := map[string]string{"user-id": "u1", "client-type": "ios"}
	status, body := doJSON(t, h.assertedRequest(t, 1, clientData, "user-id;client-type"))

	require.Equal(t, http.StatusOK, status)
	require.Equal(t, testDeviceID, body["deviceId"])
	require.Equal(t, float64(1), body["counter"])
}

func TestAssertionMiddlewareReplayRejected(t *testing.T) {
	h := newProtectedHarness(t)
	h.register(t)

	clientData := map[string]string{"user-id": "u1"}
	sig := h.device.SignAssertion(t, clientData, 1)

	mkReq := func() *http.Request {
		req := h.assertedRequest(t, 1, clientData, "user-id")
		req.Header.Set(middleware.HeaderSignature, sig)
		return req
	}

	status, _ := doJSON(t, mkReq())
	require.Equal(t, http.StatusOK, status)

	status, body := doJSON(t, mkReq())
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, utils.ErrCodeAssertionFailed, body["code"])
}

func TestAssertionMiddlewareUnknownKeyIs422(t *testing.T) {
	h := newProtectedHarness(t)
	// never registered

	clientData := map[string]string{"user-id": "u1"}
	status, body := doJSON(t, h.assertedRequest(t, 1, clientData, "user-id"))

	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, utils.ErrCodeKeyNotFoundForAssertion, body["code"])
}

func TestAssertionMiddlewareMissingHeaders(t *testing.T) {
	h := newProtectedHarness(t)
	h.register(t)

	req := h.assertedRequest(t, 1, map[string]string{"user-id": "u1"}, "user-id")
	req.Header.Del(middleware.HeaderSignature)

	status, body := doJSON(t, req)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, utils.ErrCodeInvalidPayload, body["code"])
}

func TestAssertionMiddlewareBadInputNames(t *testing.T) {
	h := newProtectedHarness(t)
	h.register(t)

	// uppercase / underscore names violate the header-name contract
	req := h.assertedRequest(t, 1, map[string]string{"user-id": "u1"}, "User_ID")
	status, body := doJSON(t, req)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, utils.ErrCodeInvalidPayload, body["code"])

	// a named header that is absent from the request
	req = h.assertedRequest(t, 1, map[string]string{"user-id": "u1"}, "user-id;missing-header")
	status, body = doJSON(t, req)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, utils.ErrCodeInvalidPayload, body["code"])
}

func TestAssertionMiddlewareStaleNonceHeader(t *testing.T) {
	h := newProtectedHarness(t)
	h.register(t)

	req := h.assertedRequest(t, 1, map[string]string{"user-id": "u1"}, "user-id")
	req.Header.Set(middleware.HeaderNonce, fmt.Sprintf("%d", time.Now().Add(-10*time.Minute).Unix()))

	status, body := doJSON(t, req)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, utils.ErrCodeAssertionFailed, body["code"])
}
