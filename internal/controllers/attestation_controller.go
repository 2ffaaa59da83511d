package controllers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/figamore/app-attest-server/internal/dtos"
	"github.com/figamore/app-attest-server/internal/middleware"
	"github.com/figamore/app-attest-server/internal/services"
	"github.com/figamore/app-attest-server/internal/utils"
)

type AttestationController struct {
	svc services.AttestationService
}

func NewAttestationController(svc services.AttestationService) *AttestationController {
	return &AttestationController{svc: svc}
}

var attestValidate = validator.New()

// IssueNonce hands out a fresh challenge for the device named in the
// device-id header. Re-requesting replaces the previous challenge.
func (c *AttestationController) IssueNonce(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get(middleware.HeaderDeviceID)

	nonce, err := c.svc.IssueNonce(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, utils.ErrDeviceIDInvalid) {
			utils.RespondErrorWithCode(
				w, http.StatusBadRequest, utils.ErrCodeValidation,
				"Missing or invalid device-id header", nil, err,
			)
			return
		}
		utils.RespondErrorWithCode(
			w, http.StatusInternalServerError, utils.ErrCodeInternal,
			"Failed to issue challenge", nil, err,
		)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, dtos.NonceResponse{Nonce: nonce})
}

// RegisterAttestation runs the attestation ceremony for the pending
// nonce and binds the attested key to the device.
func (c *AttestationController) RegisterAttestation(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get(middleware.HeaderDeviceID)

	var req dtos.RegisterAttestationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondErrorWithCode(
			w, http.StatusBadRequest, utils.ErrCodeInvalidPayload, "Invalid payload", nil, err,
		)
		return
	}
	if err := attestValidate.Struct(req); err != nil {
		utils.RespondErrorWithCode(
			w, http.StatusBadRequest, utils.ErrCodeValidation, "Invalid attestation payload", nil, err,
		)
		return
	}

	if err := c.svc.RegisterAttestation(r.Context(), deviceID, req.KeyID, req.AttestationObject); err != nil {
		respondRegistrationError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, struct{}{})
}

// Heartbeat sits behind the assertion middleware and echoes the
// verified identity, so clients can validate their assertion wiring.
func (c *AttestationController) Heartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID, _ := r.Context().Value(utils.CtxKeyDeviceID).(string)
	counter, _ := r.Context().Value(utils.CtxKeyCounter).(uint32)

	utils.RespondWithJSON(w, http.StatusOK, dtos.HeartbeatResponse{
		DeviceID: deviceID,
		Counter:  counter,
	})
}

func respondRegistrationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, utils.ErrDeviceIDInvalid), errors.Is(err, utils.ErrInvalidInput):
		utils.RespondErrorWithCode(
			w, http.StatusBadRequest, utils.ErrCodeValidation,
			"Invalid attestation payload", nil, err,
		)
	case errors.Is(err, utils.ErrNoPendingNonce):
		utils.RespondErrorWithCode(
			w, http.StatusBadRequest, utils.ErrCodeAttestationFailed,
			"No challenge pending for this device", nil, err,
		)
	case errors.Is(err, utils.ErrStorage):
		utils.RespondErrorWithCode(
			w, http.StatusInternalServerError, utils.ErrCodeInternal,
			"Attestation registration unavailable", nil, err,
		)
	default:
		// Covers every verification reason plus a key id already bound
		// elsewhere. Specific reason is logged, response stays generic.
		utils.RespondErrorWithCode(
			w, http.StatusBadRequest, utils.ErrCodeAttestationFailed,
			"Device attestation failed", nil, err,
		)
	}
}
