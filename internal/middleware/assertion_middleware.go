package middleware

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/figamore/app-attest-server/internal/services"
	"github.com/figamore/app-attest-server/internal/utils"
)

const (
	HeaderDeviceID        = "device-id"
	HeaderKeyID           = "key-id"
	HeaderSignature       = "signature"
	HeaderNonce           = "nonce"
	HeaderAssertionInputs = "assertion-inputs"

	maxAssertionInputs = 20
)

var assertionInputRegex = regexp.MustCompile(`^[a-z0-9-]{1,50}$`)

// AssertionMiddleware guards application routes with App Attest
// assertions. It rebuilds the signed payload from the headers named in
// assertion-inputs, hands verification to the service, and on success
// stores the verified device id and accepted counter in the request
// context. ErrNoKeyForDevice maps to 422 so the client knows to
// re-attest; every other verification failure is a generic 400.
func AssertionMiddleware(svc services.AttestationService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID := r.Header.Get(HeaderDeviceID)
			keyID := r.Header.Get(HeaderKeyID)
			signature := r.Header.Get(HeaderSignature)
			nonce := r.Header.Get(HeaderNonce)

			if deviceID == "" || keyID == "" || signature == "" || nonce == "" {
				utils.RespondErrorWithCode(
					w, http.StatusBadRequest, utils.ErrCodeInvalidPayload,
					"Missing assertion headers", nil,
				)
				return
			}

			clientData, ok := collectAssertionInputs(w, r)
			if !ok {
				return
			}

			newCounter, err := svc.VerifyAssertion(r.Context(), services.AssertionRequest{
				DeviceID:    deviceID,
				KeyID:       keyID,
				Signature:   signature,
				NonceHeader: nonce,
				ClientData:  clientData,
			})
			if err != nil {
				respondAssertionError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), utils.CtxKeyDeviceID, deviceID)
			ctx = context.WithValue(ctx, utils.CtxKeyCounter, newCounter)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func collectAssertionInputs(w http.ResponseWriter, r *http.Request) (map[string]string, bool) {
	clientData := make(map[string]string)

	raw := strings.TrimSpace(r.Header.Get(HeaderAssertionInputs))
	if raw == "" {
		return clientData, true
	}

	names := strings.Split(raw, ";")
	if len(names) > maxAssertionInputs {
		utils.RespondErrorWithCode(
			w, http.StatusBadRequest, utils.ErrCodeInvalidPayload,
			"Too many assertion inputs", nil,
		)
		return nil, false
	}
	for _, name := range names {
		if !assertionInputRegex.MatchString(name) {
			utils.RespondErrorWithCode(
				w, http.StatusBadRequest, utils.ErrCodeInvalidPayload,
				"Invalid assertion input name", nil,
			)
			return nil, false
		}
		val := r.Header.Get(name)
		if val == "" {
			utils.RespondErrorWithCode(
				w, http.StatusBadRequest, utils.ErrCodeInvalidPayload,
				"Missing header named in assertion-inputs", nil,
			)
			return nil, false
		}
		clientData[name] = val
	}
	return clientData, true
}

func respondAssertionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, utils.ErrNoKeyForDevice):
		utils.RespondErrorWithCode(
			w, http.StatusUnprocessableEntity, utils.ErrCodeKeyNotFoundForAssertion,
			"App Attest key not found; re-attestation required", nil, err,
		)
	case errors.Is(err, utils.ErrDeviceIDInvalid), errors.Is(err, utils.ErrInvalidInput):
		utils.RespondErrorWithCode(
			w, http.StatusBadRequest, utils.ErrCodeInvalidPayload,
			"Invalid assertion headers", nil, err,
		)
	case errors.Is(err, utils.ErrStorage):
		utils.RespondErrorWithCode(
			w, http.StatusInternalServerError, utils.ErrCodeInternal,
			"Assertion verification unavailable", nil, err,
		)
	default:
		// Specific reason stays in the logs; clients get no oracle.
		utils.RespondErrorWithCode(
			w, http.StatusBadRequest, utils.ErrCodeAssertionFailed,
			"Device assertion failed", nil, err,
		)
	}
}
