package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/figamore/app-attest-server/internal/appattest"
	"github.com/figamore/app-attest-server/internal/repositories"
	"github.com/figamore/app-attest-server/internal/utils"
)

const (
	challengeBytes = 32

	// Attestation objects outside these bounds are rejected before any
	// CBOR work happens.
	minAttestationSize = 100
	maxAttestationSize = 10000

	// Assertion nonce header tolerance: small future skew, bounded age.
	assertionMaxSkew = 60 * time.Second
	assertionMaxAge  = 300 * time.Second
)

var (
	deviceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9-]{8,64}$`)
	keyIDRegex    = regexp.MustCompile(`^[A-Za-z0-9+/]{43}=$`)
)

// AssertionRequest carries one assertion-protected request's headers.
// ClientData maps the lowercased signed header names to their values.
type AssertionRequest struct {
	DeviceID    string
	KeyID       string
	Signature   string
	NonceHeader string
	ClientData  map[string]string
}

// AttestationService owns the per-device state machine:
// nonce -> attested key -> monotonic counter.
type AttestationService interface {
	// IssueNonce creates or refreshes the device's challenge. A second
	// request replaces (and thereby invalidates) the first.
	IssueNonce(ctx context.Context, deviceID string) (string, error)

	// RegisterAttestation runs the attestation ceremony against the
	// pending nonce and binds the attested key to the device.
	RegisterAttestation(ctx context.Context, deviceID, keyID, attestationB64 string) error

	// VerifyAssertion proves possession of the attested key and advances
	// the counter. Returns the accepted counter value.
	VerifyAssertion(ctx context.Context, req AssertionRequest) (uint32, error)
}

type attestationService struct {
	repo     repositories.DeviceRepository
	verifier *appattest.Verifier
	now      func() time.Time
}

func NewAttestationService(repo repositories.DeviceRepository, verifier *appattest.Verifier) AttestationService {
	return &attestationService{
		repo:     repo,
		verifier: verifier,
		now:      time.Now,
	}
}

func (s *attestationService) IssueNonce(ctx context.Context, deviceID string) (string, error) {
	if !deviceIDRegex.MatchString(deviceID) {
		return "", utils.ErrDeviceIDInvalid
	}

	nonce, err := utils.RandomChallenge(challengeBytes)
	if err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}

	if err := s.repo.UpsertNonce(ctx, deviceID, nonce); err != nil {
		utils.Logger.WithError(err).Error("[Attestation] failed to persist nonce")
		return "", fmt.Errorf("%w: %v", utils.ErrStorage, err)
	}

	utils.Logger.Debugf("[Attestation] issued nonce for device %s", deviceID)
	return nonce, nil
}

func (s *attestationService) RegisterAttestation(ctx context.Context, deviceID, keyID, attestationB64 string) error {
	if !deviceIDRegex.MatchString(deviceID) {
		return utils.ErrDeviceIDInvalid
	}
	if !keyIDRegex.MatchString(keyID) {
		return utils.ErrInvalidInput
	}
	if raw, err := base64.StdEncoding.DecodeString(keyID); err != nil || len(raw) != 32 {
		return utils.ErrInvalidInput
	}

	attBytes, err := utils.DecodeFlexB64(attestationB64)
	if err != nil {
		return utils.ErrInvalidInput
	}
	if len(attBytes) < minAttestationSize || len(attBytes) > maxAttestationSize {
		return utils.ErrInvalidInput
	}

	row, err := s.repo.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("%w: %v", utils.ErrStorage, err)
	}
	if row == nil || row.Nonce == "" {
		return utils.ErrNoPendingNonce
	}

	publicKeyPEM, err := s.verifier.VerifyAttestation(row.Nonce, keyID, attBytes)
	if err != nil {
		utils.Logger.WithError(err).Warnf("[Attestation] attestation rejected for device %s", deviceID)
		return err
	}

	if err := s.repo.UpsertAttestation(ctx, deviceID, keyID, publicKeyPEM); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return utils.ErrNoPendingNonce
		}
		if errors.Is(err, utils.ErrKeyAlreadyBound) {
			utils.Logger.Warnf("[Attestation] key id already bound to another device (device %s)", deviceID)
			return err
		}
		return fmt.Errorf("%w: %v", utils.ErrStorage, err)
	}

	utils.Logger.Infof("[Attestation] device %s registered key", deviceID)
	return nil
}

func (s *attestationService) VerifyAssertion(ctx context.Context, req AssertionRequest) (uint32, error) {
	if !deviceIDRegex.MatchString(req.DeviceID) {
		return 0, utils.ErrDeviceIDInvalid
	}
	if !keyIDRegex.MatchString(req.KeyID) {
		return 0, utils.ErrInvalidInput
	}

	if err := s.checkNonceAge(req.NonceHeader); err != nil {
		return 0, err
	}

	row, err := s.repo.LookupByKeyAndDevice(ctx, req.KeyID, req.DeviceID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", utils.ErrStorage, err)
	}
	if row == nil || !row.Attested() {
		return 0, utils.ErrNoKeyForDevice
	}

	newCounter, err := s.verifier.VerifyAssertion(req.Signature, req.ClientData, row.PublicKeyPEM, row.Counter)
	if err != nil {
		utils.Logger.WithError(err).Warnf("[Attestation] assertion rejected for device %s", req.DeviceID)
		return 0, err
	}

	ok, err := s.repo.AdvanceCounter(ctx, req.KeyID, row.Counter, newCounter)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", utils.ErrStorage, err)
	}
	if !ok {
		// Lost the race: the stored counter advanced in the interim.
		return 0, appattest.ErrCounterRegression
	}

	return newCounter, nil
}

// checkNonceAge defeats replay of captured signed headers: the nonce
// header carries the client's Unix second and must be near current time.
func (s *attestationService) checkNonceAge(header string) error {
	ts, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return utils.ErrInvalidInput
	}
	now := s.now()
	sent := time.Unix(ts, 0)
	if sent.After(now.Add(assertionMaxSkew)) {
		return utils.ErrStaleNonce
	}
	if sent.Before(now.Add(-assertionMaxAge)) {
		return utils.ErrStaleNonce
	}
	return nil
}
