package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"

	"github.com/figamore/app-attest-server/internal/models"
	"github.com/figamore/app-attest-server/internal/utils"
)

// memoryDeviceRepo mirrors the SQL semantics in process memory. Used by
// the test suites and usable as a throwaway store in dev.
type memoryDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]*models.DeviceRecord // by device id
	keys    map[string]string               // key id -> device id
}

func NewMemoryDeviceRepository() DeviceRepository {
	return &memoryDeviceRepo{
		devices: make(map[string]*models.DeviceRecord),
		keys:    make(map[string]string),
	}
}

func (r *memoryDeviceRepo) UpsertNonce(ctx context.Context, deviceID, nonce string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if d, ok := r.devices[deviceID]; ok {
		d.Nonce = nonce
		d.UpdatedAt = now
		return nil
	}
	r.devices[deviceID] = &models.DeviceRecord{
		ID:        uuid.New(),
		DeviceID:  deviceID,
		Nonce:     nonce,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (r *memoryDeviceRepo) GetByDeviceID(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (r *memoryDeviceRepo) LookupByKeyAndDevice(ctx context.Context, keyID, deviceID string) (*models.DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok || d.KeyID != keyID {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (r *memoryDeviceRepo) UpsertAttestation(ctx context.Context, deviceID, keyID, publicKeyPEM string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return pgx.ErrNoRows
	}
	if owner, claimed := r.keys[keyID]; claimed && owner != deviceID {
		return utils.ErrKeyAlreadyBound
	}
	if d.KeyID != "" && d.KeyID != keyID {
		delete(r.keys, d.KeyID)
	}
	d.KeyID = keyID
	d.PublicKeyPEM = publicKeyPEM
	d.Nonce = ""
	d.Counter = 0
	d.UpdatedAt = time.Now()
	r.keys[keyID] = deviceID
	return nil
}

func (r *memoryDeviceRepo) AdvanceCounter(ctx context.Context, keyID string, from, to uint32) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deviceID, ok := r.keys[keyID]
	if !ok {
		return false, nil
	}
	d := r.devices[deviceID]
	if d.Counter != from {
		return false, nil
	}
	d.Counter = to
	d.UpdatedAt = time.Now()
	return true, nil
}

func (r *memoryDeviceRepo) ClearStaleNonces(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, d := range r.devices {
		if d.Nonce != "" && d.UpdatedAt.Before(cutoff) {
			d.Nonce = ""
			d.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}
