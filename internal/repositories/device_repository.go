package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"

	"github.com/figamore/app-attest-server/internal/models"
	"github.com/figamore/app-attest-server/internal/utils"
)

// DeviceRepository is the store capability behind the nonce oracle and
// the two verification ceremonies.
//
// AdvanceCounter is a guarded compare-and-swap: of two concurrent
// assertions observing the same counter, exactly one succeeds.
type DeviceRepository interface {
	// UpsertNonce creates the device row on first use and replaces any
	// previously issued nonce (the old one is thereby invalidated).
	UpsertNonce(ctx context.Context, deviceID, nonce string) error

	// GetByDeviceID returns nil, nil when the device is unknown.
	GetByDeviceID(ctx context.Context, deviceID string) (*models.DeviceRecord, error)

	// LookupByKeyAndDevice returns nil, nil when no row matches both keys.
	LookupByKeyAndDevice(ctx context.Context, keyID, deviceID string) (*models.DeviceRecord, error)

	// UpsertAttestation binds keyID and publicKeyPEM to the device,
	// consumes the pending nonce and resets the counter to 0.
	UpsertAttestation(ctx context.Context, deviceID, keyID, publicKeyPEM string) error

	// AdvanceCounter moves the counter from `from` to `to` for keyID.
	// Returns false when the stored value advanced in the interim.
	AdvanceCounter(ctx context.Context, keyID string, from, to uint32) (bool, error)

	// ClearStaleNonces drops challenges last touched before cutoff.
	ClearStaleNonces(ctx context.Context, cutoff time.Time) (int64, error)
}

type deviceRepo struct {
	db DB
}

func NewDeviceRepository(db DB) DeviceRepository {
	return &deviceRepo{db: db}
}

const baseSelectDevice = `
SELECT id, device_id, key_id, nonce, public_key, counter, created_at, updated_at
FROM attestations
`

func (r *deviceRepo) UpsertNonce(ctx context.Context, deviceID, nonce string) error {
	q := `
INSERT INTO attestations (id, device_id, nonce, counter, created_at, updated_at)
VALUES ($1, $2, $3, 0, NOW(), NOW())
ON CONFLICT (device_id)
DO UPDATE SET nonce = EXCLUDED.nonce, updated_at = NOW()
`
	_, err := r.db.Exec(ctx, q, uuid.New(), deviceID, nonce)
	return err
}

func (r *deviceRepo) GetByDeviceID(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	row := r.db.QueryRow(ctx, baseSelectDevice+" WHERE device_id=$1", deviceID)
	return scanDevice(row)
}

func (r *deviceRepo) LookupByKeyAndDevice(ctx context.Context, keyID, deviceID string) (*models.DeviceRecord, error) {
	row := r.db.QueryRow(ctx, baseSelectDevice+" WHERE key_id=$1 AND device_id=$2", keyID, deviceID)
	return scanDevice(row)
}

func (r *deviceRepo) UpsertAttestation(ctx context.Context, deviceID, keyID, publicKeyPEM string) error {
	q := `
UPDATE attestations
SET key_id=$2, public_key=$3, nonce=NULL, counter=0, updated_at=NOW()
WHERE device_id=$1
`
	tag, err := r.db.Exec(ctx, q, deviceID, keyID, publicKeyPEM)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return utils.ErrKeyAlreadyBound
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *deviceRepo) AdvanceCounter(ctx context.Context, keyID string, from, to uint32) (bool, error) {
	q := `
UPDATE attestations
SET counter=$3, updated_at=NOW()
WHERE key_id=$1 AND counter=$2
`
	tag, err := r.db.Exec(ctx, q, keyID, int64(from), int64(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *deviceRepo) ClearStaleNonces(ctx context.Context, cutoff time.Time) (int64, error) {
	q := `
UPDATE attestations
SET nonce=NULL, updated_at=NOW()
WHERE nonce IS NOT NULL AND updated_at < $1
`
	tag, err := r.db.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanDevice(row pgx.Row) (*models.DeviceRecord, error) {
	var (
		d       models.DeviceRecord
		keyID   pgtype.Text
		nonce   pgtype.Text
		pubKey  pgtype.Text
		counter int64
	)
	err := row.Scan(&d.ID, &d.DeviceID, &keyID, &nonce, &pubKey, &counter, &d.CreatedAt, &d.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if keyID.Status == pgtype.Present {
		d.KeyID = keyID.String
	}
	if nonce.Status == pgtype.Present {
		d.Nonce = nonce.String
	}
	if pubKey.Status == pgtype.Present {
		d.PublicKeyPEM = pubKey.String
	}
	d.Counter = uint32(counter)
	return &d, nil
}
