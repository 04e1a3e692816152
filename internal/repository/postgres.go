package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cropwatch/device-auth/internal/domain"
)

// Compile-time interface assertions.
var _ CredentialStore = (*PostgresStore)(nil)

const pgUniqueViolation = "23505"

// PostgresStore implements CredentialStore on a pgx pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

// Migrate creates the tables when they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl, err := schema("postgres.sql")
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

const selectDeviceSQL = `SELECT id, name, plant_id, crop_id, status, mac_address, data_collection_minutes, created_at, updated_at
FROM devices WHERE id = $1`

func (s *PostgresStore) GetDevice(ctx context.Context, deviceID int64) (domain.Device, error) {
	device, err := scanPGDevice(s.db.QueryRow(ctx, selectDeviceSQL, deviceID))
	if err != nil {
		return domain.Device{}, fmt.Errorf("get device: %w", err)
	}
	return device, nil
}

func (s *PostgresStore) DeactivateDevice(ctx context.Context, deviceID int64, rev domain.Revocation) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := lockPGDevice(ctx, tx, deviceID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE devices SET status = $2, updated_at = $3 WHERE id = $1`,
			deviceID, string(domain.DeviceStatusInactive), rev.At); err != nil {
			return err
		}
		return revokeActivePG(ctx, tx, deviceID, rev)
	})
	if err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}
	return nil
}

const insertDeviceSQL = `INSERT INTO devices (name, plant_id, crop_id, status, mac_address, data_collection_minutes, created_at, updated_at)
VALUES ($1, $2, $3, $4, NULL, $5, $6, $6)
RETURNING id`

const insertCodeSQL = `INSERT INTO activation_codes (device_id, code_hash, status, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`

func (s *PostgresStore) Provision(ctx context.Context, device domain.Device, code domain.ActivationCode) (domain.Device, domain.ActivationCode, error) {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, insertDeviceSQL,
			device.Name,
			device.PlantID,
			device.CropID,
			string(domain.DeviceStatusPendingActivation),
			device.DataCollectionMinutes,
			device.CreatedAt,
		).Scan(&device.ID); err != nil {
			return err
		}
		code.DeviceID = device.ID
		code.Status = domain.ActivationPending
		return tx.QueryRow(ctx, insertCodeSQL,
			code.DeviceID, code.CodeHash, string(code.Status), code.CreatedAt, code.ExpiresAt,
		).Scan(&code.ID)
	})
	if err != nil {
		return domain.Device{}, domain.ActivationCode{}, fmt.Errorf("provision device: %w", err)
	}
	device.Status = domain.DeviceStatusPendingActivation
	device.UpdatedAt = device.CreatedAt
	return device, code, nil
}

const selectPendingCodeSQL = `SELECT id, device_id, code_hash, status, created_at, expires_at, activated_at
FROM activation_codes
WHERE device_id = $1 AND status = 'PENDING'
ORDER BY created_at DESC, id DESC
LIMIT 1`

func (s *PostgresStore) GetPendingCode(ctx context.Context, deviceID int64) (domain.ActivationCode, error) {
	var (
		code   domain.ActivationCode
		status string
	)
	err := s.db.QueryRow(ctx, selectPendingCodeSQL, deviceID).Scan(
		&code.ID, &code.DeviceID, &code.CodeHash, &status, &code.CreatedAt, &code.ExpiresAt, &code.ActivatedAt,
	)
	if err != nil {
		return domain.ActivationCode{}, fmt.Errorf("get pending code: %w", mapPGError(err))
	}
	code.Status = domain.ActivationStatus(status)
	return code, nil
}

func (s *PostgresStore) Activate(ctx context.Context, a domain.Activation) (domain.DeviceToken, error) {
	issued := a.Token
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := lockPGDevice(ctx, tx, a.DeviceID); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `UPDATE activation_codes SET status = 'COMPLETED', activated_at = $3
WHERE id = $1 AND device_id = $2 AND status = 'PENDING'`, a.CodeID, a.DeviceID, a.ActivatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrConcurrentStateConflict
		}

		var owner int64
		err = tx.QueryRow(ctx, `SELECT id FROM devices WHERE mac_address = $1 AND id <> $2`, a.MACAddress, a.DeviceID).Scan(&owner)
		switch {
		case err == nil:
			return domain.ErrMACInUse
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE devices SET mac_address = $2, status = $3, updated_at = $4 WHERE id = $1`,
			a.DeviceID, a.MACAddress, string(domain.DeviceStatusActive), a.ActivatedAt); err != nil {
			return mapMACViolation(err)
		}

		issued, err = issuePG(ctx, tx, a.Token, a.ActivatedAt)
		return err
	})
	if err != nil {
		return domain.DeviceToken{}, fmt.Errorf("activate device: %w", err)
	}
	return issued, nil
}

func (s *PostgresStore) ReplaceCode(ctx context.Context, code domain.ActivationCode) (domain.ActivationCode, error) {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM devices WHERE id = $1 FOR UPDATE`, code.DeviceID).Scan(&status); err != nil {
			return mapPGError(err)
		}
		if domain.DeviceStatus(status) == domain.DeviceStatusActive {
			return domain.ErrDeviceAlreadyActive
		}
		if _, err := tx.Exec(ctx, `UPDATE activation_codes SET status = 'EXPIRED' WHERE device_id = $1 AND status = 'PENDING'`, code.DeviceID); err != nil {
			return err
		}
		code.Status = domain.ActivationPending
		return tx.QueryRow(ctx, insertCodeSQL,
			code.DeviceID, code.CodeHash, string(code.Status), code.CreatedAt, code.ExpiresAt,
		).Scan(&code.ID)
	})
	if err != nil {
		return domain.ActivationCode{}, fmt.Errorf("replace activation code: %w", err)
	}
	return code, nil
}

func (s *PostgresStore) ExpireCodes(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `UPDATE activation_codes SET status = 'EXPIRED' WHERE status = 'PENDING' AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire activation codes: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) IssueToken(ctx context.Context, t domain.DeviceToken) (domain.DeviceToken, error) {
	var issued domain.DeviceToken
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := lockPGDevice(ctx, tx, t.DeviceID); err != nil {
			return err
		}
		var err error
		issued, err = issuePG(ctx, tx, t, t.CreatedAt)
		return err
	})
	if err != nil {
		return domain.DeviceToken{}, fmt.Errorf("issue token: %w", err)
	}
	return issued, nil
}

func (s *PostgresStore) RotateToken(ctx context.Context, previousID int64, t domain.DeviceToken) (domain.DeviceToken, error) {
	var issued domain.DeviceToken
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := lockPGDevice(ctx, tx, t.DeviceID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE device_tokens SET status = 'REVOKED', revoked_at = $3
WHERE id = $1 AND device_id = $2 AND status = 'ACTIVE'`, previousID, t.DeviceID, t.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrConcurrentStateConflict
		}
		issued, err = issuePG(ctx, tx, t, t.CreatedAt)
		return err
	})
	if err != nil {
		return domain.DeviceToken{}, fmt.Errorf("rotate token: %w", err)
	}
	return issued, nil
}

const selectTokenColumns = `SELECT id, device_id, access_token_digest, refresh_token_digest, access_expires_at, refresh_expires_at,
status, created_at, revoked_at, revoked_by_ip FROM device_tokens`

func (s *PostgresStore) GetByAccessDigest(ctx context.Context, digest string) (domain.DeviceToken, error) {
	t, err := scanPGToken(s.db.QueryRow(ctx, selectTokenColumns+` WHERE access_token_digest = $1`, digest))
	if err != nil {
		return domain.DeviceToken{}, fmt.Errorf("get token by access digest: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) GetByRefreshDigest(ctx context.Context, digest string) (domain.DeviceToken, error) {
	t, err := scanPGToken(s.db.QueryRow(ctx, selectTokenColumns+` WHERE refresh_token_digest = $1`, digest))
	if err != nil {
		return domain.DeviceToken{}, fmt.Errorf("get token by refresh digest: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) RevokeToken(ctx context.Context, tokenID int64, rev domain.Revocation) error {
	tag, err := s.db.Exec(ctx, `UPDATE device_tokens SET status = 'REVOKED', revoked_at = $2, revoked_by_ip = NULLIF($3, '')
WHERE id = $1 AND status = 'ACTIVE'`, tokenID, rev.At, rev.IP)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM device_tokens WHERE id = $1)`, tokenID).Scan(&exists); err != nil {
			return fmt.Errorf("revoke token: %w", err)
		}
		if !exists {
			return fmt.Errorf("revoke token: %w", domain.ErrNotFound)
		}
	}
	return nil
}

// lockPGDevice serializes credential writes for one device.
func lockPGDevice(ctx context.Context, tx pgx.Tx, deviceID int64) error {
	var id int64
	if err := tx.QueryRow(ctx, `SELECT id FROM devices WHERE id = $1 FOR UPDATE`, deviceID).Scan(&id); err != nil {
		return mapPGError(err)
	}
	return nil
}

func revokeActivePG(ctx context.Context, tx pgx.Tx, deviceID int64, rev domain.Revocation) error {
	_, err := tx.Exec(ctx, `UPDATE device_tokens SET status = 'REVOKED', revoked_at = $2, revoked_by_ip = NULLIF($3, '')
WHERE device_id = $1 AND status = 'ACTIVE'`, deviceID, rev.At, rev.IP)
	return err
}

const insertTokenSQL = `INSERT INTO device_tokens (device_id, access_token_digest, refresh_token_digest, access_expires_at, refresh_expires_at, status, created_at)
VALUES ($1, $2, $3, $4, $5, 'ACTIVE', $6)
RETURNING id`

func issuePG(ctx context.Context, tx pgx.Tx, t domain.DeviceToken, now time.Time) (domain.DeviceToken, error) {
	if err := revokeActivePG(ctx, tx, t.DeviceID, domain.Revocation{At: now}); err != nil {
		return domain.DeviceToken{}, err
	}
	t.Status = domain.TokenActive
	t.CreatedAt = now
	if err := tx.QueryRow(ctx, insertTokenSQL,
		t.DeviceID, t.AccessTokenDigest, t.RefreshTokenDigest, t.AccessExpiresAt, t.RefreshExpiresAt, t.CreatedAt,
	).Scan(&t.ID); err != nil {
		return domain.DeviceToken{}, err
	}
	return t, nil
}

func scanPGDevice(row pgx.Row) (domain.Device, error) {
	var (
		d       domain.Device
		status  string
		minutes int32
	)
	if err := row.Scan(&d.ID, &d.Name, &d.PlantID, &d.CropID, &status, &d.MACAddress, &minutes, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return domain.Device{}, mapPGError(err)
	}
	d.Status = domain.DeviceStatus(status)
	d.DataCollectionMinutes = int(minutes)
	return d, nil
}

func scanPGToken(row pgx.Row) (domain.DeviceToken, error) {
	var (
		t      domain.DeviceToken
		status string
	)
	if err := row.Scan(
		&t.ID,
		&t.DeviceID,
		&t.AccessTokenDigest,
		&t.RefreshTokenDigest,
		&t.AccessExpiresAt,
		&t.RefreshExpiresAt,
		&status,
		&t.CreatedAt,
		&t.RevokedAt,
		&t.RevokedByIP,
	); err != nil {
		return domain.DeviceToken{}, mapPGError(err)
	}
	t.Status = domain.TokenStatus(status)
	return t, nil
}

func mapPGError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func mapMACViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return domain.ErrMACInUse
	}
	return err
}
