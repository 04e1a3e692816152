package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cropwatch/device-auth/internal/domain"
)

var _ CredentialStore = (*SQLiteStore)(nil)

// SQLiteStore implements CredentialStore on an embedded SQLite database for
// single-node gateway deployments. Timestamps are stored as Unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Write transactions take the database lock up front (_txlock=immediate) so
// conditional updates never interleave.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" || strings.HasPrefix(path, "file::memory:") {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	ddl, err := schema("sqlite.sql")
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetDevice(ctx context.Context, deviceID int64) (domain.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, plant_id, crop_id, status, mac_address, data_collection_minutes, created_at, updated_at
FROM devices WHERE id = ?`, deviceID)

	var (
		d                    domain.Device
		status               string
		plantID, cropID      sql.NullInt64
		mac                  sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&d.ID, &d.Name, &plantID, &cropID, &status, &mac, &d.DataCollectionMinutes, &createdAt, &updatedAt); err != nil {
		return domain.Device{}, fmt.Errorf("get device: %w", mapSQLError(err))
	}
	d.Status = domain.DeviceStatus(status)
	d.PlantID = nullInt(plantID)
	d.CropID = nullInt(cropID)
	if mac.Valid {
		v := mac.String
		d.MACAddress = &v
	}
	d.CreatedAt = fromNanos(createdAt)
	d.UpdatedAt = fromNanos(updatedAt)
	return d, nil
}

func (s *SQLiteStore) DeactivateDevice(ctx context.Context, deviceID int64, rev domain.Revocation) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE devices SET status = ?, updated_at = ? WHERE id = ?`,
			string(domain.DeviceStatusInactive), rev.At.UnixNano(), deviceID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		return revokeActiveSQL(ctx, tx, deviceID, rev)
	})
	if err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Provision(ctx context.Context, device domain.Device, code domain.ActivationCode) (domain.Device, domain.ActivationCode, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO devices (name, plant_id, crop_id, status, mac_address, data_collection_minutes, created_at, updated_at)
VALUES (?, ?, ?, ?, NULL, ?, ?, ?)`,
			device.Name, device.PlantID, device.CropID, string(domain.DeviceStatusPendingActivation),
			device.DataCollectionMinutes, device.CreatedAt.UnixNano(), device.CreatedAt.UnixNano())
		if err != nil {
			return err
		}
		if device.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		code.DeviceID = device.ID
		code, err = insertCodeSQLite(ctx, tx, code)
		return err
	})
	if err != nil {
		return domain.Device{}, domain.ActivationCode{}, fmt.Errorf("provision device: %w", err)
	}
	device.Status = domain.DeviceStatusPendingActivation
	device.UpdatedAt = device.CreatedAt
	return device, code, nil
}

func (s *SQLiteStore) GetPendingCode(ctx context.Context, deviceID int64) (domain.ActivationCode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, device_id, code_hash, status, created_at, expires_at, activated_at
FROM activation_codes
WHERE device_id = ? AND status = 'PENDING'
ORDER BY created_at DESC, id DESC
LIMIT 1`, deviceID)

	var (
		code                 domain.ActivationCode
		status               string
		createdAt, expiresAt int64
		activatedAt          sql.NullInt64
	)
	if err := row.Scan(&code.ID, &code.DeviceID, &code.CodeHash, &status, &createdAt, &expiresAt, &activatedAt); err != nil {
		return domain.ActivationCode{}, fmt.Errorf("get pending code: %w", mapSQLError(err))
	}
	code.Status = domain.ActivationStatus(status)
	code.CreatedAt = fromNanos(createdAt)
	code.ExpiresAt = fromNanos(expiresAt)
	if activatedAt.Valid {
		t := fromNanos(activatedAt.Int64)
		code.ActivatedAt = &t
	}
	return code, nil
}

func (s *SQLiteStore) Activate(ctx context.Context, a domain.Activation) (domain.DeviceToken, error) {
	issued := a.Token
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE activation_codes SET status = 'COMPLETED', activated_at = ?
WHERE id = ? AND device_id = ? AND status = 'PENDING'`, a.ActivatedAt.UnixNano(), a.CodeID, a.DeviceID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrConcurrentStateConflict
		}

		var owner int64
		err = tx.QueryRowContext(ctx, `SELECT id FROM devices WHERE mac_address = ? AND id <> ?`, a.MACAddress, a.DeviceID).Scan(&owner)
		switch {
		case err == nil:
			return domain.ErrMACInUse
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE devices SET mac_address = ?, status = ?, updated_at = ? WHERE id = ?`,
			a.MACAddress, string(domain.DeviceStatusActive), a.ActivatedAt.UnixNano(), a.DeviceID); err != nil {
			if isUniqueConstraintErr(err) {
				return domain.ErrMACInUse
			}
			return err
		}

		issued, err = issueSQL(ctx, tx, a.Token, a.ActivatedAt)
		return err
	})
	if err != nil {
		return domain.DeviceToken{}, fmt.Errorf("activate device: %w", err)
	}
	return issued, nil
}

func (s *SQLiteStore) ReplaceCode(ctx context.Context, code domain.ActivationCode) (domain.ActivationCode, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM devices WHERE id = ?`, code.DeviceID).Scan(&status); err != nil {
			return mapSQLError(err)
		}
		if domain.DeviceStatus(status) == domain.DeviceStatusActive {
			return domain.ErrDeviceAlreadyActive
		}
		if _, err := tx.ExecContext(ctx, `UPDATE activation_codes SET status = 'EXPIRED' WHERE device_id = ? AND status = 'PENDING'`, code.DeviceID); err != nil {
			return err
		}
		var err error
		code, err = insertCodeSQLite(ctx, tx, code)
		return err
	})
	if err != nil {
		return domain.ActivationCode{}, fmt.Errorf("replace activation code: %w", err)
	}
	return code, nil
}

func (s *SQLiteStore) ExpireCodes(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE activation_codes SET status = 'EXPIRED' WHERE status = 'PENDING' AND expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("expire activation codes: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) IssueToken(ctx context.Context, t domain.DeviceToken) (domain.DeviceToken, error) {
	var issued domain.DeviceToken
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		issued, err = issueSQL(ctx, tx, t, t.CreatedAt)
		return err
	})
	if err != nil {
		return domain.DeviceToken{}, fmt.Errorf("issue token: %w", err)
	}
	return issued, nil
}

func (s *SQLiteStore) RotateToken(ctx context.Context, previousID int64, t domain.DeviceToken) (domain.DeviceToken, error) {
	var issued domain.DeviceToken
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE device_tokens SET status = 'REVOKED', revoked_at = ?
WHERE id = ? AND device_id = ? AND status = 'ACTIVE'`, t.CreatedAt.UnixNano(), previousID, t.DeviceID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrConcurrentStateConflict
		}
		issued, err = issueSQL(ctx, tx, t, t.CreatedAt)
		return err
	})
	if err != nil {
		return domain.DeviceToken{}, fmt.Errorf("rotate token: %w", err)
	}
	return issued, nil
}

const sqliteTokenColumns = `SELECT id, device_id, access_token_digest, refresh_token_digest, access_expires_at, refresh_expires_at,
status, created_at, revoked_at, revoked_by_ip FROM device_tokens`

func (s *SQLiteStore) GetByAccessDigest(ctx context.Context, digest string) (domain.DeviceToken, error) {
	t, err := scanSQLToken(s.db.QueryRowContext(ctx, sqliteTokenColumns+` WHERE access_token_digest = ?`, digest))
	if err != nil {
		return domain.DeviceToken{}, fmt.Errorf("get token by access digest: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) GetByRefreshDigest(ctx context.Context, digest string) (domain.DeviceToken, error) {
	t, err := scanSQLToken(s.db.QueryRowContext(ctx, sqliteTokenColumns+` WHERE refresh_token_digest = ?`, digest))
	if err != nil {
		return domain.DeviceToken{}, fmt.Errorf("get token by refresh digest: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) RevokeToken(ctx context.Context, tokenID int64, rev domain.Revocation) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM device_tokens WHERE id = ?`, tokenID).Scan(&status); err != nil {
			return mapSQLError(err)
		}
		_, err := tx.ExecContext(ctx, `UPDATE device_tokens SET status = 'REVOKED', revoked_at = ?, revoked_by_ip = NULLIF(?, '')
WHERE id = ? AND status = 'ACTIVE'`, rev.At.UnixNano(), rev.IP, tokenID)
		return err
	})
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func insertCodeSQLite(ctx context.Context, tx *sql.Tx, code domain.ActivationCode) (domain.ActivationCode, error) {
	code.Status = domain.ActivationPending
	res, err := tx.ExecContext(ctx, `INSERT INTO activation_codes (device_id, code_hash, status, created_at, expires_at)
VALUES (?, ?, ?, ?, ?)`, code.DeviceID, code.CodeHash, string(code.Status), code.CreatedAt.UnixNano(), code.ExpiresAt.UnixNano())
	if err != nil {
		return domain.ActivationCode{}, err
	}
	if code.ID, err = res.LastInsertId(); err != nil {
		return domain.ActivationCode{}, err
	}
	return code, nil
}

func revokeActiveSQL(ctx context.Context, tx *sql.Tx, deviceID int64, rev domain.Revocation) error {
	_, err := tx.ExecContext(ctx, `UPDATE device_tokens SET status = 'REVOKED', revoked_at = ?, revoked_by_ip = NULLIF(?, '')
WHERE device_id = ? AND status = 'ACTIVE'`, rev.At.UnixNano(), rev.IP, deviceID)
	return err
}

func issueSQL(ctx context.Context, tx *sql.Tx, t domain.DeviceToken, now time.Time) (domain.DeviceToken, error) {
	if err := revokeActiveSQL(ctx, tx, t.DeviceID, domain.Revocation{At: now}); err != nil {
		return domain.DeviceToken{}, err
	}
	t.Status = domain.TokenActive
	t.CreatedAt = now
	res, err := tx.ExecContext(ctx, `INSERT INTO device_tokens (device_id, access_token_digest, refresh_token_digest, access_expires_at, refresh_expires_at, status, created_at)
VALUES (?, ?, ?, ?, ?, 'ACTIVE', ?)`,
		t.DeviceID, t.AccessTokenDigest, t.RefreshTokenDigest, t.AccessExpiresAt.UnixNano(), t.RefreshExpiresAt.UnixNano(), now.UnixNano())
	if err != nil {
		return domain.DeviceToken{}, err
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return domain.DeviceToken{}, err
	}
	return t, nil
}

func scanSQLToken(row *sql.Row) (domain.DeviceToken, error) {
	var (
		t                                domain.DeviceToken
		status                           string
		accessExp, refreshExp, createdAt int64
		revokedAt                        sql.NullInt64
		revokedBy                        sql.NullString
	)
	if err := row.Scan(&t.ID, &t.DeviceID, &t.AccessTokenDigest, &t.RefreshTokenDigest, &accessExp, &refreshExp,
		&status, &createdAt, &revokedAt, &revokedBy); err != nil {
		return domain.DeviceToken{}, mapSQLError(err)
	}
	t.Status = domain.TokenStatus(status)
	t.AccessExpiresAt = fromNanos(accessExp)
	t.RefreshExpiresAt = fromNanos(refreshExp)
	t.CreatedAt = fromNanos(createdAt)
	if revokedAt.Valid {
		at := fromNanos(revokedAt.Int64)
		t.RevokedAt = &at
	}
	if revokedBy.Valid {
		ip := revokedBy.String
		t.RevokedByIP = &ip
	}
	return t, nil
}

func mapSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// modernc sqlite reports constraint failures only through the message text.
func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
