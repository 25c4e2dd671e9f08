package license

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Repository handles serial-key and license database operations.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a new Repository.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// RedeemKey consumes key for the given hashed identity and grants a license
// expiring LicenseDuration from now. The key flip and the license insert run
// in one transaction, so a key can never be consumed twice even under
// concurrent redemption: only one UPDATE sees status='available'.
func (r *Repository) RedeemKey(ctx context.Context, identity, key string) (*License, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning redemption: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE serial_keys
		SET status = 'used', used_at = $2
		WHERE key = $1 AND status = 'available'
	`, key, time.Now())
	if err != nil {
		return nil, fmt.Errorf("consuming serial key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrKeyUnavailable
	}

	lic := &License{
		ID:        uuid.New().String(),
		Identity:  identity,
		SerialKey: key,
		CreatedAt: time.Now(),
	}
	lic.ExpiresAt = lic.CreatedAt.Add(LicenseDuration)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO licenses (id, identity, serial_key, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, lic.ID, lic.Identity, lic.SerialKey, lic.CreatedAt, lic.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("granting license: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing redemption: %w", err)
	}
	return lic, nil
}

// ActiveLicense returns the latest license for a hashed identity, expired or
// not. Callers decide what expiry means for their surface.
func (r *Repository) ActiveLicense(ctx context.Context, identity string) (*License, error) {
	var lic License
	err := r.db.GetContext(ctx, &lic, `
		SELECT id, identity, serial_key, created_at, expires_at
		FROM licenses
		WHERE identity = $1
		ORDER BY expires_at DESC
		LIMIT 1
	`, identity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoLicense
	}
	if err != nil {
		return nil, fmt.Errorf("looking up license: %w", err)
	}
	return &lic, nil
}

// CreateSerialKey inserts a distributable key in the available state.
func (r *Repository) CreateSerialKey(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO serial_keys (key, status, created_at)
		VALUES ($1, 'available', $2)
	`, key, time.Now())
	if err != nil {
		return fmt.Errorf("creating serial key: %w", err)
	}
	return nil
}
