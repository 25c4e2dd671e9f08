// Package license implements serial-key redemption and premium-subscription
// lookups. Keys are single-use: redeeming one consumes it atomically and
// grants a year-long license bound to a hashed identity.
package license

import (
	"errors"
	"time"
)

// ErrKeyUnavailable reports that a serial key does not exist or was already
// consumed. The two cases are deliberately indistinguishable to callers.
var ErrKeyUnavailable = errors.New("license: serial key unavailable")

// ErrNoLicense reports that no license exists for an identity.
var ErrNoLicense = errors.New("license: no license for identity")

// LicenseDuration is how long a redeemed key stays valid.
const LicenseDuration = 365 * 24 * time.Hour

// SerialKey is a distributable activation key. Status moves from available
// to used exactly once.
type SerialKey struct {
	Key       string    `db:"key"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
}

// License is an active or expired premium grant for a hashed identity.
type License struct {
	ID        string    `db:"id"`
	Identity  string    `db:"identity"`
	SerialKey string    `db:"serial_key"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// Active reports whether the license is still valid at t.
func (l License) Active(t time.Time) bool {
	return t.Before(l.ExpiresAt)
}
