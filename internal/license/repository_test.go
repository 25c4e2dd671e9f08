package license

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var licenseCols = []string{"id", "identity", "serial_key", "created_at", "expires_at"}

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(sqlx.NewDb(db, "postgres")), mock
}

func TestRedeemKey(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE serial_keys`).
		WithArgs("KEY-AAAA", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO licenses`).
		WithArgs(sqlmock.AnyArg(), "hashed-identity", "KEY-AAAA", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	lic, err := repo.RedeemKey(context.Background(), "hashed-identity", "KEY-AAAA")
	require.NoError(t, err)
	assert.Equal(t, "hashed-identity", lic.Identity)
	assert.Equal(t, LicenseDuration, lic.ExpiresAt.Sub(lic.CreatedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeemKey_Consumed(t *testing.T) {
	repo, mock := newMockRepo(t)

	// Zero rows updated: the key is absent or already used. Either way the
	// transaction rolls back without touching licenses.
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE serial_keys`).
		WithArgs("KEY-USED", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := repo.RedeemKey(context.Background(), "hashed-identity", "KEY-USED")
	require.ErrorIs(t, err, ErrKeyUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeemKey_InsertFailureRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE serial_keys`).
		WithArgs("KEY-AAAA", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO licenses`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := repo.RedeemKey(context.Background(), "hashed-identity", "KEY-AAAA")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveLicense(t *testing.T) {
	repo, mock := newMockRepo(t)

	created := time.Now().Add(-30 * 24 * time.Hour)
	expires := created.Add(LicenseDuration)
	mock.ExpectQuery(`SELECT id, identity, serial_key, created_at, expires_at`).
		WithArgs("hashed-identity").
		WillReturnRows(sqlmock.NewRows(licenseCols).
			AddRow("lic-1", "hashed-identity", "KEY-AAAA", created, expires))

	lic, err := repo.ActiveLicense(context.Background(), "hashed-identity")
	require.NoError(t, err)
	assert.True(t, lic.Active(time.Now()), "license should still be active")
	assert.False(t, lic.Active(expires.Add(time.Second)), "license should be expired past expires_at")
}

func TestActiveLicense_None(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT id, identity, serial_key, created_at, expires_at`).
		WithArgs("unknown-identity").
		WillReturnRows(sqlmock.NewRows(licenseCols))

	_, err := repo.ActiveLicense(context.Background(), "unknown-identity")
	require.ErrorIs(t, err, ErrNoLicense)
}

func TestCreateSerialKey(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO serial_keys`).
		WithArgs("KEY-NEW", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CreateSerialKey(context.Background(), "KEY-NEW"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
