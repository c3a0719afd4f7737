package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/pkg/utils"
	"github.com/stretchr/testify/require"
)

var accountRowColumns = []string{"id", "user_id", "platform", "account_id", "account_name", "access_token",
	"refresh_token", "token_expires_at", "last_refreshed_at", "refresh_started_at", "status", "error_count",
	"last_error", "is_deleted", "created_at", "updated_at"}

func accountRows(at time.Time, ids ...int64) *sqlmock.Rows {
	rows := sqlmock.NewRows(accountRowColumns)
	for _, id := range ids {
		rows.AddRow(id, int64(9), "tiktok", "ext", "name", "sealed-access", "sealed-refresh",
			at, nil, at, "refreshing", int64(0), "", false, at, at)
	}
	return rows
}

func TestClaimExpiringUsesSkipLocked(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSocialAccountRepository(db)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE social_accounts SET status = 'refreshing'.*WHERE status = 'active'.*FOR UPDATE SKIP LOCKED`).
		WithArgs(deadline, 50, now).
		WillReturnRows(accountRows(now, 1, 2))
	mock.ExpectCommit()

	accounts, err := repo.ClaimExpiring(context.Background(), deadline, now, 50)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	require.Equal(t, models.AccountStatusRefreshing, accounts[0].Status)
	require.Equal(t, utils.SealedToken("sealed-refresh"), accounts[1].RefreshToken)
}

func TestClaimOneReportsBusyAccount(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSocialAccountRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE social_accounts SET status = 'refreshing'`).WithArgs(int64(4), now).
		WillReturnRows(sqlmock.NewRows(accountRowColumns))
	mock.ExpectQuery(`SELECT .* FROM social_accounts WHERE id = \$1`).WithArgs(int64(4)).
		WillReturnRows(accountRows(now, 4))

	_, err := repo.ClaimOne(context.Background(), 4, now)
	require.ErrorIs(t, err, ErrRefreshInProgress)

	mock.ExpectQuery(`UPDATE social_accounts SET status = 'refreshing'`).WithArgs(int64(5), now).
		WillReturnRows(sqlmock.NewRows(accountRowColumns))
	mock.ExpectQuery(`SELECT .* FROM social_accounts WHERE id = \$1`).WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(accountRowColumns))

	_, err = repo.ClaimOne(context.Background(), 5, now)
	require.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestStoreRefreshedKeepsRefreshTokenWhenEmpty(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSocialAccountRepository(db)
	now := time.Now().UTC()
	expires := now.Add(24 * time.Hour)

	mock.ExpectExec(`refresh_token = COALESCE\(NULLIF\(\$3, ''\), refresh_token\)`).
		WithArgs(int64(4), "new-access", "", expires, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.StoreRefreshed(context.Background(), 4, models.TokenPair{
		AccessToken: "new-access",
		ExpiresAt:   expires,
	}, now)
	require.NoError(t, err)

	mock.ExpectExec(`WHERE id = \$1 AND status = 'refreshing'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.StoreRefreshed(context.Background(), 4, models.TokenPair{AccessToken: "x", ExpiresAt: expires}, now)
	require.ErrorIs(t, err, ErrRefreshNotHeld)
}

func TestRecordRefreshFailureReturnsStatus(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSocialAccountRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(`SET error_count = error_count \+ 1`).
		WithArgs(int64(4), "invalid_grant", 3, now).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("error"))

	status, err := repo.RecordRefreshFailure(context.Background(), 4, models.RefreshFailure{
		Message:   "invalid_grant",
		Threshold: 3,
		At:        now,
	})
	require.NoError(t, err)
	require.Equal(t, models.AccountStatusError, status)
}

func TestGetTokensMissingAccount(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSocialAccountRepository(db)

	mock.ExpectQuery(`SELECT access_token, refresh_token, token_expires_at`).WithArgs(int64(4)).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetTokens(context.Background(), 4)
	require.ErrorIs(t, err, models.ErrAccountNotFound)
}
