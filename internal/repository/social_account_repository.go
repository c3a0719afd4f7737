package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

var (
	ErrRefreshInProgress = errors.New("account is not available for refresh")
	ErrRefreshNotHeld    = errors.New("account is not held for refresh")
)

const accountColumns = `id, user_id, platform, account_id, account_name, access_token, refresh_token,
	token_expires_at, last_refreshed_at, refresh_started_at, status, error_count, last_error,
	is_deleted, created_at, updated_at`

type SocialAccountRepository interface {
	GetByID(ctx context.Context, id int64) (*models.SocialAccount, error)
	CheckByUserID(ctx context.Context, accountID, userID int64) (bool, error)
	GetTokens(ctx context.Context, id int64) (*models.TokenPair, error)
	ClaimExpiring(ctx context.Context, deadline, now time.Time, limit int) ([]*models.SocialAccount, error)
	ClaimOne(ctx context.Context, id int64, now time.Time) (*models.SocialAccount, error)
	StoreRefreshed(ctx context.Context, id int64, tokens models.TokenPair, now time.Time) error
	RecordRefreshFailure(ctx context.Context, id int64, f models.RefreshFailure) (models.AccountStatus, error)
	ReleaseStaleRefreshes(ctx context.Context, startedBefore, now time.Time) (int64, error)
	MarkExpired(ctx context.Context, expiredBefore, now time.Time) (int64, error)
}

type socialAccountRepository struct {
	db *sql.DB
}

func NewSocialAccountRepository(db *sql.DB) SocialAccountRepository {
	return &socialAccountRepository{db: db}
}

func scanAccount(row rowScanner) (*models.SocialAccount, error) {
	var sa models.SocialAccount
	err := row.Scan(&sa.ID, &sa.UserID, &sa.Platform, &sa.AccountID, &sa.AccountName,
		&sa.AccessToken, &sa.RefreshToken, &sa.TokenExpiresAt, &sa.LastRefreshedAt,
		&sa.RefreshStartedAt, &sa.Status, &sa.ErrorCount, &sa.LastError, &sa.IsDeleted,
		&sa.CreatedAt, &sa.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sa, nil
}

func collectAccounts(rows *sql.Rows, err error) ([]*models.SocialAccount, error) {
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	var accounts []*models.SocialAccount
	for rows.Next() {
		sa, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		accounts = append(accounts, sa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return accounts, nil
}

func (r *socialAccountRepository) GetByID(ctx context.Context, id int64) (*models.SocialAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM social_accounts WHERE id = $1 AND is_deleted = FALSE`

	sa, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	return sa, nil
}

func (r *socialAccountRepository) CheckByUserID(ctx context.Context, accountID, userID int64) (bool, error) {
	query := "SELECT 1 FROM social_accounts WHERE id = $1 AND user_id = $2 AND is_deleted = FALSE"

	var result int
	err := r.db.QueryRowContext(ctx, query, accountID, userID).Scan(&result)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}

	return result == 1, nil
}

func (r *socialAccountRepository) GetTokens(ctx context.Context, id int64) (*models.TokenPair, error) {
	query := `SELECT access_token, refresh_token, token_expires_at FROM social_accounts WHERE id = $1 AND is_deleted = FALSE`

	var pair models.TokenPair
	err := r.db.QueryRowContext(ctx, query, id).Scan(&pair.AccessToken, &pair.RefreshToken, &pair.ExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get tokens for account %d: %w", id, err)
	}
	return &pair, nil
}

// ClaimExpiring moves active accounts whose token expires before
// deadline to refreshing. Rows locked by another instance are skipped,
// so each account is handed to at most one refresher.
func (r *socialAccountRepository) ClaimExpiring(ctx context.Context, deadline, now time.Time, limit int) ([]*models.SocialAccount, error) {
	query := `
		UPDATE social_accounts
		SET status = 'refreshing',
			refresh_started_at = $3,
			updated_at = $3
		WHERE id IN (
			SELECT id FROM social_accounts
			WHERE status = 'active'
				AND is_deleted = FALSE
				AND token_expires_at <= $1
			ORDER BY token_expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + accountColumns

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	accounts, err := collectAccounts(tx.QueryContext(ctx, query, deadline, limit, now))
	if err != nil {
		return nil, fmt.Errorf("claim expiring accounts: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return accounts, nil
}

// ClaimOne takes the refresh claim on a single active account.
func (r *socialAccountRepository) ClaimOne(ctx context.Context, id int64, now time.Time) (*models.SocialAccount, error) {
	query := `
		UPDATE social_accounts
		SET status = 'refreshing',
			refresh_started_at = $2,
			updated_at = $2
		WHERE id = $1 AND status = 'active' AND is_deleted = FALSE
		RETURNING ` + accountColumns

	sa, err := scanAccount(r.db.QueryRowContext(ctx, query, id, now))
	if err == nil {
		return sa, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("claim account %d: %w", id, err)
	}

	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, models.ErrAccountNotFound
	}
	return nil, fmt.Errorf("%w: account is %s", ErrRefreshInProgress, existing.Status)
}

// StoreRefreshed persists a refreshed token pair and releases the claim.
// An empty refresh token keeps the stored one.
func (r *socialAccountRepository) StoreRefreshed(ctx context.Context, id int64, tokens models.TokenPair, now time.Time) error {
	query := `
		UPDATE social_accounts
		SET access_token = $2,
			refresh_token = COALESCE(NULLIF($3, ''), refresh_token),
			token_expires_at = $4,
			last_refreshed_at = $5,
			status = 'active',
			error_count = 0,
			last_error = '',
			refresh_started_at = NULL,
			updated_at = $5
		WHERE id = $1 AND status = 'refreshing'
	`

	result, err := r.db.ExecContext(ctx, query, id, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt, now)
	if err != nil {
		return fmt.Errorf("store tokens for account %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("store tokens for account %d: %w", id, ErrRefreshNotHeld)
	}
	return nil
}

// RecordRefreshFailure bumps error_count and releases the claim, moving
// the account to error once the count reaches the threshold.
func (r *socialAccountRepository) RecordRefreshFailure(ctx context.Context, id int64, f models.RefreshFailure) (models.AccountStatus, error) {
	query := `
		UPDATE social_accounts
		SET error_count = error_count + 1,
			last_error = $2,
			status = CASE WHEN error_count + 1 >= $3 THEN 'error' ELSE 'active' END,
			refresh_started_at = NULL,
			updated_at = $4
		WHERE id = $1 AND status = 'refreshing'
		RETURNING status
	`

	var status models.AccountStatus
	err := r.db.QueryRowContext(ctx, query, id, f.Message, f.Threshold, f.At).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("record failure for account %d: %w", id, ErrRefreshNotHeld)
		}
		return "", fmt.Errorf("record failure for account %d: %w", id, err)
	}
	return status, nil
}

// ReleaseStaleRefreshes returns accounts whose refresher died to active.
func (r *socialAccountRepository) ReleaseStaleRefreshes(ctx context.Context, startedBefore, now time.Time) (int64, error) {
	query := `
		UPDATE social_accounts
		SET status = 'active',
			last_error = 'refresh did not complete',
			refresh_started_at = NULL,
			updated_at = $2
		WHERE status = 'refreshing' AND refresh_started_at < $1
	`

	result, err := r.db.ExecContext(ctx, query, startedBefore, now)
	if err != nil {
		return 0, fmt.Errorf("release stale refreshes: %w", err)
	}
	return result.RowsAffected()
}

func (r *socialAccountRepository) MarkExpired(ctx context.Context, expiredBefore, now time.Time) (int64, error) {
	query := `
		UPDATE social_accounts
		SET status = 'expired',
			updated_at = $2
		WHERE status = 'active' AND is_deleted = FALSE AND token_expires_at < $1
	`

	result, err := r.db.ExecContext(ctx, query, expiredBefore, now)
	if err != nil {
		return 0, fmt.Errorf("mark expired accounts: %w", err)
	}
	return result.RowsAffected()
}
