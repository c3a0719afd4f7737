package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

var ErrAttemptCompleted = errors.New("attempt already completed")

const abandonedAttemptMessage = "attempt closed without a recorded outcome"

type PostingHistoryRepository interface {
	Start(ctx context.Context, ph *models.PostingHistory) error
	Complete(ctx context.Context, id int64, res models.AttemptResult) error
	SuccessfulAttempts(ctx context.Context, postID int64) (map[int64]string, error)
	CloseAbandoned(ctx context.Context, postID int64, now time.Time) (int64, error)
	UnknownOutcomes(ctx context.Context, postID int64) (map[int64]bool, error)
	ListByPostID(ctx context.Context, postID int64) ([]*models.PostingHistory, error)
}

type postingHistoryRepository struct {
	db *sql.DB
}

func NewPostingHistoryRepository(db *sql.DB) PostingHistoryRepository {
	return &postingHistoryRepository{db: db}
}

// Start opens a new attempt row. The attempt number is the next one for
// the (post, account) pair; the unique constraint rejects a duplicate.
func (r *postingHistoryRepository) Start(ctx context.Context, ph *models.PostingHistory) error {
	query := `
		INSERT INTO posting_history (user_id, post_id, account_id, attempt_number, request_id, started_at)
		SELECT $1, $2, $3, COALESCE(MAX(attempt_number), 0) + 1, $4, $5
		FROM posting_history
		WHERE post_id = $2 AND account_id = $3
		RETURNING id, attempt_number
	`

	err := r.db.QueryRowContext(ctx, query, ph.UserID, ph.PostID, ph.AccountID, ph.RequestID, ph.StartedAt).
		Scan(&ph.ID, &ph.AttemptNumber)
	if err != nil {
		return fmt.Errorf("start attempt for post %d account %d: %w", ph.PostID, ph.AccountID, err)
	}
	return nil
}

// Complete fills in the result of an open attempt. A row is completed
// once; later calls return ErrAttemptCompleted.
func (r *postingHistoryRepository) Complete(ctx context.Context, id int64, res models.AttemptResult) error {
	query := `
		UPDATE posting_history
		SET completed_at = $2,
			success = $3,
			platform_content_id = $4,
			error_kind = $5,
			error_message = $6,
			response = $7
		WHERE id = $1 AND completed_at IS NULL
	`

	var response any
	if len(res.Response) > 0 {
		response = string(res.Response)
	}

	result, err := r.db.ExecContext(ctx, query, id, res.CompletedAt, res.Success,
		res.PlatformContentID, res.ErrorKind, res.ErrorMessage, response)
	if err != nil {
		return fmt.Errorf("complete attempt %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("complete attempt %d: %w", id, ErrAttemptCompleted)
	}
	return nil
}

// SuccessfulAttempts maps each account that already published the post
// to the content id the platform assigned.
func (r *postingHistoryRepository) SuccessfulAttempts(ctx context.Context, postID int64) (map[int64]string, error) {
	query := `
		SELECT DISTINCT ON (account_id) account_id, platform_content_id
		FROM posting_history
		WHERE post_id = $1 AND success = TRUE
		ORDER BY account_id, attempt_number
	`

	rows, err := r.db.QueryContext(ctx, query, postID)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	done := make(map[int64]string)
	for rows.Next() {
		var accountID int64
		var contentID string
		if err := rows.Scan(&accountID, &contentID); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		done[accountID] = contentID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return done, nil
}

// CloseAbandoned completes attempts a worker left open. Whether the
// platform accepted the content is unknown, so the rows are marked that
// way and the account is not published to again.
func (r *postingHistoryRepository) CloseAbandoned(ctx context.Context, postID int64, now time.Time) (int64, error) {
	query := `
		UPDATE posting_history
		SET completed_at = $2,
			success = FALSE,
			error_kind = $3,
			error_message = $4
		WHERE post_id = $1 AND completed_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, postID, now, models.ErrorKindUnknown, abandonedAttemptMessage)
	if err != nil {
		return 0, fmt.Errorf("close abandoned attempts for post %d: %w", postID, err)
	}
	return result.RowsAffected()
}

// UnknownOutcomes returns the accounts of a post with at least one
// attempt closed as outcome unknown.
func (r *postingHistoryRepository) UnknownOutcomes(ctx context.Context, postID int64) (map[int64]bool, error) {
	query := `
		SELECT DISTINCT account_id
		FROM posting_history
		WHERE post_id = $1 AND error_kind = $2
	`

	rows, err := r.db.QueryContext(ctx, query, postID, models.ErrorKindUnknown)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	unknown := make(map[int64]bool)
	for rows.Next() {
		var accountID int64
		if err := rows.Scan(&accountID); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		unknown[accountID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return unknown, nil
}

func (r *postingHistoryRepository) ListByPostID(ctx context.Context, postID int64) ([]*models.PostingHistory, error) {
	query := `
		SELECT id, user_id, post_id, account_id, attempt_number, request_id, started_at,
			completed_at, success, platform_content_id, error_kind, error_message, response
		FROM posting_history
		WHERE post_id = $1
		ORDER BY account_id, attempt_number
	`

	rows, err := r.db.QueryContext(ctx, query, postID)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	var phs []*models.PostingHistory
	for rows.Next() {
		var ph models.PostingHistory
		var response []byte
		err := rows.Scan(&ph.ID, &ph.UserID, &ph.PostID, &ph.AccountID, &ph.AttemptNumber, &ph.RequestID,
			&ph.StartedAt, &ph.CompletedAt, &ph.Success, &ph.PlatformContentID, &ph.ErrorKind,
			&ph.ErrorMessage, &response)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if len(response) > 0 {
			ph.Response = response
		}
		phs = append(phs, &ph)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return phs, nil
}
