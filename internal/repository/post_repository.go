package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/maheshrc27/postflow/internal/models"
)

const postColumns = `id, user_id, post_type, caption, title, scheduled_time, status,
	retry_count, max_retries, error_message, published_at, platform_content_ids,
	claimed_by, claimed_at, publishing_started_at, is_deleted, created_at, updated_at`

// DueQuery describes one scanner pass over the posts table.
type DueQuery struct {
	Now       time.Time
	Lookahead time.Duration
	Staleness time.Duration
	Limit     int
	ClaimedBy string
}

// OutcomeFunc decides how a stalled post leaves the publishing state.
type OutcomeFunc func(post *models.Post) models.PostOutcome

type PostRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Post, error)
	CheckByUserID(ctx context.Context, postID, userID int64) (bool, error)
	ClaimDue(ctx context.Context, q DueQuery) ([]models.DueWork, error)
	ReclaimQueued(ctx context.Context, claimedBefore, now time.Time, claimedBy string, limit int) ([]models.DueWork, error)
	RecoverStalled(ctx context.Context, startedBefore, now time.Time, limit int, decide OutcomeFunc) ([]int64, error)
	ClaimForPublish(ctx context.Context, postID int64, now time.Time) (*models.Post, error)
	Finish(ctx context.Context, postID int64, outcome models.PostOutcome, now time.Time) error
	Cancel(ctx context.Context, postID int64, now time.Time) error
}

type postRepository struct {
	db *sql.DB
}

func NewPostRepository(db *sql.DB) PostRepository {
	return &postRepository{db: db}
}

func scanPost(row rowScanner) (*models.Post, error) {
	var post models.Post
	err := row.Scan(&post.ID, &post.UserID, &post.PostType, &post.Caption, &post.Title,
		&post.ScheduledTime, &post.Status, &post.RetryCount, &post.MaxRetries, &post.ErrorMessage,
		&post.PublishedAt, pq.Array(&post.PlatformContentIDs), &post.ClaimedBy, &post.ClaimedAt,
		&post.PublishingAt, &post.IsDeleted, &post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (r *postRepository) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE id = $1 AND is_deleted = FALSE`

	post, err := scanPost(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get post %d: %w", id, err)
	}
	return post, nil
}

func (r *postRepository) CheckByUserID(ctx context.Context, postID, userID int64) (bool, error) {
	query := "SELECT 1 FROM posts WHERE id = $1 AND user_id = $2 AND is_deleted = FALSE"

	var result int
	err := r.db.QueryRowContext(ctx, query, postID, userID).Scan(&result)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}

	return result == 1, nil
}

// ClaimDue moves due scheduled posts to queued. Rows locked by a
// concurrent scanner are skipped rather than waited on, so two
// instances never claim the same post.
func (r *postRepository) ClaimDue(ctx context.Context, q DueQuery) ([]models.DueWork, error) {
	query := `
		UPDATE posts
		SET status = 'queued',
			claimed_by = $4,
			claimed_at = $5,
			updated_at = $5
		WHERE id IN (
			SELECT id FROM posts
			WHERE status = 'scheduled'
				AND is_deleted = FALSE
				AND scheduled_time <= $1
				AND scheduled_time >= $2
				AND retry_count < max_retries
			ORDER BY scheduled_time
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, scheduled_time
	`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	work, err := collectDueWork(tx.QueryContext(ctx, query,
		q.Now.Add(q.Lookahead), q.Now.Add(-q.Staleness), q.Limit, q.ClaimedBy, q.Now))
	if err != nil {
		return nil, fmt.Errorf("claim due posts: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return work, nil
}

// ReclaimQueued refreshes the claim on posts that sat in queued past the
// claim timeout so the caller can dispatch them again.
func (r *postRepository) ReclaimQueued(ctx context.Context, claimedBefore, now time.Time, claimedBy string, limit int) ([]models.DueWork, error) {
	query := `
		UPDATE posts
		SET claimed_by = $3,
			claimed_at = $4,
			updated_at = $4
		WHERE id IN (
			SELECT id FROM posts
			WHERE status = 'queued'
				AND is_deleted = FALSE
				AND claimed_at < $1
			ORDER BY claimed_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, scheduled_time
	`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reclaim: %w", err)
	}
	defer tx.Rollback()

	work, err := collectDueWork(tx.QueryContext(ctx, query, claimedBefore, limit, claimedBy, now))
	if err != nil {
		return nil, fmt.Errorf("reclaim queued posts: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reclaim: %w", err)
	}
	return work, nil
}

func collectDueWork(rows *sql.Rows, err error) ([]models.DueWork, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var work []models.DueWork
	for rows.Next() {
		var w models.DueWork
		if err := rows.Scan(&w.PostID, &w.ScheduledTime); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		work = append(work, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return work, nil
}

// RecoverStalled locks posts stuck in publishing since before
// startedBefore and applies the outcome chosen by decide to each.
func (r *postRepository) RecoverStalled(ctx context.Context, startedBefore, now time.Time, limit int, decide OutcomeFunc) ([]int64, error) {
	query := `SELECT ` + postColumns + ` FROM posts
		WHERE status = 'publishing'
			AND is_deleted = FALSE
			AND publishing_started_at < $1
		ORDER BY publishing_started_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin recover: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("select stalled posts: %w", err)
	}

	var stalled []*models.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan row: %w", err)
		}
		stalled = append(stalled, post)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	ids := make([]int64, 0, len(stalled))
	for _, post := range stalled {
		if err := finishTx(ctx, tx, post.ID, decide(post), now); err != nil {
			return nil, err
		}
		ids = append(ids, post.ID)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit recover: %w", err)
	}
	return ids, nil
}

// ClaimForPublish waits for the row lock, checks the post is still
// queued and moves it to publishing before the lock is released.
// models.ErrAlreadyHandled is returned when another delivery got there
// first or the post left the queue.
func (r *postRepository) ClaimForPublish(ctx context.Context, postID int64, now time.Time) (*models.Post, error) {
	selectQuery := `SELECT ` + postColumns + ` FROM posts WHERE id = $1 AND is_deleted = FALSE FOR UPDATE`
	updateQuery := `
		UPDATE posts
		SET status = 'publishing',
			publishing_started_at = $2,
			updated_at = $2
		WHERE id = $1
	`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin publish claim: %w", err)
	}
	defer tx.Rollback()

	post, err := scanPost(tx.QueryRowContext(ctx, selectQuery, postID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrPostNotFound
		}
		return nil, fmt.Errorf("lock post %d: %w", postID, err)
	}

	if post.Status != models.PostStatusQueued {
		return post, models.ErrAlreadyHandled
	}

	if _, err = tx.ExecContext(ctx, updateQuery, postID, now); err != nil {
		return nil, fmt.Errorf("mark post %d publishing: %w", postID, err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit publish claim: %w", err)
	}

	post.Status = models.PostStatusPublishing
	post.PublishingAt = &now
	return post, nil
}

// Finish writes the aggregated outcome of a publishing run. Only a post
// still in publishing may be finished.
func (r *postRepository) Finish(ctx context.Context, postID int64, outcome models.PostOutcome, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finish: %w", err)
	}
	defer tx.Rollback()

	if err = finishTx(ctx, tx, postID, outcome, now); err != nil {
		return err
	}
	return tx.Commit()
}

func finishTx(ctx context.Context, tx *sql.Tx, postID int64, outcome models.PostOutcome, now time.Time) error {
	if err := models.CheckTransition(models.PostStatusPublishing, outcome.Status); err != nil {
		return err
	}

	query := `
		UPDATE posts
		SET status = $2,
			retry_count = $3,
			scheduled_time = $4,
			published_at = $5,
			error_message = $6,
			platform_content_ids = $7,
			claimed_by = '',
			claimed_at = NULL,
			publishing_started_at = NULL,
			updated_at = $8
		WHERE id = $1 AND status = 'publishing'
	`

	contentIDs := outcome.PlatformContentIDs
	if contentIDs == nil {
		contentIDs = []string{}
	}

	result, err := tx.ExecContext(ctx, query, postID, outcome.Status, outcome.RetryCount,
		outcome.ScheduledTime, outcome.PublishedAt, outcome.ErrorMessage, pq.Array(contentIDs), now)
	if err != nil {
		return fmt.Errorf("finish post %d: %w", postID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("finish post %d: %w", postID, models.ErrAlreadyHandled)
	}
	return nil
}

func (r *postRepository) Cancel(ctx context.Context, postID int64, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback()

	var status models.PostStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM posts WHERE id = $1 AND is_deleted = FALSE FOR UPDATE`, postID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrPostNotFound
		}
		return fmt.Errorf("lock post %d: %w", postID, err)
	}

	if !status.Cancellable() {
		return fmt.Errorf("%w: post is %s", models.ErrNotCancellable, status)
	}

	query := `UPDATE posts SET status = 'cancelled', updated_at = $2 WHERE id = $1`
	if _, err = tx.ExecContext(ctx, query, postID, now); err != nil {
		return fmt.Errorf("cancel post %d: %w", postID, err)
	}

	return tx.Commit()
}
