package models

import (
	"errors"
	"fmt"
	"time"
)

type PostStatus string

const (
	PostStatusDraft      PostStatus = "draft"
	PostStatusScheduled  PostStatus = "scheduled"
	PostStatusQueued     PostStatus = "queued"
	PostStatusPublishing PostStatus = "publishing"
	PostStatusPublished  PostStatus = "published"
	PostStatusFailed     PostStatus = "failed"
	PostStatusCancelled  PostStatus = "cancelled"
)

const (
	PostTypeSingle   = "single"
	PostTypeMultiple = "multiple"
)

const DefaultMaxRetries = 3

var (
	ErrPostNotFound      = errors.New("post not found")
	ErrInvalidTransition = errors.New("invalid post status transition")
	ErrNotCancellable    = errors.New("post can no longer be cancelled")
	ErrAlreadyHandled    = errors.New("post already handled")
)

// postTransitions lists every status change the pipeline may perform.
// draft -> scheduled belongs to the CRUD layer; queued -> scheduled is
// never taken directly, a post only loops back through publishing.
var postTransitions = map[PostStatus][]PostStatus{
	PostStatusDraft:      {PostStatusScheduled, PostStatusCancelled},
	PostStatusScheduled:  {PostStatusQueued, PostStatusCancelled},
	PostStatusQueued:     {PostStatusPublishing},
	PostStatusPublishing: {PostStatusPublished, PostStatusScheduled, PostStatusFailed},
}

func (s PostStatus) Valid() bool {
	switch s {
	case PostStatusDraft, PostStatusScheduled, PostStatusQueued, PostStatusPublishing,
		PostStatusPublished, PostStatusFailed, PostStatusCancelled:
		return true
	}
	return false
}

func (s PostStatus) CanTransitionTo(next PostStatus) bool {
	for _, allowed := range postTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s PostStatus) Terminal() bool {
	return len(postTransitions[s]) == 0
}

func (s PostStatus) Cancellable() bool {
	return s.CanTransitionTo(PostStatusCancelled)
}

func CheckTransition(from, to PostStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

type Post struct {
	ID                 int64      `db:"id" json:"id"`
	UserID             int64      `db:"user_id" json:"user_id"`
	PostType           string     `db:"post_type" json:"post_type"`
	Caption            string     `db:"caption" json:"caption"`
	Title              string     `db:"title" json:"title"`
	ScheduledTime      time.Time  `db:"scheduled_time" json:"scheduled_time"`
	Status             PostStatus `db:"status" json:"status"`
	RetryCount         int        `db:"retry_count" json:"retry_count"`
	MaxRetries         int        `db:"max_retries" json:"max_retries"`
	ErrorMessage       string     `db:"error_message" json:"error_message"`
	PublishedAt        *time.Time `db:"published_at" json:"published_at,omitempty"`
	PlatformContentIDs []string   `db:"platform_content_ids" json:"platform_content_ids"`
	ClaimedBy          string     `db:"claimed_by" json:"-"`
	ClaimedAt          *time.Time `db:"claimed_at" json:"-"`
	PublishingAt       *time.Time `db:"publishing_started_at" json:"-"`
	IsDeleted          bool       `db:"is_deleted" json:"-"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// RetriesExhausted reports whether another failure may still be retried.
func (p *Post) RetriesExhausted() bool {
	return p.RetryCount >= p.MaxRetries
}

// DueWork is a post claimed by the scanner and handed to the dispatcher.
type DueWork struct {
	PostID        int64
	ScheduledTime time.Time
}

// PostOutcome is what the worker writes back once a fan-out finishes.
type PostOutcome struct {
	Status             PostStatus
	RetryCount         int
	ScheduledTime      time.Time
	PublishedAt        *time.Time
	ErrorMessage       string
	PlatformContentIDs []string
}

type MediaAsset struct {
	ID           int64     `db:"id"`
	UserID       int64     `db:"user_id"`
	FileName     string    `db:"file_name"`
	FileType     string    `db:"file_type"`
	FileSize     int64     `db:"file_size"`
	FileURL      string    `db:"file_url"`
	ThumbnailURL string    `db:"thumbnail_url"`
	CreatedAt    time.Time `db:"created_at"`
}

type PostMedia struct {
	PostID       int64     `db:"post_id"`
	AssetID      int64     `db:"asset_id"`
	DisplayOrder int       `db:"display_order"`
	CreatedAt    time.Time `db:"created_at"`
}
