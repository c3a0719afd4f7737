package models

import (
	"errors"
	"time"

	"github.com/maheshrc27/postflow/pkg/utils"
)

type AccountStatus string

const (
	AccountStatusActive     AccountStatus = "active"
	AccountStatusRefreshing AccountStatus = "refreshing"
	AccountStatusExpired    AccountStatus = "expired"
	AccountStatusError      AccountStatus = "error"
)

var ErrAccountNotFound = errors.New("social account not found")

// Usable reports whether the account's credentials may be used for a
// publish attempt. A refresh in flight still leaves the current access
// token valid until it is replaced.
func (s AccountStatus) Usable() bool {
	return s == AccountStatusActive || s == AccountStatusRefreshing
}

type SocialAccount struct {
	ID               int64             `db:"id" json:"id"`
	UserID           int64             `db:"user_id" json:"user_id"`
	Platform         string            `db:"platform" json:"platform"`
	AccountID        string            `db:"account_id" json:"account_id"`
	AccountName      string            `db:"account_name" json:"account_name"`
	AccessToken      utils.SealedToken `db:"access_token" json:"-"`
	RefreshToken     utils.SealedToken `db:"refresh_token" json:"-"`
	TokenExpiresAt   time.Time         `db:"token_expires_at" json:"token_expires_at"`
	LastRefreshedAt  *time.Time        `db:"last_refreshed_at" json:"last_refreshed_at,omitempty"`
	RefreshStartedAt *time.Time        `db:"refresh_started_at" json:"-"`
	Status           AccountStatus     `db:"status" json:"status"`
	ErrorCount       int               `db:"error_count" json:"error_count"`
	LastError        string            `db:"last_error" json:"last_error"`
	IsDeleted        bool              `db:"is_deleted" json:"-"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at" json:"updated_at"`
}

type SelectedAccount struct {
	PostID    int64     `db:"post_id" json:"post_id"`
	AccountID int64     `db:"account_id" json:"account_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// TokenPair is the sealed credential pair kept by the credential store.
type TokenPair struct {
	AccessToken  utils.SealedToken
	RefreshToken utils.SealedToken
	ExpiresAt    time.Time
}

// RefreshFailure is recorded when a refresh attempt does not succeed.
type RefreshFailure struct {
	Message   string
	Threshold int
	At        time.Time
}
