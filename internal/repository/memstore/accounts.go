package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
)

type accounts struct{ s *Store }

func (r *accounts) GetByID(ctx context.Context, id int64) (*models.SocialAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok || a.IsDeleted {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (r *accounts) CheckByUserID(ctx context.Context, accountID, userID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[accountID]
	return ok && !a.IsDeleted && a.UserID == userID, nil
}

func (r *accounts) GetTokens(ctx context.Context, id int64) (*models.TokenPair, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok || a.IsDeleted {
		return nil, models.ErrAccountNotFound
	}
	return &models.TokenPair{AccessToken: a.AccessToken, RefreshToken: a.RefreshToken, ExpiresAt: a.TokenExpiresAt}, nil
}

func (r *accounts) claimLocked(a *models.SocialAccount, now time.Time) *models.SocialAccount {
	at := now
	a.Status = models.AccountStatusRefreshing
	a.RefreshStartedAt = &at
	a.UpdatedAt = now
	cp := *a
	return &cp
}

func (r *accounts) ClaimExpiring(ctx context.Context, deadline, now time.Time, limit int) ([]*models.SocialAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var due []*models.SocialAccount
	for _, a := range r.s.accounts {
		if a.Status == models.AccountStatusActive && !a.IsDeleted && !a.TokenExpiresAt.After(deadline) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TokenExpiresAt.Before(due[j].TokenExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*models.SocialAccount, 0, len(due))
	for _, a := range due {
		out = append(out, r.claimLocked(a, now))
	}
	return out, nil
}

func (r *accounts) ClaimOne(ctx context.Context, id int64, now time.Time) (*models.SocialAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.accounts[id]
	if !ok || a.IsDeleted {
		return nil, models.ErrAccountNotFound
	}
	if a.Status != models.AccountStatusActive {
		return nil, fmt.Errorf("%w: account is %s", repository.ErrRefreshInProgress, a.Status)
	}
	return r.claimLocked(a, now), nil
}

func (r *accounts) StoreRefreshed(ctx context.Context, id int64, tokens models.TokenPair, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.accounts[id]
	if !ok || a.Status != models.AccountStatusRefreshing {
		return fmt.Errorf("store tokens for account %d: %w", id, repository.ErrRefreshNotHeld)
	}
	at := now
	a.AccessToken = tokens.AccessToken
	if !tokens.RefreshToken.IsZero() {
		a.RefreshToken = tokens.RefreshToken
	}
	a.TokenExpiresAt = tokens.ExpiresAt
	a.LastRefreshedAt = &at
	a.Status = models.AccountStatusActive
	a.ErrorCount = 0
	a.LastError = ""
	a.RefreshStartedAt = nil
	a.UpdatedAt = now
	return nil
}

func (r *accounts) RecordRefreshFailure(ctx context.Context, id int64, f models.RefreshFailure) (models.AccountStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.accounts[id]
	if !ok || a.Status != models.AccountStatusRefreshing {
		return "", fmt.Errorf("record failure for account %d: %w", id, repository.ErrRefreshNotHeld)
	}
	a.ErrorCount++
	a.LastError = f.Message
	a.Status = models.AccountStatusActive
	if a.ErrorCount >= f.Threshold {
		a.Status = models.AccountStatusError
	}
	a.RefreshStartedAt = nil
	a.UpdatedAt = f.At
	return a.Status, nil
}

func (r *accounts) ReleaseStaleRefreshes(ctx context.Context, startedBefore, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for _, a := range r.s.accounts {
		if a.Status == models.AccountStatusRefreshing && a.RefreshStartedAt != nil && a.RefreshStartedAt.Before(startedBefore) {
			a.Status = models.AccountStatusActive
			a.LastError = "refresh did not complete"
			a.RefreshStartedAt = nil
			a.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r *accounts) MarkExpired(ctx context.Context, expiredBefore, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for _, a := range r.s.accounts {
		if a.Status == models.AccountStatusActive && !a.IsDeleted && a.TokenExpiresAt.Before(expiredBefore) {
			a.Status = models.AccountStatusExpired
			a.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

type selected struct{ s *Store }

func (r *selected) ListByPostID(ctx context.Context, postID int64) ([]*models.SelectedAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.SelectedAccount
	for _, id := range r.s.links[postID] {
		out = append(out, &models.SelectedAccount{PostID: postID, AccountID: id})
	}
	return out, nil
}

func (r *selected) ListAccounts(ctx context.Context, postID int64) ([]*models.SocialAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.SocialAccount
	for _, id := range r.s.links[postID] {
		if a, ok := r.s.accounts[id]; ok && !a.IsDeleted {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}
