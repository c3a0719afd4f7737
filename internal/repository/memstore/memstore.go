// Package memstore is an in-memory implementation of the repository
// interfaces with the same claim and transition rules as the Postgres
// queries. It backs the worker, scanner and token job tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
)

type Store struct {
	mu       sync.Mutex
	posts    map[int64]*models.Post
	accounts map[int64]*models.SocialAccount
	links    map[int64][]int64
	media    map[int64][]*models.MediaAsset
	history  []*models.PostingHistory
	nextID   int64

	// FinishErr, when set, is returned by the next Finish call.
	FinishErr error
}

func New() *Store {
	return &Store{
		posts:    make(map[int64]*models.Post),
		accounts: make(map[int64]*models.SocialAccount),
		links:    make(map[int64][]int64),
		media:    make(map[int64][]*models.MediaAsset),
	}
}

func (s *Store) AddPost(p models.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.MaxRetries == 0 {
		p.MaxRetries = models.DefaultMaxRetries
	}
	s.posts[p.ID] = &p
}

func (s *Store) AddAccount(a models.SocialAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Status == "" {
		a.Status = models.AccountStatusActive
	}
	s.accounts[a.ID] = &a
}

func (s *Store) Link(postID int64, accountIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[postID] = append(s.links[postID], accountIDs...)
}

func (s *Store) AddMedia(postID int64, assets ...models.MediaAsset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range assets {
		a := assets[i]
		s.media[postID] = append(s.media[postID], &a)
	}
}

// Post returns a copy of the stored post.
func (s *Store) Post(id int64) models.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.posts[id]
}

func (s *Store) Account(id int64) models.SocialAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.accounts[id]
}

func (s *Store) History(postID int64) []models.PostingHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PostingHistory
	for _, ph := range s.history {
		if ph.PostID == postID {
			out = append(out, *ph)
		}
	}
	return out
}

func (s *Store) Posts() repository.PostRepository                    { return &posts{s} }
func (s *Store) Accounts() repository.SocialAccountRepository        { return &accounts{s} }
func (s *Store) Selected() repository.SelectedAccountRepository      { return &selected{s} }
func (s *Store) PostingHistory() repository.PostingHistoryRepository { return &history{s} }
func (s *Store) PostMedia() repository.PostMediaRepository           { return &postMedia{s} }

type posts struct{ s *Store }

func (r *posts) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.posts[id]
	if !ok || p.IsDeleted {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *posts) CheckByUserID(ctx context.Context, postID, userID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.posts[postID]
	return ok && !p.IsDeleted && p.UserID == userID, nil
}

func (r *posts) sorted(match func(*models.Post) bool, key func(*models.Post) time.Time, limit int) []*models.Post {
	var out []*models.Post
	for _, p := range r.s.posts {
		if !p.IsDeleted && match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := key(out[i]), key(out[j])
		if ki.Equal(kj) {
			return out[i].ID < out[j].ID
		}
		return ki.Before(kj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *posts) ClaimDue(ctx context.Context, q repository.DueQuery) ([]models.DueWork, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	upper, lower := q.Now.Add(q.Lookahead), q.Now.Add(-q.Staleness)
	due := r.sorted(func(p *models.Post) bool {
		return p.Status == models.PostStatusScheduled &&
			!p.ScheduledTime.After(upper) &&
			!p.ScheduledTime.Before(lower) &&
			p.RetryCount < p.MaxRetries
	}, func(p *models.Post) time.Time { return p.ScheduledTime }, q.Limit)

	work := make([]models.DueWork, 0, len(due))
	for _, p := range due {
		now := q.Now
		p.Status = models.PostStatusQueued
		p.ClaimedBy = q.ClaimedBy
		p.ClaimedAt = &now
		p.UpdatedAt = now
		work = append(work, models.DueWork{PostID: p.ID, ScheduledTime: p.ScheduledTime})
	}
	return work, nil
}

func (r *posts) ReclaimQueued(ctx context.Context, claimedBefore, now time.Time, claimedBy string, limit int) ([]models.DueWork, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stale := r.sorted(func(p *models.Post) bool {
		return p.Status == models.PostStatusQueued && p.ClaimedAt != nil && p.ClaimedAt.Before(claimedBefore)
	}, func(p *models.Post) time.Time { return *p.ClaimedAt }, limit)

	work := make([]models.DueWork, 0, len(stale))
	for _, p := range stale {
		at := now
		p.ClaimedBy = claimedBy
		p.ClaimedAt = &at
		p.UpdatedAt = now
		work = append(work, models.DueWork{PostID: p.ID, ScheduledTime: p.ScheduledTime})
	}
	return work, nil
}

func (r *posts) RecoverStalled(ctx context.Context, startedBefore, now time.Time, limit int, decide repository.OutcomeFunc) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stalled := r.sorted(func(p *models.Post) bool {
		return p.Status == models.PostStatusPublishing && p.PublishingAt != nil && p.PublishingAt.Before(startedBefore)
	}, func(p *models.Post) time.Time { return *p.PublishingAt }, limit)

	var ids []int64
	for _, p := range stalled {
		cp := *p
		if err := r.finishLocked(p.ID, decide(&cp), now); err != nil {
			return nil, err
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (r *posts) ClaimForPublish(ctx context.Context, postID int64, now time.Time) (*models.Post, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.posts[postID]
	if !ok || p.IsDeleted {
		return nil, models.ErrPostNotFound
	}
	if p.Status != models.PostStatusQueued {
		cp := *p
		return &cp, models.ErrAlreadyHandled
	}

	at := now
	p.Status = models.PostStatusPublishing
	p.PublishingAt = &at
	p.UpdatedAt = now
	cp := *p
	return &cp, nil
}

func (r *posts) Finish(ctx context.Context, postID int64, outcome models.PostOutcome, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if err := r.s.FinishErr; err != nil {
		r.s.FinishErr = nil
		return err
	}
	return r.finishLocked(postID, outcome, now)
}

func (r *posts) finishLocked(postID int64, outcome models.PostOutcome, now time.Time) error {
	if err := models.CheckTransition(models.PostStatusPublishing, outcome.Status); err != nil {
		return err
	}
	p, ok := r.s.posts[postID]
	if !ok || p.Status != models.PostStatusPublishing {
		return fmt.Errorf("finish post %d: %w", postID, models.ErrAlreadyHandled)
	}

	p.Status = outcome.Status
	p.RetryCount = outcome.RetryCount
	p.ScheduledTime = outcome.ScheduledTime
	p.PublishedAt = outcome.PublishedAt
	p.ErrorMessage = outcome.ErrorMessage
	p.PlatformContentIDs = append([]string{}, outcome.PlatformContentIDs...)
	p.ClaimedBy = ""
	p.ClaimedAt = nil
	p.PublishingAt = nil
	p.UpdatedAt = now
	return nil
}

func (r *posts) Cancel(ctx context.Context, postID int64, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.posts[postID]
	if !ok || p.IsDeleted {
		return models.ErrPostNotFound
	}
	if !p.Status.Cancellable() {
		return fmt.Errorf("%w: post is %s", models.ErrNotCancellable, p.Status)
	}
	p.Status = models.PostStatusCancelled
	p.UpdatedAt = now
	return nil
}
