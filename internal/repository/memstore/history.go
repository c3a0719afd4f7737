package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
)

type history struct{ s *Store }

func (r *history) Start(ctx context.Context, ph *models.PostingHistory) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	attempt := 0
	for _, h := range r.s.history {
		if h.PostID == ph.PostID && h.AccountID == ph.AccountID && h.AttemptNumber > attempt {
			attempt = h.AttemptNumber
		}
	}
	r.s.nextID++
	ph.ID = r.s.nextID
	ph.AttemptNumber = attempt + 1
	cp := *ph
	r.s.history = append(r.s.history, &cp)
	return nil
}

func (r *history) Complete(ctx context.Context, id int64, res models.AttemptResult) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, h := range r.s.history {
		if h.ID != id {
			continue
		}
		if h.CompletedAt != nil {
			return fmt.Errorf("complete attempt %d: %w", id, repository.ErrAttemptCompleted)
		}
		at := res.CompletedAt
		h.CompletedAt = &at
		h.Success = res.Success
		h.PlatformContentID = res.PlatformContentID
		h.ErrorKind = res.ErrorKind
		h.ErrorMessage = res.ErrorMessage
		h.Response = res.Response
		return nil
	}
	return fmt.Errorf("complete attempt %d: %w", id, repository.ErrAttemptCompleted)
}

func (r *history) SuccessfulAttempts(ctx context.Context, postID int64) (map[int64]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	done := make(map[int64]string)
	for _, h := range r.s.history {
		if h.PostID != postID || !h.Success {
			continue
		}
		if _, seen := done[h.AccountID]; !seen {
			done[h.AccountID] = h.PlatformContentID
		}
	}
	return done, nil
}

func (r *history) CloseAbandoned(ctx context.Context, postID int64, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for _, h := range r.s.history {
		if h.PostID == postID && h.CompletedAt == nil {
			at := now
			h.CompletedAt = &at
			h.ErrorKind = models.ErrorKindUnknown
			h.ErrorMessage = "attempt closed without a recorded outcome"
			n++
		}
	}
	return n, nil
}

func (r *history) UnknownOutcomes(ctx context.Context, postID int64) (map[int64]bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	unknown := make(map[int64]bool)
	for _, h := range r.s.history {
		if h.PostID == postID && h.ErrorKind == models.ErrorKindUnknown {
			unknown[h.AccountID] = true
		}
	}
	return unknown, nil
}

func (r *history) ListByPostID(ctx context.Context, postID int64) ([]*models.PostingHistory, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*models.PostingHistory
	for _, h := range r.s.history {
		if h.PostID == postID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

type postMedia struct{ s *Store }

func (r *postMedia) ListAssets(ctx context.Context, postID int64) ([]*models.MediaAsset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*models.MediaAsset, 0, len(r.s.media[postID]))
	for _, a := range r.s.media[postID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}
