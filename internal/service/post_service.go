package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/pkg/utils"
	"go.uber.org/zap"
)

var ErrInvalidID = errors.New("id is not valid")

// PostDetails is a post together with the accounts it targets.
type PostDetails struct {
	*models.Post
	Accounts []*models.SelectedAccount `json:"accounts"`
}

type PostService interface {
	PostInfo(ctx context.Context, postID, userID int64) (*PostDetails, error)
	History(ctx context.Context, postID, userID int64) ([]*models.PostingHistory, error)
	Cancel(ctx context.Context, postID, userID int64) error
}

type postService struct {
	pr     repository.PostRepository
	sa     repository.SelectedAccountRepository
	ph     repository.PostingHistoryRepository
	clock  utils.Clock
	logger *zap.Logger
}

func NewPostService(
	pr repository.PostRepository,
	sa repository.SelectedAccountRepository,
	ph repository.PostingHistoryRepository,
	clock utils.Clock,
	logger *zap.Logger) PostService {
	return &postService{
		pr:     pr,
		sa:     sa,
		ph:     ph,
		clock:  clock,
		logger: logger,
	}
}

// owned reports models.ErrPostNotFound for posts the user cannot see, so
// callers never learn whether someone else's post exists.
func (s *postService) owned(ctx context.Context, postID, userID int64) error {
	if userID == 0 || postID == 0 {
		return ErrInvalidID
	}

	isValid, err := s.pr.CheckByUserID(ctx, postID, userID)
	if err != nil {
		return err
	}
	if !isValid {
		return models.ErrPostNotFound
	}
	return nil
}

func (s *postService) PostInfo(ctx context.Context, postID, userID int64) (*PostDetails, error) {
	if err := s.owned(ctx, postID, userID); err != nil {
		return nil, err
	}

	post, err := s.pr.GetByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("get post %d: %w", postID, err)
	}
	if post == nil {
		return nil, models.ErrPostNotFound
	}

	accounts, err := s.sa.ListByPostID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("list accounts for post %d: %w", postID, err)
	}

	return &PostDetails{Post: post, Accounts: accounts}, nil
}

func (s *postService) History(ctx context.Context, postID, userID int64) ([]*models.PostingHistory, error) {
	if err := s.owned(ctx, postID, userID); err != nil {
		return nil, err
	}
	return s.ph.ListByPostID(ctx, postID)
}

// Cancel stops a post that has not been handed to a worker yet.
func (s *postService) Cancel(ctx context.Context, postID, userID int64) error {
	if err := s.owned(ctx, postID, userID); err != nil {
		return err
	}

	if err := s.pr.Cancel(ctx, postID, s.clock.Now()); err != nil {
		return err
	}

	s.logger.Info("post cancelled", zap.Int64("post_id", postID), zap.Int64("user_id", userID))
	return nil
}
