package service

import (
	"context"
	"fmt"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
)

type PlatformService interface {
	Account(ctx context.Context, accountID, userID int64) (*models.SocialAccount, error)
}

type platformService struct {
	sa repository.SocialAccountRepository
}

func NewPlatformService(sa repository.SocialAccountRepository) PlatformService {
	return &platformService{sa: sa}
}

// Account returns the token status of one of the user's linked
// accounts. Tokens never leave the repository layer in plaintext.
func (s *platformService) Account(ctx context.Context, accountID, userID int64) (*models.SocialAccount, error) {
	if accountID == 0 || userID == 0 {
		return nil, ErrInvalidID
	}

	isValid, err := s.sa.CheckByUserID(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}
	if !isValid {
		return nil, models.ErrAccountNotFound
	}

	acc, err := s.sa.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", accountID, err)
	}
	if acc == nil {
		return nil, models.ErrAccountNotFound
	}
	return acc, nil
}
