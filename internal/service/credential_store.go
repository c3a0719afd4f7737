package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/pkg/utils"
)

// ErrCredentialsUnreadable is returned when stored tokens exist but
// cannot be decrypted with the configured key.
var ErrCredentialsUnreadable = errors.New("stored credentials cannot be decrypted")

type Keyring interface {
	utils.Sealer
	utils.Opener
}

// Credentials is the plaintext view of an account's tokens. RefreshToken
// is zero when the platform never issued one.
type Credentials struct {
	AccessToken  utils.Secret
	RefreshToken utils.Secret
	ExpiresAt    time.Time
}

type CredentialStore interface {
	Get(ctx context.Context, accountID int64) (*Credentials, error)
	Put(ctx context.Context, accountID int64, creds Credentials) error
}

type credentialStore struct {
	sa    repository.SocialAccountRepository
	keys  Keyring
	clock utils.Clock
}

func NewCredentialStore(sa repository.SocialAccountRepository, keys Keyring, clock utils.Clock) CredentialStore {
	return &credentialStore{sa: sa, keys: keys, clock: clock}
}

func (s *credentialStore) Get(ctx context.Context, accountID int64) (*Credentials, error) {
	pair, err := s.sa.GetTokens(ctx, accountID)
	if err != nil {
		return nil, err
	}

	access, err := pair.AccessToken.Open(s.keys)
	if err != nil {
		return nil, fmt.Errorf("account %d access token: %w", accountID, ErrCredentialsUnreadable)
	}

	var refresh utils.Secret
	if !pair.RefreshToken.IsZero() {
		refresh, err = pair.RefreshToken.Open(s.keys)
		if err != nil {
			return nil, fmt.Errorf("account %d refresh token: %w", accountID, ErrCredentialsUnreadable)
		}
	}

	return &Credentials{AccessToken: access, RefreshToken: refresh, ExpiresAt: pair.ExpiresAt}, nil
}

// Put seals and stores a refreshed token pair. A zero RefreshToken keeps
// the one already on file.
func (s *credentialStore) Put(ctx context.Context, accountID int64, creds Credentials) error {
	var pair models.TokenPair
	var err error

	pair.AccessToken, err = utils.Seal(s.keys, creds.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	if !creds.RefreshToken.IsZero() {
		pair.RefreshToken, err = utils.Seal(s.keys, creds.RefreshToken)
		if err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
	}
	pair.ExpiresAt = creds.ExpiresAt.UTC()

	return s.sa.StoreRefreshed(ctx, accountID, pair, s.clock.Now())
}
