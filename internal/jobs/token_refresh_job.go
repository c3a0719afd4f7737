package job

import (
	"context"
	"errors"
	"fmt"
	"sync"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/lock"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/pkg/utils"
	"go.uber.org/zap"
)

const (
	refreshLockKey     = "postflow:token_refresh_lock"
	refreshConcurrency = 10
)

var ErrNoRefreshToken = errors.New("no refresh token on file")

type RefreshSummary struct {
	Skipped   bool
	Released  int64
	Claimed   int
	Refreshed int
	Failed    int
}

type TokenRefreshJob struct {
	sa      repository.SocialAccountRepository
	creds   service.CredentialStore
	clients *platform.Registry
	locker  *lock.RedisLocker
	clock   utils.Clock
	logger  *zap.Logger
	cfg     config.Tokens
}

// NewTokenRefreshJob builds the token lifecycle job. locker may be nil,
// in which case every instance runs every cycle and the row claims alone
// keep refreshes exclusive.
func NewTokenRefreshJob(
	sa repository.SocialAccountRepository,
	creds service.CredentialStore,
	clients *platform.Registry,
	locker *lock.RedisLocker,
	clock utils.Clock,
	logger *zap.Logger,
	cfg config.Tokens) *TokenRefreshJob {
	return &TokenRefreshJob{
		sa:      sa,
		creds:   creds,
		clients: clients,
		locker:  locker,
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
	}
}

// RefreshTokens is the cron entry point.
func (j *TokenRefreshJob) RefreshTokens() {
	if _, err := j.Run(context.Background()); err != nil {
		j.logger.Error("token refresh cycle failed", zap.Error(err))
	}
}

func (j *TokenRefreshJob) Run(ctx context.Context) (*RefreshSummary, error) {
	if j.locker != nil {
		held, err := j.locker.Acquire(ctx, refreshLockKey, j.cfg.LockTTL)
		if errors.Is(err, lock.ErrNotAcquired) {
			j.logger.Debug("token refresh running elsewhere")
			return &RefreshSummary{Skipped: true}, nil
		}
		if err != nil {
			return nil, err
		}
		defer func() {
			if _, err := held.Release(context.Background()); err != nil {
				j.logger.Warn("release refresh lock", zap.Error(err))
			}
		}()
	}

	now := j.clock.Now()
	summary := &RefreshSummary{}

	released, err := j.sa.ReleaseStaleRefreshes(ctx, now.Add(-j.cfg.RefreshTimeout), now)
	if err != nil {
		j.logger.Error("release stale refreshes", zap.Error(err))
	} else if released > 0 {
		summary.Released = released
		j.logger.Warn("released stale refreshes", zap.Int64("count", released))
	}

	accounts, err := j.sa.ClaimExpiring(ctx, now.Add(j.cfg.RefreshWindow), now, j.cfg.RefreshBatchSize)
	if err != nil {
		return nil, err
	}
	summary.Claimed = len(accounts)

	var wg sync.WaitGroup
	var mu sync.Mutex
	semaphore := make(chan struct{}, refreshConcurrency)

	for _, acc := range accounts {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(acc *models.SocialAccount) {
			defer wg.Done()
			defer func() { <-semaphore }()

			err := j.refresh(ctx, acc)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				return
			}
			summary.Refreshed++
		}(acc)
	}

	wg.Wait()

	if summary.Claimed > 0 {
		j.logger.Info("token refresh cycle finished",
			zap.Int("claimed", summary.Claimed),
			zap.Int("refreshed", summary.Refreshed),
			zap.Int("failed", summary.Failed),
		)
	}
	return summary, nil
}

// RefreshAccount refreshes one account on demand. It fails with
// repository.ErrRefreshInProgress when the account is not active.
func (j *TokenRefreshJob) RefreshAccount(ctx context.Context, accountID int64) error {
	acc, err := j.sa.ClaimOne(ctx, accountID, j.clock.Now())
	if err != nil {
		return err
	}
	return j.refresh(ctx, acc)
}

// CleanupExpired marks active accounts whose token lapsed beyond the
// grace period as expired.
func (j *TokenRefreshJob) CleanupExpired() {
	now := j.clock.Now()
	n, err := j.sa.MarkExpired(context.Background(), now.Add(-j.cfg.ExpiredGrace), now)
	if err != nil {
		j.logger.Error("mark expired accounts", zap.Error(err))
		return
	}
	if n > 0 {
		j.logger.Info("marked accounts expired", zap.Int64("count", n))
	}
}

// refresh runs with the account held in refreshing. Every path releases
// that claim, either by storing new tokens or recording the failure.
func (j *TokenRefreshJob) refresh(ctx context.Context, acc *models.SocialAccount) error {
	log := j.logger.With(zap.Int64("account_id", acc.ID), zap.String("platform", acc.Platform))

	creds, err := j.creds.Get(ctx, acc.ID)
	if err != nil {
		return j.fail(ctx, acc, fmt.Errorf("load credentials: %w", err))
	}
	if creds.RefreshToken.IsZero() {
		return j.fail(ctx, acc, ErrNoRefreshToken)
	}

	client, err := j.clients.Get(acc.Platform)
	if err != nil {
		return j.fail(ctx, acc, err)
	}

	tok, err := client.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		return j.fail(ctx, acc, err)
	}

	expiresAt := tok.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = service.GetExpiresAt(j.clock.Now(), tok.ExpiresIn)
	}

	err = j.creds.Put(ctx, acc.ID, service.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		log.Error("store refreshed tokens", zap.Error(err))
		return err
	}

	log.Info("token refreshed", zap.Bool("refresh_token_rotated", !tok.RefreshToken.IsZero()))
	return nil
}

func (j *TokenRefreshJob) fail(ctx context.Context, acc *models.SocialAccount, cause error) error {
	status, err := j.sa.RecordRefreshFailure(ctx, acc.ID, models.RefreshFailure{
		Message:   cause.Error(),
		Threshold: j.cfg.ErrorThreshold,
		At:        j.clock.Now(),
	})
	if err != nil {
		j.logger.Error("record refresh failure", zap.Int64("account_id", acc.ID), zap.Error(err))
		return errors.Join(cause, err)
	}

	fields := []zap.Field{
		zap.Int64("account_id", acc.ID),
		zap.String("platform", acc.Platform),
		zap.String("status", string(status)),
		zap.Error(cause),
	}
	if status == models.AccountStatusError {
		j.logger.Warn("account moved to error after repeated refresh failures", fields...)
	} else {
		j.logger.Warn("token refresh failed", fields...)
	}
	return fmt.Errorf("refresh account %d: %w", acc.ID, cause)
}
