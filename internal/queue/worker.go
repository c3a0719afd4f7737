package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/pkg/utils"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

const (
	maxStoredMessageLen = 1000
	completeAttempts    = 3
	completeTimeout     = 5 * time.Second
)

var completeRetryDelay = 200 * time.Millisecond

// Report summarises one publishing round.
type Report struct {
	PostID         int64
	AlreadyHandled bool
	Status         models.PostStatus
	Attempted      int
	Skipped        int
	Failed         int
	NextAttempt    time.Time
}

// TokenRefresher refreshes one account's tokens on demand.
type TokenRefresher interface {
	RefreshAccount(ctx context.Context, accountID int64) error
}

type Worker struct {
	pr          repository.PostRepository
	sa          repository.SelectedAccountRepository
	ph          repository.PostingHistoryRepository
	creds       service.CredentialStore
	media       service.MediaService
	clients     *platform.Registry
	refresher   TokenRefresher
	backoff     *service.Backoff
	clock       utils.Clock
	logger      *zap.Logger
	concurrency int
}

func NewWorker(
	pr repository.PostRepository,
	sa repository.SelectedAccountRepository,
	ph repository.PostingHistoryRepository,
	creds service.CredentialStore,
	media service.MediaService,
	clients *platform.Registry,
	backoff *service.Backoff,
	clock utils.Clock,
	logger *zap.Logger,
	concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		pr:          pr,
		sa:          sa,
		ph:          ph,
		creds:       creds,
		media:       media,
		clients:     clients,
		backoff:     backoff,
		clock:       clock,
		logger:      logger,
		concurrency: concurrency,
	}
}

// WithRefresher lets the worker refresh an expired access token before
// publishing instead of waiting for the next refresh cycle.
func (w *Worker) WithRefresher(r TokenRefresher) *Worker {
	w.refresher = r
	return w
}

func (w *Worker) HandlePublishPostTask(ctx context.Context, task *asynq.Task) error {
	payload, err := DecodePayload(task.Payload())
	if err != nil {
		w.logger.Error("dropping task", zap.String("task_type", task.Type()), zap.Error(err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	_, err = w.PublishPost(ctx, payload.PostID)
	return err
}

// PublishPost claims a queued post and publishes it to every linked
// account that has not already succeeded. Publish failures end up in the
// history and on the post; only storage errors are returned, so the
// queue redelivers and the claim turns the repeat into a no-op.
func (w *Worker) PublishPost(ctx context.Context, postID int64) (*Report, error) {
	log := w.logger.With(zap.Int64("post_id", postID))
	now := w.clock.Now()

	post, err := w.pr.ClaimForPublish(ctx, postID, now)
	switch {
	case errors.Is(err, models.ErrAlreadyHandled):
		log.Info("post already handled", zap.String("status", string(post.Status)))
		return &Report{PostID: postID, AlreadyHandled: true, Status: post.Status}, nil
	case errors.Is(err, models.ErrPostNotFound):
		log.Warn("post not found")
		return &Report{PostID: postID, AlreadyHandled: true}, nil
	case err != nil:
		return nil, err
	}

	closed, err := w.ph.CloseAbandoned(ctx, post.ID, now)
	if err != nil {
		return nil, err
	}
	if closed > 0 {
		log.Warn("closed abandoned attempts", zap.Int64("count", closed))
	}

	accounts, err := w.sa.ListAccounts(ctx, post.ID)
	if err != nil {
		return nil, err
	}
	done, err := w.ph.SuccessfulAttempts(ctx, post.ID)
	if err != nil {
		return nil, err
	}
	unknown, err := w.ph.UnknownOutcomes(ctx, post.ID)
	if err != nil {
		return nil, err
	}

	media, mediaErr := w.media.Resolve(ctx, post.ID)
	content := platform.Content{
		PostID:   post.ID,
		PostType: post.PostType,
		Title:    post.Title,
		Caption:  post.Caption,
		Media:    media,
	}

	report := &Report{PostID: post.ID}
	results := make([]service.AccountResult, len(accounts))
	errs := make([]error, len(accounts))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, w.concurrency)

	for i, acc := range accounts {
		if contentID, ok := done[acc.ID]; ok {
			results[i] = service.AccountResult{AccountID: acc.ID, Platform: acc.Platform, ContentID: contentID}
			report.Skipped++
			continue
		}
		if unknown[acc.ID] {
			log.Warn("earlier attempt has no recorded outcome, not publishing again", zap.Int64("account_id", acc.ID))
			results[i] = service.AccountResult{
				AccountID: acc.ID,
				Platform:  acc.Platform,
				Err:       platform.Permanent(acc.Platform, "an earlier attempt ended without a recorded outcome", nil),
			}
			continue
		}

		report.Attempted++
		wg.Add(1)
		semaphore <- struct{}{}
		go func(i int, acc *models.SocialAccount) {
			defer wg.Done()
			defer func() { <-semaphore }()
			results[i], errs[i] = w.attempt(ctx, post, acc, content, mediaErr)
		}(i, acc)
	}

	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	for _, r := range results {
		if !r.Succeeded() {
			report.Failed++
		}
	}

	outcome := service.PublishOutcome(post, results, w.backoff, w.clock.Now())
	if err := w.pr.Finish(ctx, post.ID, outcome, w.clock.Now()); err != nil {
		if errors.Is(err, models.ErrAlreadyHandled) {
			log.Warn("post changed while publishing", zap.Error(err))
			report.AlreadyHandled = true
			return report, nil
		}
		return nil, err
	}

	report.Status = outcome.Status
	if outcome.Status == models.PostStatusScheduled {
		report.NextAttempt = outcome.ScheduledTime
	}

	log.Info("publishing round finished",
		zap.String("status", string(outcome.Status)),
		zap.Int("attempted", report.Attempted),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("retry_count", outcome.RetryCount),
	)
	return report, nil
}

// attempt records and performs one publish call for one account. The
// error is set only when the result could not be stored.
func (w *Worker) attempt(ctx context.Context, post *models.Post, acc *models.SocialAccount, content platform.Content, mediaErr error) (service.AccountResult, error) {
	res := service.AccountResult{AccountID: acc.ID, Platform: acc.Platform}
	log := w.logger.With(
		zap.Int64("post_id", post.ID),
		zap.Int64("account_id", acc.ID),
		zap.String("platform", acc.Platform),
	)

	requestID, err := gonanoid.New()
	if err != nil {
		res.Err = platform.Retryable(acc.Platform, "generate request id", err)
		return res, nil
	}

	ph := &models.PostingHistory{
		UserID:    post.UserID,
		PostID:    post.ID,
		AccountID: acc.ID,
		RequestID: requestID,
		StartedAt: w.clock.Now(),
	}
	if err := w.ph.Start(ctx, ph); err != nil {
		log.Error("could not record attempt", zap.Error(err))
		res.Err = platform.Retryable(acc.Platform, "record attempt", err)
		return res, nil
	}
	log = log.With(zap.String("request_id", requestID), zap.Int("attempt", ph.AttemptNumber))

	published, err := w.publish(ctx, acc, content, mediaErr)

	result := models.AttemptResult{CompletedAt: w.clock.Now()}
	if err != nil {
		res.Err = err
		result.ErrorKind = errorKind(err)
		result.ErrorMessage = utils.Truncate(err.Error(), maxStoredMessageLen)
		log.Warn("publish failed", zap.String("error_kind", string(result.ErrorKind)), zap.Error(err))
	} else {
		res.ContentID = published.ContentID
		result.Success = true
		result.PlatformContentID = published.ContentID
		result.Response = published.Response
		log.Info("published", zap.String("content_id", published.ContentID))
	}

	if err := w.complete(ctx, ph.ID, result); err != nil {
		log.Error("could not record attempt result", zap.Bool("success", result.Success), zap.Error(err))
		return res, fmt.Errorf("record result of attempt %d: %w", ph.ID, err)
	}
	return res, nil
}

// complete stores an attempt result, retrying on a context the caller
// cannot cancel. A row left open is later closed as outcome unknown.
func (w *Worker) complete(ctx context.Context, id int64, result models.AttemptResult) error {
	ctx = context.WithoutCancel(ctx)

	var err error
	for i := 0; i < completeAttempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * completeRetryDelay)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, completeTimeout)
		err = w.ph.Complete(attemptCtx, id, result)
		cancel()
		if err == nil || errors.Is(err, repository.ErrAttemptCompleted) {
			return err
		}
	}
	return err
}

func (w *Worker) publish(ctx context.Context, acc *models.SocialAccount, content platform.Content, mediaErr error) (*platform.PublishResult, error) {
	if !acc.Status.Usable() {
		return nil, platform.CredentialUnavailable(acc.Platform, fmt.Sprintf("account is %s", acc.Status))
	}
	if mediaErr != nil {
		return nil, mediaErr
	}

	client, err := w.clients.Get(acc.Platform)
	if err != nil {
		return nil, err
	}

	creds, err := w.creds.Get(ctx, acc.ID)
	switch {
	case errors.Is(err, service.ErrCredentialsUnreadable), errors.Is(err, models.ErrAccountNotFound):
		return nil, platform.CredentialUnavailable(acc.Platform, err.Error())
	case err != nil:
		return nil, platform.Retryable(acc.Platform, "load credentials", err)
	}

	if w.expired(creds) {
		creds, err = w.refreshExpired(ctx, acc)
		if err != nil {
			return nil, err
		}
	}

	return client.Publish(ctx, platform.Credentials{
		ExternalID:  acc.AccountID,
		AccessToken: creds.AccessToken,
	}, content)
}

func (w *Worker) expired(creds *service.Credentials) bool {
	return !creds.ExpiresAt.IsZero() && !creds.ExpiresAt.After(w.clock.Now())
}

// refreshExpired replaces an expired access token through the refresher.
// Without one, or when the refresh does not go through, the account
// waits for the refresh cycle.
func (w *Worker) refreshExpired(ctx context.Context, acc *models.SocialAccount) (*service.Credentials, error) {
	if w.refresher == nil {
		return nil, platform.TokenPending(acc.Platform, "access token expired, waiting for refresh", nil)
	}
	if err := w.refresher.RefreshAccount(ctx, acc.ID); err != nil {
		return nil, platform.TokenPending(acc.Platform, "access token expired and could not be refreshed", err)
	}

	creds, err := w.creds.Get(ctx, acc.ID)
	if err != nil {
		return nil, platform.Retryable(acc.Platform, "load credentials", err)
	}
	if w.expired(creds) {
		return nil, platform.TokenPending(acc.Platform, "refreshed access token is already expired", nil)
	}
	return creds, nil
}

func errorKind(err error) models.ErrorKind {
	switch platform.KindOf(err) {
	case platform.KindPermanent:
		return models.ErrorKindPermanent
	case platform.KindCredential:
		return models.ErrorKindCredential
	case platform.KindTokenPending:
		return models.ErrorKindTokenPending
	}
	return models.ErrorKindRetryable
}
