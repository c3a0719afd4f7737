package job

import (
	"context"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/pkg/utils"
	"go.uber.org/zap"
)

// Dispatcher hands a claimed post to whatever runs the worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, work models.DueWork) error
}

type ScanSummary struct {
	Claimed        int
	Reclaimed      int
	Recovered      int
	Dispatched     int
	DispatchErrors int
}

type ScannerJob struct {
	pr         repository.PostRepository
	dispatcher Dispatcher
	backoff    *service.Backoff
	clock      utils.Clock
	logger     *zap.Logger
	cfg        config.Scheduler
	instanceID string
}

func NewScannerJob(
	pr repository.PostRepository,
	dispatcher Dispatcher,
	backoff *service.Backoff,
	clock utils.Clock,
	logger *zap.Logger,
	cfg config.Scheduler,
	instanceID string) *ScannerJob {
	return &ScannerJob{
		pr:         pr,
		dispatcher: dispatcher,
		backoff:    backoff,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
		instanceID: instanceID,
	}
}

// ScanDuePosts is the cron entry point.
func (j *ScannerJob) ScanDuePosts() {
	if _, err := j.Run(context.Background()); err != nil {
		j.logger.Error("scan failed", zap.Error(err))
	}
}

// Run performs one scanner tick. Posts whose dispatch fails stay queued
// and are sent again once their claim is older than the claim timeout.
func (j *ScannerJob) Run(ctx context.Context) (*ScanSummary, error) {
	now := j.clock.Now()
	summary := &ScanSummary{}

	recovered, err := j.pr.RecoverStalled(ctx, now.Add(-j.cfg.PublishStallTimeout), now,
		j.cfg.ScanBatchSize, service.StalledOutcome(j.backoff, now))
	if err != nil {
		j.logger.Error("recover stalled posts", zap.Error(err))
	} else if len(recovered) > 0 {
		summary.Recovered = len(recovered)
		j.logger.Warn("recovered stalled posts", zap.Int64s("post_ids", recovered))
	}

	claimed, err := j.pr.ClaimDue(ctx, repository.DueQuery{
		Now:       now,
		Lookahead: j.cfg.Lookahead,
		Staleness: j.cfg.StalenessWindow,
		Limit:     j.cfg.ScanBatchSize,
		ClaimedBy: j.instanceID,
	})
	if err != nil {
		return nil, err
	}
	summary.Claimed = len(claimed)

	reclaimed, err := j.pr.ReclaimQueued(ctx, now.Add(-j.cfg.ClaimTimeout), now, j.instanceID, j.cfg.ScanBatchSize)
	if err != nil {
		j.logger.Error("reclaim queued posts", zap.Error(err))
	}
	summary.Reclaimed = len(reclaimed)

	for _, work := range append(claimed, reclaimed...) {
		if err := j.dispatcher.Dispatch(ctx, work); err != nil {
			summary.DispatchErrors++
			j.logger.Error("dispatch failed", zap.Int64("post_id", work.PostID), zap.Error(err))
			continue
		}
		summary.Dispatched++
	}

	if summary.Claimed+summary.Reclaimed > 0 {
		j.logger.Info("scan finished",
			zap.Int("claimed", summary.Claimed),
			zap.Int("reclaimed", summary.Reclaimed),
			zap.Int("dispatched", summary.Dispatched),
			zap.Int("dispatch_errors", summary.DispatchErrors),
		)
	}
	return summary, nil
}
