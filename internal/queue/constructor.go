package queue

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/maheshrc27/postflow/internal/models"
	"go.uber.org/zap"
)

const publishMaxRetry = 10

// AsynqDispatcher hands claimed posts to asynq. The task becomes ready at
// the post's scheduled time, or at once if that has already passed.
type AsynqDispatcher struct {
	client *asynq.Client
	logger *zap.Logger
}

func NewAsynqDispatcher(client *asynq.Client, logger *zap.Logger) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, logger: logger}
}

func (d *AsynqDispatcher) Dispatch(ctx context.Context, work models.DueWork) error {
	task, err := NewPublishPostTask(work.PostID)
	if err != nil {
		return err
	}

	info, err := d.client.EnqueueContext(ctx, task,
		asynq.ProcessAt(work.ScheduledTime),
		asynq.MaxRetry(publishMaxRetry),
	)
	if err != nil {
		return fmt.Errorf("enqueue post %d: %w", work.PostID, err)
	}

	d.logger.Debug("task enqueued",
		zap.Int64("post_id", work.PostID),
		zap.String("task_id", info.ID),
		zap.Time("process_at", info.NextProcessAt),
	)
	return nil
}
