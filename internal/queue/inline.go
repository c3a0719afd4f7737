package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/pkg/utils"
	"go.uber.org/zap"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

// InlineDispatcher runs the worker in-process on a timer. Nothing
// survives a restart; the scanner's reclaim of stale queued posts picks
// up whatever was pending.
type InlineDispatcher struct {
	ctx       context.Context
	publisher PostPublisher
	clock     utils.Clock
	logger    *zap.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	timers map[int64]*time.Timer
	next   int64
	closed bool
}

func NewInlineDispatcher(ctx context.Context, publisher PostPublisher, clock utils.Clock, logger *zap.Logger) *InlineDispatcher {
	return &InlineDispatcher{
		ctx:       ctx,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
		timers:    make(map[int64]*time.Timer),
	}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, work models.DueWork) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	delay := work.ScheduledTime.Sub(d.clock.Now())
	if delay < 0 {
		delay = 0
	}

	id := d.next
	d.next++
	d.wg.Add(1)
	d.timers[id] = time.AfterFunc(delay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		delete(d.timers, id)
		d.mu.Unlock()
		d.run(work.PostID)
	})
	return nil
}

func (d *InlineDispatcher) run(postID int64) {
	if d.ctx.Err() != nil {
		return
	}
	if _, err := d.publisher.PublishPost(d.ctx, postID); err != nil {
		d.logger.Error("inline publish failed", zap.Int64("post_id", postID), zap.Error(err))
	}
}

// Close drops timers that have not fired and waits for running rounds.
func (d *InlineDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	for id, t := range d.timers {
		if t.Stop() {
			d.wg.Done()
		}
		delete(d.timers, id)
	}
	d.mu.Unlock()

	d.wg.Wait()
}
