package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository/memstore"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/pkg/utils"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type recordingDispatcher struct {
	mu   sync.Mutex
	work []models.DueWork
	fail map[int64]bool
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, work models.DueWork) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[work.PostID] {
		return errors.New("broker unavailable")
	}
	d.work = append(d.work, work)
	return nil
}

func (d *recordingDispatcher) ids() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []int64
	for _, w := range d.work {
		ids = append(ids, w.PostID)
	}
	return ids
}

func schedulerConfig() config.Scheduler {
	return config.Scheduler{
		ScanBatchSize:       50,
		StalenessWindow:     24 * time.Hour,
		ClaimTimeout:        10 * time.Minute,
		PublishStallTimeout: 30 * time.Minute,
	}
}

func newScanner(store *memstore.Store, d Dispatcher, clock utils.Clock, instance string) *ScannerJob {
	return NewScannerJob(store.Posts(), d, service.NewBackoff(nil), clock, zap.NewNop(), schedulerConfig(), instance)
}

func scheduled(id int64, at time.Time) models.Post {
	return models.Post{ID: id, UserID: 1, ScheduledTime: at, Status: models.PostStatusScheduled}
}

func TestScannerClaimsAtTheInstantRegardlessOfZone(t *testing.T) {
	store := memstore.New()
	clock := utils.NewManualClock(epoch)
	kolkata := time.FixedZone("IST", 5*3600+1800)
	store.AddPost(scheduled(1, epoch.Add(time.Second).In(kolkata)))

	d := &recordingDispatcher{}
	scanner := newScanner(store, d, clock, "scanner-a")

	summary, err := scanner.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Claimed)
	require.Equal(t, models.PostStatusScheduled, store.Post(1).Status)

	clock.Advance(time.Second)
	summary, err = scanner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Claimed)
	require.Equal(t, []int64{1}, d.ids())

	post := store.Post(1)
	require.Equal(t, models.PostStatusQueued, post.Status)
	require.Equal(t, "scanner-a", post.ClaimedBy)
}

func TestScannerSkipsPostsThatAreNotDue(t *testing.T) {
	store := memstore.New()
	clock := utils.NewManualClock(epoch)

	store.AddPost(scheduled(1, epoch.Add(-time.Minute)))
	store.AddPost(scheduled(2, epoch.Add(time.Hour)))
	store.AddPost(models.Post{ID: 3, ScheduledTime: epoch.Add(-time.Minute), Status: models.PostStatusDraft})
	store.AddPost(models.Post{ID: 4, ScheduledTime: epoch.Add(-time.Minute), Status: models.PostStatusCancelled})
	store.AddPost(models.Post{ID: 5, ScheduledTime: epoch.Add(-time.Minute), Status: models.PostStatusScheduled, RetryCount: 3, MaxRetries: 3})
	store.AddPost(scheduled(6, epoch.Add(-48*time.Hour)))
	store.AddPost(models.Post{ID: 7, ScheduledTime: epoch.Add(-time.Minute), Status: models.PostStatusScheduled, IsDeleted: true})

	d := &recordingDispatcher{}
	_, err := newScanner(store, d, clock, "scanner-a").Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{1}, d.ids())

	require.Equal(t, models.PostStatusScheduled, store.Post(2).Status)
	require.Equal(t, models.PostStatusDraft, store.Post(3).Status)
	require.Equal(t, models.PostStatusCancelled, store.Post(4).Status)
	require.Equal(t, models.PostStatusScheduled, store.Post(5).Status)
	require.Equal(t, models.PostStatusScheduled, store.Post(6).Status)
}

func TestConcurrentScannersClaimEachPostOnce(t *testing.T) {
	store := memstore.New()
	clock := utils.NewManualClock(epoch)
	for id := int64(1); id <= 40; id++ {
		store.AddPost(scheduled(id, epoch.Add(-time.Duration(id)*time.Second)))
	}

	d := &recordingDispatcher{}
	names := []string{"scanner-a", "scanner-b", "scanner-c"}
	errs := make(chan error, len(names))
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := newScanner(store, d, clock, name).Run(context.Background())
			errs <- err
		}(name)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	seen := make(map[int64]int)
	for _, id := range d.ids() {
		seen[id]++
	}
	require.Len(t, seen, 40)
	for id, n := range seen {
		require.Equal(t, 1, n, "post %d dispatched more than once", id)
	}
}

func TestScannerRedispatchesAfterClaimTimeout(t *testing.T) {
	store := memstore.New()
	clock := utils.NewManualClock(epoch)
	store.AddPost(scheduled(1, epoch.Add(-time.Minute)))

	d := &recordingDispatcher{fail: map[int64]bool{1: true}}
	scanner := newScanner(store, d, clock, "scanner-a")

	summary, err := scanner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Claimed)
	require.Equal(t, 1, summary.DispatchErrors)
	require.Equal(t, models.PostStatusQueued, store.Post(1).Status)

	d.fail = nil
	clock.Advance(5 * time.Minute)
	summary, err = scanner.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Reclaimed)

	clock.Advance(6 * time.Minute)
	summary, err = scanner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Reclaimed)
	require.Equal(t, []int64{1}, d.ids())
	require.Equal(t, models.PostStatusQueued, store.Post(1).Status)
}

func TestScannerRecoversStalledPublishing(t *testing.T) {
	store := memstore.New()
	clock := utils.NewManualClock(epoch)

	stalledAt := epoch.Add(-time.Hour)
	recentAt := epoch.Add(-time.Minute)
	store.AddPost(models.Post{ID: 1, ScheduledTime: stalledAt, Status: models.PostStatusPublishing, PublishingAt: &stalledAt})
	store.AddPost(models.Post{ID: 2, ScheduledTime: stalledAt, Status: models.PostStatusPublishing, PublishingAt: &stalledAt, RetryCount: 2})
	store.AddPost(models.Post{ID: 3, ScheduledTime: recentAt, Status: models.PostStatusPublishing, PublishingAt: &recentAt})

	summary, err := newScanner(store, &recordingDispatcher{}, clock, "scanner-a").Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Recovered)

	retried := store.Post(1)
	require.Equal(t, models.PostStatusScheduled, retried.Status)
	require.Equal(t, 1, retried.RetryCount)
	require.Equal(t, epoch.Add(5*time.Minute), retried.ScheduledTime)

	exhausted := store.Post(2)
	require.Equal(t, models.PostStatusFailed, exhausted.Status)
	require.Contains(t, exhausted.ErrorMessage, "retries exhausted")

	require.Equal(t, models.PostStatusPublishing, store.Post(3).Status)
}
