package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/pkg/utils"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAsynqDispatcherSchedulesAtPostTime(t *testing.T) {
	mr := miniredis.RunT(t)
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	defer client.Close()

	d := NewAsynqDispatcher(client, zap.NewNop())
	runAt := time.Now().Add(10 * time.Minute).UTC().Truncate(time.Second)
	require.NoError(t, d.Dispatch(context.Background(), models.DueWork{PostID: 42, ScheduledTime: runAt}))

	members, err := mr.ZMembers("asynq:{default}:scheduled")
	require.NoError(t, err)
	require.Len(t, members, 1)
	score, err := mr.ZScore("asynq:{default}:scheduled", members[0])
	require.NoError(t, err)
	require.Equal(t, float64(runAt.Unix()), score)
}

func TestAsynqDispatcherEnqueuesDueWorkImmediately(t *testing.T) {
	mr := miniredis.RunT(t)
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	defer client.Close()

	d := NewAsynqDispatcher(client, zap.NewNop())
	require.NoError(t, d.Dispatch(context.Background(), models.DueWork{PostID: 42, ScheduledTime: time.Now().Add(-time.Second)}))

	pending, err := mr.List("asynq:{default}:pending")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

type fakeChannel struct {
	mu         sync.Mutex
	published  []amqp.Publishing
	deliveries chan amqp.Delivery
}

func (c *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

type fakeAck struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
	done   chan struct{}
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	a.acked = append(a.acked, tag)
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	a.nacked = append(a.nacked, tag)
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

type fakePublisher struct {
	mu    sync.Mutex
	posts []int64
	err   error
	ran   chan int64
}

func (p *fakePublisher) PublishPost(ctx context.Context, postID int64) (*Report, error) {
	p.mu.Lock()
	p.posts = append(p.posts, postID)
	p.mu.Unlock()
	if p.ran != nil {
		p.ran <- postID
	}
	return &Report{PostID: postID}, p.err
}

func TestAMQPDispatcherCarriesRunAt(t *testing.T) {
	ch := &fakeChannel{}
	d := NewAMQPDispatcher(ch, "publish_posts", zap.NewNop())

	runAt := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, d.Dispatch(context.Background(), models.DueWork{PostID: 7, ScheduledTime: runAt}))

	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	require.Equal(t, amqp.Persistent, msg.DeliveryMode)
	require.Equal(t, "2024-03-10T12:00:00Z", msg.Headers[runAtHeader])
	require.JSONEq(t, `{"post_id":7}`, string(msg.Body))
}

func TestAMQPConsumerAcksAndRequeues(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 3)}
	ack := &fakeAck{done: make(chan struct{}, 3)}
	pub := &fakePublisher{}
	clock := utils.NewManualClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	consumer := NewAMQPConsumer(ch, "publish_posts", pub, clock, zap.NewNop())

	body, _ := json.Marshal(PublishPostPayload{PostID: 7})
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body,
		Headers: amqp.Table{runAtHeader: "2024-03-10T11:59:00Z"}}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`not json`)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Run(ctx)

	<-ack.done
	<-ack.done
	require.Equal(t, []uint64{1, 2}, ack.acked)
	require.Equal(t, []int64{7}, pub.posts)

	pub.mu.Lock()
	pub.err = errors.New("database unavailable")
	pub.mu.Unlock()
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: body}
	<-ack.done

	ack.mu.Lock()
	defer ack.mu.Unlock()
	require.Equal(t, []uint64{3}, ack.nacked)
}

func TestInlineDispatcherRunsDueWork(t *testing.T) {
	pub := &fakePublisher{ran: make(chan int64, 1)}
	clock := utils.NewManualClock(time.Now())
	d := NewInlineDispatcher(context.Background(), pub, clock, zap.NewNop())

	require.NoError(t, d.Dispatch(context.Background(), models.DueWork{PostID: 3, ScheduledTime: clock.Now().Add(-time.Minute)}))

	select {
	case id := <-pub.ran:
		require.Equal(t, int64(3), id)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not run")
	}
	d.Close()
}

func TestInlineDispatcherCloseDropsPendingTimers(t *testing.T) {
	pub := &fakePublisher{}
	clock := utils.NewManualClock(time.Now())
	d := NewInlineDispatcher(context.Background(), pub, clock, zap.NewNop())

	require.NoError(t, d.Dispatch(context.Background(), models.DueWork{PostID: 3, ScheduledTime: clock.Now().Add(time.Hour)}))
	d.Close()

	require.Empty(t, pub.posts)
	require.ErrorIs(t, d.Dispatch(context.Background(), models.DueWork{PostID: 4}), ErrDispatcherClosed)
}
