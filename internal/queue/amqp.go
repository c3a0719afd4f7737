package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/pkg/utils"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const runAtHeader = "run_at"

type amqpPublisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type amqpSource interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// DeclareQueue opens a channel and makes sure the durable work queue
// exists.
func DeclareQueue(conn *amqp.Connection, name string) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}
	return ch, nil
}

// AMQPDispatcher publishes claimed posts to a RabbitMQ queue. The
// scheduled time travels in the run_at header; the consumer holds the
// message until then.
type AMQPDispatcher struct {
	mu     sync.Mutex
	ch     amqpPublisher
	queue  string
	logger *zap.Logger
}

func NewAMQPDispatcher(ch amqpPublisher, queue string, logger *zap.Logger) *AMQPDispatcher {
	return &AMQPDispatcher{ch: ch, queue: queue, logger: logger}
}

func (d *AMQPDispatcher) Dispatch(ctx context.Context, work models.DueWork) error {
	body, err := json.Marshal(PublishPostPayload{PostID: work.PostID})
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	err = d.ch.Publish("", d.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         TaskTypePublishPost,
		Headers:      amqp.Table{runAtHeader: work.ScheduledTime.UTC().Format(time.RFC3339)},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish post %d: %w", work.PostID, err)
	}

	d.logger.Debug("message published", zap.Int64("post_id", work.PostID), zap.String("queue", d.queue))
	return nil
}

// AMQPConsumer feeds deliveries from the work queue to the worker.
// Storage failures are requeued; malformed messages are dropped.
type AMQPConsumer struct {
	ch        amqpSource
	queue     string
	publisher PostPublisher
	clock     utils.Clock
	logger    *zap.Logger
}

func NewAMQPConsumer(ch amqpSource, queue string, publisher PostPublisher, clock utils.Clock, logger *zap.Logger) *AMQPConsumer {
	return &AMQPConsumer{ch: ch, queue: queue, publisher: publisher, clock: clock, logger: logger}
}

// Run consumes until ctx is done or the channel closes.
func (c *AMQPConsumer) Run(ctx context.Context) error {
	msgs, err := c.ch.Consume(
		c.queue,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, d amqp.Delivery) {
	payload, err := DecodePayload(d.Body)
	if err != nil {
		c.logger.Error("dropping message", zap.Error(err))
		d.Ack(false)
		return
	}

	if runAt, ok := runAt(d.Headers); ok {
		if wait := runAt.Sub(c.clock.Now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				d.Nack(false, true)
				return
			case <-timer.C:
			}
		}
	}

	if _, err := c.publisher.PublishPost(ctx, payload.PostID); err != nil {
		c.logger.Error("publish round failed, requeueing", zap.Int64("post_id", payload.PostID), zap.Error(err))
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

func runAt(headers amqp.Table) (time.Time, bool) {
	raw, ok := headers[runAtHeader].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
