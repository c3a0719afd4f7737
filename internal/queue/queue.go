package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

const TaskTypePublishPost = "publish:post"

var ErrInvalidPayload = errors.New("invalid publish payload")

// PublishPostPayload is the whole message between scanner and worker.
// Delivery is at least once; the worker's claim makes repeats harmless.
type PublishPostPayload struct {
	PostID int64 `json:"post_id"`
}

// PostPublisher runs one publishing round for a post.
type PostPublisher interface {
	PublishPost(ctx context.Context, postID int64) (*Report, error)
}

func NewPublishPostTask(postID int64) (*asynq.Task, error) {
	body, err := json.Marshal(PublishPostPayload{PostID: postID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePublishPost, body), nil
}

func DecodePayload(body []byte) (PublishPostPayload, error) {
	var payload PublishPostPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return payload, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.PostID <= 0 {
		return payload, fmt.Errorf("%w: post id %d", ErrInvalidPayload, payload.PostID)
	}
	return payload, nil
}
