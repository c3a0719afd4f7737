package service

import (
	"fmt"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
)

// AccountResult is the result of publishing a post to one linked
// account, either in this run or an earlier one.
type AccountResult struct {
	AccountID int64
	Platform  string
	ContentID string
	Err       error
}

func (r AccountResult) Succeeded() bool { return r.Err == nil }

// PublishOutcome folds the per-account results of a run into the post's
// next state. Every account done means published. A permanent or
// credential failure fails the post at once; otherwise the post goes
// back to scheduled until its retries run out. A run held up only by
// tokens waiting for a refresh is rescheduled without using a retry.
func PublishOutcome(post *models.Post, results []AccountResult, backoff *Backoff, now time.Time) models.PostOutcome {
	var contentIDs, msgs []string
	fatal, retryable := false, false

	for _, r := range results {
		if r.Succeeded() {
			if r.ContentID != "" {
				contentIDs = append(contentIDs, r.ContentID)
			}
			continue
		}
		msgs = append(msgs, fmt.Sprintf("account %d: %s", r.AccountID, r.Err))
		switch platform.KindOf(r.Err) {
		case platform.KindPermanent, platform.KindCredential:
			fatal = true
		case platform.KindTokenPending:
		default:
			retryable = true
		}
	}

	if len(results) == 0 {
		fatal = true
		msgs = append(msgs, "post has no linked accounts")
	}

	if len(msgs) == 0 {
		publishedAt := now
		return models.PostOutcome{
			Status:             models.PostStatusPublished,
			RetryCount:         post.RetryCount,
			ScheduledTime:      post.ScheduledTime,
			PublishedAt:        &publishedAt,
			PlatformContentIDs: contentIDs,
		}
	}

	if fatal {
		return models.PostOutcome{
			Status:             models.PostStatusFailed,
			RetryCount:         post.RetryCount,
			ScheduledTime:      post.ScheduledTime,
			ErrorMessage:       joinMessages(msgs),
			PlatformContentIDs: contentIDs,
		}
	}

	var out models.PostOutcome
	if retryable {
		out = RetryOutcome(post, joinMessages(msgs), backoff, now)
	} else {
		out = DeferOutcome(post, joinMessages(msgs), backoff, now)
	}
	out.PlatformContentIDs = contentIDs
	return out
}

// DeferOutcome puts the post back to scheduled after the first backoff
// delay and leaves its retry count alone.
func DeferOutcome(post *models.Post, message string, backoff *Backoff, now time.Time) models.PostOutcome {
	return models.PostOutcome{
		Status:             models.PostStatusScheduled,
		RetryCount:         post.RetryCount,
		ScheduledTime:      now.Add(backoff.Delay(0)).UTC(),
		ErrorMessage:       message,
		PlatformContentIDs: post.PlatformContentIDs,
	}
}

// RetryOutcome consumes one retry. The delay is chosen by the number of
// failures before this one, so the first retry waits the first delay.
func RetryOutcome(post *models.Post, message string, backoff *Backoff, now time.Time) models.PostOutcome {
	out := models.PostOutcome{
		RetryCount:         post.RetryCount + 1,
		ScheduledTime:      post.ScheduledTime,
		ErrorMessage:       message,
		PlatformContentIDs: post.PlatformContentIDs,
	}

	if out.RetryCount >= post.MaxRetries {
		out.Status = models.PostStatusFailed
		out.ErrorMessage = truncateMessage("retries exhausted: " + message)
		return out
	}

	out.Status = models.PostStatusScheduled
	out.ScheduledTime = now.Add(backoff.Delay(post.RetryCount)).UTC()
	return out
}

const stalledMessage = "publishing did not finish before the stall timeout"

// StalledOutcome returns the decision applied to a post left in
// publishing by a worker that never reported back.
func StalledOutcome(backoff *Backoff, now time.Time) func(*models.Post) models.PostOutcome {
	return func(post *models.Post) models.PostOutcome {
		return RetryOutcome(post, stalledMessage, backoff, now)
	}
}
