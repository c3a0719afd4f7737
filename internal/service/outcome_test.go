package service

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/stretchr/testify/require"
)

var outcomeNow = time.Date(2024, 3, 10, 12, 0, 5, 0, time.UTC)

func scheduledPost(retries int) *models.Post {
	return &models.Post{
		ID:            1,
		ScheduledTime: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		Status:        models.PostStatusPublishing,
		RetryCount:    retries,
		MaxRetries:    3,
	}
}

func TestPublishOutcomeAllSucceeded(t *testing.T) {
	out := PublishOutcome(scheduledPost(1), []AccountResult{
		{AccountID: 1, ContentID: "a-1"},
		{AccountID: 2, ContentID: "b-1"},
	}, NewBackoff(nil), outcomeNow)

	require.Equal(t, models.PostStatusPublished, out.Status)
	require.Equal(t, 1, out.RetryCount)
	require.Equal(t, outcomeNow, *out.PublishedAt)
	require.Equal(t, []string{"a-1", "b-1"}, out.PlatformContentIDs)
	require.Empty(t, out.ErrorMessage)
}

func TestPublishOutcomePartialFailureRetries(t *testing.T) {
	out := PublishOutcome(scheduledPost(0), []AccountResult{
		{AccountID: 1, ContentID: "a-1"},
		{AccountID: 2, Err: platform.Retryable("tiktok", "503 from upstream", nil)},
	}, NewBackoff(nil), outcomeNow)

	require.Equal(t, models.PostStatusScheduled, out.Status)
	require.Equal(t, 1, out.RetryCount)
	require.Equal(t, outcomeNow.Add(300*time.Second), out.ScheduledTime)
	require.Contains(t, out.ErrorMessage, "account 2")
	require.Contains(t, out.ErrorMessage, "503 from upstream")
	require.Equal(t, []string{"a-1"}, out.PlatformContentIDs)
}

func TestPublishOutcomePermanentFailsImmediately(t *testing.T) {
	for _, err := range []error{
		platform.Permanent("instagram", "unsupported format", nil),
		platform.CredentialUnavailable("youtube", "account is expired"),
	} {
		out := PublishOutcome(scheduledPost(0), []AccountResult{
			{AccountID: 1, Err: platform.Retryable("tiktok", "timeout", nil)},
			{AccountID: 2, Err: err},
		}, NewBackoff(nil), outcomeNow)

		require.Equal(t, models.PostStatusFailed, out.Status)
		require.Equal(t, 0, out.RetryCount)
	}
}

func TestPublishOutcomeUnclassifiedErrorIsRetryable(t *testing.T) {
	out := PublishOutcome(scheduledPost(0), []AccountResult{
		{AccountID: 1, Err: errors.New("connection reset by peer")},
	}, NewBackoff(nil), outcomeNow)
	require.Equal(t, models.PostStatusScheduled, out.Status)
}

func TestPublishOutcomePendingTokenKeepsRetries(t *testing.T) {
	out := PublishOutcome(scheduledPost(2), []AccountResult{
		{AccountID: 1, ContentID: "a-1"},
		{AccountID: 2, Err: platform.TokenPending("tiktok", "access token expired", nil)},
	}, NewBackoff(nil), outcomeNow)

	require.Equal(t, models.PostStatusScheduled, out.Status)
	require.Equal(t, 2, out.RetryCount)
	require.Equal(t, outcomeNow.Add(300*time.Second), out.ScheduledTime)
	require.Equal(t, []string{"a-1"}, out.PlatformContentIDs)
	require.Contains(t, out.ErrorMessage, "access token expired")
}

func TestPublishOutcomePendingTokenWithRetryableFailureUsesRetry(t *testing.T) {
	out := PublishOutcome(scheduledPost(0), []AccountResult{
		{AccountID: 1, Err: platform.Retryable("instagram", "503", nil)},
		{AccountID: 2, Err: platform.TokenPending("tiktok", "access token expired", nil)},
	}, NewBackoff(nil), outcomeNow)

	require.Equal(t, models.PostStatusScheduled, out.Status)
	require.Equal(t, 1, out.RetryCount)
}

func TestPublishOutcomeErrorMessageStaysValidUTF8(t *testing.T) {
	out := PublishOutcome(scheduledPost(0), []AccountResult{
		{AccountID: 1, Err: platform.Retryable("tiktok", strings.Repeat("投稿に失敗しました", 200), nil)},
	}, NewBackoff(nil), outcomeNow)

	require.LessOrEqual(t, len(out.ErrorMessage), maxErrorMessageLen)
	require.True(t, utf8.ValidString(out.ErrorMessage))
}

func TestPublishOutcomeWithoutAccountsFails(t *testing.T) {
	out := PublishOutcome(scheduledPost(0), nil, NewBackoff(nil), outcomeNow)
	require.Equal(t, models.PostStatusFailed, out.Status)
	require.Contains(t, out.ErrorMessage, "no linked accounts")
}

func TestRetriesRunOutAfterMaxRetries(t *testing.T) {
	backoff := NewBackoff(nil)
	post := scheduledPost(0)
	fail := []AccountResult{{AccountID: 1, Err: platform.Retryable("tiktok", "down", nil)}}
	wantDelays := []time.Duration{300 * time.Second, 900 * time.Second}

	for i, delay := range wantDelays {
		out := PublishOutcome(post, fail, backoff, outcomeNow)
		require.Equal(t, models.PostStatusScheduled, out.Status, "round %d", i)
		require.Equal(t, i+1, out.RetryCount)
		require.Equal(t, outcomeNow.Add(delay), out.ScheduledTime)
		post.RetryCount = out.RetryCount
		post.ScheduledTime = out.ScheduledTime
	}

	out := PublishOutcome(post, fail, backoff, outcomeNow)
	require.Equal(t, models.PostStatusFailed, out.Status)
	require.Equal(t, 3, out.RetryCount)
	require.Contains(t, out.ErrorMessage, "retries exhausted")
}

func TestStalledOutcome(t *testing.T) {
	decide := StalledOutcome(NewBackoff(nil), outcomeNow)

	out := decide(scheduledPost(1))
	require.Equal(t, models.PostStatusScheduled, out.Status)
	require.Equal(t, 2, out.RetryCount)
	require.Equal(t, outcomeNow.Add(900*time.Second), out.ScheduledTime)

	out = decide(scheduledPost(2))
	require.Equal(t, models.PostStatusFailed, out.Status)
}
