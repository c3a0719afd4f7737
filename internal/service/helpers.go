package service

import (
	"strings"
	"time"

	"github.com/maheshrc27/postflow/pkg/utils"
)

const maxErrorMessageLen = 2000

// GetExpiresAt turns a relative token lifetime into an instant. A zero
// lifetime falls back to one hour, the shortest any platform issues.
func GetExpiresAt(now time.Time, expiresIn time.Duration) time.Time {
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return now.Add(expiresIn).UTC()
}

func joinMessages(msgs []string) string {
	return truncateMessage(strings.Join(msgs, "; "))
}

func truncateMessage(msg string) string {
	return utils.Truncate(msg, maxErrorMessageLen)
}
