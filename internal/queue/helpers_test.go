package queue

import (
	"time"

	"github.com/maheshrc27/postflow/internal/repository"
)

func repositoryDueQuery(now time.Time) repository.DueQuery {
	return repository.DueQuery{Now: now, Staleness: time.Hour, Limit: 10, ClaimedBy: "test"}
}
