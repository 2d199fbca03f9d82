package actions

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// jobIDAttempts bounds collision retries before giving up.
const jobIDAttempts = 10

// newJobID mints a quarter-scoped job id like "2026Q3-a7f2": year, quarter,
// and a random 4-character base36 suffix checked for uniqueness.
func newJobID(ctx context.Context, jobs *repository.JobRepository, now time.Time) (string, error) {
	prefix := fmt.Sprintf("%dQ%d-", now.Year(), (int(now.Month())-1)/3+1)

	for i := 0; i < jobIDAttempts; i++ {
		suffix, err := randBase36(4)
		if err != nil {
			return "", err
		}
		id := prefix + suffix
		exists, err := jobs.Exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
	}
	return "", model.ErrConflict("could not allocate a unique job id")
}

func randBase36(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate job id suffix: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = base36[int(b)%len(base36)]
	}
	return string(out), nil
}
