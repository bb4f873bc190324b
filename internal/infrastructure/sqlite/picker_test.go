package sqlite_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/opsbatch/scheduler/internal/domain"
	"github.com/opsbatch/scheduler/internal/infrastructure/sqlite"
)

// TestTaskRepository_ConcurrentClaimAtMostOneWinner exercises the "at most
// one of N concurrent claimers observes a non-empty result" law directly
// against the real driver: the pool is capped to a single connection
// (sqlite.Open), so BEGIN IMMEDIATE serializes the claimers through
// database/sql rather than racing inside SQLite itself.
func TestTaskRepository_ConcurrentClaimAtMostOneWinner(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewTaskRepository(db)
	task := seedPendingTask(t, repo, "ticket-concurrent-claim")

	const claimers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []int64

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id, ok, err := repo.LockAndMarkRunning(context.Background(), fmt.Sprintf("worker-%d", n))
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner among %d concurrent claimers, got %d: %v", claimers, len(winners), winners)
	}
	if winners[0] != task.ID {
		t.Fatalf("winner claimed task %d, want %d", winners[0], task.ID)
	}

	got, err := repo.GetByID(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get after claim: %v", err)
	}
	if got.Status != domain.StatusRunning {
		t.Fatalf("expected task RUNNING after claim, got %s", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected attempt_count incremented exactly once, got %d", got.AttemptCount)
	}
}
