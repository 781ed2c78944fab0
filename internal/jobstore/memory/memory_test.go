package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"replaymill/internal/job"
	"replaymill/internal/jobstore"
	"replaymill/internal/pkg/errors"
)

func newJob(t *testing.T) *job.Job {
	t.Helper()
	return job.New("battle.wowsreplay", "sess", job.DefaultConfig())
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := New()
	j := newJob(t)

	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, j); !errors.IsConflict(err) {
		t.Errorf("duplicate Create: expected conflict, got %v", err)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusQueued {
		t.Errorf("expected queued, got %s", got.Status)
	}

	if _, err := s.Get(ctx, "nope"); !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := New()
	j := newJob(t)
	if err := s.Create(ctx, j); err != nil {
		t.Fatal(err)
	}

	const claimers = 16
	var wg sync.WaitGroup
	won := make(chan struct{}, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Claim(ctx, j.ID); err == nil {
				won <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(won)

	wins := 0
	for range won {
		wins++
	}
	if wins != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", wins)
	}
}

func TestTerminalTransitions(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("completed sets output and completed_at", func(t *testing.T) {
		s := New()
		j := newJob(t)
		_ = s.Create(ctx, j)
		if _, err := s.Claim(ctx, j.ID); err != nil {
			t.Fatal(err)
		}
		if err := s.MarkCompleted(ctx, j.ID, "outputs/"+j.ID+".mp4", now); err != nil {
			t.Fatal(err)
		}
		got, _ := s.Get(ctx, j.ID)
		if got.Status != job.StatusCompleted {
			t.Errorf("status = %s", got.Status)
		}
		if got.OutputPath == "" {
			t.Error("output_path must be set on completed")
		}
		if got.CompletedAt == nil {
			t.Error("completed_at must be set on completed")
		}
	})

	t.Run("failed keeps output empty", func(t *testing.T) {
		s := New()
		j := newJob(t)
		_ = s.Create(ctx, j)
		_, _ = s.Claim(ctx, j.ID)
		if err := s.MarkFailed(ctx, j.ID, "renderer exited 1", now); err != nil {
			t.Fatal(err)
		}
		got, _ := s.Get(ctx, j.ID)
		if got.Status != job.StatusFailed {
			t.Errorf("status = %s", got.Status)
		}
		if got.OutputPath != "" {
			t.Error("output_path must stay empty on failed")
		}
		if got.CompletedAt == nil {
			t.Error("completed_at must be set on failed")
		}
		if got.Message == "" {
			t.Error("failed job must carry a message")
		}
	})

	t.Run("cannot complete a queued job", func(t *testing.T) {
		s := New()
		j := newJob(t)
		_ = s.Create(ctx, j)
		if err := s.MarkCompleted(ctx, j.ID, "out.mp4", now); !errors.IsConflict(err) {
			t.Errorf("expected conflict, got %v", err)
		}
	})

	t.Run("terminal states are final", func(t *testing.T) {
		s := New()
		j := newJob(t)
		_ = s.Create(ctx, j)
		_, _ = s.Claim(ctx, j.ID)
		_ = s.MarkFailed(ctx, j.ID, "boom", now)
		if _, err := s.Claim(ctx, j.ID); !errors.IsConflict(err) {
			t.Errorf("re-claim of failed job: expected conflict, got %v", err)
		}
		if err := s.MarkCompleted(ctx, j.ID, "out.mp4", now); !errors.IsConflict(err) {
			t.Errorf("complete after failed: expected conflict, got %v", err)
		}
	})
}

func TestFailOrphaned(t *testing.T) {
	ctx := context.Background()
	s := New()

	stuck := newJob(t)
	_ = s.Create(ctx, stuck)
	_, _ = s.Claim(ctx, stuck.ID)

	waiting := newJob(t)
	_ = s.Create(ctx, waiting)

	n, err := s.FailOrphaned(ctx, "interrupted by restart")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 orphan, got %d", n)
	}

	got, _ := s.Get(ctx, stuck.ID)
	if got.Status != job.StatusFailed || got.CompletedAt == nil {
		t.Errorf("orphan not failed: %+v", got)
	}
	still, _ := s.Get(ctx, waiting.ID)
	if still.Status != job.StatusQueued {
		t.Errorf("queued job must be untouched, got %s", still.Status)
	}
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	s := New()

	old := newJob(t)
	old.CreatedAt = time.Now().Add(-2 * time.Hour)
	_ = s.Create(ctx, old)
	_, _ = s.Claim(ctx, old.ID)
	_ = s.MarkCompleted(ctx, old.ID, "outputs/x.mp4", time.Now().Add(-time.Hour))

	fresh := newJob(t)
	fresh.SessionID = "other"
	_ = s.Create(ctx, fresh)

	byStatus, err := s.List(ctx, jobstore.ListFilter{Status: job.StatusQueued})
	if err != nil {
		t.Fatal(err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != fresh.ID {
		t.Errorf("status filter: got %d jobs", len(byStatus))
	}

	bySession, _ := s.List(ctx, jobstore.ListFilter{SessionID: "other"})
	if len(bySession) != 1 || bySession[0].ID != fresh.ID {
		t.Errorf("session filter: got %d jobs", len(bySession))
	}

	expired, _ := s.List(ctx, jobstore.ListFilter{CompletedBefore: time.Now()})
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Errorf("completed-before filter: got %d jobs", len(expired))
	}

	all, _ := s.List(ctx, jobstore.ListFilter{})
	if len(all) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(all))
	}
	if !all[0].CreatedAt.Before(all[1].CreatedAt) {
		t.Error("List must return oldest first")
	}
}
