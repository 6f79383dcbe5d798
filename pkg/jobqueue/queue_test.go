package jobqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/annolab/corpusd/pkg/registry"
)

func TestQueue_EnqueueRejectsActiveJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1)
	env.addResource(t, "corpus-a")

	if _, err := env.queue.Enqueue(ctx, "corpus-a", registry.JobAnnotate); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if _, err := env.queue.Enqueue(ctx, "corpus-a", registry.JobAnnotate); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}

	// Also while running.
	if _, err := env.mgr.Advance(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := env.queue.Enqueue(ctx, "corpus-a", registry.JobAnnotate); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued while running, got %v", err)
	}
}

func TestQueue_EnqueueUnknownResource(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1)

	if _, err := env.queue.Enqueue(ctx, "corpus-absent", registry.JobAnnotate); !errors.Is(err, registry.ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestQueue_EnqueueAfterTerminalResetsDiagnostics(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1)
	env.addResource(t, "corpus-a")

	env.enqueue(t, "corpus-a", registry.JobAnnotate)
	if _, err := env.mgr.Advance(ctx); err != nil {
		t.Fatal(err)
	}
	env.runner.exit("corpus-a", successExit())
	if _, err := env.mgr.Advance(ctx); err != nil {
		t.Fatal(err)
	}
	first := env.status(t, "corpus-a")

	second := env.enqueue(t, "corpus-a", registry.JobAnnotate)
	if second.Status != registry.StatusQueued {
		t.Fatalf("status = %s", second.Status)
	}
	if second.RunID == first.RunID {
		t.Fatal("new run must get a fresh run id")
	}
	if second.InputFingerprint != first.InputFingerprint {
		t.Fatal("fingerprint should carry over for unchanged-input detection")
	}
	if second.PID != 0 || second.StartedAt != nil || second.EndedAt != nil {
		t.Fatalf("stale execution state leaked: %+v", second)
	}
	if len(second.Warnings) != 0 || len(second.Errors) != 0 {
		t.Fatalf("stale diagnostics leaked: %+v", second)
	}
}

func TestQueue_PositionFollowsEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1)
	for _, id := range []string{"corpus-a", "corpus-b", "corpus-c"} {
		env.addResource(t, id)
		env.enqueue(t, id, registry.JobAnnotate)
	}

	for i, id := range []string{"corpus-a", "corpus-b", "corpus-c"} {
		pos, err := env.queue.Position(ctx, id)
		if err != nil {
			t.Fatalf("Position(%s) error: %v", id, err)
		}
		if pos != i+1 {
			t.Fatalf("Position(%s) = %d, want %d", id, pos, i+1)
		}
	}

	// Once promoted, the job no longer holds a queue position and the
	// remaining waiters move up.
	if _, err := env.mgr.Advance(ctx); err != nil {
		t.Fatal(err)
	}
	pos, err := env.queue.Position(ctx, "corpus-a")
	if err != nil {
		t.Fatal(err)
	}
	if pos != 0 {
		t.Fatalf("running job Position = %d, want 0", pos)
	}
	pos, err = env.queue.Position(ctx, "corpus-b")
	if err != nil {
		t.Fatal(err)
	}
	if pos != 1 {
		t.Fatalf("Position(corpus-b) = %d, want 1", pos)
	}
}

func TestQueue_StatusReadsThroughCache(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1)
	env.addResource(t, "corpus-a")
	env.enqueue(t, "corpus-a", registry.JobAnnotate)

	// Cold cache: read-through populates it.
	env.queue.Cache().Invalidate("corpus-a")
	job, err := env.queue.Status(ctx, "corpus-a")
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if job.Status != registry.StatusQueued {
		t.Fatalf("status = %s", job.Status)
	}
	if env.queue.Cache().Get("corpus-a") == nil {
		t.Fatal("read-through did not populate cache")
	}

	if _, err := env.queue.Status(ctx, "corpus-absent"); !errors.Is(err, registry.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
