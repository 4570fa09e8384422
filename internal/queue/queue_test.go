package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration)   { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &testClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	opts.Now = clock.now
	return New(client, "orders", opts), mr, clock
}

func TestQueue_AddReserveComplete(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, Options{})

	job, created, err := q.Add(ctx, JobSpec{
		Name:     "order.submit",
		Payload:  map[string]any{"orderItemId": "item-1"},
		Meta:     map[string]string{"source": "api"},
		Attempts: 3,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !created || job.ID == "" {
		t.Fatalf("expected new job with generated id, got created=%v id=%q", created, job.ID)
	}

	reserved, err := q.Reserve(ctx, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserved == nil || reserved.ID != job.ID {
		t.Fatalf("expected job %s, got %+v", job.ID, reserved)
	}
	if reserved.AttemptsMade != 1 {
		t.Errorf("expected attemptsMade 1, got %d", reserved.AttemptsMade)
	}
	if reserved.Payload["orderItemId"] != "item-1" || reserved.Meta["source"] != "api" {
		t.Errorf("payload/meta not preserved: %v %v", reserved.Payload, reserved.Meta)
	}
	if reserved.ProcessedOn == nil {
		t.Error("processedOn should be set")
	}

	if err := q.Complete(ctx, reserved, map[string]any{"ok": true}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Completed != 1 || counts.Active != 0 || counts.Waiting != 0 {
		t.Errorf("unexpected counts: %+v", counts)
	}

	done, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if string(done.ReturnValue) != `{"ok":true}` || done.FinishedOn == nil {
		t.Errorf("unexpected completed job: %+v", done)
	}
}

func TestQueue_AddIsIdempotentOnID(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, Options{})

	spec := JobSpec{ID: "repeat:proxy.health-check:1000", Name: "proxy.health-check"}
	if _, created, err := q.Add(ctx, spec); err != nil || !created {
		t.Fatalf("first add: created=%v err=%v", created, err)
	}
	if _, created, err := q.Add(ctx, spec); err != nil || created {
		t.Fatalf("second add should be a no-op: created=%v err=%v", created, err)
	}

	counts, _ := q.Counts(ctx)
	if counts.Waiting != 1 {
		t.Errorf("expected 1 waiting job, got %d", counts.Waiting)
	}
}

func TestQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, Options{})

	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := q.Add(ctx, JobSpec{ID: id, Name: "order.submit"}); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		job, err := q.Reserve(ctx, time.Minute)
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if job == nil || job.ID != want {
			t.Fatalf("expected %s, got %+v", want, job)
		}
	}

	job, err := q.Reserve(ctx, time.Minute)
	if err != nil || job != nil {
		t.Errorf("expected empty queue, got %+v err=%v", job, err)
	}
}

func TestQueue_FailRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t, Options{})

	if _, _, err := q.Add(ctx, JobSpec{ID: "j1", Name: "order.submit", Attempts: 2, Backoff: 5 * time.Second}); err != nil {
		t.Fatalf("add: %v", err)
	}

	job, _ := q.Reserve(ctx, time.Minute)
	retried, err := q.Fail(ctx, job, "remote step failed", true)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !retried {
		t.Fatal("first failure should schedule a retry")
	}

	// backoff ещё не прошёл
	if job, _ := q.Reserve(ctx, time.Minute); job != nil {
		t.Fatalf("job must wait for backoff, got %s", job.ID)
	}

	clock.advance(5 * time.Second)
	job, err = q.Reserve(ctx, time.Minute)
	if err != nil || job == nil {
		t.Fatalf("expected retried job after backoff, got %v err=%v", job, err)
	}
	if job.AttemptsMade != 2 {
		t.Errorf("expected attemptsMade 2, got %d", job.AttemptsMade)
	}

	retried, err = q.Fail(ctx, job, "remote step failed again", true)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if retried {
		t.Fatal("last attempt must not be retried")
	}

	failed, err := q.Jobs(ctx, StatusFailed, 10)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(failed) != 1 || failed[0].FailedReason != "remote step failed again" {
		t.Errorf("unexpected failed jobs: %+v", failed)
	}
}

func TestQueue_FailWithoutRetry(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, Options{})

	q.Add(ctx, JobSpec{ID: "j1", Name: "order.submit", Attempts: 5})
	job, _ := q.Reserve(ctx, time.Minute)

	retried, err := q.Fail(ctx, job, "module disabled", false)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if retried {
		t.Error("fatal failure must not be retried")
	}
	counts, _ := q.Counts(ctx)
	if counts.Failed != 1 || counts.Delayed != 0 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}

func TestQueue_StaleLeaseCannotComplete(t *testing.T) {
	ctx := context.Background()
	q, mr, _ := newTestQueue(t, Options{})

	q.Add(ctx, JobSpec{ID: "j1", Name: "order.submit"})
	first, _ := q.Reserve(ctx, time.Second)

	mr.FastForward(2 * time.Second)
	n, err := q.RecoverStalled(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered job, got %d", n)
	}

	second, _ := q.Reserve(ctx, time.Minute)
	if second == nil || second.ID != "j1" {
		t.Fatalf("expected recovered job, got %+v", second)
	}

	if err := q.Complete(ctx, first, nil); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost for stale worker, got %v", err)
	}
	if err := q.ExtendLease(ctx, first, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost on extend, got %v", err)
	}
	if err := q.ExtendLease(ctx, second, time.Minute); err != nil {
		t.Errorf("owner should extend lease: %v", err)
	}
	if err := q.Complete(ctx, second, nil); err != nil {
		t.Errorf("owner should complete: %v", err)
	}
}

func TestQueue_PauseResume(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, Options{})

	q.Add(ctx, JobSpec{ID: "j1", Name: "order.submit"})
	if err := q.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused, _ := q.IsPaused(ctx); !paused {
		t.Error("queue should be paused")
	}
	if job, _ := q.Reserve(ctx, time.Minute); job != nil {
		t.Fatal("paused queue must not hand out jobs")
	}

	q.Resume(ctx)
	if job, _ := q.Reserve(ctx, time.Minute); job == nil {
		t.Fatal("resumed queue should hand out jobs")
	}
}

func TestQueue_DelayedJob(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t, Options{})

	q.Add(ctx, JobSpec{ID: "j1", Name: "order.submit", Delay: time.Minute})
	counts, _ := q.Counts(ctx)
	if counts.Delayed != 1 || counts.Waiting != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	if job, _ := q.Reserve(ctx, time.Minute); job != nil {
		t.Fatal("delayed job handed out early")
	}
	clock.advance(time.Minute)
	if job, _ := q.Reserve(ctx, time.Minute); job == nil {
		t.Fatal("delayed job should be promoted when due")
	}
}

func TestQueue_RetentionTrimsCompleted(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t, Options{KeepCompleted: 2})

	for _, id := range []string{"a", "b", "c"} {
		q.Add(ctx, JobSpec{ID: id, Name: "order.submit"})
		job, _ := q.Reserve(ctx, time.Minute)
		if err := q.Complete(ctx, job, nil); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
		clock.advance(time.Second)
	}

	jobs, err := q.Jobs(ctx, StatusCompleted, 10)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "c" || jobs[1].ID != "b" {
		t.Errorf("expected [c b], got %d jobs", len(jobs))
	}
	if _, err := q.GetJob(ctx, "a"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("oldest job should be trimmed, got %v", err)
	}
}

func TestQueue_JobsUnknownStatus(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	if _, err := q.Jobs(context.Background(), Status("bogus"), 10); !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("expected ErrUnknownStatus, got %v", err)
	}
	if _, err := ParseStatus("delayed"); err != nil {
		t.Errorf("delayed should parse: %v", err)
	}
}

func TestQueue_Repeats(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t, Options{})

	next := clock.now().Add(5 * time.Minute)
	err := q.UpsertRepeat(ctx, Repeat{
		Key:     "repeat:proxy.health-check",
		Name:    "proxy.health-check",
		Pattern: "*/5 * * * *",
		Next:    next,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	due, err := q.DueRepeats(ctx, clock.now())
	if err != nil || len(due) != 0 {
		t.Fatalf("nothing should be due yet: %v %v", due, err)
	}

	due, err = q.DueRepeats(ctx, next)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected one due repeat: %v %v", due, err)
	}
	if due[0].Pattern != "*/5 * * * *" || !due[0].Next.Equal(next) {
		t.Errorf("unexpected repeat: %+v", due[0])
	}

	if err := q.SetRepeatNext(ctx, due[0].Key, next.Add(5*time.Minute)); err != nil {
		t.Fatalf("set next: %v", err)
	}
	if due, _ := q.DueRepeats(ctx, next); len(due) != 0 {
		t.Errorf("advanced repeat should not be due, got %d", len(due))
	}

	removed, err := q.RemoveRepeat(ctx, "repeat:proxy.health-check")
	if err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}
	removed, err = q.RemoveRepeat(ctx, "repeat:proxy.health-check")
	if err != nil || removed {
		t.Errorf("second remove should be a no-op: removed=%v err=%v", removed, err)
	}
	if repeats, _ := q.Repeats(ctx); len(repeats) != 0 {
		t.Errorf("expected no repeats, got %d", len(repeats))
	}
}

func TestQueue_DueRepeatsDropsStaleSchedule(t *testing.T) {
	ctx := context.Background()
	q, mr, clock := newTestQueue(t, Options{})

	// время срабатывания осталось без самой регистрации
	if _, err := mr.ZAdd(q.repeatNextKey(), float64(clock.now().UnixMilli()), "repeat:order.submit"); err != nil {
		t.Fatalf("zadd: %v", err)
	}

	due, err := q.DueRepeats(ctx, clock.now())
	if err != nil {
		t.Fatalf("due repeats: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("stale entry must not be returned, got %+v", due)
	}
	if members, _ := mr.ZMembers(q.repeatNextKey()); len(members) != 0 {
		t.Errorf("stale entry should be removed from schedule, got %v", members)
	}

	mr.SetError("LOADING")
	if _, err := q.DueRepeats(ctx, clock.now()); err == nil {
		t.Error("redis failure should be reported")
	}
}
