package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shaiso/bookingfleet/internal/domain"
	"github.com/shaiso/bookingfleet/internal/orchestrator"
	"github.com/shaiso/bookingfleet/internal/queue"
	"github.com/shaiso/bookingfleet/internal/worker"
)

// --- fakes ---

type enqueueCall struct {
	moduleID string
	payload  map[string]any
	meta     map[string]string
	jobID    string
}

type fakeOrchestrator struct {
	queues map[string]*queue.Queue
	calls  []enqueueCall
	seen   map[string]bool

	// err возвращается из Enqueue, если задан.
	err error
}

func newFakeOrchestrator(t *testing.T, names ...string) *fakeOrchestrator {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &fakeOrchestrator{queues: make(map[string]*queue.Queue), seen: make(map[string]bool)}
	for _, name := range names {
		f.queues[name] = queue.New(client, name, queue.Options{})
	}
	return f
}

func (f *fakeOrchestrator) Enqueue(ctx context.Context, moduleID string, payload map[string]any, meta map[string]string, opts orchestrator.EnqueueOptions) (*orchestrator.EnqueueResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, enqueueCall{moduleID: moduleID, payload: payload, meta: meta, jobID: opts.JobID})
	created := !f.seen[opts.JobID]
	f.seen[opts.JobID] = true
	return &orchestrator.EnqueueResult{JobID: opts.JobID, QueueName: "maintenance", Created: created}, nil
}

func (f *fakeOrchestrator) Queue(name string) (*queue.Queue, bool) {
	q, ok := f.queues[name]
	return q, ok
}

func (f *fakeOrchestrator) QueueNames() []string {
	names := make([]string, 0, len(f.queues))
	for name := range f.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// moduleStore — хранилище модулей для настоящего оркестратора.
type moduleStore struct {
	mu      sync.Mutex
	modules map[string]domain.TaskModule
}

func (s *moduleStore) Create(ctx context.Context, m *domain.TaskModule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[m.ModuleID] = *m
	return nil
}

func (s *moduleStore) List(ctx context.Context) ([]domain.TaskModule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TaskModule, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out, nil
}

func (s *moduleStore) UpdateQueueName(ctx context.Context, moduleID, queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.modules[moduleID]
	m.QueueName = queueName
	s.modules[moduleID] = m
	return nil
}

func (s *moduleStore) set(m domain.TaskModule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[m.ModuleID] = m
}

func (s *moduleStore) remove(moduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.modules, moduleID)
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

// --- helpers ---

func healthCheck(mutate func(*domain.TaskModule)) domain.TaskModule {
	m := domain.NewTaskModule("proxy.health-check", "maintenance")
	m.Category = domain.CategoryScheduled
	m.Schedule = "*/5 * * * *"
	m.Attempts = 2
	if mutate != nil {
		mutate(&m)
	}
	return m
}

func newTestScheduler(t *testing.T, orch *fakeOrchestrator) (*Scheduler, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC)}
	return New(Config{Orchestrator: orch, Now: clock.now}), clock
}

func getRepeat(t *testing.T, q *queue.Queue, key string) *queue.Repeat {
	t.Helper()
	r, err := q.GetRepeat(context.Background(), key)
	if err != nil {
		t.Fatalf("get repeat: %v", err)
	}
	return r
}

// --- cron ---

func TestNextFire(t *testing.T) {
	from := time.Date(2026, 3, 1, 12, 2, 30, 0, time.UTC)
	tests := []struct {
		pattern string
		want    time.Time
	}{
		{"*/5 * * * *", time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)},
		{"0 * * * *", time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)},
		{"30 2 * * *", time.Date(2026, 3, 2, 2, 30, 0, 0, time.UTC)},
		{"@hourly", time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		got, err := NextFire(tt.pattern, from)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.pattern, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.pattern, tt.want, got)
		}
	}
}

func TestNextFire_Location(t *testing.T) {
	shanghai := time.FixedZone("CST", 8*3600)
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) // 08:00 CST

	got, err := NextFire("0 9 * * *", from.In(shanghai))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestValidateCronExpr(t *testing.T) {
	valid := []string{"*/5 * * * *", "0 0 1 * *", "15 10 * * 1-5", "@daily"}
	invalid := []string{"", "* * *", "61 * * * *", "*/5 * * * * *", "every five minutes"}

	for _, expr := range valid {
		if err := ValidateCronExpr(expr); err != nil {
			t.Errorf("%q should be valid: %v", expr, err)
		}
	}
	for _, expr := range invalid {
		if err := ValidateCronExpr(expr); err == nil {
			t.Errorf("%q should be invalid", expr)
		}
	}
}

// --- Sync ---

func TestSync_RegistersScheduledModule(t *testing.T) {
	orch := newFakeOrchestrator(t, "maintenance", "orders")
	sched, _ := newTestScheduler(t, orch)

	modules := []domain.TaskModule{
		healthCheck(nil),
		domain.NewTaskModule("order.submit", "orders"),
	}
	if err := sched.Sync(context.Background(), modules); err != nil {
		t.Fatalf("sync: %v", err)
	}

	r := getRepeat(t, orch.queues["maintenance"], "repeat:proxy.health-check")
	if r == nil {
		t.Fatal("repeat not registered")
	}
	if r.Name != "proxy.health-check" || r.Pattern != "*/5 * * * *" {
		t.Errorf("unexpected repeat: %+v", r)
	}
	if want := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC); !r.Next.Equal(want) {
		t.Errorf("expected next %v, got %v", want, r.Next)
	}

	if getRepeat(t, orch.queues["orders"], "repeat:order.submit") != nil {
		t.Error("ON_DEMAND module must not be registered")
	}
}

func TestSync_KeepsNextWhenPatternUnchanged(t *testing.T) {
	orch := newFakeOrchestrator(t, "maintenance")
	sched, clock := newTestScheduler(t, orch)
	ctx := context.Background()

	if err := sched.Sync(ctx, []domain.TaskModule{healthCheck(nil)}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	first := getRepeat(t, orch.queues["maintenance"], "repeat:proxy.health-check").Next

	clock.t = clock.t.Add(4 * time.Minute)
	if err := sched.Sync(ctx, []domain.TaskModule{healthCheck(nil)}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := getRepeat(t, orch.queues["maintenance"], "repeat:proxy.health-check").Next; !got.Equal(first) {
		t.Errorf("next fire should be kept, expected %v, got %v", first, got)
	}

	hourly := healthCheck(func(m *domain.TaskModule) { m.Schedule = "0 * * * *" })
	if err := sched.Sync(ctx, []domain.TaskModule{hourly}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	r := getRepeat(t, orch.queues["maintenance"], "repeat:proxy.health-check")
	if r.Pattern != "0 * * * *" || !r.Next.Equal(time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("changed pattern should recompute next, got %+v", r)
	}
}

func TestSync_RemovesDisabledAndInvalid(t *testing.T) {
	orch := newFakeOrchestrator(t, "maintenance")
	sched, _ := newTestScheduler(t, orch)
	ctx := context.Background()

	if err := sched.Sync(ctx, []domain.TaskModule{healthCheck(nil)}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	disabled := healthCheck(func(m *domain.TaskModule) { m.Enabled = false })
	if err := sched.Sync(ctx, []domain.TaskModule{disabled}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if getRepeat(t, orch.queues["maintenance"], "repeat:proxy.health-check") != nil {
		t.Error("disabled module should be unregistered")
	}

	// снятие отсутствующей регистрации — не ошибка
	if err := sched.Sync(ctx, []domain.TaskModule{disabled}); err != nil {
		t.Errorf("removing absent repeat should be a no-op, got %v", err)
	}

	broken := healthCheck(func(m *domain.TaskModule) { m.Schedule = "every minute" })
	if err := sched.Sync(ctx, []domain.TaskModule{broken}); err != nil {
		t.Errorf("invalid pattern should be skipped, got %v", err)
	}
	if getRepeat(t, orch.queues["maintenance"], "repeat:proxy.health-check") != nil {
		t.Error("invalid pattern must not be registered")
	}
}

func TestSync_ModuleMovedToAnotherQueue(t *testing.T) {
	orch := newFakeOrchestrator(t, "maintenance", "health")
	sched, _ := newTestScheduler(t, orch)
	ctx := context.Background()

	if err := sched.Sync(ctx, []domain.TaskModule{healthCheck(nil)}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	moved := healthCheck(func(m *domain.TaskModule) { m.QueueName = "health" })
	if err := sched.Sync(ctx, []domain.TaskModule{moved}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if getRepeat(t, orch.queues["maintenance"], "repeat:proxy.health-check") != nil {
		t.Error("old queue should lose the registration")
	}
	if getRepeat(t, orch.queues["health"], "repeat:proxy.health-check") == nil {
		t.Error("new queue should hold the registration")
	}
}

func TestSync_OrphanedRegistrationsRemoved(t *testing.T) {
	orch := newFakeOrchestrator(t, "maintenance", "orders")
	sched, _ := newTestScheduler(t, orch)
	ctx := context.Background()

	report := domain.NewTaskModule("order.report", "orders")
	report.Category = domain.CategoryScheduled
	report.Schedule = "0 * * * *"
	if err := sched.Sync(ctx, []domain.TaskModule{healthCheck(nil), report}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// order.report пропал из конфигурации
	if err := sched.Sync(ctx, []domain.TaskModule{healthCheck(nil)}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if getRepeat(t, orch.queues["orders"], "repeat:order.report") != nil {
		t.Error("registration of a missing module should be removed")
	}
	if getRepeat(t, orch.queues["maintenance"], "repeat:proxy.health-check") == nil {
		t.Error("registration of a configured module must be kept")
	}

	// чужие ключи не трогаются
	foreign := queue.Repeat{Key: "cleanup", Name: "cleanup", Pattern: "@daily", Next: time.Now()}
	if err := orch.queues["orders"].UpsertRepeat(ctx, foreign); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := sched.Sync(ctx, nil); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if getRepeat(t, orch.queues["orders"], "cleanup") == nil {
		t.Error("registrations outside the module namespace must be kept")
	}
	if getRepeat(t, orch.queues["maintenance"], "repeat:proxy.health-check") != nil {
		t.Error("empty module list should remove every module registration")
	}
}

func TestSync_ScheduleClearedThroughOrchestrator(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := &moduleStore{modules: make(map[string]domain.TaskModule)}
	store.set(healthCheck(nil))
	store.set(domain.NewTaskModule("order.submit", "orders"))

	orch := orchestrator.New(orchestrator.Config{Modules: store, Client: client})
	t.Cleanup(orch.Stop)

	clock := &testClock{t: time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC)}
	sched := New(Config{Orchestrator: orch, Now: clock.now})
	ctx := context.Background()

	syncAll := func() {
		t.Helper()
		modules, err := orch.Sync(ctx)
		if err != nil {
			t.Fatalf("orchestrator sync: %v", err)
		}
		if err := sched.Sync(ctx, modules); err != nil {
			t.Fatalf("scheduler sync: %v", err)
		}
	}

	syncAll()
	q, ok := orch.Queue("maintenance")
	if !ok {
		t.Fatal("maintenance queue not created")
	}
	if getRepeat(t, q, "repeat:proxy.health-check") == nil {
		t.Fatal("repeat not registered")
	}

	// оператор очистил расписание и выключил модуль: конфигурация не проходит проверку
	store.set(healthCheck(func(m *domain.TaskModule) {
		m.Schedule = ""
		m.Enabled = false
	}))
	syncAll()

	if _, ok := orch.Module("proxy.health-check"); ok {
		t.Fatal("invalid module should be skipped by orchestrator")
	}
	if r := getRepeat(t, q, "repeat:proxy.health-check"); r != nil {
		t.Errorf("cleared schedule must remove the registration, got %+v", r)
	}

	clock.t = time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)
	if n, err := sched.Tick(ctx); n != 0 || err != nil {
		t.Errorf("nothing should fire, got %d/%v", n, err)
	}

	// модуль вернулся, затем строка удалена
	store.set(healthCheck(nil))
	syncAll()
	if getRepeat(t, q, "repeat:proxy.health-check") == nil {
		t.Fatal("restored module should be registered again")
	}
	store.remove("proxy.health-check")
	syncAll()
	if getRepeat(t, q, "repeat:proxy.health-check") != nil {
		t.Error("deleted module must lose its registration")
	}
}

// --- Tick ---

func TestTick_FiresDueRegistrations(t *testing.T) {
	orch := newFakeOrchestrator(t, "maintenance")
	sched, clock := newTestScheduler(t, orch)
	ctx := context.Background()

	if err := sched.Sync(ctx, []domain.TaskModule{healthCheck(nil)}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// ещё рано
	if n, err := sched.Tick(ctx); n != 0 || err != nil {
		t.Fatalf("expected nothing due, got %d/%v", n, err)
	}

	due := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	clock.t = due.Add(2 * time.Second)
	n, err := sched.Tick(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 fired, got %d/%v", n, err)
	}

	call := orch.calls[0]
	if want := fmt.Sprintf("repeat:proxy.health-check:%d", due.UnixMilli()); call.jobID != want {
		t.Errorf("expected job id %s, got %s", want, call.jobID)
	}
	if call.meta[worker.MetaSource] != SourceScheduler || call.payload == nil || len(call.payload) != 0 {
		t.Errorf("unexpected payload/meta: %v %v", call.payload, call.meta)
	}

	r := getRepeat(t, orch.queues["maintenance"], "repeat:proxy.health-check")
	if want := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC); !r.Next.Equal(want) {
		t.Errorf("next should advance to %v, got %v", want, r.Next)
	}

	if n, _ := sched.Tick(ctx); n != 0 {
		t.Errorf("registration must not fire twice, got %d", n)
	}
}

func TestTick_MissedFiresCollapse(t *testing.T) {
	orch := newFakeOrchestrator(t, "maintenance")
	sched, clock := newTestScheduler(t, orch)
	ctx := context.Background()

	if err := sched.Sync(ctx, []domain.TaskModule{healthCheck(nil)}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	clock.t = time.Date(2026, 3, 1, 12, 33, 0, 0, time.UTC)
	if n, err := sched.Tick(ctx); n != 1 || err != nil {
		t.Fatalf("expected a single fire after downtime, got %d/%v", n, err)
	}
	r := getRepeat(t, orch.queues["maintenance"], "repeat:proxy.health-check")
	if want := time.Date(2026, 3, 1, 12, 35, 0, 0, time.UTC); !r.Next.Equal(want) {
		t.Errorf("expected next %v, got %v", want, r.Next)
	}
}

func TestTick_ReplicasProduceSameJobID(t *testing.T) {
	orch := newFakeOrchestrator(t, "maintenance")
	a, clockA := newTestScheduler(t, orch)
	ctx := context.Background()
	if err := a.Sync(ctx, []domain.TaskModule{healthCheck(nil)}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// второй экземпляр видит ту же регистрацию до того, как первый её сдвинул
	q := orch.queues["maintenance"]
	r := *getRepeat(t, q, "repeat:proxy.health-check")
	clockA.t = r.Next.Add(time.Second)

	b, clockB := newTestScheduler(t, orch)
	clockB.t = clockA.t

	createdA, err := a.fire(ctx, q, r, clockA.t)
	if err != nil {
		t.Fatalf("fire a: %v", err)
	}
	createdB, err := b.fire(ctx, q, r, clockB.t)
	if err != nil {
		t.Fatalf("fire b: %v", err)
	}

	if !createdA || createdB {
		t.Errorf("expected exactly one created job, got %v/%v", createdA, createdB)
	}
	if orch.calls[0].jobID != orch.calls[1].jobID {
		t.Errorf("replicas should use the same job id: %s vs %s", orch.calls[0].jobID, orch.calls[1].jobID)
	}
}

func TestTick_DisabledModuleStillAdvances(t *testing.T) {
	orch := newFakeOrchestrator(t, "maintenance")
	sched, clock := newTestScheduler(t, orch)
	ctx := context.Background()
	if err := sched.Sync(ctx, []domain.TaskModule{healthCheck(nil)}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	orch.err = fmt.Errorf("%w: proxy.health-check", domain.ErrModuleDisabled)
	clock.t = time.Date(2026, 3, 1, 12, 5, 1, 0, time.UTC)
	if n, err := sched.Tick(ctx); n != 0 || err != nil {
		t.Fatalf("expected skip without error, got %d/%v", n, err)
	}
	r := getRepeat(t, orch.queues["maintenance"], "repeat:proxy.health-check")
	if !r.Next.After(clock.t) {
		t.Errorf("next should advance past now, got %v", r.Next)
	}
}

func TestTick_PlatformErrorKeepsRegistrationDue(t *testing.T) {
	orch := newFakeOrchestrator(t, "maintenance")
	sched, clock := newTestScheduler(t, orch)
	ctx := context.Background()
	if err := sched.Sync(ctx, []domain.TaskModule{healthCheck(nil)}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	orch.err = fmt.Errorf("%w: connection refused", domain.ErrPlatformDisabled)
	clock.t = time.Date(2026, 3, 1, 12, 5, 1, 0, time.UTC)
	if _, err := sched.Tick(ctx); !errors.Is(err, domain.ErrPlatformDisabled) {
		t.Fatalf("expected ErrPlatformDisabled, got %v", err)
	}

	r := getRepeat(t, orch.queues["maintenance"], "repeat:proxy.health-check")
	if want := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC); !r.Next.Equal(want) {
		t.Errorf("registration should stay due at %v, got %v", want, r.Next)
	}

	orch.err = nil
	if n, err := sched.Tick(ctx); n != 1 || err != nil {
		t.Errorf("expected retry on next tick, got %d/%v", n, err)
	}
}
