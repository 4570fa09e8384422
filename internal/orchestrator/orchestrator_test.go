package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shaiso/bookingfleet/internal/domain"
	"github.com/shaiso/bookingfleet/internal/queue"
	"github.com/shaiso/bookingfleet/internal/repo"
	"github.com/shaiso/bookingfleet/internal/worker"
)

// --- fakes ---

type fakeStore struct {
	mu      sync.Mutex
	modules map[string]domain.TaskModule
	created []string
	renamed map[string]string
}

func newFakeStore(modules ...domain.TaskModule) *fakeStore {
	s := &fakeStore{modules: make(map[string]domain.TaskModule), renamed: make(map[string]string)}
	for _, m := range modules {
		s.modules[m.ModuleID] = m
	}
	return s
}

func (s *fakeStore) Create(ctx context.Context, m *domain.TaskModule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[m.ModuleID]; ok {
		return fmt.Errorf("module %s: %w", m.ModuleID, repo.ErrAlreadyExists)
	}
	s.modules[m.ModuleID] = *m
	s.created = append(s.created, m.ModuleID)
	return nil
}

func (s *fakeStore) List(ctx context.Context) ([]domain.TaskModule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TaskModule, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out, nil
}

func (s *fakeStore) UpdateQueueName(ctx context.Context, moduleID, queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[moduleID]
	if !ok {
		return repo.ErrNotFound
	}
	m.QueueName = queueName
	s.modules[moduleID] = m
	s.renamed[moduleID] = queueName
	return nil
}

func (s *fakeStore) set(m domain.TaskModule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[m.ModuleID] = m
}

type fakeLedger struct {
	mu   sync.Mutex
	runs map[string]domain.TaskRun
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{runs: make(map[string]domain.TaskRun)}
}

func (l *fakeLedger) Create(ctx context.Context, run *domain.TaskRun) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := run.QueueName + "/" + run.JobID
	if existing, ok := l.runs[key]; ok {
		*run = existing
		return false, nil
	}
	l.runs[key] = *run
	return true, nil
}

func (l *fakeLedger) GetByJob(ctx context.Context, queueName, jobID string) (*domain.TaskRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[queueName+"/"+jobID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &run, nil
}

func (l *fakeLedger) Update(ctx context.Context, run *domain.TaskRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := run.QueueName + "/" + run.JobID
	if existing, ok := l.runs[key]; !ok || existing.State.IsTerminal() {
		return domain.ErrInvalidTransition
	}
	l.runs[key] = *run
	return nil
}

func (l *fakeLedger) UpdateProgress(ctx context.Context, queueName, jobID string, progress int) error {
	return nil
}

func (l *fakeLedger) List(ctx context.Context, filter repo.TaskRunFilter) ([]domain.TaskRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.TaskRun
	for _, run := range l.runs {
		if filter.ModuleID != "" && run.ModuleID != filter.ModuleID {
			continue
		}
		if filter.QueueName != "" && run.QueueName != filter.QueueName {
			continue
		}
		if filter.State != "" && run.State != filter.State {
			continue
		}
		if filter.OrderItemID != nil && (run.OrderItemID == nil || *run.OrderItemID != *filter.OrderItemID) {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.runs)
}

// --- helpers ---

type testEnv struct {
	orch   *Orchestrator
	store  *fakeStore
	ledger *fakeLedger
	mr     *miniredis.Miniredis
}

func newTestEnv(t *testing.T, registry *worker.Registry, enableWorkers bool, modules ...domain.TaskModule) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &testEnv{
		store:  newFakeStore(modules...),
		ledger: newFakeLedger(),
		mr:     mr,
	}
	env.orch = New(Config{
		Registry:      registry,
		Modules:       env.store,
		Ledger:        env.ledger,
		Client:        client,
		EnableWorkers: enableWorkers,
		Worker: WorkerConfig{
			PollInterval: 10 * time.Millisecond,
		},
	})
	t.Cleanup(env.orch.Stop)
	return env
}

func module(id, queueName string, mutate func(*domain.TaskModule)) domain.TaskModule {
	m := domain.NewTaskModule(id, queueName)
	if mutate != nil {
		mutate(&m)
	}
	return m
}

func noop(ctx context.Context, job *worker.Job) (any, error) { return nil, nil }

// --- Sync ---

func TestSync_SeedsRegisteredDefaults(t *testing.T) {
	reg := worker.NewRegistry()
	reg.Register(module("order.submit", "orders", func(m *domain.TaskModule) { m.Attempts = 3 }), worker.HandlerFunc(noop))
	reg.Register(module("order.cancel", "orders", nil), worker.HandlerFunc(noop))

	// order.cancel уже настроен оператором — его конфигурация не перезаписывается
	custom := module("order.cancel", "orders", func(m *domain.TaskModule) { m.Enabled = false })
	env := newTestEnv(t, reg, false, custom)

	modules, err := env.orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(modules) != 2 {
		t.Fatalf("expected 2 modules, got %d", len(modules))
	}
	if len(env.store.created) != 1 || env.store.created[0] != "order.submit" {
		t.Errorf("expected only order.submit to be seeded, got %v", env.store.created)
	}

	cancel, ok := env.orch.Module("order.cancel")
	if !ok || cancel.Enabled {
		t.Errorf("operator config should be kept, got %+v", cancel)
	}
	submit, _ := env.orch.Module("order.submit")
	if submit.Attempts != 3 {
		t.Errorf("seeded defaults not applied: %+v", submit)
	}
}

func TestSync_NormalizesQueueNames(t *testing.T) {
	env := newTestEnv(t, nil, false,
		module("order.submit", "orders", nil),
		domain.TaskModule{
			ModuleID:    "proxy.health-check",
			QueueName:   "Maintenance Jobs",
			Enabled:     true,
			Concurrency: 1,
			Attempts:    1,
			Category:    domain.CategoryOnDemand,
		},
	)

	if _, err := env.orch.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := env.store.renamed["proxy.health-check"]; got != "maintenance-jobs" {
		t.Errorf("normalized name should be persisted, got %q", got)
	}
	if _, ok := env.store.renamed["order.submit"]; ok {
		t.Error("already normalized names must not be rewritten")
	}

	names := env.orch.QueueNames()
	if len(names) != 2 || names[0] != "maintenance-jobs" || names[1] != "orders" {
		t.Errorf("unexpected queues: %v", names)
	}
}

func TestSync_SkipsInvalidModules(t *testing.T) {
	env := newTestEnv(t, nil, false,
		module("order.submit", "orders", nil),
		module("broken", "orders", func(m *domain.TaskModule) {
			m.Category = domain.CategoryScheduled
			m.Schedule = ""
		}),
	)

	modules, err := env.orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(modules) != 1 {
		t.Fatalf("expected 1 valid module, got %d", len(modules))
	}
	if _, ok := env.orch.Module("broken"); ok {
		t.Error("invalid module must not be published")
	}
}

func TestSync_OnePoolPerQueue(t *testing.T) {
	reg := worker.NewRegistry()
	reg.Register(module("order.submit", "orders", nil), worker.HandlerFunc(noop))

	env := newTestEnv(t, reg, true,
		module("order.submit", "orders", func(m *domain.TaskModule) { m.Concurrency = 2 }),
		module("order.cancel", "orders", func(m *domain.TaskModule) { m.Concurrency = 4 }),
		module("order.refund", "orders", func(m *domain.TaskModule) {
			m.Concurrency = 9
			m.Enabled = false
		}),
	)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := env.orch.Sync(ctx); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
	}

	e, ok := env.orch.entry("orders")
	if !ok {
		t.Fatal("queue entry missing")
	}
	pool := e.workerPool()
	if pool == nil || !pool.IsRunning() {
		t.Fatal("pool should be running")
	}
	if pool.Concurrency() != 4 {
		t.Errorf("expected concurrency 4 (max over enabled modules), got %d", pool.Concurrency())
	}

	// повторный Sync не пересоздаёт пул
	if _, err := env.orch.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if e.workerPool() != pool {
		t.Error("sync must not replace a running pool")
	}
}

func TestSync_QueueEntriesAreNeverRemoved(t *testing.T) {
	env := newTestEnv(t, nil, false, module("order.submit", "orders", nil))
	ctx := context.Background()

	if _, err := env.orch.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	env.store.set(module("order.submit", "bookings", nil))
	if _, err := env.orch.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	names := env.orch.QueueNames()
	if len(names) != 2 {
		t.Errorf("expected both queues to be tracked, got %v", names)
	}
	if m, _ := env.orch.Module("order.submit"); m.QueueName != "bookings" {
		t.Errorf("module should point to the new queue, got %q", m.QueueName)
	}
}

// --- Enqueue ---

func TestEnqueue_CreatesLedgerRowAndJob(t *testing.T) {
	env := newTestEnv(t, nil, false, module("order.submit", "orders", func(m *domain.TaskModule) {
		m.Attempts = 3
		m.BackoffMs = 5000
	}))
	ctx := context.Background()
	if _, err := env.orch.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	itemID := uuid.New()
	res, err := env.orch.Enqueue(ctx, "order.submit",
		map[string]any{"orderItemId": itemID.String()},
		map[string]string{worker.MetaSource: "api"},
		EnqueueOptions{},
	)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res.JobID == "" || res.QueueName != "orders" || !res.Created {
		t.Errorf("unexpected result: %+v", res)
	}

	run, err := env.orch.GetRun(ctx, "orders", res.JobID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != domain.JobStateWaiting || run.ModuleID != "order.submit" {
		t.Errorf("unexpected ledger row: %+v", run)
	}
	if run.OrderItemID == nil || *run.OrderItemID != itemID {
		t.Errorf("order item id should be taken from payload, got %v", run.OrderItemID)
	}

	q, _ := env.orch.Queue("orders")
	job, err := q.GetJob(ctx, res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Attempts != 3 || job.BackoffMs != 5000 {
		t.Errorf("module retry policy not applied: attempts=%d backoff=%d", job.Attempts, job.BackoffMs)
	}
	if job.Meta[worker.MetaOrderItemID] != itemID.String() || job.Meta[worker.MetaSource] != "api" {
		t.Errorf("unexpected meta: %v", job.Meta)
	}
}

func TestEnqueue_IdempotentOnJobID(t *testing.T) {
	env := newTestEnv(t, nil, false, module("order.submit", "orders", nil))
	ctx := context.Background()
	if _, err := env.orch.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	opts := EnqueueOptions{JobID: "submit-42"}
	first, err := env.orch.Enqueue(ctx, "order.submit", nil, nil, opts)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := env.orch.Enqueue(ctx, "order.submit", nil, nil, opts)
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}

	if !first.Created || second.Created {
		t.Errorf("expected created=true then false, got %v/%v", first.Created, second.Created)
	}
	if second.Run.ID != first.Run.ID {
		t.Error("second enqueue should return the existing ledger row")
	}
	if env.ledger.count() != 1 {
		t.Errorf("expected one ledger row, got %d", env.ledger.count())
	}

	counts, _ := env.orch.queues["orders"].queue.Counts(ctx)
	if counts.Waiting != 1 {
		t.Errorf("expected one waiting job, got %+v", counts)
	}
}

func TestEnqueue_Errors(t *testing.T) {
	env := newTestEnv(t, nil, false,
		module("order.submit", "orders", nil),
		module("order.cancel", "orders", func(m *domain.TaskModule) { m.Enabled = false }),
	)
	ctx := context.Background()
	if _, err := env.orch.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if _, err := env.orch.Enqueue(ctx, "order.unknown", nil, nil, EnqueueOptions{}); !errors.Is(err, domain.ErrModuleNotFound) {
		t.Errorf("expected ErrModuleNotFound, got %v", err)
	}
	if _, err := env.orch.Enqueue(ctx, "order.cancel", nil, nil, EnqueueOptions{}); !errors.Is(err, domain.ErrModuleDisabled) {
		t.Errorf("expected ErrModuleDisabled, got %v", err)
	}

	env.mr.Close()
	if _, err := env.orch.Enqueue(ctx, "order.submit", nil, nil, EnqueueOptions{}); !errors.Is(err, domain.ErrPlatformDisabled) {
		t.Errorf("expected ErrPlatformDisabled, got %v", err)
	}
	if env.ledger.count() != 0 {
		t.Error("no ledger row should be created when the queue is down")
	}
}

func TestEnqueue_AddFailureLeavesNoLedgerRow(t *testing.T) {
	env := newTestEnv(t, nil, false, module("order.submit", "orders", nil))
	ctx := context.Background()
	if _, err := env.orch.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// payload не сериализуется, очередь отклоняет задачу
	payload := map[string]any{"callback": func() {}}
	_, err := env.orch.Enqueue(ctx, "order.submit", payload, nil, EnqueueOptions{JobID: "submit-1"})
	if !errors.Is(err, domain.ErrPlatformDisabled) {
		t.Fatalf("expected ErrPlatformDisabled, got %v", err)
	}
	if env.ledger.count() != 0 {
		t.Errorf("rejected job must not leave a ledger row, got %d", env.ledger.count())
	}
	if _, err := env.orch.GetRun(ctx, "orders", "submit-1"); err == nil {
		t.Error("expected no run for rejected job")
	}
}

func TestEnqueue_Delay(t *testing.T) {
	env := newTestEnv(t, nil, false, module("order.payment-link", "orders", nil))
	ctx := context.Background()
	if _, err := env.orch.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if _, err := env.orch.Enqueue(ctx, "order.payment-link", nil, nil, EnqueueOptions{Delay: time.Hour}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	jobs, err := env.orch.ListJobs(ctx, "orders", queue.StatusDelayed, 10)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("expected 1 delayed job, got %d", len(jobs))
	}
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, nil, false,
		module("order.submit", "Orders", nil),
		module("order.cancel", "orders", nil),
	)
	ctx := context.Background()
	if _, err := env.orch.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	itemID := uuid.New()
	for _, call := range []struct {
		moduleID, jobID string
		payload         map[string]any
	}{
		{"order.submit", "a", map[string]any{"orderItemId": itemID.String()}},
		{"order.submit", "b", nil},
		{"order.cancel", "c", map[string]any{"orderItemId": itemID.String()}},
	} {
		if _, err := env.orch.Enqueue(ctx, call.moduleID, call.payload, nil, EnqueueOptions{JobID: call.jobID}); err != nil {
			t.Fatalf("enqueue %s: %v", call.jobID, err)
		}
	}

	runs, err := env.orch.ListRuns(ctx, repo.TaskRunFilter{QueueName: " ORDERS ", OrderItemID: &itemID})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].JobID != "a" || runs[1].JobID != "c" {
		t.Errorf("expected runs a and c for the item, got %+v", runs)
	}

	runs, _ = env.orch.ListRuns(ctx, repo.TaskRunFilter{ModuleID: "order.submit", State: domain.JobStateWaiting})
	if len(runs) != 2 {
		t.Errorf("expected 2 waiting order.submit runs, got %d", len(runs))
	}
	runs, _ = env.orch.ListRuns(ctx, repo.TaskRunFilter{State: domain.JobStateFailed})
	if len(runs) != 0 {
		t.Errorf("expected no failed runs, got %d", len(runs))
	}
}

// --- Queue management ---

func TestPauseResume_UnknownQueue(t *testing.T) {
	env := newTestEnv(t, nil, false, module("order.submit", "orders", nil))
	ctx := context.Background()
	if _, err := env.orch.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if ok, err := env.orch.PauseQueue(ctx, "missing"); ok || err != nil {
		t.Errorf("expected false/nil for unknown queue, got %v/%v", ok, err)
	}
	if ok, err := env.orch.PauseQueue(ctx, "Orders"); !ok || err != nil {
		t.Fatalf("pause: %v/%v", ok, err)
	}

	queues, err := env.orch.ListQueues(ctx)
	if err != nil {
		t.Fatalf("list queues: %v", err)
	}
	if len(queues) != 1 || !queues[0].Counts.Paused || queues[0].Modules[0] != "order.submit" {
		t.Errorf("unexpected queue info: %+v", queues)
	}

	if ok, err := env.orch.ResumeQueue(ctx, "orders"); !ok || err != nil {
		t.Fatalf("resume: %v/%v", ok, err)
	}
	if _, err := env.orch.ListJobs(ctx, "missing", queue.StatusWaiting, 10); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found for unknown queue, got %v", err)
	}
}

// --- End to end ---

func TestOrchestrator_ProcessesEnqueuedJobs(t *testing.T) {
	done := make(chan string, 10)
	reg := worker.NewRegistry()
	reg.Register(module("order.submit", "orders", nil), worker.HandlerFunc(func(ctx context.Context, job *worker.Job) (any, error) {
		done <- job.ID
		return map[string]any{"ok": true}, nil
	}))

	env := newTestEnv(t, reg, true)
	ctx := context.Background()
	if _, err := env.orch.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	res, err := env.orch.Enqueue(ctx, "order.submit", nil, nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case id := <-done:
		if id != res.JobID {
			t.Errorf("expected job %s, got %s", res.JobID, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := env.orch.GetRun(ctx, "orders", res.JobID)
		if err == nil && run.State == domain.JobStateCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("ledger row was not completed")
}

func TestOrchestrator_StoppedRejectsWork(t *testing.T) {
	env := newTestEnv(t, nil, false, module("order.submit", "orders", nil))
	env.orch.Stop()

	if _, err := env.orch.Sync(context.Background()); !errors.Is(err, ErrOrchestratorStopped) {
		t.Errorf("expected ErrOrchestratorStopped, got %v", err)
	}
	if _, err := env.orch.Enqueue(context.Background(), "order.submit", nil, nil, EnqueueOptions{}); !errors.Is(err, ErrOrchestratorStopped) {
		t.Errorf("expected ErrOrchestratorStopped, got %v", err)
	}
}
