package worker

import (
	"context"
	"fmt"
	"sort"

	"github.com/shaiso/bookingfleet/internal/domain"
)

// Handler — обработчик задач одного модуля.
//
// Возвращаемый результат сохраняется в журнал и в очередь как JSON.
// Ошибка, обёрнутая в Fatal, не ретраится.
type Handler interface {
	Handle(ctx context.Context, job *Job) (any, error)
}

// HandlerFunc — адаптер функции к Handler.
type HandlerFunc func(ctx context.Context, job *Job) (any, error)

// Handle вызывает f(ctx, job).
func (f HandlerFunc) Handle(ctx context.Context, job *Job) (any, error) {
	return f(ctx, job)
}

type registration struct {
	handler  Handler
	defaults domain.TaskModule
}

// Registry — реестр обработчиков по moduleID.
//
// Каждый обработчик регистрируется вместе с конфигурацией по умолчанию,
// которую Sync создаёт в БД, если модуль там ещё не настроен.
type Registry struct {
	modules map[string]registration
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]registration)}
}

// Register добавляет обработчик модуля defaults.ModuleID.
// Повторная регистрация заменяет предыдущую.
func (r *Registry) Register(defaults domain.TaskModule, handler Handler) {
	defaults.QueueName = domain.NormalizeQueueName(defaults.QueueName)
	r.modules[defaults.ModuleID] = registration{handler: handler, defaults: defaults}
}

// Get возвращает обработчик модуля.
func (r *Registry) Get(moduleID string) (Handler, error) {
	reg, ok := r.modules[moduleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrModuleNotImplemented, moduleID)
	}
	return reg.handler, nil
}

// Defaults возвращает конфигурации по умолчанию, отсортированные по moduleID.
func (r *Registry) Defaults() []domain.TaskModule {
	out := make([]domain.TaskModule, 0, len(r.modules))
	for _, reg := range r.modules {
		out = append(out, reg.defaults)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

// ModuleIDs возвращает зарегистрированные moduleID.
func (r *Registry) ModuleIDs() []string {
	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
