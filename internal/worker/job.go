package worker

import (
	"context"
	"maps"

	"github.com/google/uuid"
	"github.com/shaiso/bookingfleet/internal/domain"
)

// Ключи метаданных задачи.
const (
	MetaSource       = "source"
	MetaOrderGroupID = "orderGroupId"
	MetaOrderItemID  = "orderItemId"
)

// Meta — метаданные задачи.
type Meta struct {
	// Source — кто поставил задачу ("api", "scheduler", ...).
	Source string

	OrderGroupID *uuid.UUID
	OrderItemID  *uuid.UUID

	// Extra — остальные ключи как есть.
	Extra map[string]string
}

// ParseMeta разбирает метаданные из очереди. Некорректные UUID игнорируются.
func ParseMeta(raw map[string]string) Meta {
	m := Meta{Extra: make(map[string]string)}
	for k, v := range raw {
		switch k {
		case MetaSource:
			m.Source = v
		case MetaOrderGroupID:
			m.OrderGroupID = parseUUID(v)
		case MetaOrderItemID:
			m.OrderItemID = parseUUID(v)
		default:
			m.Extra[k] = v
		}
	}
	return m
}

// Map возвращает метаданные в виде для очереди.
func (m Meta) Map() map[string]string {
	out := make(map[string]string, len(m.Extra)+3)
	maps.Copy(out, m.Extra)
	if m.Source != "" {
		out[MetaSource] = m.Source
	}
	if m.OrderGroupID != nil {
		out[MetaOrderGroupID] = m.OrderGroupID.String()
	}
	if m.OrderItemID != nil {
		out[MetaOrderItemID] = m.OrderItemID.String()
	}
	return out
}

// OrderRef возвращает ссылку на заказ и позицию.
func (m Meta) OrderRef() domain.OrderRef {
	return domain.OrderRef{OrderGroupID: m.OrderGroupID, OrderItemID: m.OrderItemID}
}

func parseUUID(s string) *uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil || id == uuid.Nil {
		return nil
	}
	return &id
}

// Job — задача, переданная обработчику.
type Job struct {
	ID        string
	QueueName string
	ModuleID  string
	Payload   map[string]any
	Meta      Meta

	// Proxy — прокси, выданный на эту попытку (только для useProxy модулей).
	// nil, если свободного прокси не нашлось.
	Proxy *domain.ProxyNode

	// Attempt — номер текущей попытки, начиная с 1.
	Attempt     int
	MaxAttempts int

	progress func(ctx context.Context, pct int)
}

// Progress сообщает прогресс выполнения (0–100).
func (j *Job) Progress(ctx context.Context, pct int) {
	if j.progress == nil {
		return
	}
	j.progress(ctx, min(max(pct, 0), 100))
}

// PayloadString возвращает строковое поле payload.
func (j *Job) PayloadString(key string) string {
	v, _ := j.Payload[key].(string)
	return v
}

// PayloadUUID возвращает UUID из payload или nil.
func (j *Job) PayloadUUID(key string) *uuid.UUID {
	return parseUUID(j.PayloadString(key))
}
