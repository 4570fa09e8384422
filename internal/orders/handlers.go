package orders

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shaiso/bookingfleet/internal/atour"
	"github.com/shaiso/bookingfleet/internal/domain"
	"github.com/shaiso/bookingfleet/internal/resource"
	"github.com/shaiso/bookingfleet/internal/telemetry"
	"github.com/shaiso/bookingfleet/internal/worker"
)

// Идентификаторы модулей.
const (
	ModuleSubmit      = "order.submit"
	ModuleCancel      = "order.cancel"
	ModulePaymentLink = "order.payment-link"
)

// QueueName — очередь модулей заказов по умолчанию.
const QueueName = "orders"

// payloadItemKey — ключ позиции в payload задачи.
const payloadItemKey = "orderItemId"

// TokenAcquirer выдаёт токен учётной записи.
type TokenAcquirer interface {
	AcquireToken(ctx context.Context, tier domain.Tier) (*resource.TokenLease, error)
}

// Booker выполняет бронь во внешнем сервисе.
type Booker interface {
	Book(ctx context.Context, cred atour.Credentials, req atour.BookingRequest, onStep func(atour.Step)) (*atour.Booking, error)
}

// SubmitResult — результат order.submit.
type SubmitResult struct {
	OrderItemID  uuid.UUID            `json:"orderItemId"`
	AtourOrderID string               `json:"atourOrderId"`
	TokenSource  resource.TokenSource `json:"tokenSource,omitempty"`
	PaymentLinks []domain.PaymentLink `json:"paymentLinks,omitempty"`
}

// SubmitConfig — конфигурация SubmitHandler.
type SubmitConfig struct {
	Service *Service
	Tokens  TokenAcquirer
	Booker  Booker

	// FallbackToken — токен на случай, когда пул пуст.
	FallbackToken string

	Logger *slog.Logger
}

// SubmitHandler — модуль order.submit.
type SubmitHandler struct {
	svc           *Service
	tokens        TokenAcquirer
	booker        Booker
	fallbackToken string
	logger        *slog.Logger
}

// NewSubmitHandler создаёт SubmitHandler.
func NewSubmitHandler(cfg SubmitConfig) *SubmitHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SubmitHandler{
		svc:           cfg.Service,
		tokens:        cfg.Tokens,
		booker:        cfg.Booker,
		fallbackToken: cfg.FallbackToken,
		logger:        logger,
	}
}

// SubmitDefaults — конфигурация order.submit по умолчанию.
func SubmitDefaults() domain.TaskModule {
	m := domain.NewTaskModule(ModuleSubmit, QueueName)
	m.Concurrency = 4
	m.Attempts = 3
	m.BackoffMs = 5000
	m.UseProxy = true
	m.Description = "Submit an order item to the booking API"
	return m
}

// Handle бронирует позицию.
//
//  1. Загрузка позиции и заказа (нет записи → фатально).
//  2. CANCELLED → фатально; ORDERED → существующий результат.
//  3. SUBMITTING / PROCESSING.
//  4. Токен из пула по tier позиции, иначе из конфигурации, иначе ResourceUnavailable.
//  5. Три шага во внешнем сервисе.
//  6. ORDERED / CONFIRMED с номером брони.
//  7. Пересчёт статуса заказа.
func (h *SubmitHandler) Handle(ctx context.Context, job *worker.Job) (any, error) {
	// 1. Позиция и заказ
	item, err := h.svc.loadItem(ctx, job.PayloadUUID(payloadItemKey))
	if err != nil {
		return nil, worker.Fatal(err)
	}
	if _, err := h.svc.store.GetOrder(ctx, item.OrderID); err != nil {
		return nil, worker.Fatal(fmt.Errorf("order %s: %w", item.OrderID, err))
	}

	logger := telemetry.WithOrderItemID(h.logger, item.ID.String()).With("job_id", job.ID, "attempt", job.Attempt)

	// 2. Финальные состояния
	switch item.ExecutionStatus {
	case domain.ExecutionCancelled:
		return nil, worker.Fatal(fmt.Errorf("%w: %s", ErrItemCancelled, item.ID))
	case domain.ExecutionOrdered:
		logger.Info("order item already ordered, skipping submission")
		return submitResult(item, ""), nil
	}

	// 3. SUBMITTING
	item.SetExecution(domain.ExecutionSubmitting)
	ok, err := h.svc.save(ctx, item)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, worker.Fatal(fmt.Errorf("%w: %s", ErrItemCancelled, item.ID))
	}
	h.refresh(ctx, item, logger)
	job.Progress(ctx, 10)

	// 4. Токен
	lease, err := h.acquireToken(ctx, item.BookingTier)
	if err != nil {
		h.recordError(ctx, item, err, logger)
		return nil, err
	}

	// 5. Внешний сервис
	cred := atour.Credentials{Token: lease.Token, Proxy: job.Proxy}
	booking, err := h.booker.Book(ctx, cred, atour.NewBookingRequest(item), func(step atour.Step) {
		job.Progress(ctx, stepProgress(step))
	})
	if err != nil {
		h.recordError(ctx, item, err, logger)
		return nil, err
	}

	// 6. ORDERED
	item.MarkOrdered(booking.OrderNo, booking.Links)
	ok, err = h.svc.save(ctx, item)
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.Warn("order item cancelled while booking, remote order kept for reconciliation",
			"atour_order_id", booking.OrderNo,
		)
	} else {
		logger.Info("order item booked", "atour_order_id", booking.OrderNo, "token_source", lease.Source)
	}

	// 7. Статус заказа
	h.refresh(ctx, item, logger)
	return submitResult(item, lease.Source), nil
}

// acquireToken берёт токен из пула или из конфигурации.
func (h *SubmitHandler) acquireToken(ctx context.Context, tier domain.Tier) (*resource.TokenLease, error) {
	if h.tokens != nil {
		lease, err := h.tokens.AcquireToken(ctx, tier)
		if err != nil {
			return nil, fmt.Errorf("acquire token: %w", err)
		}
		if lease != nil {
			return lease, nil
		}
	}

	if h.fallbackToken != "" {
		telemetry.TokenAcquire.WithLabelValues(string(resource.SourceFallback)).Inc()
		return &resource.TokenLease{Token: h.fallbackToken, Source: resource.SourceFallback}, nil
	}
	return nil, fmt.Errorf("%w (tier %q)", ErrNoToken, tier)
}

// recordError сохраняет ошибку попытки в позиции. Статус FAILED
// выставляет воркер, когда попытки исчерпаны.
func (h *SubmitHandler) recordError(ctx context.Context, item *domain.OrderItem, cause error, logger *slog.Logger) {
	item.LastError = cause.Error()
	if _, err := h.svc.save(ctx, item); err != nil {
		logger.Error("failed to record submission error", "error", err)
	}
	h.refresh(ctx, item, logger)
	logger.Warn("order item submission failed", "error", cause)
}

func (h *SubmitHandler) refresh(ctx context.Context, item *domain.OrderItem, logger *slog.Logger) {
	if _, err := h.svc.RefreshOrder(ctx, item.OrderID); err != nil {
		logger.Error("failed to refresh order status", "order_id", item.OrderID, "error", err)
	}
}

func submitResult(item *domain.OrderItem, source resource.TokenSource) SubmitResult {
	res := SubmitResult{
		OrderItemID:  item.ID,
		TokenSource:  source,
		PaymentLinks: item.PaymentLinks,
	}
	if item.AtourOrderID != nil {
		res.AtourOrderID = *item.AtourOrderID
	}
	return res
}

func stepProgress(step atour.Step) int {
	switch step {
	case atour.StepCalculatePrice:
		return 40
	case atour.StepCreateOrder:
		return 70
	case atour.StepCreatePayment:
		return 90
	default:
		return 0
	}
}

// CancelResult — результат order.cancel.
type CancelResult struct {
	OrderItemID     uuid.UUID              `json:"orderItemId"`
	ExecutionStatus domain.ExecutionStatus `json:"executionStatus"`
	OrderStatus     domain.ItemStatus      `json:"orderStatus"`
}

// CancelHandler — модуль order.cancel.
type CancelHandler struct {
	svc    *Service
	logger *slog.Logger
}

// NewCancelHandler создаёт CancelHandler.
func NewCancelHandler(svc *Service, logger *slog.Logger) *CancelHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CancelHandler{svc: svc, logger: logger}
}

// CancelDefaults — конфигурация order.cancel по умолчанию.
func CancelDefaults() domain.TaskModule {
	m := domain.NewTaskModule(ModuleCancel, QueueName)
	m.Attempts = 3
	m.BackoffMs = 2000
	m.Description = "Cancel an order item"
	return m
}

// Handle отменяет позицию и пересчитывает статус заказа.
// Повторная отмена ничего не меняет.
func (h *CancelHandler) Handle(ctx context.Context, job *worker.Job) (any, error) {
	item, err := h.svc.loadItem(ctx, job.PayloadUUID(payloadItemKey))
	if err != nil {
		return nil, worker.Fatal(err)
	}

	logger := telemetry.WithOrderItemID(h.logger, item.ID.String())
	if !item.IsCancelled() {
		previous := item.ExecutionStatus
		item.SetExecution(domain.ExecutionCancelled)
		if _, err := h.svc.save(ctx, item); err != nil {
			return nil, err
		}
		logger.Info("order item cancelled", "previous", previous)
	}

	status, err := h.svc.RefreshOrder(ctx, item.OrderID)
	if err != nil {
		return nil, err
	}
	return CancelResult{
		OrderItemID:     item.ID,
		ExecutionStatus: item.ExecutionStatus,
		OrderStatus:     status,
	}, nil
}

// PaymentLinkResult — результат order.payment-link.
type PaymentLinkResult struct {
	OrderItemID  uuid.UUID            `json:"orderItemId"`
	AtourOrderID string               `json:"atourOrderId,omitempty"`
	PaymentLinks []domain.PaymentLink `json:"paymentLinks"`
}

// PaymentLinkHandler — модуль order.payment-link (только чтение).
type PaymentLinkHandler struct {
	svc *Service
}

// NewPaymentLinkHandler создаёт PaymentLinkHandler.
func NewPaymentLinkHandler(svc *Service) *PaymentLinkHandler {
	return &PaymentLinkHandler{svc: svc}
}

// PaymentLinkDefaults — конфигурация order.payment-link по умолчанию.
func PaymentLinkDefaults() domain.TaskModule {
	m := domain.NewTaskModule(ModulePaymentLink, QueueName)
	m.Concurrency = 2
	m.Description = "Read payment links of an order item"
	return m
}

// Handle возвращает ссылки на оплату позиции.
func (h *PaymentLinkHandler) Handle(ctx context.Context, job *worker.Job) (any, error) {
	item, err := h.svc.loadItem(ctx, job.PayloadUUID(payloadItemKey))
	if err != nil {
		return nil, worker.Fatal(err)
	}

	res := PaymentLinkResult{OrderItemID: item.ID, PaymentLinks: item.PaymentLinks}
	if res.PaymentLinks == nil {
		res.PaymentLinks = []domain.PaymentLink{}
	}
	if item.AtourOrderID != nil {
		res.AtourOrderID = *item.AtourOrderID
	}
	return res, nil
}
