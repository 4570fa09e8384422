package orders

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shaiso/bookingfleet/internal/domain"
)

// Store — хранилище заказов и позиций.
type Store interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetItem(ctx context.Context, id uuid.UUID) (*domain.OrderItem, error)
	ListItems(ctx context.Context, orderID uuid.UUID) ([]domain.OrderItem, error)

	// UpdateItem возвращает false, если позиция уже отменена,
	// а обновление её не отменяет.
	UpdateItem(ctx context.Context, item *domain.OrderItem) (bool, error)
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status domain.ItemStatus) error
}

// Service — машина состояний заказов.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService создаёт новый Service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Refresh пересчитывает статус заказа, на который ссылается ref.
// Если указана позиция — берётся её заказ.
func (s *Service) Refresh(ctx context.Context, ref domain.OrderRef) error {
	switch {
	case ref.OrderItemID != nil:
		item, err := s.store.GetItem(ctx, *ref.OrderItemID)
		if err != nil {
			return fmt.Errorf("get order item %s: %w", ref.OrderItemID, err)
		}
		_, err = s.RefreshOrder(ctx, item.OrderID)
		return err
	case ref.OrderGroupID != nil:
		_, err := s.RefreshOrder(ctx, *ref.OrderGroupID)
		return err
	default:
		return nil
	}
}

// RefreshOrder пересчитывает и сохраняет статус заказа.
func (s *Service) RefreshOrder(ctx context.Context, orderID uuid.UUID) (domain.ItemStatus, error) {
	items, err := s.store.ListItems(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("list items of order %s: %w", orderID, err)
	}

	statuses := make([]domain.ItemStatus, len(items))
	for i := range items {
		statuses[i] = items[i].Status
	}
	status := domain.AggregateOrderStatus(statuses)

	if err := s.store.UpdateOrderStatus(ctx, orderID, status); err != nil {
		return "", fmt.Errorf("update order %s: %w", orderID, err)
	}

	s.logger.Debug("order status refreshed", "order_id", orderID, "status", status, "items", len(items))
	return status, nil
}

// FailItem переводит позицию в FAILED и пересчитывает статус заказа.
// Отменённая позиция не меняется.
func (s *Service) FailItem(ctx context.Context, itemID uuid.UUID, reason string) error {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("get order item %s: %w", itemID, err)
	}

	if item.IsCancelled() {
		s.logger.Info("order item already cancelled, failure ignored", "order_item_id", itemID)
	} else {
		item.MarkFailed(reason)
		updated, err := s.store.UpdateItem(ctx, item)
		if err != nil {
			return fmt.Errorf("update order item %s: %w", itemID, err)
		}
		if !updated {
			s.logger.Info("order item cancelled concurrently, failure ignored", "order_item_id", itemID)
		} else {
			s.logger.Warn("order item failed", "order_item_id", itemID, "reason", reason)
		}
	}

	_, err = s.RefreshOrder(ctx, item.OrderID)
	return err
}

// save сохраняет позицию. false — позиция отменена параллельно.
func (s *Service) save(ctx context.Context, item *domain.OrderItem) (bool, error) {
	updated, err := s.store.UpdateItem(ctx, item)
	if err != nil {
		return false, fmt.Errorf("update order item %s: %w", item.ID, err)
	}
	return updated, nil
}

// loadItem загружает позицию по orderItemId из payload.
func (s *Service) loadItem(ctx context.Context, raw *uuid.UUID) (*domain.OrderItem, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: orderItemId is required", ErrInvalidPayload)
	}
	item, err := s.store.GetItem(ctx, *raw)
	if err != nil {
		return nil, fmt.Errorf("order item %s: %w", raw, err)
	}
	return item, nil
}
