package orchestrator

import (
	"errors"
	"fmt"

	"github.com/shaiso/bookingfleet/internal/domain"
)

// Ошибки оркестратора.
var (
	// ErrQueueNotFound — очередь не известна оркестратору.
	ErrQueueNotFound = fmt.Errorf("queue %w", domain.ErrNotFound)

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)
