package resource

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/bookingfleet/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Default configuration values.
const (
	defaultDialTimeout      = 5 * time.Second
	defaultLatencyThreshold = 2 * time.Second
	defaultCheckParallelism = 8
)

// DialFunc открывает соединение (net.Dialer.DialContext).
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// HealthConfig — настройки проверки прокси.
type HealthConfig struct {
	Pool    *Pool
	Proxies ProxyStore

	// DialTimeout — таймаут TCP-соединения (default: 5s).
	DialTimeout time.Duration

	// LatencyThreshold — выше этого прокси получает LATENCY (default: 2s).
	LatencyThreshold time.Duration

	// Parallelism — сколько прокси проверяется одновременно (default: 8).
	Parallelism int

	Dial   DialFunc
	Logger *slog.Logger
}

// HealthChecker проверяет доступность всех прокси и обновляет их статус.
type HealthChecker struct {
	pool        *Pool
	proxies     ProxyStore
	timeout     time.Duration
	threshold   time.Duration
	parallelism int
	dial        DialFunc
	logger      *slog.Logger
}

// NewHealthChecker создаёт HealthChecker.
func NewHealthChecker(cfg HealthConfig) *HealthChecker {
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	threshold := cfg.LatencyThreshold
	if threshold == 0 {
		threshold = defaultLatencyThreshold
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = defaultCheckParallelism
	}
	dial := cfg.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HealthChecker{
		pool:        cfg.Pool,
		proxies:     cfg.Proxies,
		timeout:     timeout,
		threshold:   threshold,
		parallelism: parallelism,
		dial:        dial,
		logger:      logger,
	}
}

// HealthReport — итог проверки.
type HealthReport struct {
	Checked int                              `json:"checked"`
	Online  int                              `json:"online"`
	Offline int                              `json:"offline"`
	Latency int                              `json:"latency"`
	Nodes   map[uuid.UUID]domain.ProxyStatus `json:"nodes"`
}

// CheckAll проверяет все прокси (включая OFFLINE — они могут ожить).
func (h *HealthChecker) CheckAll(ctx context.Context) (*HealthReport, error) {
	nodes, err := h.proxies.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}

	report := &HealthReport{Nodes: make(map[uuid.UUID]domain.ProxyStatus, len(nodes))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.parallelism)

	for _, n := range nodes {
		g.Go(func() error {
			status, latency := h.Check(gctx, n.Addr())
			if _, err := h.pool.reportHealth(gctx, n.ID, status, latency); err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			report.Nodes[n.ID] = status
			switch status {
			case domain.ProxyStatusOnline:
				report.Online++
			case domain.ProxyStatusOffline:
				report.Offline++
			case domain.ProxyStatusLatency:
				report.Latency++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}

	h.logger.Info("proxy health check finished",
		"checked", report.Checked,
		"online", report.Online,
		"offline", report.Offline,
		"latency", report.Latency,
	)
	return report, nil
}

// Check открывает TCP-соединение с addr и классифицирует результат.
func (h *HealthChecker) Check(ctx context.Context, addr string) (domain.ProxyStatus, time.Duration) {
	dialCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	conn, err := h.dial(dialCtx, "tcp", addr)
	latency := time.Since(start)
	if err != nil {
		h.logger.Debug("proxy dial failed", "addr", addr, "error", err)
		return domain.ProxyStatusOffline, 0
	}
	conn.Close()

	if latency > h.threshold {
		return domain.ProxyStatusLatency, latency
	}
	return domain.ProxyStatusOnline, latency
}
