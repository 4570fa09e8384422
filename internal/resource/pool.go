package resource

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/bookingfleet/internal/domain"
	"github.com/shaiso/bookingfleet/internal/telemetry"
)

// AccountStore — источник учётных записей пула.
type AccountStore interface {
	ListOnline(ctx context.Context) ([]domain.PoolAccount, error)
}

// ProxyStore — хранилище прокси.
//
// ListOnline и List возвращают прокси в стабильном порядке,
// на нём держится round-robin.
type ProxyStore interface {
	List(ctx context.Context) ([]domain.ProxyNode, error)
	ListOnline(ctx context.Context) ([]domain.ProxyNode, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ProxyNode, error)
	UpdateHealth(ctx context.Context, p *domain.ProxyNode) error
}

// TokenSource — откуда взят токен.
type TokenSource string

const (
	SourcePool     TokenSource = "pool"
	SourceFallback TokenSource = "fallback"
)

// TokenLease — выданный токен.
type TokenLease struct {
	Token     string      `json:"-"`
	Source    TokenSource `json:"source"`
	AccountID *uuid.UUID  `json:"account_id,omitempty"`
}

// Config — настройки пула.
type Config struct {
	Accounts  AccountStore
	Proxies   ProxyStore
	Decryptor Decryptor
	Logger    *slog.Logger

	// Rand — источник случайности для перемешивания учётных записей.
	// Если nil — сидируется от времени.
	Rand *rand.Rand
}

// Pool выдаёт токены и прокси.
type Pool struct {
	accounts  AccountStore
	proxies   ProxyStore
	decryptor Decryptor
	logger    *slog.Logger

	randMu sync.Mutex
	rand   *rand.Rand

	cursor *cursor
}

// NewPool создаёт пул ресурсов.
func NewPool(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dec := cfg.Decryptor
	if dec == nil {
		dec = noKey{}
	}
	r := cfg.Rand
	if r == nil {
		seed := uint64(time.Now().UnixNano())
		r = rand.New(rand.NewPCG(seed, seed>>1))
	}

	return &Pool{
		accounts:  cfg.Accounts,
		proxies:   cfg.Proxies,
		decryptor: dec,
		logger:    logger,
		rand:      r,
		cursor:    newCursor(),
	}
}

// AcquireToken возвращает токен учётной записи, подходящей под tier.
//
// Подходящие онлайн-записи перебираются в случайном порядке до первой
// успешной расшифровки. Записи с битым токеном молча пропускаются.
// Если токена нет — возвращает nil, nil.
func (p *Pool) AcquireToken(ctx context.Context, tier domain.Tier) (*TokenLease, error) {
	accounts, err := p.accounts.ListOnline(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	eligible := make([]domain.PoolAccount, 0, len(accounts))
	for _, a := range accounts {
		if a.Online && a.Eligible(tier) {
			eligible = append(eligible, a)
		}
	}
	p.shuffle(eligible)

	for i := range eligible {
		a := &eligible[i]
		token, err := p.decryptor.Decrypt(a.EncryptedToken)
		if err != nil || token == "" {
			p.logger.Debug("skipping pool account", "account_id", a.ID, "error", err)
			continue
		}

		telemetry.TokenAcquire.WithLabelValues(string(SourcePool)).Inc()
		id := a.ID
		return &TokenLease{Token: token, Source: SourcePool, AccountID: &id}, nil
	}

	telemetry.TokenAcquire.WithLabelValues("none").Inc()
	p.logger.Debug("no token available", "tier", tier, "eligible", len(eligible))
	return nil, nil
}

func (p *Pool) shuffle(accounts []domain.PoolAccount) {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	p.rand.Shuffle(len(accounts), func(i, j int) {
		accounts[i], accounts[j] = accounts[j], accounts[i]
	})
}

// AcquireProxy возвращает онлайн-прокси по round-robin.
//
// Если указан preferred, выбираются прокси этого типа; если таких нет —
// все онлайн-прокси. Если прокси нет — nil, nil.
func (p *Pool) AcquireProxy(ctx context.Context, preferred domain.ProxyType) (*domain.ProxyNode, error) {
	nodes, err := p.proxies.ListOnline(ctx)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}

	online := make([]domain.ProxyNode, 0, len(nodes))
	for _, n := range nodes {
		if n.Status == domain.ProxyStatusOnline {
			online = append(online, n)
		}
	}
	if len(online) == 0 {
		telemetry.ProxyAcquire.WithLabelValues("none").Inc()
		return nil, nil
	}

	key := cursorAll
	candidates := online
	result := "any"
	if preferred != "" {
		key = string(preferred)
		matching := make([]domain.ProxyNode, 0, len(online))
		for _, n := range online {
			if n.Type == preferred {
				matching = append(matching, n)
			}
		}
		if len(matching) > 0 {
			candidates = matching
			result = "preferred"
		} else {
			result = "fallback"
		}
	}

	node := candidates[p.cursor.next(key, len(candidates))]
	telemetry.ProxyAcquire.WithLabelValues(result).Inc()
	return &node, nil
}

// MarkHealth записывает новый статус прокси.
func (p *Pool) MarkHealth(ctx context.Context, proxyID uuid.UUID, status domain.ProxyStatus) (*domain.ProxyNode, error) {
	return p.reportHealth(ctx, proxyID, status, 0)
}

func (p *Pool) reportHealth(ctx context.Context, proxyID uuid.UUID, status domain.ProxyStatus, latency time.Duration) (*domain.ProxyNode, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	node, err := p.proxies.GetByID(ctx, proxyID)
	if err != nil {
		return nil, fmt.Errorf("get proxy %s: %w", proxyID, err)
	}

	prev := node.Status
	node.ApplyHealth(status)
	if latency > 0 {
		node.LatencyMs = int(latency.Milliseconds())
	}

	if err := p.proxies.UpdateHealth(ctx, node); err != nil {
		return nil, fmt.Errorf("update proxy %s: %w", proxyID, err)
	}

	if prev != status {
		p.logger.Info("proxy status changed",
			"proxy_id", proxyID,
			"addr", node.Addr(),
			"from", prev,
			"to", status,
			"fail_count", node.FailCount,
		)
	}
	return node, nil
}
