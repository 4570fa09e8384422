package domain

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Tier — класс допуска для учётной записи и позиции заказа.
type Tier string

const (
	// TierAny — без ограничений.
	TierAny       Tier = ""
	TierNewUser   Tier = "NEW_USER"
	TierPlatinum  Tier = "PLATINUM"
	TierCorporate Tier = "CORPORATE"
)

// ParseTier парсит строку в Tier. Неизвестные значения трактуются как TierAny.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierNewUser, TierPlatinum, TierCorporate:
		return Tier(s)
	default:
		return TierAny
	}
}

// PoolAccount — общая учётная запись стороннего сервиса.
//
// EncryptedToken хранится зашифрованным; расшифровкой занимается Decryptor
// в пакете resource.
type PoolAccount struct {
	ID     uuid.UUID `json:"id"`
	Label  string    `json:"label"`
	Online bool      `json:"online"`

	IsNewUser           bool     `json:"is_new_user"`
	IsPlatinum          bool     `json:"is_platinum"`
	CorporateAgreements []string `json:"corporate_agreements,omitempty"`

	EncryptedToken string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Eligible проверяет, подходит ли учётная запись для tier.
func (a *PoolAccount) Eligible(tier Tier) bool {
	switch tier {
	case TierNewUser:
		return a.IsNewUser
	case TierPlatinum:
		return a.IsPlatinum
	case TierCorporate:
		return len(a.CorporateAgreements) > 0
	default:
		return true
	}
}

// ProxyType — тип прокси.
type ProxyType string

const (
	ProxyTypeStatic  ProxyType = "STATIC"
	ProxyTypeDynamic ProxyType = "DYNAMIC"
)

// ProxyStatus — состояние здоровья прокси.
type ProxyStatus string

const (
	ProxyStatusOnline  ProxyStatus = "ONLINE"
	ProxyStatusOffline ProxyStatus = "OFFLINE"
	ProxyStatusLatency ProxyStatus = "LATENCY"
)

// Valid проверяет, что статус известен.
func (s ProxyStatus) Valid() bool {
	switch s {
	case ProxyStatusOnline, ProxyStatusOffline, ProxyStatusLatency:
		return true
	default:
		return false
	}
}

// ProxyNode — точка выхода в сеть.
type ProxyNode struct {
	ID        uuid.UUID   `json:"id"`
	IP        string      `json:"ip"`
	Port      int         `json:"port"`
	Type      ProxyType   `json:"type"`
	Status    ProxyStatus `json:"status"`
	FailCount int         `json:"fail_count"`

	// LatencyMs — последняя измеренная задержка соединения.
	LatencyMs     int        `json:"latency_ms,omitempty"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProxyNode возвращает полностью заполненный прокси в статусе ONLINE.
func NewProxyNode(ip string, port int, proxyType ProxyType) ProxyNode {
	if proxyType == "" {
		proxyType = ProxyTypeDynamic
	}
	now := time.Now().UTC()
	return ProxyNode{
		ID:        uuid.New(),
		IP:        ip,
		Port:      port,
		Type:      proxyType,
		Status:    ProxyStatusOnline,
		FailCount: 0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ApplyHealth применяет новый статус здоровья.
// OFFLINE увеличивает FailCount, ONLINE сбрасывает, LATENCY не трогает.
func (p *ProxyNode) ApplyHealth(status ProxyStatus) {
	switch status {
	case ProxyStatusOffline:
		p.FailCount++
	case ProxyStatusOnline:
		p.FailCount = 0
	}
	now := time.Now().UTC()
	p.Status = status
	p.LastCheckedAt = &now
	p.UpdatedAt = now
}

// Addr возвращает host:port.
func (p *ProxyNode) Addr() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

// URL возвращает адрес прокси для http.Transport.
func (p *ProxyNode) URL() string {
	return fmt.Sprintf("http://%s", p.Addr())
}
