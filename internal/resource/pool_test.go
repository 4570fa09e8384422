package resource

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/bookingfleet/internal/domain"
)

// --- fakes ---

type fakeAccounts struct {
	accounts []domain.PoolAccount
}

func (f *fakeAccounts) ListOnline(ctx context.Context) ([]domain.PoolAccount, error) {
	out := make([]domain.PoolAccount, 0, len(f.accounts))
	for _, a := range f.accounts {
		if a.Online {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeProxies struct {
	mu    sync.Mutex
	nodes []domain.ProxyNode
}

func (f *fakeProxies) List(ctx context.Context) ([]domain.ProxyNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ProxyNode(nil), f.nodes...), nil
}

func (f *fakeProxies) ListOnline(ctx context.Context) ([]domain.ProxyNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ProxyNode
	for _, n := range f.nodes {
		if n.Status == domain.ProxyStatusOnline {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeProxies) GetByID(ctx context.Context, id uuid.UUID) (*domain.ProxyNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.nodes {
		if n.ID == id {
			return &n, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeProxies) UpdateHealth(ctx context.Context, p *domain.ProxyNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.nodes {
		if f.nodes[i].ID == p.ID {
			f.nodes[i] = *p
			return nil
		}
	}
	return domain.ErrNotFound
}

// prefixDecryptor "расшифровывает" строки вида "enc:<token>".
type prefixDecryptor struct{}

func (prefixDecryptor) Decrypt(ciphertext string) (string, error) {
	token, ok := strings.CutPrefix(ciphertext, "enc:")
	if !ok {
		return "", ErrDecrypt
	}
	return token, nil
}

func account(label, token string) domain.PoolAccount {
	return domain.PoolAccount{ID: uuid.New(), Label: label, Online: true, EncryptedToken: token}
}

func newTestPool(accounts []domain.PoolAccount, proxies []domain.ProxyNode) (*Pool, *fakeProxies) {
	store := &fakeProxies{nodes: append([]domain.ProxyNode(nil), proxies...)}
	pool := NewPool(Config{
		Accounts:  &fakeAccounts{accounts: accounts},
		Proxies:   store,
		Decryptor: prefixDecryptor{},
		Rand:      mrand.New(mrand.NewPCG(1, 2)),
	})
	return pool, store
}

// --- tokens ---

func TestAcquireToken_SkipsCorruptAccounts(t *testing.T) {
	pool, _ := newTestPool([]domain.PoolAccount{
		account("valid-1", "enc:token-1"),
		account("corrupt", "garbage"),
		account("valid-2", "enc:token-2"),
	}, nil)

	seen := map[string]int{}
	for i := 0; i < 50; i++ {
		lease, err := pool.AcquireToken(context.Background(), domain.TierAny)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if lease == nil {
			t.Fatal("expected a token")
		}
		if lease.Token != "token-1" && lease.Token != "token-2" {
			t.Fatalf("unexpected token %q", lease.Token)
		}
		if lease.Source != SourcePool || lease.AccountID == nil {
			t.Errorf("unexpected lease metadata: %+v", lease)
		}
		seen[lease.Token]++
	}
	if len(seen) != 2 {
		t.Errorf("expected both valid tokens to be handed out, got %v", seen)
	}
}

func TestAcquireToken_TierFiltering(t *testing.T) {
	plain := account("plain", "enc:plain")
	pool, _ := newTestPool([]domain.PoolAccount{plain}, nil)

	lease, err := pool.AcquireToken(context.Background(), domain.TierPlatinum)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lease != nil {
		t.Fatalf("non-platinum account returned for PLATINUM: %+v", lease)
	}

	platinum := account("platinum", "enc:plat")
	platinum.IsPlatinum = true
	pool, _ = newTestPool([]domain.PoolAccount{plain, platinum}, nil)
	for i := 0; i < 10; i++ {
		lease, _ := pool.AcquireToken(context.Background(), domain.TierPlatinum)
		if lease == nil || lease.Token != "plat" {
			t.Fatalf("expected platinum token, got %+v", lease)
		}
	}
}

func TestAcquireToken_NoneAvailable(t *testing.T) {
	offline := account("offline", "enc:x")
	offline.Online = false
	pool, _ := newTestPool([]domain.PoolAccount{offline, account("corrupt", "bad")}, nil)

	lease, err := pool.AcquireToken(context.Background(), domain.TierAny)
	if err != nil || lease != nil {
		t.Errorf("expected none, got %+v err=%v", lease, err)
	}
}

func TestAcquireToken_NoKeyConfigured(t *testing.T) {
	pool := NewPool(Config{Accounts: &fakeAccounts{accounts: []domain.PoolAccount{account("a", "enc:a")}}})
	lease, err := pool.AcquireToken(context.Background(), domain.TierAny)
	if err != nil || lease != nil {
		t.Errorf("without a key no pool token is usable, got %+v err=%v", lease, err)
	}
}

// --- proxies ---

func proxies(specs ...string) []domain.ProxyNode {
	var out []domain.ProxyNode
	for i, spec := range specs {
		typ, status, _ := strings.Cut(spec, "/")
		n := domain.NewProxyNode(fmt.Sprintf("10.0.0.%d", i+1), 8000+i, domain.ProxyType(typ))
		if status != "" {
			n.Status = domain.ProxyStatus(status)
		}
		out = append(out, n)
	}
	return out
}

func TestAcquireProxy_RoundRobin(t *testing.T) {
	nodes := proxies("DYNAMIC", "DYNAMIC", "DYNAMIC")
	pool, _ := newTestPool(nil, nodes)

	want := []uuid.UUID{nodes[0].ID, nodes[1].ID, nodes[2].ID, nodes[0].ID}
	for i, id := range want {
		got, err := pool.AcquireProxy(context.Background(), domain.ProxyTypeDynamic)
		if err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if got.ID != id {
			t.Errorf("call %d: expected %s, got %s", i+1, id, got.ID)
		}
	}
}

func TestAcquireProxy_PrefersTypeAndFallsBack(t *testing.T) {
	nodes := proxies("STATIC", "DYNAMIC", "STATIC/OFFLINE")
	pool, _ := newTestPool(nil, nodes)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, _ := pool.AcquireProxy(ctx, domain.ProxyTypeStatic)
		if got.ID != nodes[0].ID {
			t.Errorf("STATIC should only yield the online static node, got %s", got.IP)
		}
	}

	dynamicOnly := proxies("DYNAMIC", "DYNAMIC")
	pool, _ = newTestPool(nil, dynamicOnly)
	got, err := pool.AcquireProxy(ctx, domain.ProxyTypeStatic)
	if err != nil || got == nil {
		t.Fatalf("expected fallback to any online proxy, got %v err=%v", got, err)
	}
}

func TestAcquireProxy_NoneOnline(t *testing.T) {
	pool, _ := newTestPool(nil, proxies("DYNAMIC/OFFLINE", "STATIC/LATENCY"))
	got, err := pool.AcquireProxy(context.Background(), "")
	if err != nil || got != nil {
		t.Errorf("expected none, got %v err=%v", got, err)
	}
}

func TestAcquireProxy_Concurrent(t *testing.T) {
	nodes := proxies("DYNAMIC", "DYNAMIC", "DYNAMIC", "DYNAMIC")
	pool, _ := newTestPool(nil, nodes)

	var wg sync.WaitGroup
	var mu sync.Mutex
	counts := map[uuid.UUID]int{}
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := pool.AcquireProxy(context.Background(), "")
			if err != nil || got == nil {
				t.Errorf("acquire: %v %v", got, err)
				return
			}
			mu.Lock()
			counts[got.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, n := range nodes {
		if counts[n.ID] != 10 {
			t.Errorf("node %s: expected 10 allocations, got %d", n.IP, counts[n.ID])
		}
	}
}

func TestCursor_IndependentKeys(t *testing.T) {
	c := newCursor()
	if c.next("STATIC", 2) != 0 || c.next("STATIC", 2) != 1 || c.next("STATIC", 2) != 0 {
		t.Error("STATIC cursor should wrap")
	}
	if c.next(cursorAll, 3) != 0 {
		t.Error("ALL cursor must be independent of STATIC")
	}
	// список сократился — позиция берётся по модулю
	if got := c.next(cursorAll, 1); got != 0 {
		t.Errorf("expected 0 after shrink, got %d", got)
	}
}

// --- health ---

func TestMarkHealth(t *testing.T) {
	nodes := proxies("DYNAMIC")
	pool, store := newTestPool(nil, nodes)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := pool.MarkHealth(ctx, nodes[0].ID, domain.ProxyStatusOffline); err != nil {
			t.Fatalf("mark offline: %v", err)
		}
	}
	node, _ := store.GetByID(ctx, nodes[0].ID)
	if node.FailCount != 2 || node.Status != domain.ProxyStatusOffline {
		t.Errorf("unexpected node after OFFLINE x2: %+v", node)
	}

	node, err := pool.MarkHealth(ctx, nodes[0].ID, domain.ProxyStatusOnline)
	if err != nil {
		t.Fatalf("mark online: %v", err)
	}
	if node.FailCount != 0 {
		t.Errorf("ONLINE must reset fail count, got %d", node.FailCount)
	}

	if _, err := pool.MarkHealth(ctx, nodes[0].ID, "BROKEN"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := pool.MarkHealth(ctx, uuid.New(), domain.ProxyStatusOnline); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHealthChecker_CheckAll(t *testing.T) {
	nodes := proxies("DYNAMIC", "DYNAMIC/OFFLINE", "STATIC")
	pool, store := newTestPool(nil, nodes)

	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		switch addr {
		case nodes[0].Addr():
			client, server := net.Pipe()
			server.Close()
			return client, nil
		case nodes[1].Addr():
			// ожил
			client, server := net.Pipe()
			server.Close()
			return client, nil
		default:
			return nil, errors.New("connection refused")
		}
	}

	checker := NewHealthChecker(HealthConfig{Pool: pool, Proxies: store, Dial: dial})
	report, err := checker.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	if report.Checked != 3 || report.Online != 2 || report.Offline != 1 {
		t.Errorf("unexpected report: %+v", report)
	}

	revived, _ := store.GetByID(context.Background(), nodes[1].ID)
	if revived.Status != domain.ProxyStatusOnline || revived.FailCount != 0 {
		t.Errorf("offline proxy should be revived: %+v", revived)
	}
	dead, _ := store.GetByID(context.Background(), nodes[2].ID)
	if dead.Status != domain.ProxyStatusOffline || dead.FailCount != 1 {
		t.Errorf("unreachable proxy should be OFFLINE: %+v", dead)
	}
}

func TestHealthChecker_Latency(t *testing.T) {
	checker := NewHealthChecker(HealthConfig{
		LatencyThreshold: 10 * time.Millisecond,
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			time.Sleep(30 * time.Millisecond)
			client, server := net.Pipe()
			server.Close()
			return client, nil
		},
	})

	status, latency := checker.Check(context.Background(), "10.0.0.1:8000")
	if status != domain.ProxyStatusLatency {
		t.Errorf("expected LATENCY, got %s", status)
	}
	if latency < 30*time.Millisecond {
		t.Errorf("expected measured latency >= 30ms, got %v", latency)
	}
}

// --- decryption ---

func TestRSADecryptor(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	dec, err := NewRSADecryptor(pemBytes)
	if err != nil {
		t.Fatalf("new decryptor: %v", err)
	}

	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &key.PublicKey, []byte("secret-token"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := dec.Decrypt(base64.StdEncoding.EncodeToString(ct))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != "secret-token" {
		t.Errorf("expected secret-token, got %q", got)
	}

	if _, err := dec.Decrypt("not base64!"); !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected ErrDecrypt for bad base64, got %v", err)
	}
	if _, err := dec.Decrypt(base64.StdEncoding.EncodeToString([]byte("corrupt"))); !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected ErrDecrypt for corrupt cipher, got %v", err)
	}
}

func TestNewRSADecryptor_InvalidPEM(t *testing.T) {
	if _, err := NewRSADecryptor([]byte("not a key")); err == nil {
		t.Error("expected error for invalid PEM")
	}
}
