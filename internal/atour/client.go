package atour

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shaiso/bookingfleet/internal/domain"
	"github.com/shaiso/bookingfleet/internal/telemetry"
	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	DefaultTimeout     = 12 * time.Second
	DefaultRateLimit   = 5
	DefaultTokenHeader = "token"
)

// Пути API.
const (
	pathCalculatePrice = "/api/v1/order/calculate"
	pathCreateOrder    = "/api/v1/order/create"
	pathCreatePayment  = "/api/v1/order/payment"
)

// maxBodyLog — сколько байт тела ответа сохраняется в сообщении ошибки.
const maxBodyLog = 200

// Config — конфигурация клиента.
type Config struct {
	BaseURL string

	// Timeout — таймаут одного вызова (default: 12s).
	Timeout time.Duration

	// RateLimit — запросов в секунду на клиента (default: 5).
	RateLimit int

	// TokenHeader — заголовок с токеном учётной записи (default: "token").
	TokenHeader string

	// Transport — базовый транспорт (для тестов). Прокси поверх него не применяется.
	Transport http.RoundTripper

	Logger *slog.Logger
}

// Client — клиент API бронирования.
type Client struct {
	baseURL     string
	timeout     time.Duration
	tokenHeader string
	limiter     *rate.Limiter
	logger      *slog.Logger

	direct *http.Client

	// proxied — клиенты по URL прокси, чтобы переиспользовать соединения.
	proxied   map[string]*http.Client
	proxiedMu sync.Mutex
	transport http.RoundTripper
}

// New создаёт новый Client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	header := cfg.TokenHeader
	if header == "" {
		header = DefaultTokenHeader
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		timeout:     timeout,
		tokenHeader: header,
		limiter:     rate.NewLimiter(rate.Limit(limit), limit),
		logger:      logger,
		direct:      &http.Client{Transport: transport},
		proxied:     make(map[string]*http.Client),
		transport:   cfg.Transport,
	}
}

// httpClient возвращает клиента для прокси или прямого соединения.
func (c *Client) httpClient(proxy *domain.ProxyNode) (*http.Client, error) {
	if proxy == nil || c.transport != nil {
		return c.direct, nil
	}

	proxyURL := proxy.URL()
	c.proxiedMu.Lock()
	defer c.proxiedMu.Unlock()

	if hc, ok := c.proxied[proxyURL]; ok {
		return hc, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("%w: proxy url %q: %v", ErrRequest, proxyURL, err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyURL(u)

	hc := &http.Client{Transport: transport}
	c.proxied[proxyURL] = hc
	return hc, nil
}

// call выполняет один шаг и декодирует result в out.
func (c *Client) call(ctx context.Context, step Step, path string, cred Credentials, body, out any) (err error) {
	start := time.Now()
	defer func() {
		telemetry.RemoteCallDuration.WithLabelValues(string(step)).Observe(time.Since(start).Seconds())
		telemetry.RemoteCalls.WithLabelValues(string(step), callResult(err)).Inc()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return c.transportError(step, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %s: marshal body: %v", ErrRequest, step, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %s: create request: %v", ErrRequest, step, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if cred.Token != "" {
		req.Header.Set(c.tokenHeader, cred.Token)
	}

	hc, err := c.httpClient(cred.Proxy)
	if err != nil {
		return err
	}

	resp, err := hc.Do(req)
	if err != nil {
		return c.transportError(step, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.transportError(step, err)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return &StepError{
			Step:       step,
			HTTPStatus: resp.StatusCode,
			Message:    truncate(string(respBody), maxBodyLog),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || env.Code != codeOK {
		return &StepError{
			Step:       step,
			HTTPStatus: resp.StatusCode,
			Code:       env.Code,
			Message:    env.Message,
		}
	}

	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("%w: %s: decode result: %v", ErrRequest, step, err)
		}
	}

	c.logger.Debug("atour step succeeded", "step", step, "duration", time.Since(start))
	return nil
}

// transportError различает таймаут и прочие сетевые ошибки.
func (c *Client) transportError(step Step, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w after %s", step, domain.ErrTimeout, c.timeout)
	}
	return fmt.Errorf("%w: %s: %v", ErrRequest, step, err)
}

// CalculatePrice проверяет наличие и рассчитывает цену.
func (c *Client) CalculatePrice(ctx context.Context, cred Credentials, req BookingRequest) (*PriceQuote, error) {
	var quote PriceQuote
	err := c.call(ctx, StepCalculatePrice, pathCalculatePrice, cred, priceRequest{
		HotelID:    req.HotelID,
		RoomTypeID: req.RoomTypeID,
		CheckIn:    req.CheckIn,
		CheckOut:   req.CheckOut,
		RoomCount:  req.RoomCount,
	}, &quote)
	if err != nil {
		return nil, err
	}
	if !quote.Available {
		return nil, &StepError{
			Step:       StepCalculatePrice,
			HTTPStatus: http.StatusOK,
			Code:       codeOK,
			Message:    "room not available",
		}
	}
	return &quote, nil
}

// CreateOrder создаёт заказ по рассчитанной цене.
func (c *Client) CreateOrder(ctx context.Context, cred Credentials, req BookingRequest, quote *PriceQuote) (*OrderConfirmation, error) {
	var conf OrderConfirmation
	err := c.call(ctx, StepCreateOrder, pathCreateOrder, cred, orderRequest{
		BookingRequest: req,
		RateCode:       quote.RateCode,
		TotalAmount:    quote.TotalAmount,
	}, &conf)
	if err != nil {
		return nil, err
	}
	if conf.OrderNo == "" {
		return nil, &StepError{
			Step:       StepCreateOrder,
			HTTPStatus: http.StatusOK,
			Code:       codeOK,
			Message:    "empty order number",
		}
	}
	return &conf, nil
}

// CreatePayment создаёт платёжную сессию для заказа.
func (c *Client) CreatePayment(ctx context.Context, cred Credentials, orderNo string) (*PaymentSession, error) {
	var session PaymentSession
	if err := c.call(ctx, StepCreatePayment, pathCreatePayment, cred, paymentRequest{OrderNo: orderNo}, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Book выполняет три шага бронирования. Первая ошибка прерывает процесс.
//
// onStep (опционально) вызывается после каждого успешного шага.
func (c *Client) Book(ctx context.Context, cred Credentials, req BookingRequest, onStep func(Step)) (*Booking, error) {
	notify := func(s Step) {
		if onStep != nil {
			onStep(s)
		}
	}

	quote, err := c.CalculatePrice(ctx, cred, req)
	if err != nil {
		return nil, err
	}
	notify(StepCalculatePrice)

	conf, err := c.CreateOrder(ctx, cred, req, quote)
	if err != nil {
		return nil, err
	}
	notify(StepCreateOrder)

	session, err := c.CreatePayment(ctx, cred, conf.OrderNo)
	if err != nil {
		return nil, err
	}
	notify(StepCreatePayment)

	return &Booking{
		OrderNo: conf.OrderNo,
		Quote:   *quote,
		Links:   session.DomainLinks(),
	}, nil
}

func callResult(err error) string {
	var stepErr *StepError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &stepErr):
		return "rejected"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
