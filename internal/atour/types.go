package atour

import (
	"encoding/json"
	"time"

	"github.com/shaiso/bookingfleet/internal/domain"
)

// Step — шаг бронирования.
type Step string

const (
	StepCalculatePrice Step = "calculate_price"
	StepCreateOrder    Step = "create_order"
	StepCreatePayment  Step = "create_payment"
)

// codeOK — код успеха в конверте ответа.
const codeOK = 200

// dateLayout — формат дат заезда и выезда.
const dateLayout = "2006-01-02"

// envelope — конверт ответа внешнего сервиса.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// Credentials — токен и прокси одного вызова.
type Credentials struct {
	Token string

	// Proxy — nil означает прямое соединение.
	Proxy *domain.ProxyNode
}

// BookingRequest — данные для бронирования одной позиции.
type BookingRequest struct {
	HotelID    string `json:"hotelId"`
	RoomTypeID string `json:"roomTypeId"`
	CheckIn    string `json:"checkIn"`
	CheckOut   string `json:"checkOut"`
	RoomCount  int    `json:"roomCount"`
	GuestName  string `json:"guestName"`
	GuestPhone string `json:"guestPhone"`

	// ExternalRef — идентификатор позиции на нашей стороне.
	ExternalRef string `json:"externalRef"`
}

// NewBookingRequest собирает запрос из позиции заказа.
func NewBookingRequest(item *domain.OrderItem) BookingRequest {
	return BookingRequest{
		HotelID:     item.HotelID,
		RoomTypeID:  item.RoomTypeID,
		CheckIn:     item.CheckIn.Format(dateLayout),
		CheckOut:    item.CheckOut.Format(dateLayout),
		RoomCount:   max(1, item.RoomCount),
		GuestName:   item.GuestName,
		GuestPhone:  item.GuestPhone,
		ExternalRef: item.ID.String(),
	}
}

// priceRequest — тело CalculatePrice.
type priceRequest struct {
	HotelID    string `json:"hotelId"`
	RoomTypeID string `json:"roomTypeId"`
	CheckIn    string `json:"checkIn"`
	CheckOut   string `json:"checkOut"`
	RoomCount  int    `json:"roomCount"`
}

// PriceQuote — результат CalculatePrice.
type PriceQuote struct {
	RateCode    string  `json:"rateCode"`
	TotalAmount float64 `json:"totalAmount"`
	Currency    string  `json:"currency"`
	Available   bool    `json:"available"`
}

// orderRequest — тело CreateOrder.
type orderRequest struct {
	BookingRequest
	RateCode    string  `json:"rateCode"`
	TotalAmount float64 `json:"totalAmount"`
}

// OrderConfirmation — результат CreateOrder.
type OrderConfirmation struct {
	OrderNo string `json:"orderNo"`
}

// paymentRequest — тело CreatePayment.
type paymentRequest struct {
	OrderNo string `json:"orderNo"`
}

// PaymentSession — результат CreatePayment.
type PaymentSession struct {
	Links []PaymentLink `json:"links"`
}

// PaymentLink — ссылка на оплату в формате внешнего сервиса.
type PaymentLink struct {
	Channel    string `json:"channel"`
	URL        string `json:"url"`
	ExpireTime int64  `json:"expireTime,omitempty"` // unix ms
}

// DomainLinks переводит ссылки в доменный формат.
func (s *PaymentSession) DomainLinks() []domain.PaymentLink {
	out := make([]domain.PaymentLink, 0, len(s.Links))
	for _, l := range s.Links {
		link := domain.PaymentLink{Channel: l.Channel, URL: l.URL}
		if l.ExpireTime > 0 {
			t := time.UnixMilli(l.ExpireTime).UTC()
			link.ExpiresAt = &t
		}
		out = append(out, link)
	}
	return out
}

// Booking — результат трёх шагов бронирования.
type Booking struct {
	OrderNo string               `json:"orderNo"`
	Quote   PriceQuote           `json:"quote"`
	Links   []domain.PaymentLink `json:"links"`
}
