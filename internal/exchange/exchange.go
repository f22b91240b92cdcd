package exchange

import (
	"context"
	"time"

	"gridbot/internal/models"
)

type RemoteStatus string

const (
	StatusOpen     RemoteStatus = "open"
	StatusFilled   RemoteStatus = "filled"
	StatusCanceled RemoteStatus = "canceled"
	StatusRejected RemoteStatus = "rejected"
	StatusUnknown  RemoteStatus = "unknown"
)

// Signer: подписывающая сессия кошелька. Секрет наружу не отдаётся.
type Signer interface {
	Address() string
	Sign(digest []byte) ([]byte, error)
	ExpiresAt() time.Time
}

type OrderQuery struct {
	ExchangeID int64
	ClientKey  string
}

type OrderState struct {
	Status     RemoteStatus
	ExchangeID int64
	ClientKey  string
	Side       models.Side
	Price      float64
	Size       float64
	FilledSize float64
}

// FillEvent с Resync=true означает, что поток переподключался и часть исполнений могла быть пропущена.
type FillEvent struct {
	Fill   models.Fill
	Resync bool
}

type Gateway interface {
	PlaceOrder(ctx context.Context, intent models.OrderIntent) (int64, error)
	CancelOrder(ctx context.Context, symbol string, exchangeID int64) error
	GetOrderStatus(ctx context.Context, symbol string, query OrderQuery) (OrderState, error)
	StreamFills(ctx context.Context) (<-chan FillEvent, error)
	MarginUtilization(ctx context.Context) (float64, error)
}

type PriceSource interface {
	StreamMidPrice(ctx context.Context, symbol string) (<-chan models.Tick, error)
	GetSnapshotPrice(ctx context.Context, symbol string) (float64, error)
}

type Client interface {
	PriceSource
	Bind(signer Signer) Gateway
}
