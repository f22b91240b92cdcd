package models

import "time"

type Side string
type OrderStatus string
type TimeInForce string
type IntentKind string
type GridState string

const (
	SideNone Side = ""
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"

	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusResting   OrderStatus = "RESTING"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusReplaced  OrderStatus = "REPLACED"

	TifGtc TimeInForce = "Gtc"
	TifAlo TimeInForce = "Alo"
	TifIoc TimeInForce = "Ioc"

	IntentLimit IntentKind = "LIMIT"

	GridStateRunning  GridState = "RUNNING"
	GridStatePaused   GridState = "PAUSED"
	GridStateHalted   GridState = "HALTED"
	GridStateStopping GridState = "STOPPING"
	GridStateStopped  GridState = "STOPPED"
)

func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideNone
	}
}

// Sign возвращает +1 для покупки и -1 для продажи.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

func (s OrderStatus) Live() bool {
	return s == OrderStatusPending || s == OrderStatusResting
}

type GridLevel struct {
	Index int     `json:"index"`
	Price float64 `json:"price"`
	Side  Side    `json:"side"`
}

// OrderIntent описывает заявку, которую нужно отправить на биржу.
type OrderIntent struct {
	Kind        IntentKind  `json:"kind"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Price       float64     `json:"price"`
	Size        float64     `json:"size"`
	TimeInForce TimeInForce `json:"time_in_force"`
	ReduceOnly  bool        `json:"reduce_only"`
	ClientKey   string      `json:"client_key"`
}

func NewLimitIntent(symbol string, side Side, price, size float64, tif TimeInForce, key string) OrderIntent {
	if tif == "" {
		tif = TifGtc
	}
	return OrderIntent{
		Kind:        IntentLimit,
		Symbol:      symbol,
		Side:        side,
		Price:       price,
		Size:        size,
		TimeInForce: tif,
		ClientKey:   key,
	}
}

type ManagedOrder struct {
	Key             string      `json:"key"`
	Level           int         `json:"level"`
	Side            Side        `json:"side"`
	Price           float64     `json:"price"`
	Size            float64     `json:"size"`
	FilledSize      float64     `json:"filled_size"`
	ExchangeID      int64       `json:"exchange_id"`
	Status          OrderStatus `json:"status"`
	Attempts        int         `json:"attempts"`
	CancelRequested bool        `json:"cancel_requested"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

func (o *ManagedOrder) Remaining() float64 {
	rest := o.Size - o.FilledSize
	if rest < 0 {
		return 0
	}
	return rest
}

type Fill struct {
	OrderID   int64     `json:"order_id"`
	ClientKey string    `json:"client_key"`
	TradeID   string    `json:"trade_id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Time      time.Time `json:"time"`
}

type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
	Resync bool      `json:"resync"`
}
