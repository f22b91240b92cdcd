package lifecycle

import (
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/models"
	"gridbot/internal/risk"
)

type ActionKind string

const (
	ActionPlace  ActionKind = "PLACE"
	ActionCancel ActionKind = "CANCEL"
	ActionQuery  ActionKind = "QUERY"
)

// Action: вызов шлюза, который должен выполнить воркер сетки.
type Action struct {
	Kind       ActionKind
	Key        string
	Level      int
	Symbol     string
	Intent     models.OrderIntent
	ExchangeID int64
	Query      exchange.OrderQuery
	Delay      time.Duration
}

type Result struct {
	Action     Action
	ExchangeID int64
	State      exchange.OrderState
	Err        error
}

type AlertKind string

const (
	AlertPlacementFailed AlertKind = "PLACEMENT_FAILED"
	AlertCancelFailed    AlertKind = "CANCEL_FAILED"
	AlertRiskDenied      AlertKind = "RISK_DENIED"
	AlertOrphanFill      AlertKind = "ORPHAN_FILL"
	AlertLevelFilled     AlertKind = "LEVEL_FILLED"
	AlertEdgeReached     AlertKind = "EDGE_REACHED"
	AlertStatusUnknown   AlertKind = "STATUS_UNKNOWN"
	AlertSessionExpired  AlertKind = "SESSION_EXPIRED"
)

type Alert struct {
	Kind   AlertKind `json:"kind"`
	Level  int       `json:"level"`
	Key    string    `json:"key,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Time   time.Time `json:"time"`
}

type Output struct {
	Actions []Action
	Alerts  []Alert
}

func (o *Output) Merge(other Output) {
	o.Actions = append(o.Actions, other.Actions...)
	o.Alerts = append(o.Alerts, other.Alerts...)
}

func (o Output) Empty() bool {
	return len(o.Actions) == 0 && len(o.Alerts) == 0
}

type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, Base: time.Second, Max: 30 * time.Second}
}

// Delay: экспоненциальная пауза; при лимите запросов ждём в четыре раза дольше.
func (p RetryPolicy) Delay(attempt int, kind exchange.ErrorKind) time.Duration {
	wait := p.Base
	for i := 0; i < attempt && wait < p.Max; i++ {
		wait *= 2
	}
	if kind == exchange.KindRateLimited {
		wait *= 4
	}
	if wait > p.Max {
		wait = p.Max
	}
	return wait
}

type LevelView struct {
	Index  int                  `json:"index"`
	Price  float64              `json:"price"`
	Side   models.Side          `json:"side"`
	Order  *models.ManagedOrder `json:"order,omitempty"`
	Denied risk.Reason          `json:"denied,omitempty"`
}

type Snapshot struct {
	Reference  float64               `json:"reference"`
	Spacing    float64               `json:"spacing"`
	Levels     []LevelView           `json:"levels"`
	OpenOrders []models.ManagedOrder `json:"open_orders"`
	Position   risk.Position         `json:"position"`
	Active     bool                  `json:"active"`
}

// LevelRecord: изменившаяся запись уровня; Order == nil означает, что живой заявки нет.
type LevelRecord struct {
	Level int
	Order *models.ManagedOrder
}
