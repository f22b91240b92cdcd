package risk

import (
	"fmt"
	"math"

	"gridbot/internal/models"
)

type Action string
type Reason string
type Verdict string

const (
	ActionAllow Action = "ALLOW"
	ActionDeny  Action = "DENY"

	ReasonNone          Reason = ""
	ReasonInvalidOrder  Reason = "INVALID_ORDER"
	ReasonPositionLimit Reason = "POSITION_LIMIT"
	ReasonMarginCeiling Reason = "MARGIN_CEILING"

	VerdictContinue Verdict = "CONTINUE"
	VerdictHalt     Verdict = "HALT"
)

type Decision struct {
	Action    Action
	Reason    Reason
	Projected float64
}

func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

func (d Decision) String() string {
	if d.Allowed() {
		return string(ActionAllow)
	}
	return fmt.Sprintf("%s(%s, projected=%v)", d.Action, d.Reason, d.Projected)
}

// Exposure: позиция плюс живые заявки, которые ещё могут исполниться.
type Exposure struct {
	Position          float64
	LiveBuys          float64
	LiveSells         float64
	MarginUtilization float64
}

type DrawdownCheck struct {
	Verdict Verdict
	Loss    float64
	Limit   float64
}

func CheckPlacement(intent models.OrderIntent, exposure Exposure, cfg models.GridConfig) Decision {
	if intent.Size <= 0 || intent.Price <= 0 {
		return Decision{Action: ActionDeny, Reason: ReasonInvalidOrder}
	}

	projected := exposure.Position
	switch intent.Side {
	case models.SideBuy:
		projected += exposure.LiveBuys + intent.Size
	case models.SideSell:
		projected -= exposure.LiveSells + intent.Size
	default:
		return Decision{Action: ActionDeny, Reason: ReasonInvalidOrder}
	}

	if math.Abs(projected) > cfg.MaxPosition+sizeEpsilon {
		return Decision{Action: ActionDeny, Reason: ReasonPositionLimit, Projected: projected}
	}
	if cfg.MaxMarginUtilization > 0 && exposure.MarginUtilization > cfg.MaxMarginUtilization {
		return Decision{Action: ActionDeny, Reason: ReasonMarginCeiling, Projected: projected}
	}
	return Decision{Action: ActionAllow, Projected: projected}
}

func CheckDrawdown(position Position, unrealizedPnl float64, cfg models.GridConfig) DrawdownCheck {
	check := DrawdownCheck{Verdict: VerdictContinue}
	if cfg.MaxDrawdown <= 0 || cfg.AllocatedCapital <= 0 {
		return check
	}
	check.Loss = -(position.Realized + unrealizedPnl)
	check.Limit = cfg.MaxDrawdown * cfg.AllocatedCapital
	if check.Loss > check.Limit {
		check.Verdict = VerdictHalt
	}
	return check
}

// Manager хранит позицию одной сетки.
type Manager struct {
	cfg      models.GridConfig
	position Position
}

func NewManager(cfg models.GridConfig) *Manager {
	return &Manager{cfg: cfg}
}

func (m *Manager) Position() Position {
	return m.position
}

func (m *Manager) Restore(p Position) {
	m.position = p
}

func (m *Manager) ApplyFill(side models.Side, price, size float64) {
	m.position.Apply(side, price, size)
}

func (m *Manager) CheckPlacement(intent models.OrderIntent, liveBuys, liveSells, margin float64) Decision {
	return CheckPlacement(intent, Exposure{
		Position:          m.position.Size,
		LiveBuys:          liveBuys,
		LiveSells:         liveSells,
		MarginUtilization: margin,
	}, m.cfg)
}

func (m *Manager) CheckDrawdown(mark float64) DrawdownCheck {
	return CheckDrawdown(m.position, m.position.Unrealized(mark), m.cfg)
}
