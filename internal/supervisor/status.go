package supervisor

import (
	"time"

	"gridbot/internal/lifecycle"
	"gridbot/internal/models"
)

type Status struct {
	ID            string             `json:"id"`
	UserID        string             `json:"user_id"`
	Symbol        string             `json:"symbol"`
	State         models.GridState   `json:"state"`
	HaltReason    string             `json:"halt_reason,omitempty"`
	Center        float64            `json:"center"`
	LastPrice     float64            `json:"last_price"`
	Frozen        bool               `json:"frozen"`
	UnrealizedPnl float64            `json:"unrealized_pnl"`
	Grid          lifecycle.Snapshot `json:"grid"`
	Alerts        []lifecycle.Alert  `json:"alerts"`
	Config        models.GridConfig  `json:"config"`
	CreatedAt     time.Time          `json:"created_at"`
}

func (g *grid) status() Status {
	snap := g.lc.Snapshot()
	alerts := make([]lifecycle.Alert, len(g.alerts))
	copy(alerts, g.alerts)
	return Status{
		ID:            g.id,
		UserID:        g.userID,
		Symbol:        g.cfg.Symbol,
		State:         g.state,
		HaltReason:    g.haltReason,
		Center:        g.center,
		LastPrice:     g.lastPrice,
		Frozen:        g.frozen,
		UnrealizedPnl: snap.Position.Unrealized(g.lastPrice),
		Grid:          snap,
		Alerts:        alerts,
		Config:        g.cfg,
		CreatedAt:     g.createdAt,
	}
}
