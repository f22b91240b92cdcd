package strategy

import (
	"fmt"
	"math"
	"sort"

	"gridbot/internal/models"
)

type FeedDataError struct {
	Symbol string
	Price  float64
}

func (e *FeedDataError) Error() string {
	return fmt.Sprintf("некорректная цена из фида %s: %v", e.Symbol, e.Price)
}

// Plan: желаемая лестница уровней для одного опорного значения цены.
type Plan struct {
	Reference     float64
	Spacing       float64
	Mode          models.SpacingMode
	PerSide       int
	Levels        []models.GridLevel
	FullRebalance bool
}

// LinePrice: цена линии сетки i, включая центральную (i == 0).
func (p Plan) LinePrice(i int) float64 {
	return linePrice(p.Mode, p.Reference, p.Spacing, i)
}

func (p Plan) Contains(i int) bool {
	return i >= -p.PerSide && i <= p.PerSide && p.LinePrice(i) > 0
}

func linePrice(mode models.SpacingMode, reference, spacing float64, i int) float64 {
	if mode == models.SpacingAbsolute {
		return reference + float64(i)*spacing
	}
	return reference * (1 + float64(i)*spacing)
}

type Engine struct {
	cfg     models.GridConfig
	spacing float64
	vol     *atr
}

func New(cfg models.GridConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, spacing: cfg.Spacing}
	if cfg.Dynamic != nil {
		e.vol = newATR(cfg.Dynamic.Lookback)
	}
	return e, nil
}

func (e *Engine) Spacing() float64 {
	return e.spacing
}

func (e *Engine) Restore(spacing float64) {
	if spacing > 0 {
		e.spacing = spacing
	}
}

// Observe учитывает новый тик в оценке волатильности.
func (e *Engine) Observe(price float64) error {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return &FeedDataError{Symbol: e.cfg.Symbol, Price: price}
	}
	if e.vol != nil {
		e.vol.update(price)
	}
	return nil
}

func (e *Engine) RecomputeLevels(reference float64, volatilityHint *float64) (Plan, error) {
	if reference <= 0 || math.IsNaN(reference) || math.IsInf(reference, 0) {
		return Plan{}, &FeedDataError{Symbol: e.cfg.Symbol, Price: reference}
	}

	// Активный шаг меняется только вместе с полной перестройкой, мелкие колебания его не двигают.
	rebalance := false
	if e.cfg.Dynamic != nil {
		if next, ok := e.dynamicSpacing(reference, volatilityHint); ok {
			if math.Abs(next-e.spacing)/e.spacing > e.cfg.Dynamic.RebalanceThreshold {
				rebalance = true
				e.spacing = next
			}
		}
	}

	return e.plan(reference, rebalance), nil
}

func (e *Engine) dynamicSpacing(reference float64, hint *float64) (float64, bool) {
	var vol float64
	switch {
	case hint != nil:
		vol = *hint
	case e.vol != nil:
		v, err := e.vol.value()
		if err != nil {
			return 0, false
		}
		vol = v
	default:
		return 0, false
	}

	next := e.cfg.Dynamic.Multiplier * vol
	if e.cfg.SpacingMode == models.SpacingPercent {
		next = next / reference
	}
	if next <= 0 || math.IsNaN(next) || math.IsInf(next, 0) {
		return 0, false
	}
	return next, true
}

func (e *Engine) plan(reference float64, rebalance bool) Plan {
	p := Plan{
		Reference:     reference,
		Spacing:       e.spacing,
		Mode:          e.cfg.SpacingMode,
		PerSide:       e.cfg.LevelsPerSide,
		FullRebalance: rebalance,
	}

	n := e.cfg.LevelsPerSide
	p.Levels = make([]models.GridLevel, 0, 2*n)
	for i := -n; i <= n; i++ {
		if i == 0 {
			continue
		}
		price := p.LinePrice(i)
		if price <= 0 {
			continue
		}
		side := models.SideSell
		if i < 0 {
			side = models.SideBuy
		}
		p.Levels = append(p.Levels, models.GridLevel{Index: i, Price: price, Side: side})
	}
	sort.Slice(p.Levels, func(a, b int) bool { return p.Levels[a].Price < p.Levels[b].Price })

	return p
}

// NeedsRecenter сообщает, что mid ушёл от центра дальше порога.
func (e *Engine) NeedsRecenter(center, mid float64) bool {
	if e.cfg.CenterSource != models.CenterMid || e.cfg.RecenterThreshold <= 0 || center <= 0 || mid <= 0 {
		return false
	}
	return math.Abs(mid-center)/center > e.cfg.RecenterThreshold
}
