package strategy

import (
	"errors"
	"math"
)

var errInsufficientData = errors.New("недостаточно данных для ATR")

type rollingWindow struct {
	values   []float64
	position int
	full     bool
	sum      float64
}

func newRollingWindow(size int) *rollingWindow {
	return &rollingWindow{values: make([]float64, size)}
}

func (w *rollingWindow) add(v float64) {
	w.sum -= w.values[w.position]
	w.values[w.position] = v
	w.sum += v
	w.position = (w.position + 1) % len(w.values)
	if w.position == 0 {
		w.full = true
	}
}

func (w *rollingWindow) average() float64 {
	if w.full {
		return w.sum / float64(len(w.values))
	}
	if w.position == 0 {
		return 0
	}
	return w.sum / float64(w.position)
}

// atr: упрощённый ATR по тикам: средний |p - p_prev| за окно.
type atr struct {
	ranges      *rollingWindow
	lastPrice   float64
	initialized bool
}

func newATR(lookback int) *atr {
	return &atr{ranges: newRollingWindow(lookback)}
}

func (a *atr) update(price float64) {
	if !a.initialized {
		a.lastPrice = price
		a.initialized = true
		return
	}
	a.ranges.add(math.Abs(price - a.lastPrice))
	a.lastPrice = price
}

func (a *atr) value() (float64, error) {
	if !a.ranges.full {
		return 0, errInsufficientData
	}
	return a.ranges.average(), nil
}
