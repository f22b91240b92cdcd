package risk

import (
	"math"

	"gridbot/internal/models"
)

const sizeEpsilon = 1e-12

// Position: чистая позиция сетки, собранная из исполнений.
type Position struct {
	Size     float64 `json:"size"`
	AvgEntry float64 `json:"avg_entry"`
	Realized float64 `json:"realized"`
}

func (p *Position) Apply(side models.Side, price, size float64) {
	if size <= 0 {
		return
	}
	signed := side.Sign() * size

	if p.Size == 0 || (p.Size > 0) == (signed > 0) {
		total := math.Abs(p.Size) + size
		p.AvgEntry = (math.Abs(p.Size)*p.AvgEntry + size*price) / total
		p.Size += signed
		return
	}

	closing := math.Min(size, math.Abs(p.Size))
	direction := 1.0
	if p.Size < 0 {
		direction = -1
	}
	p.Realized += closing * (price - p.AvgEntry) * direction
	p.Size += signed

	switch {
	case math.Abs(p.Size) < sizeEpsilon:
		p.Size = 0
		p.AvgEntry = 0
	case (p.Size > 0) != (direction > 0):
		p.AvgEntry = price
	}
}

func (p Position) Unrealized(mark float64) float64 {
	if p.Size == 0 || mark <= 0 {
		return 0
	}
	return p.Size * (mark - p.AvgEntry)
}
