package store

import (
	"context"
	"errors"
	"time"

	"gridbot/internal/models"
	"gridbot/internal/risk"
)

var ErrNotFound = errors.New("запись не найдена")

// GridRecord: всё, что нужно, чтобы поднять сетку после рестарта.
type GridRecord struct {
	ID         string              `json:"id"`
	UserID     string              `json:"user_id"`
	Config     models.GridConfig   `json:"config"`
	State      models.GridState    `json:"state"`
	HaltReason string              `json:"halt_reason,omitempty"`
	Center     float64             `json:"center"`
	Spacing    float64             `json:"spacing"`
	Slots      map[int]models.Side `json:"slots"`
	Position   risk.Position       `json:"position"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

type Store interface {
	SaveGrid(ctx context.Context, rec GridRecord) error
	LoadGrids(ctx context.Context) ([]GridRecord, error)
	// DeleteGrid удаляет сетку вместе со всеми её заявками.
	DeleteGrid(ctx context.Context, gridID string) error
	// SaveOrder пишет заявку уровня; order == nil очищает уровень.
	SaveOrder(ctx context.Context, gridID string, level int, order *models.ManagedOrder) error
	LoadOrders(ctx context.Context, gridID string) ([]models.ManagedOrder, error)
	Close() error
}
