package sqlstore

import (
	"encoding/json"
	"fmt"
	"time"

	"gridbot/internal/models"
	"gridbot/internal/risk"
	"gridbot/internal/store"
)

type gridRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	UserID     string `gorm:"index;size:128"`
	Symbol     string `gorm:"size:32"`
	State      string `gorm:"size:16"`
	HaltReason string
	Config     string `gorm:"type:text"`
	Slots      string `gorm:"type:text"`
	Center     float64
	Spacing    float64
	PosSize    float64
	PosEntry   float64
	PosPnl     float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (gridRow) TableName() string { return "grids" }

type orderRow struct {
	GridID          string `gorm:"primaryKey;size:64"`
	Level           int    `gorm:"primaryKey;autoIncrement:false"`
	Key             string `gorm:"size:66;index"`
	Side            string `gorm:"size:8"`
	Price           float64
	Size            float64
	FilledSize      float64
	ExchangeID      int64  `gorm:"index"`
	Status          string `gorm:"size:16"`
	Attempts        int
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (orderRow) TableName() string { return "grid_orders" }

func toGridRow(rec store.GridRecord) (gridRow, error) {
	cfg, err := json.Marshal(rec.Config)
	if err != nil {
		return gridRow{}, fmt.Errorf("Не удалось сериализовать конфигурацию: %w", err)
	}
	slots, err := json.Marshal(rec.Slots)
	if err != nil {
		return gridRow{}, fmt.Errorf("Не удалось сериализовать раскладку уровней: %w", err)
	}
	return gridRow{
		ID:         rec.ID,
		UserID:     rec.UserID,
		Symbol:     rec.Config.Symbol,
		State:      string(rec.State),
		HaltReason: rec.HaltReason,
		Config:     string(cfg),
		Slots:      string(slots),
		Center:     rec.Center,
		Spacing:    rec.Spacing,
		PosSize:    rec.Position.Size,
		PosEntry:   rec.Position.AvgEntry,
		PosPnl:     rec.Position.Realized,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}, nil
}

func fromGridRow(row gridRow) (store.GridRecord, error) {
	rec := store.GridRecord{
		ID:         row.ID,
		UserID:     row.UserID,
		State:      models.GridState(row.State),
		HaltReason: row.HaltReason,
		Center:     row.Center,
		Spacing:    row.Spacing,
		Position:   risk.Position{Size: row.PosSize, AvgEntry: row.PosEntry, Realized: row.PosPnl},
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.Config), &rec.Config); err != nil {
		return store.GridRecord{}, fmt.Errorf("Не удалось разобрать конфигурацию сетки %s: %w", row.ID, err)
	}
	if row.Slots != "" {
		if err := json.Unmarshal([]byte(row.Slots), &rec.Slots); err != nil {
			return store.GridRecord{}, fmt.Errorf("Не удалось разобрать раскладку уровней сетки %s: %w", row.ID, err)
		}
	}
	return rec, nil
}

func toOrderRow(gridID string, level int, o *models.ManagedOrder) orderRow {
	return orderRow{
		GridID:          gridID,
		Level:           level,
		Key:             o.Key,
		Side:            string(o.Side),
		Price:           o.Price,
		Size:            o.Size,
		FilledSize:      o.FilledSize,
		ExchangeID:      o.ExchangeID,
		Status:          string(o.Status),
		Attempts:        o.Attempts,
		CancelRequested: o.CancelRequested,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func fromOrderRow(row orderRow) models.ManagedOrder {
	return models.ManagedOrder{
		Key:             row.Key,
		Level:           row.Level,
		Side:            models.Side(row.Side),
		Price:           row.Price,
		Size:            row.Size,
		FilledSize:      row.FilledSize,
		ExchangeID:      row.ExchangeID,
		Status:          models.OrderStatus(row.Status),
		Attempts:        row.Attempts,
		CancelRequested: row.CancelRequested,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
}
