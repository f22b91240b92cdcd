package sqlstore

import (
	"context"
	"fmt"

	"gridbot/internal/models"
	"gridbot/internal/store"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db *gorm.DB
}

// Open подключается к PostgreSQL и создаёт недостающие таблицы.
func Open(opt Option) (*Store, error) {
	config := opt.Config
	if config == nil {
		config = &gorm.Config{}
	}

	db, err := gorm.Open(postgres.Open(opt.dsn()), config)
	if err != nil {
		return nil, fmt.Errorf("Не удалось подключиться к PostgreSQL: %w", err)
	}
	if err := db.AutoMigrate(&gridRow{}, &orderRow{}); err != nil {
		return nil, fmt.Errorf("Не удалось создать таблицы: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) SaveGrid(ctx context.Context, rec store.GridRecord) error {
	row, err := toGridRow(rec)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("Не удалось сохранить сетку: %w", err)
	}
	return nil
}

func (s *Store) LoadGrids(ctx context.Context) ([]store.GridRecord, error) {
	var rows []gridRow
	if err := s.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("Не удалось загрузить сетки: %w", err)
	}

	grids := make([]store.GridRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := fromGridRow(row)
		if err != nil {
			return nil, err
		}
		grids = append(grids, rec)
	}
	return grids, nil
}

func (s *Store) DeleteGrid(ctx context.Context, gridID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("grid_id = ?", gridID).Delete(&orderRow{}).Error; err != nil {
			return fmt.Errorf("Не удалось удалить заявки сетки: %w", err)
		}
		if err := tx.Where("id = ?", gridID).Delete(&gridRow{}).Error; err != nil {
			return fmt.Errorf("Не удалось удалить сетку: %w", err)
		}
		return nil
	})
}

func (s *Store) SaveOrder(ctx context.Context, gridID string, level int, order *models.ManagedOrder) error {
	db := s.db.WithContext(ctx)
	if order == nil {
		err := db.Where("grid_id = ? AND level = ?", gridID, level).Delete(&orderRow{}).Error
		if err != nil {
			return fmt.Errorf("Не удалось удалить заявку: %w", err)
		}
		return nil
	}

	row := toOrderRow(gridID, level, order)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "grid_id"}, {Name: "level"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("Не удалось сохранить заявку: %w", err)
	}
	return nil
}

func (s *Store) LoadOrders(ctx context.Context, gridID string) ([]models.ManagedOrder, error) {
	var rows []orderRow
	err := s.db.WithContext(ctx).
		Where("grid_id = ?", gridID).
		Order("level").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("Не удалось загрузить заявки: %w", err)
	}

	orders := make([]models.ManagedOrder, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, fromOrderRow(row))
	}
	return orders, nil
}

var _ store.Store = (*Store)(nil)
