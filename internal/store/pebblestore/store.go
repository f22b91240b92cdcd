package pebblestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"gridbot/internal/models"
	"gridbot/internal/store"

	"github.com/cockroachdb/pebble"
)

type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("Не удалось открыть хранилище %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) SaveGrid(ctx context.Context, rec store.GridRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("Не удалось сериализовать сетку: %w", err)
	}
	if err := s.db.Set(gridKey(rec.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("Не удалось сохранить сетку: %w", err)
	}
	return nil
}

func (s *Store) LoadGrid(ctx context.Context, gridID string) (store.GridRecord, error) {
	if err := ctx.Err(); err != nil {
		return store.GridRecord{}, err
	}
	data, closer, err := s.db.Get(gridKey(gridID))
	if err == pebble.ErrNotFound {
		return store.GridRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.GridRecord{}, fmt.Errorf("Не удалось прочитать сетку: %w", err)
	}
	defer closer.Close()

	var rec store.GridRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return store.GridRecord{}, fmt.Errorf("Не удалось разобрать сетку: %w", err)
	}
	return rec, nil
}

func (s *Store) LoadGrids(ctx context.Context) ([]store.GridRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(prefixGrid)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("Не удалось открыть итератор: %w", err)
	}
	defer iter.Close()

	var grids []store.GridRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec store.GridRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("Не удалось разобрать сетку %s: %w", iter.Key(), err)
		}
		grids = append(grids, rec)
	}
	return grids, iter.Error()
}

func (s *Store) DeleteGrid(ctx context.Context, gridID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := orderPrefix(gridID)

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(gridKey(gridID), nil); err != nil {
		return fmt.Errorf("Не удалось удалить сетку: %w", err)
	}
	if err := b.DeleteRange(prefix, keyUpperBound(prefix), nil); err != nil {
		return fmt.Errorf("Не удалось удалить заявки сетки: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("Не удалось зафиксировать удаление сетки: %w", err)
	}
	return nil
}

func (s *Store) SaveOrder(ctx context.Context, gridID string, level int, order *models.ManagedOrder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := orderKey(gridID, level)
	if order == nil {
		if err := s.db.Delete(key, pebble.Sync); err != nil {
			return fmt.Errorf("Не удалось удалить заявку: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("Не удалось сериализовать заявку: %w", err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("Не удалось сохранить заявку: %w", err)
	}
	return nil
}

func (s *Store) LoadOrders(ctx context.Context, gridID string) ([]models.ManagedOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := orderPrefix(gridID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("Не удалось открыть итератор: %w", err)
	}
	defer iter.Close()

	var orders []models.ManagedOrder
	for iter.First(); iter.Valid(); iter.Next() {
		var order models.ManagedOrder
		if err := json.Unmarshal(iter.Value(), &order); err != nil {
			return nil, fmt.Errorf("Не удалось разобрать заявку %s: %w", iter.Key(), err)
		}
		orders = append(orders, order)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(orders, func(a, b int) bool { return orders[a].Level < orders[b].Level })
	return orders, nil
}

var _ store.Store = (*Store)(nil)
