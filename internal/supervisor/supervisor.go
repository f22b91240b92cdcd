package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/feed"
	"gridbot/internal/lifecycle"
	"gridbot/internal/logger"
	"gridbot/internal/models"
	"gridbot/internal/store"
	"gridbot/internal/strategy"
	"gridbot/internal/wallet"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

var (
	ErrGridNotFound = errors.New("сетка не найдена")
	ErrGridExists   = errors.New("для этого символа уже запущена сетка")
	ErrInvalidState = errors.New("команда недопустима в текущем состоянии сетки")
	ErrShutdown     = errors.New("супервизор остановлен")
)

type Options struct {
	Retry          lifecycle.RetryPolicy
	CallTimeout    time.Duration
	MarginPoll     time.Duration
	FeedBackoffMin time.Duration
	FeedBackoffMax time.Duration
	AlertHistory   int
	// StoppedHistory: сколько остановленных сеток помнить для Status и Owner.
	StoppedHistory int
}

func (o *Options) applyDefaults() {
	if o.Retry.Attempts <= 0 {
		o.Retry = lifecycle.DefaultRetryPolicy()
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 8 * time.Second
	}
	if o.MarginPoll <= 0 {
		o.MarginPoll = 15 * time.Second
	}
	if o.AlertHistory <= 0 {
		o.AlertHistory = 50
	}
	if o.StoppedHistory <= 0 {
		o.StoppedHistory = 256
	}
}

// Supervisor владеет воркерами сеток. Решения об остановке по риску принимаются только здесь.
type Supervisor struct {
	client   exchange.Client
	sessions wallet.Provider
	store    store.Store
	log      *logger.Logger
	opts     Options

	ctx     context.Context
	cancel  context.CancelFunc
	workers conc.WaitGroup

	mu       sync.Mutex
	grids    map[string]*grid
	symbols  map[string]string
	finished map[string]Status
	stopLog  []string
	closed   bool
}

func New(client exchange.Client, sessions wallet.Provider, st store.Store, log *logger.Logger, opts Options) *Supervisor {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		client:   client,
		sessions: sessions,
		store:    st,
		log:      log,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		grids:    make(map[string]*grid),
		symbols:  make(map[string]string),
		finished: make(map[string]Status),
	}
}

// Start проверяет конфигурацию, получает сессию, определяет центр и запускает воркер сетки.
func (s *Supervisor) Start(ctx context.Context, userID string, cfg models.GridConfig) (string, error) {
	cfg.ApplyDefaults()
	engine, err := strategy.New(cfg)
	if err != nil {
		return "", err
	}

	gridID := uuid.NewString()
	if err := s.reserve(userID, cfg.Symbol, gridID); err != nil {
		return "", err
	}
	launched := false
	defer func() {
		if !launched {
			s.release(userID, cfg.Symbol)
		}
	}()

	session, err := s.sessions.GetActiveSession(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("Не удалось получить сессию кошелька: %w", err)
	}

	center := cfg.CenterPrice
	if cfg.CenterSource == models.CenterMid {
		center, err = s.client.GetSnapshotPrice(ctx, cfg.Symbol)
		if err != nil {
			return "", fmt.Errorf("Не удалось получить цену %s: %w", cfg.Symbol, err)
		}
	}
	plan, err := engine.RecomputeLevels(center, nil)
	if err != nil {
		return "", err
	}

	now := time.Now()
	rec := store.GridRecord{
		ID:        gridID,
		UserID:    userID,
		Config:    cfg,
		State:     models.GridStateRunning,
		Center:    center,
		Spacing:   engine.Spacing(),
		Slots:     lifecycle.InitialSlots(cfg.LevelsPerSide),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveGrid(ctx, rec); err != nil {
		return "", fmt.Errorf("Не удалось сохранить сетку: %w", err)
	}

	g := s.newGrid(rec, engine, session)
	g.lc.SetPlan(plan)
	if err := s.launch(g, g.lc.Reconcile()); err != nil {
		_ = s.store.DeleteGrid(context.Background(), gridID)
		return "", err
	}
	launched = true

	s.logEntry().WithFields(logrus.Fields{
		"grid_id": gridID,
		"user":    userID,
		"symbol":  cfg.Symbol,
		"center":  center,
		"spacing": engine.Spacing(),
	}).Info("Сетка запущена.")
	return gridID, nil
}

func (s *Supervisor) Pause(ctx context.Context, gridID string) error {
	g, err := s.get(gridID)
	if err != nil {
		return err
	}
	_, err = g.send(ctx, cmdPause)
	return err
}

func (s *Supervisor) Resume(ctx context.Context, gridID string) error {
	g, err := s.get(gridID)
	if err != nil {
		return err
	}
	_, err = g.send(ctx, cmdResume)
	return err
}

// Stop переводит сетку в STOPPING и возвращается после подтверждения воркером.
// Воркер дожидается ответов на все вызовы шлюза, удаляет записи сетки и переводит её в STOPPED.
func (s *Supervisor) Stop(ctx context.Context, gridID string) error {
	g, err := s.get(gridID)
	if err != nil {
		if _, ok := s.stopped(gridID); ok {
			return nil
		}
		return err
	}
	_, err = g.send(ctx, cmdStop)
	if errors.Is(err, ErrGridNotFound) {
		if _, ok := s.stopped(gridID); ok {
			return nil
		}
	}
	return err
}

func (s *Supervisor) Status(ctx context.Context, gridID string) (Status, error) {
	g, err := s.get(gridID)
	if err != nil {
		if st, ok := s.stopped(gridID); ok {
			return st, nil
		}
		return Status{}, err
	}
	st, err := g.send(ctx, cmdStatus)
	if errors.Is(err, ErrGridNotFound) {
		if final, ok := s.stopped(gridID); ok {
			return final, nil
		}
	}
	return st, err
}

// List возвращает состояние всех сеток пользователя.
func (s *Supervisor) List(ctx context.Context, userID string) ([]Status, error) {
	s.mu.Lock()
	var grids []*grid
	for _, g := range s.grids {
		if g.userID == userID {
			grids = append(grids, g)
		}
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(grids))
	for _, g := range grids {
		st, err := g.send(ctx, cmdStatus)
		if errors.Is(err, ErrGridNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Owner возвращает пользователя, которому принадлежит сетка.
func (s *Supervisor) Owner(gridID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.grids[gridID]; ok {
		return g.userID, nil
	}
	if st, ok := s.finished[gridID]; ok {
		return st.UserID, nil
	}
	return "", ErrGridNotFound
}

// Recover поднимает сетки из хранилища. Каждая сохранённая заявка перепроверяется на бирже.
func (s *Supervisor) Recover(ctx context.Context) (int, error) {
	records, err := s.store.LoadGrids(ctx)
	if err != nil {
		return 0, fmt.Errorf("Не удалось загрузить сетки: %w", err)
	}

	restored := 0
	for _, rec := range records {
		if err := s.restore(ctx, rec); err != nil {
			s.logEntry().WithError(err).WithField("grid_id", rec.ID).Error("Не удалось восстановить сетку.")
			continue
		}
		restored++
	}
	return restored, nil
}

func (s *Supervisor) restore(ctx context.Context, rec store.GridRecord) error {
	if rec.State == models.GridStateStopped {
		return s.store.DeleteGrid(ctx, rec.ID)
	}

	engine, err := strategy.New(rec.Config)
	if err != nil {
		return err
	}
	engine.Restore(rec.Spacing)

	orders, err := s.store.LoadOrders(ctx, rec.ID)
	if err != nil {
		return err
	}
	if err := s.reserve(rec.UserID, rec.Config.Symbol, rec.ID); err != nil {
		return err
	}

	var signer exchange.Signer
	session, err := s.sessions.GetActiveSession(ctx, rec.UserID)
	if err != nil {
		s.logEntry().WithError(err).WithField("grid_id", rec.ID).Warn("Нет сессии кошелька, сетка восстанавливается остановленной.")
		if rec.State == models.GridStateRunning || rec.State == models.GridStatePaused {
			rec.State = models.GridStateHalted
			rec.HaltReason = ReasonNoSession
		}
	} else {
		signer = session
	}

	g := s.newGrid(rec, engine, signer)
	g.risk.Restore(rec.Position)
	plan, err := engine.RecomputeLevels(rec.Center, nil)
	if err != nil {
		s.release(rec.UserID, rec.Config.Symbol)
		return err
	}
	g.lc.SetPlan(plan)

	out := g.lc.Restore(rec.Slots, orders, rec.State == models.GridStateRunning)
	switch rec.State {
	case models.GridStateStopping:
		out.Merge(g.lc.Close())
	case models.GridStatePaused, models.GridStateHalted:
		out.Merge(g.lc.CancelAll())
	}
	g.dirty = true

	if err := s.launch(g, out); err != nil {
		s.release(rec.UserID, rec.Config.Symbol)
		return err
	}
	s.logEntry().WithFields(logrus.Fields{
		"grid_id": rec.ID,
		"state":   rec.State,
		"orders":  len(orders),
	}).Info("Сетка восстановлена.")
	return nil
}

// Shutdown останавливает воркеры, не трогая заявки на бирже: состояние остаётся в хранилище для Recover.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) newGrid(rec store.GridRecord, engine *strategy.Engine, signer exchange.Signer) *grid {
	g := newGrid(rec, engine, signer, s.opts)
	g.sup = s
	g.store = s.store
	g.log = s.log
	g.gateway = s.client.Bind(signer)
	return g
}

func (s *Supervisor) launch(g *grid, initial lifecycle.Output) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShutdown
	}
	wctx, cancel := context.WithCancel(s.ctx)
	g.cancel = cancel
	s.grids[g.id] = g
	s.mu.Unlock()

	ticks := feed.New(s.client, s.log, s.opts.FeedBackoffMin, s.opts.FeedBackoffMax).Run(wctx, g.cfg.Symbol)
	s.workers.Go(func() {
		g.run(wctx, ticks, initial)
	})
	return nil
}

func (s *Supervisor) get(gridID string) (*grid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grids[gridID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGridNotFound, gridID)
	}
	return g, nil
}

func (s *Supervisor) stopped(gridID string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.finished[gridID]
	return st, ok
}

// reserve закрепляет пару (пользователь, символ) за одной сеткой: поток исполнений общий на пользователя.
func (s *Supervisor) reserve(userID, symbol, gridID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShutdown
	}
	key := symbolKey(userID, symbol)
	if other, ok := s.symbols[key]; ok {
		return fmt.Errorf("%w: %s (%s)", ErrGridExists, symbol, other)
	}
	s.symbols[key] = gridID
	return nil
}

func (s *Supervisor) release(userID, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.symbols, symbolKey(userID, symbol))
}

// remove вызывается воркером после полной остановки сетки.
func (s *Supervisor) remove(g *grid, final Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grids, g.id)
	delete(s.symbols, symbolKey(g.userID, g.cfg.Symbol))
	if _, ok := s.finished[g.id]; !ok {
		s.stopLog = append(s.stopLog, g.id)
	}
	s.finished[g.id] = final
	for len(s.stopLog) > s.opts.StoppedHistory {
		delete(s.finished, s.stopLog[0])
		s.stopLog = s.stopLog[1:]
	}
}

func (s *Supervisor) logEntry() *logrus.Entry {
	return s.log.WithComponent("supervisor")
}

func symbolKey(userID, symbol string) string {
	return userID + "|" + symbol
}
