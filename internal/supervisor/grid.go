package supervisor

import (
	"context"
	"fmt"
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/lifecycle"
	"gridbot/internal/logger"
	"gridbot/internal/models"
	"gridbot/internal/risk"
	"gridbot/internal/store"
	"gridbot/internal/strategy"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

const (
	ReasonDrawdown       = "drawdown"
	ReasonSessionExpired = "session_expired"
	ReasonNoSession      = "no_session"

	persistTimeout = 5 * time.Second
)

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdStop
	cmdStatus
)

type command struct {
	kind  commandKind
	reply chan commandReply
}

type commandReply struct {
	status Status
	err    error
}

type marginReading struct {
	value float64
	err   error
}

type fillStream struct {
	events <-chan exchange.FillEvent
	err    error
}

// grid: воркер одной сетки. Всё состояние меняется только в его горутине.
type grid struct {
	id        string
	userID    string
	cfg       models.GridConfig
	createdAt time.Time
	opts      Options

	sup     *Supervisor
	store   store.Store
	log     *logger.Logger
	gateway exchange.Gateway
	signer  exchange.Signer

	engine *strategy.Engine
	risk   *risk.Manager
	lc     *lifecycle.Manager

	state      models.GridState
	haltReason string
	center     float64
	lastPrice  float64
	frozen     bool
	dirty      bool
	polling    bool
	alerts     []lifecycle.Alert

	commands chan command
	results  chan lifecycle.Result
	wakeups  chan lifecycle.Action
	margins  chan marginReading
	streams  chan fillStream
	calls    conc.WaitGroup
	cancel   context.CancelFunc
	done     chan struct{}
}

func newGrid(rec store.GridRecord, engine *strategy.Engine, signer exchange.Signer, opts Options) *grid {
	riskMgr := risk.NewManager(rec.Config)
	return &grid{
		id:         rec.ID,
		userID:     rec.UserID,
		cfg:        rec.Config,
		createdAt:  rec.CreatedAt,
		opts:       opts,
		signer:     signer,
		engine:     engine,
		risk:       riskMgr,
		lc:         lifecycle.New(rec.Config, riskMgr, lifecycle.Options{Retry: opts.Retry}),
		state:      rec.State,
		haltReason: rec.HaltReason,
		center:     rec.Center,
		commands:   make(chan command),
		results:    make(chan lifecycle.Result, 64),
		wakeups:    make(chan lifecycle.Action, 64),
		margins:    make(chan marginReading, 1),
		streams:    make(chan fillStream, 1),
		done:       make(chan struct{}),
	}
}

func (g *grid) run(ctx context.Context, ticks <-chan models.Tick, initial lifecycle.Output) {
	defer close(g.done)
	g.logEntry().WithField("state", g.state).Info("Воркер сетки запущен.")

	var marginC <-chan time.Time
	if g.cfg.MaxMarginUtilization > 0 {
		ticker := time.NewTicker(g.opts.MarginPoll)
		defer ticker.Stop()
		marginC = ticker.C
	}

	g.calls.Go(func() { g.openFills(ctx) })
	g.execute(ctx, initial)

	var fills <-chan exchange.FillEvent
	for {
		if g.state == models.GridStateStopping && g.lc.Drained() {
			g.finishStop()
			return
		}

		select {
		case <-ctx.Done():
			g.persist()
			g.calls.Wait()
			g.logEntry().Info("Воркер сетки остановлен, заявки оставлены на бирже.")
			return
		case cmd := <-g.commands:
			g.handleCommand(ctx, cmd)
		case tick, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			g.onTick(ctx, tick)
		case stream := <-g.streams:
			if stream.err != nil {
				g.onGatewayError(ctx, stream.err, "Поток исполнений недоступен.")
				continue
			}
			fills = stream.events
			// Пока потока не было, исполнения могли пройти мимо.
			g.execute(ctx, g.lc.Resync())
		case ev, ok := <-fills:
			if !ok {
				fills = nil
				if ctx.Err() == nil {
					g.logEntry().Warn("Поток исполнений закрыт, переподключаемся.")
					g.calls.Go(func() { g.openFills(ctx) })
				}
				continue
			}
			g.onFill(ctx, ev)
		case res := <-g.results:
			g.execute(ctx, g.lc.HandleResult(res))
		case a := <-g.wakeups:
			g.execute(ctx, g.lc.Due(a))
		case <-marginC:
			g.pollMargin(ctx)
		case m := <-g.margins:
			g.onMargin(ctx, m)
		}
	}
}

func (g *grid) handleCommand(ctx context.Context, cmd command) {
	var err error
	switch cmd.kind {
	case cmdPause:
		err = g.pause(ctx)
	case cmdResume:
		err = g.resume(ctx)
	case cmdStop:
		g.stop(ctx)
	}
	cmd.reply <- commandReply{status: g.status(), err: err}
}

func (g *grid) pause(ctx context.Context) error {
	switch g.state {
	case models.GridStatePaused:
		return nil
	case models.GridStateRunning:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, g.state)
	}
	g.setState(models.GridStatePaused)
	g.logEntry().Info("Сетка поставлена на паузу.")
	g.execute(ctx, g.lc.Pause())
	return nil
}

func (g *grid) resume(ctx context.Context) error {
	switch g.state {
	case models.GridStateRunning:
		return nil
	case models.GridStatePaused:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, g.state)
	}
	if g.sessionExpired() {
		return exchange.NewError("resume", exchange.KindSessionExpired, exchange.ErrSessionExpired)
	}
	g.setState(models.GridStateRunning)
	g.logEntry().Info("Сетка возобновлена.")
	g.execute(ctx, g.lc.Resume())
	return nil
}

func (g *grid) stop(ctx context.Context) {
	if g.state == models.GridStateStopping {
		return
	}
	g.setState(models.GridStateStopping)
	g.logEntry().Info("Остановка сетки: отменяем заявки.")
	g.execute(ctx, g.lc.Close())
}

// halt: терминальная остановка по риску или сессии. Заявки снимаются, сетку можно только остановить.
func (g *grid) halt(ctx context.Context, reason string) {
	switch g.state {
	case models.GridStateHalted, models.GridStateStopping, models.GridStateStopped:
		return
	}
	g.haltReason = reason
	g.setState(models.GridStateHalted)
	g.logEntry().WithField("reason", reason).Error("Сетка аварийно остановлена.")
	g.execute(ctx, g.lc.Pause())
}

func (g *grid) finishStop() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if live := g.lc.LiveOrders(); len(live) > 0 {
		g.logEntry().WithField("orders", len(live)).Warn("Сетка остановлена, но часть заявок не удалось отменить.")
	}
	if err := g.store.DeleteGrid(ctx, g.id); err != nil {
		g.logEntry().WithError(err).Error("Не удалось удалить записи сетки.")
	}

	g.state = models.GridStateStopped
	g.cancel()
	g.calls.Wait()
	g.sup.remove(g, g.status())
	g.logEntry().Info("Сетка остановлена.")
}

func (g *grid) onTick(ctx context.Context, tick models.Tick) {
	if tick.Symbol != "" && tick.Symbol != g.cfg.Symbol {
		return
	}
	if err := g.engine.Observe(tick.Price); err != nil {
		if !g.frozen {
			g.logEntry().WithError(err).Warn("Некорректная цена, изменения заявок заморожены.")
		}
		g.frozen = true
		g.lc.SetFrozen(true)
		return
	}
	if g.frozen {
		g.logEntry().WithField("price", tick.Price).Info("Цена снова корректна.")
		g.frozen = false
		g.lc.SetFrozen(false)
	}
	g.lastPrice = tick.Price

	if g.state != models.GridStateRunning && g.state != models.GridStatePaused {
		return
	}
	if g.sessionExpired() {
		g.halt(ctx, ReasonSessionExpired)
		return
	}
	if g.checkDrawdown(ctx) || g.state != models.GridStateRunning {
		return
	}

	recenter := g.engine.NeedsRecenter(g.center, tick.Price)
	reference := g.center
	if recenter {
		reference = tick.Price
	}
	plan, err := g.engine.RecomputeLevels(reference, nil)
	if err != nil {
		g.logEntry().WithError(err).Warn("Не удалось пересчитать уровни.")
		return
	}

	switch {
	case recenter:
		g.logEntry().WithFields(logrus.Fields{
			"from": g.center,
			"to":   reference,
		}).Info("Центр сетки сдвинут, перестраиваем.")
		g.center = reference
		g.dirty = true
		g.execute(ctx, g.lc.Rebalance(plan, true))
	case plan.FullRebalance:
		g.logEntry().WithField("spacing", plan.Spacing).Info("Шаг сетки изменился, перестраиваем.")
		g.dirty = true
		g.execute(ctx, g.lc.Rebalance(plan, false))
	default:
		g.lc.SetPlan(plan)
		g.execute(ctx, g.lc.Reconcile())
	}
}

func (g *grid) onFill(ctx context.Context, ev exchange.FillEvent) {
	if ev.Resync {
		g.logEntry().Info("Поток исполнений переподключён, сверяем заявки.")
		g.execute(ctx, g.lc.Resync())
		return
	}
	fill := ev.Fill
	if fill.Symbol != "" && fill.Symbol != g.cfg.Symbol {
		return
	}
	g.logEntry().WithFields(logrus.Fields{
		"oid":   fill.OrderID,
		"tid":   fill.TradeID,
		"side":  fill.Side,
		"price": fill.Price,
		"size":  fill.Size,
	}).Debug("Исполнение.")

	g.dirty = true
	g.execute(ctx, g.lc.ApplyFill(fill))
	if g.state == models.GridStateRunning || g.state == models.GridStatePaused {
		g.checkDrawdown(ctx)
	}
}

func (g *grid) checkDrawdown(ctx context.Context) bool {
	mark := g.lastPrice
	if mark <= 0 {
		return false
	}
	check := g.risk.CheckDrawdown(mark)
	if check.Verdict != risk.VerdictHalt {
		return false
	}
	g.halt(ctx, fmt.Sprintf("%s: убыток %.4f > лимит %.4f", ReasonDrawdown, check.Loss, check.Limit))
	return true
}

func (g *grid) onMargin(ctx context.Context, m marginReading) {
	g.polling = false
	if m.err != nil {
		g.onGatewayError(ctx, m.err, "Не удалось получить загрузку маржи.")
		return
	}
	g.lc.SetMargin(m.value)
	if g.state == models.GridStateRunning {
		g.execute(ctx, g.lc.Reconcile())
	}
}

func (g *grid) onGatewayError(ctx context.Context, err error, msg string) {
	if exchange.Classify(err) == exchange.KindSessionExpired {
		g.halt(ctx, ReasonSessionExpired)
		return
	}
	g.logEntry().WithError(err).Warn(msg)
}

func (g *grid) onAlert(ctx context.Context, a lifecycle.Alert) {
	g.alerts = append(g.alerts, a)
	if extra := len(g.alerts) - g.opts.AlertHistory; extra > 0 {
		g.alerts = append([]lifecycle.Alert(nil), g.alerts[extra:]...)
	}

	entry := g.logEntry().WithFields(logrus.Fields{
		"alert":  a.Kind,
		"level":  a.Level,
		"key":    a.Key,
		"reason": a.Reason,
	})
	switch a.Kind {
	case lifecycle.AlertLevelFilled:
		entry.Info("Уровень исполнен.")
	case lifecycle.AlertSessionExpired:
		entry.Error("Сессия кошелька истекла.")
		g.halt(ctx, ReasonSessionExpired)
	case lifecycle.AlertOrphanFill, lifecycle.AlertStatusUnknown, lifecycle.AlertCancelFailed:
		entry.Error("Требуется внимание.")
	default:
		entry.Warn("Событие сетки.")
	}
}

func (g *grid) sessionExpired() bool {
	if g.signer == nil {
		return true
	}
	exp := g.signer.ExpiresAt()
	return !exp.IsZero() && !time.Now().Before(exp)
}

func (g *grid) setState(state models.GridState) {
	g.state = state
	g.dirty = true
}

// send передаёт команду воркеру и ждёт подтверждения.
func (g *grid) send(ctx context.Context, kind commandKind) (Status, error) {
	cmd := command{kind: kind, reply: make(chan commandReply, 1)}
	select {
	case g.commands <- cmd:
	case <-g.done:
		return Status{}, fmt.Errorf("%w: %s", ErrGridNotFound, g.id)
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.status, r.err
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (g *grid) logEntry() *logrus.Entry {
	return g.log.WithGrid(g.id, g.cfg.Symbol)
}
