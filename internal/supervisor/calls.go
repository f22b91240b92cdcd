package supervisor

import (
	"context"
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/lifecycle"
	"gridbot/internal/models"
	"gridbot/internal/store"

	"github.com/sirupsen/logrus"
)

// execute публикует алерты, отправляет вызовы шлюза и сохраняет изменившиеся уровни.
func (g *grid) execute(ctx context.Context, out lifecycle.Output) {
	for _, alert := range out.Alerts {
		g.onAlert(ctx, alert)
	}
	for _, a := range out.Actions {
		g.dispatch(ctx, a)
	}
	g.persist()
}

func (g *grid) dispatch(ctx context.Context, a lifecycle.Action) {
	if a.Delay > 0 {
		time.AfterFunc(a.Delay, func() {
			select {
			case g.wakeups <- a:
			case <-ctx.Done():
			}
		})
		return
	}

	g.calls.Go(func() {
		res := g.call(ctx, a)
		select {
		case g.results <- res:
		case <-ctx.Done():
		}
	})
}

// call выполняет один вызов шлюза с ограничением по времени. Таймаут классифицируется как неизвестный исход.
func (g *grid) call(ctx context.Context, a lifecycle.Action) lifecycle.Result {
	cctx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
	defer cancel()

	res := lifecycle.Result{Action: a}
	switch a.Kind {
	case lifecycle.ActionPlace:
		res.ExchangeID, res.Err = g.gateway.PlaceOrder(cctx, a.Intent)
	case lifecycle.ActionCancel:
		res.Err = g.gateway.CancelOrder(cctx, a.Symbol, a.ExchangeID)
	case lifecycle.ActionQuery:
		res.State, res.Err = g.gateway.GetOrderStatus(cctx, a.Symbol, a.Query)
	}

	if res.Err != nil {
		g.logEntry().WithError(res.Err).WithFields(logrus.Fields{
			"action": a.Kind,
			"key":    a.Key,
			"level":  a.Level,
			"kind":   exchange.Classify(res.Err),
		}).Warn("Ошибка вызова биржи.")
	}
	return res
}

// openFills подписывается на исполнения пользователя, повторяя попытки с нарастающей паузой.
func (g *grid) openFills(ctx context.Context) {
	if g.signer == nil {
		return
	}
	backoff := g.opts.FeedBackoffMin
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := g.opts.FeedBackoffMax
	if maxBackoff < backoff {
		maxBackoff = 30 * time.Second
	}

	for {
		events, err := g.gateway.StreamFills(ctx)
		if err == nil {
			select {
			case g.streams <- fillStream{events: events}:
			case <-ctx.Done():
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if exchange.Classify(err) == exchange.KindSessionExpired {
			select {
			case g.streams <- fillStream{err: err}:
			case <-ctx.Done():
			}
			return
		}
		g.logEntry().WithError(err).WithField("backoff", backoff.String()).Warn("Не удалось подписаться на исполнения.")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (g *grid) pollMargin(ctx context.Context) {
	if g.polling || g.state != models.GridStateRunning {
		return
	}
	g.polling = true
	g.calls.Go(func() {
		cctx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
		defer cancel()
		value, err := g.gateway.MarginUtilization(cctx)
		select {
		case g.margins <- marginReading{value: value, err: err}:
		case <-ctx.Done():
		}
	})
}

// persist пишет изменившиеся уровни и, при необходимости, запись сетки.
func (g *grid) persist() {
	records := g.lc.Flush()
	if len(records) == 0 && !g.dirty {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	for _, rec := range records {
		if err := g.store.SaveOrder(ctx, g.id, rec.Level, rec.Order); err != nil {
			g.logEntry().WithError(err).WithField("level", rec.Level).Error("Не удалось сохранить заявку.")
		}
	}

	if err := g.store.SaveGrid(ctx, g.record()); err != nil {
		g.logEntry().WithError(err).Error("Не удалось сохранить сетку.")
		return
	}
	g.dirty = false
}

func (g *grid) record() store.GridRecord {
	return store.GridRecord{
		ID:         g.id,
		UserID:     g.userID,
		Config:     g.cfg,
		State:      g.state,
		HaltReason: g.haltReason,
		Center:     g.center,
		Spacing:    g.engine.Spacing(),
		Slots:      g.lc.Slots(),
		Position:   g.risk.Position(),
		CreatedAt:  g.createdAt,
		UpdatedAt:  time.Now(),
	}
}
