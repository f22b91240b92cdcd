package feed

import (
	"context"
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/logger"
	"gridbot/internal/models"

	"github.com/sirupsen/logrus"
)

// Adapter превращает поток mid-цен биржи в непрерывный поток тиков.
// После каждого разрыва первым идёт тик из снапшота с флагом Resync.
type Adapter struct {
	source       exchange.PriceSource
	log          *logger.Logger
	reconnectMin time.Duration
	reconnectMax time.Duration
}

func New(source exchange.PriceSource, log *logger.Logger, reconnectMin, reconnectMax time.Duration) *Adapter {
	if reconnectMin <= 0 {
		reconnectMin = time.Second
	}
	if reconnectMax < reconnectMin {
		reconnectMax = 30 * time.Second
	}
	return &Adapter{
		source:       source,
		log:          log,
		reconnectMin: reconnectMin,
		reconnectMax: reconnectMax,
	}
}

// Run закрывает канал только при отмене ctx.
func (a *Adapter) Run(ctx context.Context, symbol string) <-chan models.Tick {
	out := make(chan models.Tick, 64)
	go a.loop(ctx, symbol, out)
	return out
}

func (a *Adapter) loop(ctx context.Context, symbol string, out chan<- models.Tick) {
	defer close(out)
	entry := a.logEntry(symbol)
	backoff := a.reconnectMin

	for {
		price, err := a.source.GetSnapshotPrice(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			entry.WithError(err).Warn("Не удалось получить снапшот цены.")
			if !sleep(ctx, backoff) {
				return
			}
			backoff = a.nextBackoff(backoff)
			continue
		}
		if !send(ctx, out, models.Tick{Symbol: symbol, Price: price, Time: time.Now(), Resync: true}) {
			return
		}

		stream, err := a.source.StreamMidPrice(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			entry.WithError(err).Warn("Не удалось подписаться на поток цен.")
			if !sleep(ctx, backoff) {
				return
			}
			backoff = a.nextBackoff(backoff)
			continue
		}
		backoff = a.reconnectMin
		entry.Debug("Поток цен подключён.")

		if !a.forward(ctx, stream, out) {
			return
		}
		entry.WithField("backoff", backoff.String()).Warn("Поток цен оборвался, переподключаемся.")
		if !sleep(ctx, backoff) {
			return
		}
		backoff = a.nextBackoff(backoff)
	}
}

// forward возвращает false, если контекст отменён.
func (a *Adapter) forward(ctx context.Context, stream <-chan models.Tick, out chan<- models.Tick) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case tick, ok := <-stream:
			if !ok {
				return ctx.Err() == nil
			}
			if !send(ctx, out, tick) {
				return false
			}
		}
	}
}

func (a *Adapter) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > a.reconnectMax {
		return a.reconnectMax
	}
	return next
}

func (a *Adapter) logEntry(symbol string) *logrus.Entry {
	return a.log.WithComponent("feed").WithField("symbol", symbol)
}

func send(ctx context.Context, out chan<- models.Tick, tick models.Tick) bool {
	select {
	case out <- tick:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
