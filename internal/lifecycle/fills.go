package lifecycle

import (
	"fmt"

	"gridbot/internal/exchange"
	"gridbot/internal/models"
)

// ApplyFill учитывает исполнение. Повторно пришедшая сделка игнорируется,
// исполнение неизвестной заявки откладывается до выяснения её статуса.
func (m *Manager) ApplyFill(f models.Fill) Output {
	var out Output
	if f.TradeID != "" && !m.rememberTrade(f.TradeID) {
		return out
	}

	o := m.lookup(f.ClientKey, f.OrderID)
	if o == nil {
		if f.OrderID == 0 {
			out.Alerts = append(out.Alerts, m.orphanAlert(f))
			return out
		}
		m.parked[f.OrderID] = append(m.parked[f.OrderID], f)
		if !m.orphanQueries[f.OrderID] {
			m.orphanQueries[f.OrderID] = true
			out.Merge(m.emit(Action{
				Kind:   ActionQuery,
				Symbol: m.cfg.Symbol,
				Query:  exchange.OrderQuery{ExchangeID: f.OrderID},
			}))
		}
		return out
	}

	if o.ExchangeID == 0 && f.OrderID != 0 {
		m.bindExchangeID(o, f.OrderID)
	}
	out.Merge(m.applyAmount(o, f.Size, f.Price))
	out.Merge(m.Reconcile())
	return out
}

// rememberTrade отмечает сделку как учтённую. Хранятся только последние tradesKeep id:
// биржа повторяет исполнения лишь в снапшоте после переподключения.
func (m *Manager) rememberTrade(id string) bool {
	if _, seen := m.trades[id]; seen {
		return false
	}
	m.trades[id] = struct{}{}
	m.tradeLog = append(m.tradeLog, id)
	if len(m.tradeLog) > tradesKeep {
		delete(m.trades, m.tradeLog[0])
		m.tradeLog = m.tradeLog[1:]
	}
	return true
}

func (m *Manager) lookup(clientKey string, exchangeID int64) *models.ManagedOrder {
	if clientKey != "" {
		if o := m.orders[clientKey]; o != nil {
			return o
		}
	}
	if exchangeID != 0 {
		if key, ok := m.byExchange[exchangeID]; ok {
			return m.orders[key]
		}
	}
	return nil
}

func (m *Manager) bindExchangeID(o *models.ManagedOrder, exchangeID int64) {
	o.ExchangeID = exchangeID
	m.byExchange[exchangeID] = o.Key
	m.markDirty(o.Level)
}

// replayParked применяет отложенные исполнения, как только заявка получила биржевой id.
func (m *Manager) replayParked(o *models.ManagedOrder) Output {
	var out Output
	fills := m.parked[o.ExchangeID]
	if len(fills) == 0 {
		return out
	}
	delete(m.parked, o.ExchangeID)
	delete(m.orphanQueries, o.ExchangeID)
	for _, f := range fills {
		out.Merge(m.applyAmount(o, f.Size, f.Price))
	}
	return out
}

// applyAmount применяет объём не больше остатка заявки. Полное исполнение переворачивает соседний уровень.
func (m *Manager) applyAmount(o *models.ManagedOrder, size, price float64) Output {
	amount := size
	if rest := o.Remaining(); amount > rest {
		amount = rest
	}
	if amount <= sizeEpsilon {
		return Output{}
	}

	o.FilledSize += amount
	o.UpdatedAt = m.now()
	m.risk.ApplyFill(o.Side, price, amount)
	m.markDirty(o.Level)

	if o.Remaining() > sizeEpsilon {
		return Output{}
	}
	return m.completeFill(o)
}

func (m *Manager) completeFill(o *models.ManagedOrder) Output {
	var out Output
	m.finish(o, models.OrderStatusFilled)

	if m.slots[o.Level] == o.Side {
		m.slots[o.Level] = models.SideNone
	}
	target := o.Level + 1
	if o.Side == models.SideSell {
		target = o.Level - 1
	}

	out.Alerts = append(out.Alerts, m.alert(AlertLevelFilled, o,
		fmt.Sprintf("%s %v x %v", o.Side, o.Price, o.Size)))

	if target < -m.cfg.LevelsPerSide || target > m.cfg.LevelsPerSide {
		out.Alerts = append(out.Alerts, m.alert(AlertEdgeReached, o,
			fmt.Sprintf("уровень %d за пределами сетки", target)))
		return out
	}
	m.slots[target] = o.Side.Opposite()
	m.markDirty(target)
	return out
}

func (m *Manager) orphanAlert(f models.Fill) Alert {
	return Alert{
		Kind:   AlertOrphanFill,
		Key:    f.ClientKey,
		Reason: fmt.Sprintf("oid=%d tid=%s %s %v x %v", f.OrderID, f.TradeID, f.Side, f.Price, f.Size),
		Time:   m.now(),
	}
}

// onOrphanQuery разбирает ответ по исполнению, для которого не нашлось заявки.
func (m *Manager) onOrphanQuery(r Result) Output {
	var out Output
	exchangeID := r.Action.Query.ExchangeID

	if r.Err == nil {
		if o := m.lookup(r.State.ClientKey, 0); o != nil {
			m.bindExchangeID(o, exchangeID)
			out.Merge(m.replayParked(o))
			out.Merge(m.Reconcile())
			return out
		}
	}

	for _, f := range m.parked[exchangeID] {
		out.Alerts = append(out.Alerts, m.orphanAlert(f))
	}
	delete(m.parked, exchangeID)
	delete(m.orphanQueries, exchangeID)
	return out
}
