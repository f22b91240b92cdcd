package lifecycle

import (
	"fmt"

	"gridbot/internal/exchange"
	"gridbot/internal/models"
)

// HandleResult применяет ответ шлюза на ранее выданное действие.
func (m *Manager) HandleResult(r Result) Output {
	var out Output
	m.outstanding--
	if r.Action.Key == "" {
		if r.Action.Kind == ActionQuery {
			out.Merge(m.onOrphanQuery(r))
		}
		return out
	}

	delete(m.busy, r.Action.Key)
	o := m.orders[r.Action.Key]
	if o == nil {
		return out
	}

	switch r.Action.Kind {
	case ActionPlace:
		out.Merge(m.onPlaced(o, r))
	case ActionCancel:
		out.Merge(m.onCancelled(o, r))
	case ActionQuery:
		out.Merge(m.onQueried(o, r))
	}
	out.Merge(m.followUp(o))
	out.Merge(m.Reconcile())
	return out
}

// Due вызывается, когда истекла задержка отложенного действия. Устаревшее действие отбрасывается.
func (m *Manager) Due(a Action) Output {
	var out Output
	m.outstanding--
	if a.Key == "" {
		return out
	}
	delete(m.busy, a.Key)

	o := m.orders[a.Key]
	if o == nil || !o.Status.Live() {
		return out
	}

	a.Delay = 0
	switch a.Kind {
	case ActionPlace:
		if o.ExchangeID == 0 && !o.CancelRequested && !m.closed {
			return m.emit(a)
		}
		if o.ExchangeID == 0 {
			// Повтор ещё не ушёл, и заявка больше не нужна.
			m.finish(o, models.OrderStatusCancelled)
			return out
		}
	case ActionCancel:
		if o.CancelRequested {
			a.ExchangeID = o.ExchangeID
			return m.emit(a)
		}
	case ActionQuery:
		a.Query = exchange.OrderQuery{ExchangeID: o.ExchangeID, ClientKey: o.Key}
		return m.emit(a)
	}
	out.Merge(m.followUp(o))
	return out
}

func (m *Manager) onPlaced(o *models.ManagedOrder, r Result) Output {
	var out Output
	if r.Err == nil {
		if r.ExchangeID != 0 {
			m.bindExchangeID(o, r.ExchangeID)
		}
		if o.Status == models.OrderStatusPending {
			o.Status = models.OrderStatusResting
			o.UpdatedAt = m.now()
			m.markDirty(o.Level)
		}
		delete(m.queryAttempts, o.Key)
		out.Merge(m.replayParked(o))
		return out
	}

	kind := exchange.Classify(r.Err)
	switch kind {
	case exchange.KindRetryable, exchange.KindRateLimited:
		if o.Attempts < m.retry.Attempts && !o.CancelRequested && !m.closed {
			delay := m.retry.Delay(o.Attempts-1, kind)
			o.Attempts++
			o.UpdatedAt = m.now()
			m.markDirty(o.Level)
			a := r.Action
			a.Delay = delay
			return m.emit(a)
		}
		if o.CancelRequested {
			m.finish(o, models.OrderStatusCancelled)
			return out
		}
		out.Merge(m.failPlacement(o, r.Err))
	case exchange.KindUnknownOutcome:
		out.Merge(m.query(o, 0))
	case exchange.KindSessionExpired:
		out.Alerts = append(out.Alerts, m.alert(AlertSessionExpired, o, r.Err.Error()))
		m.finish(o, models.OrderStatusCancelled)
	default:
		out.Merge(m.failPlacement(o, r.Err))
	}
	return out
}

// failPlacement снимает заявку и ставит уровень на паузу, чтобы не долбить биржу тем же запросом.
func (m *Manager) failPlacement(o *models.ManagedOrder, err error) Output {
	m.finish(o, models.OrderStatusCancelled)
	m.cooldown[o.Level] = m.now().Add(m.retry.Max)
	reason := "отклонено биржей"
	if err != nil {
		reason = err.Error()
	}
	return Output{Alerts: []Alert{m.alert(AlertPlacementFailed, o, reason)}}
}

func (m *Manager) onCancelled(o *models.ManagedOrder, r Result) Output {
	var out Output
	if !o.Status.Live() {
		return out
	}
	if r.Err == nil {
		m.finishCancel(o)
		return out
	}

	m.cancelAttempts[o.Key]++
	attempts := m.cancelAttempts[o.Key]
	kind := exchange.Classify(r.Err)

	if kind == exchange.KindSessionExpired {
		o.CancelRequested = false
		delete(m.replacing, o.Key)
		out.Alerts = append(out.Alerts, m.alert(AlertSessionExpired, o, r.Err.Error()))
		return out
	}
	if attempts >= m.retry.Attempts {
		o.CancelRequested = false
		delete(m.replacing, o.Key)
		m.markDirty(o.Level)
		out.Alerts = append(out.Alerts, m.alert(AlertCancelFailed, o,
			fmt.Sprintf("%d попыток: %v", attempts, r.Err)))
		return out
	}

	switch kind {
	case exchange.KindNotFound, exchange.KindUnknownOutcome:
		// Отмена не подтверждена: решает только статус с биржи.
		out.Merge(m.query(o, 0))
	case exchange.KindRetryable, exchange.KindRateLimited:
		a := r.Action
		a.Delay = m.retry.Delay(attempts-1, kind)
		out.Merge(m.emit(a))
	default:
		o.CancelRequested = false
		delete(m.replacing, o.Key)
		m.markDirty(o.Level)
		out.Alerts = append(out.Alerts, m.alert(AlertCancelFailed, o, r.Err.Error()))
		out.Merge(m.query(o, 0))
	}
	return out
}

func (m *Manager) finishCancel(o *models.ManagedOrder) {
	status := models.OrderStatusCancelled
	if m.replacing[o.Key] {
		status = models.OrderStatusReplaced
	}
	m.finish(o, status)
}

func (m *Manager) onQueried(o *models.ManagedOrder, r Result) Output {
	var out Output
	if r.Err != nil {
		kind := exchange.Classify(r.Err)
		if kind == exchange.KindSessionExpired {
			out.Alerts = append(out.Alerts, m.alert(AlertSessionExpired, o, r.Err.Error()))
		}
		m.queryAttempts[o.Key]++
		attempts := m.queryAttempts[o.Key]
		if attempts == m.retry.Attempts {
			out.Alerts = append(out.Alerts, m.alert(AlertStatusUnknown, o, r.Err.Error()))
		}
		// Статус неизвестен: продолжаем спрашивать, предполагать исход нельзя.
		out.Merge(m.query(o, m.retry.Delay(attempts-1, kind)))
		return out
	}
	delete(m.queryAttempts, o.Key)

	st := r.State
	if st.ExchangeID != 0 && o.ExchangeID != st.ExchangeID {
		m.bindExchangeID(o, st.ExchangeID)
	}
	if o.ExchangeID != 0 {
		out.Merge(m.replayParked(o))
	}
	if !o.Status.Live() {
		return out
	}
	if st.FilledSize > o.FilledSize {
		out.Merge(m.applyAmount(o, st.FilledSize-o.FilledSize, o.Price))
		if !o.Status.Live() {
			return out
		}
	}

	switch st.Status {
	case exchange.StatusOpen:
		if o.Status == models.OrderStatusPending {
			o.Status = models.OrderStatusResting
			o.UpdatedAt = m.now()
			m.markDirty(o.Level)
		}
	case exchange.StatusFilled:
		out.Merge(m.applyAmount(o, o.Remaining(), o.Price))
	case exchange.StatusCanceled:
		m.finishCancel(o)
	case exchange.StatusRejected:
		if o.CancelRequested {
			m.finishCancel(o)
			break
		}
		out.Merge(m.failPlacement(o, nil))
	case exchange.StatusUnknown:
		out.Merge(m.onUnknown(o))
	}
	return out
}

// onUnknown: биржа не знает заявку. Неподтверждённую заявку выставляем заново с тем же ключом.
func (m *Manager) onUnknown(o *models.ManagedOrder) Output {
	if o.Status != models.OrderStatusPending || o.ExchangeID != 0 {
		m.finishCancel(o)
		return Output{}
	}
	if o.CancelRequested || m.closed {
		m.finish(o, models.OrderStatusCancelled)
		return Output{}
	}
	if o.Attempts >= m.retry.Attempts {
		return m.failPlacement(o, fmt.Errorf("заявка %s не дошла до биржи", o.Key))
	}
	delay := m.retry.Delay(o.Attempts-1, exchange.KindRetryable)
	o.Attempts++
	o.UpdatedAt = m.now()
	m.markDirty(o.Level)
	return m.emit(Action{
		Kind:   ActionPlace,
		Key:    o.Key,
		Level:  o.Level,
		Symbol: m.cfg.Symbol,
		Intent: m.intentFor(o),
		Delay:  delay,
	})
}
