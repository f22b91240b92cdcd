package lifecycle

import (
	"encoding/hex"
	"math"
	"sort"
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/models"
	"gridbot/internal/risk"
	"gridbot/internal/strategy"

	"github.com/google/uuid"
)

const (
	sizeEpsilon  = 1e-12
	priceEpsilon = 1e-9
	finishedKeep = 512
	tradesKeep   = 4096
)

type Options struct {
	Retry  RetryPolicy
	Now    func() time.Time
	NewKey func() string
}

// NewClientKey: идентификатор заявки клиента в формате 128-битного hex.
func NewClientKey() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

// Manager ведёт заявки одной сетки. Методы не потокобезопасны: их вызывает только воркер сетки.
type Manager struct {
	cfg    models.GridConfig
	risk   *risk.Manager
	retry  RetryPolicy
	now    func() time.Time
	newKey func() string

	plan    strategy.Plan
	hasPlan bool
	active  bool
	closed  bool
	frozen  bool
	margin  float64

	slots      map[int]models.Side
	orders     map[string]*models.ManagedOrder
	byLevel    map[int]string
	byExchange map[int64]string
	finished   []string

	busy           map[string]bool
	replacing      map[string]bool
	cancelAttempts map[string]int
	queryAttempts  map[string]int
	outstanding    int

	trades        map[string]struct{}
	tradeLog      []string
	parked        map[int64][]models.Fill
	orphanQueries map[int64]bool

	cooldown map[int]time.Time
	denied   map[int]risk.Reason
	dirty    map[int]struct{}
}

func New(cfg models.GridConfig, riskMgr *risk.Manager, opts Options) *Manager {
	if opts.Retry.Attempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewKey == nil {
		opts.NewKey = NewClientKey
	}

	m := &Manager{
		cfg:            cfg,
		risk:           riskMgr,
		retry:          opts.Retry,
		now:            opts.Now,
		newKey:         opts.NewKey,
		active:         true,
		slots:          make(map[int]models.Side),
		orders:         make(map[string]*models.ManagedOrder),
		byLevel:        make(map[int]string),
		byExchange:     make(map[int64]string),
		busy:           make(map[string]bool),
		replacing:      make(map[string]bool),
		cancelAttempts: make(map[string]int),
		queryAttempts:  make(map[string]int),
		trades:         make(map[string]struct{}),
		parked:         make(map[int64][]models.Fill),
		orphanQueries:  make(map[int64]bool),
		cooldown:       make(map[int]time.Time),
		denied:         make(map[int]risk.Reason),
		dirty:          make(map[int]struct{}),
	}
	m.resetSlots()
	return m
}

// InitialSlots: стартовая раскладка: покупки ниже центра, продажи выше.
func InitialSlots(levelsPerSide int) map[int]models.Side {
	slots := make(map[int]models.Side, 2*levelsPerSide+1)
	for i := -levelsPerSide; i <= levelsPerSide; i++ {
		switch {
		case i < 0:
			slots[i] = models.SideBuy
		case i > 0:
			slots[i] = models.SideSell
		default:
			slots[i] = models.SideNone
		}
	}
	return slots
}

func (m *Manager) resetSlots() {
	m.slots = InitialSlots(m.cfg.LevelsPerSide)
}

func (m *Manager) Plan() strategy.Plan {
	return m.plan
}

func (m *Manager) SetPlan(plan strategy.Plan) {
	m.plan = plan
	m.hasPlan = true
}

func (m *Manager) SetMargin(utilization float64) {
	m.margin = utilization
}

// SetFrozen запрещает выставлять и переставлять заявки, пока цена из фида некорректна.
// Исполнения учитываются, отмены по паузе и остановке проходят как обычно.
func (m *Manager) SetFrozen(frozen bool) {
	m.frozen = frozen
}

func (m *Manager) Frozen() bool {
	return m.frozen
}

func (m *Manager) Active() bool {
	return m.active
}

// Drained: все отправленные вызовы шлюза получили ответ.
func (m *Manager) Drained() bool {
	return m.outstanding == 0
}

func (m *Manager) Slots() map[int]models.Side {
	out := make(map[int]models.Side, len(m.slots))
	for k, v := range m.slots {
		out[k] = v
	}
	return out
}

func (m *Manager) Position() risk.Position {
	return m.risk.Position()
}

// LiveOrders возвращает копии всех незавершённых заявок.
func (m *Manager) LiveOrders() []models.ManagedOrder {
	out := make([]models.ManagedOrder, 0, len(m.byLevel))
	for _, key := range m.byLevel {
		if o := m.orders[key]; o != nil {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Level < out[b].Level })
	return out
}

func (m *Manager) Snapshot() Snapshot {
	snap := Snapshot{
		Reference:  m.plan.Reference,
		Spacing:    m.plan.Spacing,
		OpenOrders: m.LiveOrders(),
		Position:   m.risk.Position(),
		Active:     m.active,
	}
	n := m.cfg.LevelsPerSide
	for i := -n; i <= n; i++ {
		view := LevelView{Index: i, Side: m.slots[i], Denied: m.denied[i]}
		if m.hasPlan {
			view.Price = m.plan.LinePrice(i)
		}
		if o := m.liveAt(i); o != nil {
			cp := *o
			view.Order = &cp
		}
		snap.Levels = append(snap.Levels, view)
	}
	return snap
}

// Flush отдаёт уровни, изменившиеся с прошлого вызова.
func (m *Manager) Flush() []LevelRecord {
	if len(m.dirty) == 0 {
		return nil
	}
	out := make([]LevelRecord, 0, len(m.dirty))
	for level := range m.dirty {
		rec := LevelRecord{Level: level}
		if o := m.liveAt(level); o != nil {
			cp := *o
			rec.Order = &cp
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Level < out[b].Level })
	m.dirty = make(map[int]struct{})
	return out
}

// Restore поднимает состояние после рестарта и запрашивает статус каждой живой заявки.
func (m *Manager) Restore(slots map[int]models.Side, orders []models.ManagedOrder, active bool) Output {
	var out Output
	if len(slots) > 0 {
		m.slots = make(map[int]models.Side, len(slots))
		for k, v := range slots {
			m.slots[k] = v
		}
	}
	m.active = active

	for i := range orders {
		o := orders[i]
		if !o.Status.Live() {
			continue
		}
		m.orders[o.Key] = &o
		m.byLevel[o.Level] = o.Key
		if o.ExchangeID != 0 {
			m.byExchange[o.ExchangeID] = o.Key
		}
		out.Merge(m.query(&o, 0))
	}
	return out
}

func (m *Manager) Pause() Output {
	m.active = false
	return m.CancelAll()
}

func (m *Manager) Resume() Output {
	if m.closed {
		return Output{}
	}
	m.active = true
	m.cooldown = make(map[int]time.Time)
	return m.Reconcile()
}

// Close переводит менеджер в режим остановки: новые заявки больше не выставляются.
func (m *Manager) Close() Output {
	m.closed = true
	m.active = false
	return m.CancelAll()
}

func (m *Manager) CancelAll() Output {
	var out Output
	for _, key := range m.levelKeys() {
		o := m.orders[key]
		delete(m.replacing, key)
		out.Merge(m.requestCancel(o))
	}
	return out
}

// Resync перепроверяет на бирже каждую живую заявку, например после разрыва потока исполнений.
func (m *Manager) Resync() Output {
	var out Output
	for _, key := range m.levelKeys() {
		o := m.orders[key]
		if m.busy[key] {
			continue
		}
		out.Merge(m.query(o, 0))
	}
	return out
}

// Rebalance заменяет каждую живую заявку по новому плану. При recenter раскладка сторон сбрасывается.
func (m *Manager) Rebalance(plan strategy.Plan, recenter bool) Output {
	m.SetPlan(plan)
	if recenter {
		m.resetSlots()
	}
	m.cooldown = make(map[int]time.Time)
	if !m.active {
		return Output{}
	}

	var out Output
	for _, key := range m.levelKeys() {
		m.replacing[key] = true
		out.Merge(m.requestCancel(m.orders[key]))
	}
	out.Merge(m.Reconcile())
	return out
}

// Reconcile приводит живые заявки к текущему плану. Уровни обходятся от центра наружу,
// поэтому при упоре в лимит позиции отбрасываются самые дальние.
func (m *Manager) Reconcile() Output {
	var out Output
	if !m.active || m.closed || m.frozen || !m.hasPlan {
		return out
	}

	now := m.now()
	buys, sells := m.leavingExposure()
	for _, i := range m.levelOrder() {
		side := m.slots[i]
		live := m.liveAt(i)
		price := m.plan.LinePrice(i)
		desired := m.wanted(i)

		if desired && live != nil && live.CancelRequested {
			m.replacing[live.Key] = true
			continue
		}

		if desired {
			size := m.cfg.OrderSize
			margin := m.margin
			if live != nil && live.Side == side {
				size = live.Remaining()
				margin = 0
			}
			intent := models.NewLimitIntent(m.cfg.Symbol, side, price, size, m.cfg.TimeInForce, "")
			decision := m.risk.CheckPlacement(intent, buys, sells, margin)
			if decision.Allowed() {
				delete(m.denied, i)
				if side == models.SideBuy {
					buys += size
				} else {
					sells += size
				}
			} else {
				desired = false
				if live != nil && live.Side == side {
					if live.Side == models.SideBuy {
						buys += live.Remaining()
					} else {
						sells += live.Remaining()
					}
				}
				if m.denied[i] != decision.Reason {
					m.denied[i] = decision.Reason
					out.Alerts = append(out.Alerts, Alert{
						Kind:   AlertRiskDenied,
						Level:  i,
						Reason: decision.String(),
						Time:   now,
					})
				}
			}
		}

		if !desired {
			if live != nil && !live.CancelRequested {
				out.Merge(m.requestCancel(live))
			}
			continue
		}

		if live != nil {
			if live.Side != side || m.moved(live.Price, price) {
				m.replacing[live.Key] = true
				out.Merge(m.requestCancel(live))
			}
			continue
		}

		if until, ok := m.cooldown[i]; ok {
			if now.Before(until) {
				continue
			}
			delete(m.cooldown, i)
		}
		out.Merge(m.place(i, side, price))
	}
	return out
}

func (m *Manager) wanted(level int) bool {
	return m.slots[level] != models.SideNone && m.plan.Contains(level)
}

// leavingExposure суммирует заявки, которые уходят с сетки, но ещё могут исполниться до подтверждения отмены.
func (m *Manager) leavingExposure() (buys, sells float64) {
	for _, key := range m.levelKeys() {
		o := m.orders[key]
		if !o.CancelRequested && m.wanted(o.Level) && o.Side == m.slots[o.Level] {
			continue
		}
		if o.Side == models.SideBuy {
			buys += o.Remaining()
		} else {
			sells += o.Remaining()
		}
	}
	return buys, sells
}

func (m *Manager) moved(current, target float64) bool {
	if target <= 0 {
		return true
	}
	drift := math.Abs(current-target) / target
	if m.cfg.NoiseThreshold > 0 {
		return drift > m.cfg.NoiseThreshold
	}
	return drift > priceEpsilon
}

func (m *Manager) place(level int, side models.Side, price float64) Output {
	now := m.now()
	key := m.newKey()
	o := &models.ManagedOrder{
		Key:       key,
		Level:     level,
		Side:      side,
		Price:     price,
		Size:      m.cfg.OrderSize,
		Status:    models.OrderStatusPending,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.orders[key] = o
	m.byLevel[level] = key
	m.markDirty(level)

	return m.emit(Action{
		Kind:   ActionPlace,
		Key:    key,
		Level:  level,
		Symbol: m.cfg.Symbol,
		Intent: m.intentFor(o),
	})
}

func (m *Manager) intentFor(o *models.ManagedOrder) models.OrderIntent {
	return models.NewLimitIntent(m.cfg.Symbol, o.Side, o.Price, o.Size, m.cfg.TimeInForce, o.Key)
}

// requestCancel помечает заявку к отмене. Пока по ней идёт другой вызов, отмена ждёт его ответа.
func (m *Manager) requestCancel(o *models.ManagedOrder) Output {
	if o == nil || !o.Status.Live() {
		return Output{}
	}
	if !o.CancelRequested {
		o.CancelRequested = true
		o.UpdatedAt = m.now()
		delete(m.cancelAttempts, o.Key)
		m.markDirty(o.Level)
	}
	return m.followUp(o)
}

func (m *Manager) followUp(o *models.ManagedOrder) Output {
	if o == nil || !o.Status.Live() || m.busy[o.Key] || !o.CancelRequested {
		return Output{}
	}
	if o.ExchangeID != 0 {
		return m.emit(Action{
			Kind:       ActionCancel,
			Key:        o.Key,
			Level:      o.Level,
			Symbol:     m.cfg.Symbol,
			ExchangeID: o.ExchangeID,
		})
	}
	return m.query(o, 0)
}

func (m *Manager) query(o *models.ManagedOrder, delay time.Duration) Output {
	return m.emit(Action{
		Kind:   ActionQuery,
		Key:    o.Key,
		Level:  o.Level,
		Symbol: m.cfg.Symbol,
		Query:  exchange.OrderQuery{ExchangeID: o.ExchangeID, ClientKey: o.Key},
		Delay:  delay,
	})
}

func (m *Manager) emit(a Action) Output {
	if a.Key != "" {
		m.busy[a.Key] = true
	}
	m.outstanding++
	return Output{Actions: []Action{a}}
}

// finish снимает заявку с уровня. Запись остаётся, чтобы поздние исполнения нашли свою заявку.
func (m *Manager) finish(o *models.ManagedOrder, status models.OrderStatus) {
	o.Status = status
	o.CancelRequested = false
	o.UpdatedAt = m.now()
	delete(m.replacing, o.Key)
	delete(m.cancelAttempts, o.Key)
	delete(m.queryAttempts, o.Key)
	if m.byLevel[o.Level] == o.Key {
		delete(m.byLevel, o.Level)
		m.markDirty(o.Level)
	}

	m.finished = append(m.finished, o.Key)
	if len(m.finished) > finishedKeep {
		old := m.finished[0]
		m.finished = m.finished[1:]
		if prev := m.orders[old]; prev != nil && !prev.Status.Live() && !m.busy[old] {
			delete(m.byExchange, prev.ExchangeID)
			delete(m.orders, old)
		}
	}
}

func (m *Manager) liveAt(level int) *models.ManagedOrder {
	key, ok := m.byLevel[level]
	if !ok {
		return nil
	}
	o := m.orders[key]
	if o == nil || !o.Status.Live() {
		return nil
	}
	return o
}

func (m *Manager) levelKeys() []string {
	levels := make([]int, 0, len(m.byLevel))
	for level := range m.byLevel {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	keys := make([]string, 0, len(levels))
	for _, level := range levels {
		if o := m.liveAt(level); o != nil {
			keys = append(keys, o.Key)
		}
	}
	return keys
}

// levelOrder: индексы от центра наружу: 0, -1, 1, -2, 2, ...
func (m *Manager) levelOrder() []int {
	n := m.cfg.LevelsPerSide
	out := make([]int, 0, 2*n+1)
	out = append(out, 0)
	for d := 1; d <= n; d++ {
		out = append(out, -d, d)
	}
	return out
}

func (m *Manager) markDirty(level int) {
	m.dirty[level] = struct{}{}
}

func (m *Manager) alert(kind AlertKind, o *models.ManagedOrder, reason string) Alert {
	a := Alert{Kind: kind, Reason: reason, Time: m.now()}
	if o != nil {
		a.Level = o.Level
		a.Key = o.Key
	}
	return a
}
