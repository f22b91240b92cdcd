package supervisor

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/lifecycle"
	"gridbot/internal/logger"
	"gridbot/internal/models"
	"gridbot/internal/store/pebblestore"
	"gridbot/internal/wallet"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor   = 3 * time.Second
	pollEvery = 10 * time.Millisecond
)

type fakeOrder struct {
	intent models.OrderIntent
	oid    int64
	status exchange.RemoteStatus
	filled float64
}

type fakeGateway struct {
	mu      sync.Mutex
	nextOID int64
	orders  map[int64]*fakeOrder
	byKey   map[string]int64
	places  int
	queries int
	fills   chan exchange.FillEvent
	// gate, если задан, держит каждую отмену до закрытия канала.
	gate chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		nextOID: 100,
		orders:  map[int64]*fakeOrder{},
		byKey:   map[string]int64{},
		fills:   make(chan exchange.FillEvent, 16),
	}
}

func (f *fakeGateway) PlaceOrder(ctx context.Context, intent models.OrderIntent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if oid, ok := f.byKey[intent.ClientKey]; ok {
		return oid, nil
	}
	f.nextOID++
	f.places++
	f.orders[f.nextOID] = &fakeOrder{intent: intent, oid: f.nextOID, status: exchange.StatusOpen}
	f.byKey[intent.ClientKey] = f.nextOID
	return f.nextOID, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, symbol string, oid int64) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return exchange.NewError("cancel", exchange.KindUnknownOutcome, ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[oid]
	if o == nil || o.status != exchange.StatusOpen {
		return exchange.NewError("cancel", exchange.KindNotFound, exchange.ErrNotFound)
	}
	o.status = exchange.StatusCanceled
	return nil
}

func (f *fakeGateway) GetOrderStatus(ctx context.Context, symbol string, q exchange.OrderQuery) (exchange.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	oid := q.ExchangeID
	if oid == 0 {
		oid = f.byKey[q.ClientKey]
	}
	o := f.orders[oid]
	if o == nil {
		return exchange.OrderState{Status: exchange.StatusUnknown}, nil
	}
	return exchange.OrderState{
		Status:     o.status,
		ExchangeID: o.oid,
		ClientKey:  o.intent.ClientKey,
		Side:       o.intent.Side,
		Price:      o.intent.Price,
		Size:       o.intent.Size,
		FilledSize: o.filled,
	}, nil
}

func (f *fakeGateway) StreamFills(ctx context.Context) (<-chan exchange.FillEvent, error) {
	return f.fills, nil
}

func (f *fakeGateway) MarginUtilization(ctx context.Context) (float64, error) {
	return 0, nil
}

func (f *fakeGateway) resting() []models.OrderIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.OrderIntent
	for _, o := range f.orders {
		if o.status == exchange.StatusOpen {
			out = append(out, o.intent)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Price < out[b].Price })
	return out
}

func (f *fakeGateway) counters() (places, queries int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.places, f.queries
}

// fill исполняет заявку на цене price целиком и отдаёт событие в поток.
func (f *fakeGateway) fill(t *testing.T, price float64) {
	t.Helper()
	f.mu.Lock()
	var target *fakeOrder
	for _, o := range f.orders {
		if o.status == exchange.StatusOpen && math.Abs(o.intent.Price-price) < 1e-6 {
			target = o
		}
	}
	require.NotNil(t, target, "нет заявки на %v", price)
	target.status = exchange.StatusFilled
	target.filled = target.intent.Size
	f.mu.Unlock()

	f.fills <- exchange.FillEvent{Fill: models.Fill{
		OrderID:   target.oid,
		ClientKey: target.intent.ClientKey,
		TradeID:   fmt.Sprintf("t%d", target.oid),
		Symbol:    target.intent.Symbol,
		Side:      target.intent.Side,
		Price:     target.intent.Price,
		Size:      target.intent.Size,
		Time:      time.Now(),
	}}
}

type fakeClient struct {
	gw    *fakeGateway
	ticks chan models.Tick
}

func (c *fakeClient) StreamMidPrice(ctx context.Context, symbol string) (<-chan models.Tick, error) {
	return c.ticks, nil
}

func (c *fakeClient) GetSnapshotPrice(ctx context.Context, symbol string) (float64, error) {
	return 100, nil
}

func (c *fakeClient) Bind(signer exchange.Signer) exchange.Gateway {
	return c.gw
}

func (c *fakeClient) push(price float64) {
	select {
	case c.ticks <- models.Tick{Symbol: "ETH", Price: price, Time: time.Now()}:
	default:
	}
}

type harness struct {
	client  *fakeClient
	gw      *fakeGateway
	store   *pebblestore.Store
	wallets *wallet.KeyProvider
}

func newHarness(t *testing.T, ttl time.Duration) *harness {
	st, err := pebblestore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallets := wallet.NewKeyProvider(nil)
	require.NoError(t, wallets.Register("alice", hex.EncodeToString(crypto.FromECDSA(key)), ttl))

	gw := newFakeGateway()
	return &harness{
		client:  &fakeClient{gw: gw, ticks: make(chan models.Tick, 16)},
		gw:      gw,
		store:   st,
		wallets: wallets,
	}
}

func (h *harness) supervisor(t *testing.T) *Supervisor {
	return h.supervisorWith(t, Options{})
}

func (h *harness) supervisorWith(t *testing.T, opts Options) *Supervisor {
	opts.Retry = lifecycle.RetryPolicy{Attempts: 3, Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	opts.CallTimeout = time.Second
	sup := New(h.client, h.wallets, h.store, logger.Discard(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return sup
}

func gridConfig() models.GridConfig {
	return models.GridConfig{
		Symbol:        "eth",
		CenterSource:  models.CenterFixed,
		CenterPrice:   100,
		SpacingMode:   models.SpacingPercent,
		Spacing:       0.01,
		LevelsPerSide: 2,
		OrderSize:     0.01,
		MaxPosition:   1,
	}
}

func prices(intents []models.OrderIntent) []float64 {
	out := make([]float64, len(intents))
	for i, in := range intents {
		out[i] = math.Round(in.Price*1e6) / 1e6
	}
	return out
}

func waitRunning(t *testing.T, sup *Supervisor, gridID string, open int) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = sup.Status(context.Background(), gridID)
		if err != nil || len(st.Grid.OpenOrders) != open {
			return false
		}
		for _, o := range st.Grid.OpenOrders {
			if o.Status != models.OrderStatusResting {
				return false
			}
		}
		return true
	}, waitFor, pollEvery)
	return st
}

func waitStopped(t *testing.T, sup *Supervisor, gridID string) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = sup.Status(context.Background(), gridID)
		return err == nil && st.State == models.GridStateStopped
	}, waitFor, pollEvery)
	return st
}

func TestStartPlacesGridAndStopDrains(t *testing.T) {
	h := newHarness(t, time.Hour)
	sup := h.supervisor(t)
	ctx := context.Background()

	gridID, err := sup.Start(ctx, "alice", gridConfig())
	require.NoError(t, err)

	st := waitRunning(t, sup, gridID, 4)
	assert.Equal(t, models.GridStateRunning, st.State)
	assert.Equal(t, "ETH", st.Symbol)
	assert.Equal(t, []float64{98, 99, 101, 102}, prices(h.gw.resting()))

	owner, err := sup.Owner(gridID)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	stopCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, sup.Stop(stopCtx, gridID))

	st = waitStopped(t, sup, gridID)
	assert.Equal(t, models.GridStateStopped, st.State)
	assert.Empty(t, h.gw.resting())

	grids, err := h.store.LoadGrids(ctx)
	require.NoError(t, err)
	assert.Empty(t, grids)
	orders, err := h.store.LoadOrders(ctx, gridID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestStopReturnsOnceAcknowledged(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.gw.gate = make(chan struct{})
	sup := h.supervisor(t)
	ctx := context.Background()

	gridID, err := sup.Start(ctx, "alice", gridConfig())
	require.NoError(t, err)
	waitRunning(t, sup, gridID, 4)

	stopCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	require.NoError(t, sup.Stop(stopCtx, gridID))

	st, err := sup.Status(ctx, gridID)
	require.NoError(t, err)
	assert.Equal(t, models.GridStateStopping, st.State)
	assert.Len(t, h.gw.resting(), 4)

	// Повторный stop во время остановки тоже подтверждается сразу.
	require.NoError(t, sup.Stop(stopCtx, gridID))

	close(h.gw.gate)
	waitStopped(t, sup, gridID)
	assert.Empty(t, h.gw.resting())
	require.NoError(t, sup.Stop(ctx, gridID))
}

func TestStoppedHistoryIsBounded(t *testing.T) {
	h := newHarness(t, time.Hour)
	sup := h.supervisorWith(t, Options{StoppedHistory: 1})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		gridID, err := sup.Start(ctx, "alice", gridConfig())
		require.NoError(t, err)
		waitRunning(t, sup, gridID, 4)
		require.NoError(t, sup.Stop(ctx, gridID))
		waitStopped(t, sup, gridID)
		ids = append(ids, gridID)
	}

	for _, gridID := range ids[:2] {
		_, err := sup.Status(ctx, gridID)
		assert.ErrorIs(t, err, ErrGridNotFound)
		_, err = sup.Owner(gridID)
		assert.ErrorIs(t, err, ErrGridNotFound)
	}
	st, err := sup.Status(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, models.GridStateStopped, st.State)

	sup.mu.Lock()
	defer sup.mu.Unlock()
	assert.Len(t, sup.finished, 1)
	assert.Len(t, sup.stopLog, 1)
}

func TestFillPlacesOppositeOrder(t *testing.T) {
	h := newHarness(t, time.Hour)
	sup := h.supervisor(t)

	gridID, err := sup.Start(context.Background(), "alice", gridConfig())
	require.NoError(t, err)
	waitRunning(t, sup, gridID, 4)

	h.gw.fill(t, 99)

	require.Eventually(t, func() bool {
		got := prices(h.gw.resting())
		return assert.ObjectsAreEqual([]float64{98, 100, 101, 102}, got)
	}, waitFor, pollEvery)

	st := waitRunning(t, sup, gridID, 4)
	assert.InDelta(t, 0.01, st.Grid.Position.Size, 1e-12)
	for _, lvl := range st.Grid.Levels {
		if lvl.Index == 0 {
			assert.Equal(t, models.SideSell, lvl.Side)
		}
		if lvl.Index == -1 {
			assert.Equal(t, models.SideNone, lvl.Side)
		}
	}
}

func TestBadPriceFreezesReplacements(t *testing.T) {
	h := newHarness(t, time.Hour)
	sup := h.supervisor(t)
	ctx := context.Background()

	gridID, err := sup.Start(ctx, "alice", gridConfig())
	require.NoError(t, err)
	waitRunning(t, sup, gridID, 4)

	require.Eventually(t, func() bool {
		h.client.push(0)
		st, err := sup.Status(ctx, gridID)
		return err == nil && st.Frozen
	}, waitFor, pollEvery)

	h.gw.fill(t, 99)
	require.Eventually(t, func() bool {
		st, err := sup.Status(ctx, gridID)
		return err == nil && st.Grid.Position.Size > 0
	}, waitFor, pollEvery)
	assert.Never(t, func() bool {
		return len(h.gw.resting()) != 3
	}, 200*time.Millisecond, pollEvery)

	require.Eventually(t, func() bool {
		h.client.push(100)
		return assert.ObjectsAreEqual([]float64{98, 100, 101, 102}, prices(h.gw.resting()))
	}, waitFor, pollEvery)
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, time.Hour)
	sup := h.supervisor(t)
	ctx := context.Background()

	gridID, err := sup.Start(ctx, "alice", gridConfig())
	require.NoError(t, err)
	waitRunning(t, sup, gridID, 4)

	require.NoError(t, sup.Pause(ctx, gridID))
	require.Eventually(t, func() bool { return len(h.gw.resting()) == 0 }, waitFor, pollEvery)
	st, err := sup.Status(ctx, gridID)
	require.NoError(t, err)
	assert.Equal(t, models.GridStatePaused, st.State)

	require.NoError(t, sup.Pause(ctx, gridID))

	require.NoError(t, sup.Resume(ctx, gridID))
	waitRunning(t, sup, gridID, 4)
	assert.Len(t, h.gw.resting(), 4)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, time.Hour)
	sup := h.supervisor(t)
	ctx := context.Background()

	bad := gridConfig()
	bad.Spacing = 0
	_, err := sup.Start(ctx, "alice", bad)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)

	_, err = sup.Start(ctx, "bob", gridConfig())
	assert.ErrorIs(t, err, wallet.ErrNoSession)

	_, err = sup.Start(ctx, "alice", gridConfig())
	require.NoError(t, err)

	_, err = sup.Start(ctx, "alice", gridConfig())
	assert.ErrorIs(t, err, ErrGridExists)

	_, err = sup.Status(ctx, "missing")
	assert.ErrorIs(t, err, ErrGridNotFound)
}

func TestDrawdownHalts(t *testing.T) {
	h := newHarness(t, time.Hour)
	sup := h.supervisor(t)
	ctx := context.Background()

	cfg := gridConfig()
	cfg.OrderSize = 1
	cfg.MaxPosition = 5
	cfg.AllocatedCapital = 10
	cfg.MaxDrawdown = 0.1

	gridID, err := sup.Start(ctx, "alice", cfg)
	require.NoError(t, err)
	waitRunning(t, sup, gridID, 4)

	h.gw.fill(t, 99)

	require.Eventually(t, func() bool {
		h.client.push(97)
		st, err := sup.Status(ctx, gridID)
		return err == nil && st.State == models.GridStateHalted
	}, waitFor, pollEvery)

	require.Eventually(t, func() bool { return len(h.gw.resting()) == 0 }, waitFor, pollEvery)

	st, err := sup.Status(ctx, gridID)
	require.NoError(t, err)
	assert.Contains(t, st.HaltReason, ReasonDrawdown)
	assert.ErrorIs(t, sup.Resume(ctx, gridID), ErrInvalidState)
}

func TestSessionExpiryHalts(t *testing.T) {
	h := newHarness(t, 300*time.Millisecond)
	sup := h.supervisor(t)
	ctx := context.Background()

	gridID, err := sup.Start(ctx, "alice", gridConfig())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.client.push(100)
		st, err := sup.Status(ctx, gridID)
		return err == nil && st.State == models.GridStateHalted
	}, waitFor, pollEvery)

	st, err := sup.Status(ctx, gridID)
	require.NoError(t, err)
	assert.Equal(t, ReasonSessionExpired, st.HaltReason)
	require.Eventually(t, func() bool { return len(h.gw.resting()) == 0 }, waitFor, pollEvery)
}

func TestRecoverRequeriesPersistedOrders(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	first := h.supervisor(t)
	gridID, err := first.Start(ctx, "alice", gridConfig())
	require.NoError(t, err)
	waitRunning(t, first, gridID, 4)

	shutdownCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, first.Shutdown(shutdownCtx))
	assert.Len(t, h.gw.resting(), 4)
	placesBefore, queriesBefore := h.gw.counters()

	second := h.supervisor(t)
	restored, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	st := waitRunning(t, second, gridID, 4)
	assert.Equal(t, models.GridStateRunning, st.State)

	require.Eventually(t, func() bool {
		_, queries := h.gw.counters()
		return queries-queriesBefore >= 4
	}, waitFor, pollEvery)
	places, _ := h.gw.counters()
	assert.Equal(t, placesBefore, places)
}
