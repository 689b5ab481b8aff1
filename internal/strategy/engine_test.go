package strategy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-sniper/internal/exchange"
	"spot-sniper/internal/execution"
	"spot-sniper/internal/notify"
)

type priceFeed struct {
	mu     sync.Mutex
	prices map[string]float64
	fail   bool
}

func newPriceFeed() *priceFeed {
	return &priceFeed{prices: make(map[string]float64)}
}

func (f *priceFeed) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *priceFeed) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *priceFeed) GetPrice(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, fmt.Errorf("%w: feed down", exchange.ErrTransient)
	}
	p, ok := f.prices[symbol]
	if !ok {
		return 0, exchange.ErrPriceUnavailable
	}
	return p, nil
}

type exitRecorder struct {
	mu     sync.Mutex
	exits  []notify.ExitEvent
	trades []notify.TradeEvent
}

func (r *exitRecorder) OnTrade(_ context.Context, e notify.TradeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, e)
}

func (r *exitRecorder) OnExit(_ context.Context, e notify.ExitEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits = append(r.exits, e)
}

func (r *exitRecorder) snapshot() []notify.ExitEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.ExitEvent(nil), r.exits...)
}

type memStore struct {
	mu    sync.Mutex
	items map[string]Strategy
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]Strategy)}
}

func (m *memStore) Save(_ context.Context, s Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[s.ID] = s
	return nil
}

func (m *memStore) LoadActive(context.Context) (map[string]Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Strategy)
	for id, s := range m.items {
		if !s.Executed {
			out[id] = s
		}
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *memStore) get(id string) (Strategy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	return s, ok
}

// gatedStore 在 armed 时阻塞下一次未结束策略的写入，直到 release 关闭。
type gatedStore struct {
	*memStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		memStore: newMemStore(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (g *gatedStore) Save(ctx context.Context, s Strategy) error {
	if !s.Executed && g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.memStore.Save(ctx, s)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	feed   *priceFeed
	paper  *exchange.PaperGateway
	coord  *execution.Coordinator
	engine *Engine
	sink   *exitRecorder
	store  *memStore
	gate   *gatedStore
}

type harnessOptions struct {
	precision int32
	lotStep   float64
	gated     bool
}

func newHarness(t *testing.T, defaults Config) *harness {
	return newHarnessWith(t, defaults, harnessOptions{precision: 8})
}

func newHarnessWith(t *testing.T, defaults Config, ho harnessOptions) *harness {
	t.Helper()
	feed := newPriceFeed()
	paper := exchange.NewPaperGateway(feed, "USDT", 10000, nil)
	sink := &exitRecorder{}
	coord := execution.NewCoordinator(paper, execution.Options{
		QuoteAsset:         "USDT",
		MinOrderUSDT:       1,
		MaxRetryAttempts:   1,
		RetryDelay:         time.Millisecond,
		PollInterval:       2 * time.Millisecond,
		MaxMonitorDuration: time.Second,
		SellBackoff:        time.Millisecond,
		QuantityPrecision:  ho.precision,
	}, sink, nil)

	mem := newMemStore()
	var (
		store Store = mem
		gate  *gatedStore
	)
	if ho.gated {
		gate = newGatedStore()
		mem = gate.memStore
		store = gate
	}
	engine, err := NewEngine(feed, coord, store, sink, defaults, Options{
		PollInterval:    2 * time.Millisecond,
		PriceRetryDelay: 2 * time.Millisecond,
		FailureBackoff:  50 * time.Millisecond,
		LotStep:         ho.lotStep,
	}, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
		_ = coord.Shutdown(ctx)
	})
	return &harness{feed: feed, paper: paper, coord: coord, engine: engine, sink: sink, store: mem, gate: gate}
}

func stopLossOnly() Config {
	return Config{TakeProfitPct: 10, TakeProfitSellPct: 100, StopLossPct: 5}
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	_, err := NewEngine(nil, nil, nil, nil, stopLossOnly(), Options{}, nil)
	assert.Error(t, err)

	_, err = NewEngine(newPriceFeed(), &execution.Coordinator{}, nil, nil, Config{}, Options{}, nil)
	assert.ErrorIs(t, err, ErrInvalidStrategy)
}

func TestEngine_StopLossLiquidatesAndRemoves(t *testing.T) {
	h := newHarness(t, stopLossOnly())
	h.feed.set("BTCUSDT", 100)
	h.paper.Deposit("BTC", 1)

	id, err := h.engine.CreateStrategy(context.Background(), "BTCUSDT", 100, 1, nil)
	require.NoError(t, err)
	assert.True(t, h.engine.HasActiveStrategyForSymbol("BTCUSDT"))

	h.feed.set("BTCUSDT", 94)

	require.Eventually(t, func() bool { return len(h.sink.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	exit := h.sink.snapshot()[0]
	assert.Equal(t, id, exit.StrategyID)
	assert.Equal(t, string(ReasonStopLoss), exit.Reason)
	assert.Equal(t, 1.0, exit.Quantity)
	assert.Equal(t, 0.0, exit.Remaining)
	assert.InDelta(t, 94.0, exit.SellPrice, 1e-9)
	assert.InDelta(t, -6.0, exit.ProfitPct, 1e-9)
	assert.False(t, exit.Failed)

	require.Eventually(t, func() bool { return !h.engine.HasActiveStrategyForSymbol("BTCUSDT") }, time.Second, 5*time.Millisecond)
	_, ok := h.engine.Get(id)
	assert.False(t, ok)

	stored, ok := h.store.get(id)
	require.True(t, ok)
	assert.Equal(t, StatusExecuted, stored.Status)
	assert.True(t, stored.Executed)
}

func TestEngine_PartialTakeProfitThenStopLoss(t *testing.T) {
	h := newHarness(t, Config{TakeProfitPct: 10, TakeProfitSellPct: 50, StopLossPct: 5})
	h.feed.set("ETHUSDT", 100)
	h.paper.Deposit("ETH", 10)

	id, err := h.engine.CreateStrategy(context.Background(), "ETHUSDT", 100, 10, nil)
	require.NoError(t, err)

	h.feed.set("ETHUSDT", 111)
	require.Eventually(t, func() bool { return len(h.sink.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	s, ok := h.engine.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusPartialExecuted, s.Status)
	assert.Equal(t, 5.0, s.Quantity)
	assert.True(t, s.TakeProfitExecuted)

	h.feed.set("ETHUSDT", 130)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.sink.snapshot(), 1)

	h.feed.set("ETHUSDT", 94)
	require.Eventually(t, func() bool { return len(h.sink.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)

	exits := h.sink.snapshot()
	assert.Equal(t, "TAKE_PROFIT_PARTIAL_50PCT", exits[0].Reason)
	assert.Equal(t, 5.0, exits[0].Quantity)
	assert.Equal(t, 5.0, exits[0].Remaining)
	assert.Equal(t, string(ReasonStopLoss), exits[1].Reason)
	assert.Equal(t, 5.0, exits[1].Quantity)
	assert.Equal(t, 0.0, exits[1].Remaining)

	require.Eventually(t, func() bool { _, ok := h.engine.Get(id); return !ok }, time.Second, 5*time.Millisecond)
}

func TestEngine_IndependentStrategiesSameSymbol(t *testing.T) {
	h := newHarness(t, stopLossOnly())
	h.feed.set("SOLUSDT", 100)
	h.paper.Deposit("SOL", 20)

	ctx := context.Background()
	_, err := h.engine.CreateStrategy(ctx, "SOLUSDT", 100, 6.70, nil)
	require.NoError(t, err)
	_, err = h.engine.CreateStrategy(ctx, "SOLUSDT", 100, 6.75, nil)
	require.NoError(t, err)

	assert.Len(t, h.engine.ActiveStrategiesForSymbol("SOLUSDT"), 2)
	assert.Equal(t, 13.45, h.engine.TotalQuantityForSymbol("SOLUSDT"))

	h.feed.set("SOLUSDT", 90)
	require.Eventually(t, func() bool { return len(h.sink.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)

	total := decimal.Zero
	seen := map[float64]bool{}
	for _, e := range h.sink.snapshot() {
		total = total.Add(decimal.NewFromFloat(e.Quantity))
		seen[e.Quantity] = true
		assert.Equal(t, 0.0, e.Remaining)
	}
	assert.True(t, total.Equal(decimal.RequireFromString("13.45")), total.String())
	assert.True(t, seen[6.70])
	assert.True(t, seen[6.75])

	require.Eventually(t, func() bool { return !h.engine.HasActiveStrategyForSymbol("SOLUSDT") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.0, h.engine.TotalQuantityForSymbol("SOLUSDT"))
}

func TestEngine_SellPlacementFailureNotifiesWithoutStateChange(t *testing.T) {
	h := newHarness(t, stopLossOnly())
	h.feed.set("XRPUSDT", 100)

	id, err := h.engine.CreateStrategy(context.Background(), "XRPUSDT", 100, 3, nil)
	require.NoError(t, err)

	h.feed.set("XRPUSDT", 90)
	require.Eventually(t, func() bool { return len(h.sink.snapshot()) >= 1 }, 2*time.Second, 5*time.Millisecond)

	exit := h.sink.snapshot()[0]
	assert.Equal(t, "STOP_LOSS_FAILED", exit.Reason)
	assert.True(t, exit.Failed)
	assert.Equal(t, 100.0, exit.SellPrice)
	assert.Equal(t, 3.0, exit.Quantity)

	s, ok := h.engine.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, 3.0, s.Quantity)
	assert.False(t, s.Executed)
}

func TestEngine_RemoveStrategyTwice(t *testing.T) {
	h := newHarness(t, stopLossOnly())
	h.feed.set("BTCUSDT", 100)

	ctx := context.Background()
	id, err := h.engine.CreateStrategy(ctx, "BTCUSDT", 100, 1, nil)
	require.NoError(t, err)
	_, ok := h.store.get(id)
	require.True(t, ok)

	require.NoError(t, h.engine.RemoveStrategy(ctx, id))
	err = h.engine.RemoveStrategy(ctx, id)
	assert.ErrorIs(t, err, ErrStrategyNotFound)

	_, ok = h.store.get(id)
	assert.False(t, ok)
	assert.Empty(t, h.engine.Strategies())
}

func TestEngine_TimeBasedExit(t *testing.T) {
	h := newHarness(t, Config{TakeProfitPct: 50, TakeProfitSellPct: 100, StopLossPct: 50, TimeBasedMinutes: 1})
	h.feed.set("DOGEUSDT", 100)
	h.paper.Deposit("DOGE", 2)

	var mu sync.Mutex
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	h.engine.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	_, err := h.engine.CreateStrategy(context.Background(), "DOGEUSDT", 100, 2, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sink.snapshot())

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	require.Eventually(t, func() bool { return len(h.sink.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	exit := h.sink.snapshot()[0]
	assert.Equal(t, string(ReasonTimeBased), exit.Reason)
	assert.Equal(t, 2.0, exit.Quantity)
}

func TestEngine_PriceErrorsDoNotStopMonitoring(t *testing.T) {
	h := newHarness(t, stopLossOnly())
	h.feed.setFail(true)
	h.paper.Deposit("BTC", 1)

	_, err := h.engine.CreateStrategy(context.Background(), "BTCUSDT", 100, 1, nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sink.snapshot())

	h.feed.set("BTCUSDT", 90)
	h.feed.setFail(false)
	require.Eventually(t, func() bool { return len(h.sink.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_TrailingStatePersisted(t *testing.T) {
	h := newHarness(t, Config{TakeProfitPct: 100, TakeProfitSellPct: 100, StopLossPct: 10, TrailingStopPct: 5, TrailingActivationPct: 10})
	h.feed.set("BTCUSDT", 100)

	id, err := h.engine.CreateStrategy(context.Background(), "BTCUSDT", 100, 1, nil)
	require.NoError(t, err)

	h.feed.set("BTCUSDT", 120)
	require.Eventually(t, func() bool {
		s, ok := h.store.get(id)
		return ok && s.TrailingStopPrice != nil && *s.TrailingStopPrice >= 114-1e-9
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_Restore(t *testing.T) {
	h := newHarness(t, stopLossOnly())
	h.feed.set("BTCUSDT", 100)
	h.paper.Deposit("BTC", 1)

	s, err := NewStrategy("BTCUSDT_1_restored", "BTCUSDT", 100, 1, stopLossOnly(), time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, h.store.Save(context.Background(), s.Clone()))

	done := s.Clone()
	done.ID = "BTCUSDT_2_done"
	done.Executed = true
	done.Status = StatusExecuted
	require.NoError(t, h.store.Save(context.Background(), done))

	n, err := h.engine.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := h.engine.Get("BTCUSDT_1_restored")
	require.True(t, ok)

	n, err = h.engine.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.feed.set("BTCUSDT", 90)
	require.Eventually(t, func() bool { return len(h.sink.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "BTCUSDT_1_restored", h.sink.snapshot()[0].StrategyID)
}

func TestEngine_CreateFromBuyFill(t *testing.T) {
	h := newHarness(t, stopLossOnly())
	h.feed.set("PEPEUSDT", 2)
	h.coord.SetBuyFilledHook(h.engine.CreateFromFill)

	_, err := h.coord.Buy(context.Background(), "PEPEUSDT", 10)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.engine.HasActiveStrategyForSymbol("PEPEUSDT") }, 2*time.Second, 5*time.Millisecond)
	list := h.engine.ActiveStrategiesForSymbol("PEPEUSDT")
	require.Len(t, list, 1)
	assert.InDelta(t, 2.0, list[0].BuyPrice, 1e-9)
	assert.InDelta(t, 5.0, list[0].Quantity, 1e-9)

	h.engine.CreateFromFill(context.Background(), execution.Fill{Symbol: "PEPEUSDT"})
	assert.Len(t, h.engine.ActiveStrategiesForSymbol("PEPEUSDT"), 1)
}

func TestEngine_ShutdownStopsLoops(t *testing.T) {
	h := newHarness(t, stopLossOnly())
	h.feed.set("BTCUSDT", 100)
	_, err := h.engine.CreateStrategy(context.Background(), "BTCUSDT", 100, 1, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.engine.Shutdown(ctx))

	_, err = h.engine.CreateStrategy(context.Background(), "BTCUSDT", 100, 1, nil)
	assert.Error(t, err)
}

func trailingOnly() Config {
	return Config{TakeProfitPct: 100, TakeProfitSellPct: 100, StopLossPct: 10, TrailingStopPct: 5, TrailingActivationPct: 10}
}

func TestOptions_LotStep(t *testing.T) {
	assert.Equal(t, 0.01, LotStep(2))
	assert.Equal(t, 1.0, LotStep(0))
	assert.Equal(t, 0.0, LotStep(-1))

	o := Options{LotStep: LotStep(2)}.withDefaults()
	assert.Equal(t, 6.78, o.sellQuantity(6.789))
	assert.Equal(t, 0.0, o.sellQuantity(0.009))
	assert.InDelta(t, 0.01, o.fillEpsilon(), 1e-7)
	assert.Less(t, o.fillEpsilon(), 0.01)

	plain := Options{}.withDefaults()
	assert.Equal(t, 6.789, plain.sellQuantity(6.789))
	assert.Equal(t, 1e-8, plain.fillEpsilon())
}

func TestOptions_FailureBackoffDoublesUpToCap(t *testing.T) {
	o := Options{PollInterval: time.Second, FailureBackoff: time.Second}.withDefaults()
	assert.Equal(t, 32*time.Second, o.MaxFailureBackoff)
	assert.Equal(t, time.Second, o.failureBackoff(1))
	assert.Equal(t, 2*time.Second, o.failureBackoff(2))
	assert.Equal(t, 4*time.Second, o.failureBackoff(3))
	assert.Equal(t, 32*time.Second, o.failureBackoff(10))
	assert.Equal(t, 32*time.Second, o.failureBackoff(1000))
}

func TestEngine_LotSizedStopLossClosesStrategy(t *testing.T) {
	h := newHarnessWith(t, stopLossOnly(), harnessOptions{precision: 2, lotStep: LotStep(2)})
	h.feed.set("BTCUSDT", 100)
	h.paper.Deposit("BTC", 6.789)

	id, err := h.engine.CreateStrategy(context.Background(), "BTCUSDT", 100, 6.789, nil)
	require.NoError(t, err)

	h.feed.set("BTCUSDT", 94)
	require.Eventually(t, func() bool { return len(h.sink.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	exit := h.sink.snapshot()[0]
	assert.Equal(t, string(ReasonStopLoss), exit.Reason)
	assert.False(t, exit.Failed)
	assert.InDelta(t, 6.78, exit.Quantity, 1e-9)
	assert.Equal(t, 0.0, exit.Remaining)

	require.Eventually(t, func() bool { _, ok := h.engine.Get(id); return !ok }, time.Second, 5*time.Millisecond)
	stored, ok := h.store.get(id)
	require.True(t, ok)
	assert.True(t, stored.Executed)
	assert.Equal(t, StatusExecuted, stored.Status)

	// 超过一次失败退避周期后不应再有卖出或失败通知
	time.Sleep(80 * time.Millisecond)
	assert.Len(t, h.sink.snapshot(), 1)
}

func TestEngine_DustRemainderClosedWithoutOrder(t *testing.T) {
	h := newHarnessWith(t, stopLossOnly(), harnessOptions{precision: 2, lotStep: LotStep(2)})
	h.feed.set("BTCUSDT", 100)
	h.paper.Deposit("BTC", 1)

	id, err := h.engine.CreateStrategy(context.Background(), "BTCUSDT", 100, 0.005, nil)
	require.NoError(t, err)

	h.feed.set("BTCUSDT", 94)
	require.Eventually(t, func() bool { _, ok := h.engine.Get(id); return !ok }, 2*time.Second, 5*time.Millisecond)

	stored, ok := h.store.get(id)
	require.True(t, ok)
	assert.True(t, stored.Executed)
	assert.Equal(t, 0.0, stored.Quantity)
	assert.Equal(t, ReasonStopLoss, stored.SellReason)
	assert.Empty(t, h.coord.Orders())
	assert.Empty(t, h.sink.snapshot())
}

func TestEngine_RepeatedPlacementFailuresBackOff(t *testing.T) {
	h := newHarness(t, stopLossOnly())
	clk := &clock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	h.engine.now = clk.Now
	h.feed.set("XRPUSDT", 100)

	id, err := h.engine.CreateStrategy(context.Background(), "XRPUSDT", 100, 3, nil)
	require.NoError(t, err)
	h.feed.set("XRPUSDT", 90)

	backoff := func() (time.Duration, int) {
		h.engine.mu.Lock()
		defer h.engine.mu.Unlock()
		return h.engine.backoff[id].Sub(clk.Now()), h.engine.failures[id]
	}

	require.Eventually(t, func() bool { return len(h.sink.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	wait, n := backoff()
	assert.Equal(t, 50*time.Millisecond, wait)
	assert.Equal(t, 1, n)

	clk.Advance(51 * time.Millisecond)
	require.Eventually(t, func() bool { return len(h.sink.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	wait, n = backoff()
	assert.Equal(t, 100*time.Millisecond, wait)
	assert.Equal(t, 2, n)

	clk.Advance(51 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.sink.snapshot(), 2)

	clk.Advance(50 * time.Millisecond)
	require.Eventually(t, func() bool { return len(h.sink.snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)
	for _, exit := range h.sink.snapshot() {
		assert.Equal(t, "STOP_LOSS_FAILED", exit.Reason)
	}
}

func TestEngine_FillDuringTrackingSaveKeepsExecutedRow(t *testing.T) {
	h := newHarnessWith(t, trailingOnly(), harnessOptions{precision: 8, gated: true})
	h.feed.set("BTCUSDT", 100)
	ctx := context.Background()

	id, err := h.engine.CreateStrategy(ctx, "BTCUSDT", 100, 1, nil)
	require.NoError(t, err)

	h.gate.armed.Store(true)
	h.feed.set("BTCUSDT", 120)
	select {
	case <-h.gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("跟踪状态未写入存储")
	}

	done := make(chan error, 1)
	go func() {
		done <- h.engine.onSellFilled(ctx, id,
			Decision{Reason: ReasonStopLoss, Quantity: 1, Price: 90},
			execution.Fill{OrderID: "o-1", Symbol: "BTCUSDT", Side: exchange.SideSell, Quantity: 1, AvgPrice: 90})
	}()

	require.Eventually(t, func() bool { _, ok := h.engine.Get(id); return !ok }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(h.gate.release)
	require.NoError(t, <-done)

	stored, ok := h.store.get(id)
	require.True(t, ok)
	assert.True(t, stored.Executed)

	active, err := h.store.LoadActive(ctx)
	require.NoError(t, err)
	assert.NotContains(t, active, id)
}

func TestEngine_RemoveDuringTrackingSaveStaysDeleted(t *testing.T) {
	h := newHarnessWith(t, trailingOnly(), harnessOptions{precision: 8, gated: true})
	h.feed.set("BTCUSDT", 100)
	ctx := context.Background()

	id, err := h.engine.CreateStrategy(ctx, "BTCUSDT", 100, 1, nil)
	require.NoError(t, err)

	h.gate.armed.Store(true)
	h.feed.set("BTCUSDT", 120)
	select {
	case <-h.gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("跟踪状态未写入存储")
	}

	done := make(chan error, 1)
	go func() { done <- h.engine.RemoveStrategy(ctx, id) }()

	require.Eventually(t, func() bool { _, ok := h.engine.Get(id); return !ok }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(h.gate.release)
	require.NoError(t, <-done)

	_, ok := h.store.get(id)
	assert.False(t, ok)
}
