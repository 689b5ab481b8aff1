package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	trades []TradeEvent
	exits  []ExitEvent
}

func (r *recordingSink) OnTrade(_ context.Context, e TradeEvent) { r.trades = append(r.trades, e) }
func (r *recordingSink) OnExit(_ context.Context, e ExitEvent)   { r.exits = append(r.exits, e) }

type panickingSink struct{}

func (panickingSink) OnTrade(context.Context, TradeEvent) { panic("boom") }
func (panickingSink) OnExit(context.Context, ExitEvent)   { panic("boom") }

func TestMulti_IsolatesPanics(t *testing.T) {
	first := &recordingSink{}
	last := &recordingSink{}
	m := NewMulti(nil, first, panickingSink{}, nil, last)

	m.OnTrade(context.Background(), TradeEvent{Symbol: "BTCUSDT"})
	m.OnExit(context.Background(), ExitEvent{Symbol: "BTCUSDT", Reason: "STOP_LOSS"})

	assert.Len(t, first.trades, 1)
	assert.Len(t, last.trades, 1)
	assert.Len(t, first.exits, 1)
	assert.Equal(t, "STOP_LOSS", last.exits[0].Reason)
}

func TestProfitPercent(t *testing.T) {
	assert.InDelta(t, 10.0, ProfitPercent(100, 110), 1e-9)
	assert.InDelta(t, -6.0, ProfitPercent(100, 94), 1e-9)
	assert.Equal(t, 0.0, ProfitPercent(0, 94))
}
