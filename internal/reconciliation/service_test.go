package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/internal/events"
	"perp-pilot/internal/lifecycle"
	"perp-pilot/internal/order"
	"perp-pilot/internal/risk"
	"perp-pilot/internal/state"
	"perp-pilot/pkg/config"
	"perp-pilot/pkg/exchange"
	"perp-pilot/pkg/exchange/exchangetest"
)

type fixture struct {
	fake    *exchangetest.Fake
	auditor *Auditor
	gov     *risk.Governor
	bus     *events.Bus
	alerts  <-chan events.Note
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := exchangetest.New()
	ins := config.Instrument{Symbol: "BTCUSDT", StepSize: 0.001, MinNotional: 10, Leverage: 5}
	lc := lifecycle.NewManager(config.PolicyParams{TakeProfitLegs: 2}, 10*time.Minute, time.Hour)
	gov := risk.NewGovernor(risk.Limits{MaxAuditFailures: 3})
	bus := events.NewBus()
	alerts, unsub := bus.Subscribe(events.EventCriticalAlert, 16)
	t.Cleanup(unsub)
	exec := order.NewExecutor(fake, ins, 0.01)
	return &fixture{
		fake:    fake,
		auditor: NewAuditor(fake, exec, lc, gov, nil, bus),
		gov:     gov,
		bus:     bus,
		alerts:  alerts,
	}
}

func openLong() *state.InstrumentState {
	return &state.InstrumentState{
		Symbol: "BTCUSDT",
		Day:    "2026-03-02",
		Position: &state.Position{
			Side:        state.Long,
			Qty:         1.0,
			EntryPrice:  100,
			EntryTime:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
			Stop:        95,
			TakeProfits: []float64{105, 110},
		},
	}
}

var auditTime = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func TestAuditBothFlatIsNoop(t *testing.T) {
	f := newFixture(t)
	st := &state.InstrumentState{Symbol: "BTCUSDT"}

	heal, err := f.auditor.Audit(context.Background(), st, auditTime)
	require.NoError(t, err)
	assert.Nil(t, heal)
	assert.Empty(t, f.fake.MarketOrders)
}

func TestAuditFlattensZombiePosition(t *testing.T) {
	f := newFixture(t)
	f.fake.PositionV = exchange.PositionInfo{Qty: 0.5, EntryPrice: 100, MarkPrice: 101}
	st := &state.InstrumentState{Symbol: "BTCUSDT"}

	heal, err := f.auditor.Audit(context.Background(), st, auditTime)
	require.NoError(t, err)
	require.NotNil(t, heal)
	assert.Equal(t, "zombie_flattened", heal.Kind)

	// Never adopted, always flattened: one reduce-only sell for the venue qty.
	require.Len(t, f.fake.MarketOrders, 1)
	assert.Equal(t, exchange.SideSell, f.fake.MarketOrders[0].Side)
	assert.InDelta(t, 0.5, f.fake.MarketOrders[0].Qty, 1e-9)
	assert.True(t, f.fake.MarketOrders[0].ReduceOnly)
	assert.Nil(t, st.Position)

	select {
	case n := <-f.alerts:
		assert.Contains(t, n.Reason, "zombie")
	default:
		t.Fatal("expected a critical alert")
	}
}

func TestAuditBooksVenueCloseWithoutFlattening(t *testing.T) {
	f := newFixture(t)
	st := openLong()
	f.fake.PositionV = exchange.PositionInfo{Qty: 0} // venue already flat
	f.fake.TradesV = []exchange.TradeRecord{
		{Symbol: "BTCUSDT", Side: exchange.SideSell, Qty: 1.0, Price: 104, Realized: 4.0, Fee: 0.1,
			Time: time.Date(2026, 3, 2, 11, 30, 0, 0, time.UTC)},
	}

	heal, err := f.auditor.Audit(context.Background(), st, auditTime)
	require.NoError(t, err)
	require.NotNil(t, heal)
	assert.Equal(t, "close_booked", heal.Kind)

	assert.Nil(t, st.Position)
	require.Len(t, st.Trades, 1)
	assert.Equal(t, "venue_close", st.Trades[0].Reason)
	assert.InDelta(t, 3.9, st.Trades[0].PnL, 1e-9) // venue realized minus fee
	assert.InDelta(t, 104.0, st.Trades[0].Exit, 1e-9)
	assert.True(t, st.CooldownUntil.After(auditTime), "cooldown must apply after a venue close")
	assert.Empty(t, f.fake.MarketOrders, "nothing left to flatten")
}

func TestAuditVenueCloseAfterPartialCountsPnLOnce(t *testing.T) {
	f := newFixture(t)
	st := openLong()
	// One TP leg already booked locally: 0.5 @ 105 on a 100 entry.
	st.Position.Qty = 0.5
	st.Position.RealizedPnL = 2.5
	st.Position.TPHit = 1
	st.Position.TakeProfits = []float64{110}

	// Venue flat; its trade history shows both close-side fills since entry:
	// the booked partial (+2.5) and the runner stopped out at a loss (-2.0).
	f.fake.PositionV = exchange.PositionInfo{Qty: 0}
	f.fake.TradesV = []exchange.TradeRecord{
		{Symbol: "BTCUSDT", Side: exchange.SideSell, Qty: 0.5, Price: 105, Realized: 2.5,
			Time: time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)},
		{Symbol: "BTCUSDT", Side: exchange.SideSell, Qty: 0.5, Price: 96, Realized: -2.0,
			Time: time.Date(2026, 3, 2, 11, 30, 0, 0, time.UTC)},
	}

	heal, err := f.auditor.Audit(context.Background(), st, auditTime)
	require.NoError(t, err)
	require.NotNil(t, heal)
	assert.Equal(t, "close_booked", heal.Kind)

	// The venue figure is the whole trade; the locally booked partial must
	// not be added on top of it.
	require.Len(t, st.Trades, 1)
	assert.InDelta(t, 0.5, st.Trades[0].PnL, 1e-9)
}

func TestAuditVenueCloseWithoutTradesFallsBackToStop(t *testing.T) {
	f := newFixture(t)
	st := openLong()
	f.fake.PositionV = exchange.PositionInfo{Qty: 0}

	heal, err := f.auditor.Audit(context.Background(), st, auditTime)
	require.NoError(t, err)
	require.NotNil(t, heal)
	require.Len(t, st.Trades, 1)
	assert.InDelta(t, 95.0, st.Trades[0].Exit, 1e-9)
}

func TestAuditFlattensSideMismatch(t *testing.T) {
	f := newFixture(t)
	st := openLong()
	f.fake.PositionV = exchange.PositionInfo{Qty: -0.7, MarkPrice: 99}

	heal, err := f.auditor.Audit(context.Background(), st, auditTime)
	require.NoError(t, err)
	require.NotNil(t, heal)
	assert.Equal(t, "side_mismatch_flattened", heal.Kind)
	assert.Nil(t, st.Position)

	require.Len(t, f.fake.MarketOrders, 1)
	assert.Equal(t, exchange.SideBuy, f.fake.MarketOrders[0].Side)
	assert.InDelta(t, 0.7, f.fake.MarketOrders[0].Qty, 1e-9)
}

func TestAuditBooksPartialFillDrift(t *testing.T) {
	f := newFixture(t)
	st := openLong()
	f.fake.PositionV = exchange.PositionInfo{Qty: 0.5, MarkPrice: 105.2}

	heal, err := f.auditor.Audit(context.Background(), st, auditTime)
	require.NoError(t, err)
	require.NotNil(t, heal)
	assert.Equal(t, "partial_booked", heal.Kind)

	require.NotNil(t, st.Position)
	assert.InDelta(t, 0.5, st.Position.Qty, 1e-9)
	assert.Equal(t, 1, st.Position.TPHit)
	assert.Equal(t, []float64{110}, st.Position.TakeProfits)
	// Booked at the first TP level, not the mark price.
	assert.InDelta(t, 2.5, st.Position.RealizedPnL, 1e-9)
	assert.InDelta(t, 0.5, st.LastKnownQty, 1e-9)
}

func TestAuditAlertsOnVenueQtyIncrease(t *testing.T) {
	f := newFixture(t)
	st := openLong()
	f.fake.PositionV = exchange.PositionInfo{Qty: 1.5, MarkPrice: 101}

	heal, err := f.auditor.Audit(context.Background(), st, auditTime)
	require.NoError(t, err)
	assert.Nil(t, heal)
	assert.InDelta(t, 1.0, st.Position.Qty, 1e-9, "local belief must not adopt unknown exposure")

	select {
	case n := <-f.alerts:
		assert.Contains(t, n.Reason, "exceeds local")
	default:
		t.Fatal("expected a critical alert")
	}
}

func TestAuditRepeatIsIdempotent(t *testing.T) {
	f := newFixture(t)
	st := openLong()
	f.fake.PositionV = exchange.PositionInfo{Qty: 0.5, MarkPrice: 105.2}

	_, err := f.auditor.Audit(context.Background(), st, auditTime)
	require.NoError(t, err)

	// The same venue snapshot again: no further healing.
	heal, err := f.auditor.Audit(context.Background(), st, auditTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, heal)
	assert.Equal(t, 1, st.Position.TPHit)
}

func TestAuditFailureFeedsGovernor(t *testing.T) {
	f := newFixture(t)
	f.fake.PositionErr = exchange.ErrUnavailable
	st := &state.InstrumentState{Symbol: "BTCUSDT"}

	for i := 0; i < 3; i++ {
		_, err := f.auditor.Audit(context.Background(), st, auditTime)
		require.Error(t, err)
	}
	assert.False(t, f.gov.Healthy())

	// A clean pass decays the counter.
	f.fake.PositionErr = nil
	_, err := f.auditor.Audit(context.Background(), st, auditTime)
	require.NoError(t, err)
	assert.True(t, f.gov.Healthy())
}
