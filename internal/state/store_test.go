package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	st, err := store.Load("btcusdt", now)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", st.Day)
	assert.Nil(t, st.Position)

	st.Position = &Position{
		Side: Long, Qty: 1.5, EntryPrice: 100, EntryTime: now,
		Stop: 95, InitialStop: 95, TakeProfits: []float64{105, 110},
		TPHit: 1, RealizedPnL: 2.5,
	}
	st.DayStartBalance = 1000
	st.Trades = []ClosedTrade{{Symbol: "btcusdt", PnL: -3, Reason: "stop_loss"}}
	st.CooldownUntil = now.Add(time.Hour)
	require.NoError(t, store.Save(st))

	got, err := store.Load("btcusdt", now.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got.Position)
	assert.Equal(t, st.Position.Qty, got.Position.Qty)
	assert.Equal(t, st.Position.TakeProfits, got.Position.TakeProfits)
	assert.Equal(t, st.Position.TPHit, got.Position.TPHit)
	assert.Equal(t, st.DayStartBalance, got.DayStartBalance)
	assert.Len(t, got.Trades, 1)
	assert.True(t, got.CooldownUntil.Equal(st.CooldownUntil))
}

func TestLoadResetsDailyCountersAcrossUTCDays(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	day1 := time.Date(2026, 3, 2, 23, 50, 0, 0, time.UTC)
	st, err := store.Load("ETHUSDT", day1)
	require.NoError(t, err)
	st.DayStartBalance = 1000
	st.Trades = []ClosedTrade{{PnL: -40}}
	require.NoError(t, store.Save(st))

	// Next UTC day: the ledger resets, open-position fields survive. The
	// start balance is yesterday's, so it goes back to zero until the next
	// balance fetch reseeds it.
	day2 := day1.Add(20 * time.Minute)
	got, err := store.Load("ETHUSDT", day2)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-03", got.Day)
	assert.Empty(t, got.Trades)
	assert.Zero(t, got.DayStartBalance)
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	now := time.Now().UTC()
	st, _ := store.Load("SOLUSDT", now)
	require.NoError(t, store.Save(st))

	// No temp file may survive a completed save.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "SOLUSDT.json", entries[0].Name())
	assert.Equal(t, filepath.Ext(entries[0].Name()), ".json")
}

func TestDeleteMissingIsNoError(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, store.Delete("NOPE"))
}

func TestRollDay(t *testing.T) {
	st := &InstrumentState{Symbol: "BTCUSDT"}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	assert.True(t, st.RollDay(now, 500))
	assert.Equal(t, "2026-03-02", st.Day)
	assert.Equal(t, 500.0, st.DayStartBalance)

	st.Trades = []ClosedTrade{{PnL: 7}}
	assert.False(t, st.RollDay(now.Add(time.Hour), 600), "same day must not reset")
	assert.Len(t, st.Trades, 1)

	assert.True(t, st.RollDay(now.Add(24*time.Hour), 600))
	assert.Empty(t, st.Trades)
	assert.Equal(t, 600.0, st.DayStartBalance)
}
