package position

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func req(symbol string) OpenRequest {
	return OpenRequest{Symbol: symbol, Side: SideLong, Price: 100, Balance: 1000, SizePercent: 10, Leverage: 5}
}

func TestBookOnePositionPerSymbol(t *testing.T) {
	b := NewBook()
	m, _, err := b.Open(baseParams(), req("BTCUSDT"))
	require.NoError(t, err)
	assert.True(t, b.Has("BTCUSDT"))
	assert.Panics(t, func() { _, _, _ = b.Open(baseParams(), req("BTCUSDT")) })

	_, _, err = b.Open(baseParams(), req("ETHUSDT"))
	require.NoError(t, err)
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, b.Symbols())

	assert.Error(t, b.Release("BTCUSDT"))
	m.Close(101, ExitManual, 2)
	assert.False(t, b.Has("BTCUSDT"))
	require.NoError(t, b.Release("BTCUSDT"))

	_, _, err = b.Open(baseParams(), req("BTCUSDT"))
	require.NoError(t, err)
}

func TestBookRejectsInvalidParams(t *testing.T) {
	b := NewBook()
	_, _, err := b.Open(Params{}, req("BTCUSDT"))
	assert.Error(t, err)
	assert.False(t, b.Has("BTCUSDT"))
}

func TestBookConcurrentOpenDistinctSymbols(t *testing.T) {
	b := NewBook()
	symbols := []string{"A", "B", "C", "D", "E", "F"}
	var wg sync.WaitGroup
	for _, s := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			_, _, err := b.Open(baseParams(), req(sym))
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()
	assert.Equal(t, len(symbols), b.Len())
}

func TestBookReserveCountsTowardLen(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Reserve("BTCUSDT"))
	assert.Equal(t, 1, b.Len())
	assert.True(t, b.Reserved("BTCUSDT"))
	assert.False(t, b.Has("BTCUSDT"))
	assert.ErrorIs(t, b.Reserve("BTCUSDT"), ErrSlotTaken)

	_, _, err := b.Open(baseParams(), req("BTCUSDT"))
	require.NoError(t, err)
	assert.False(t, b.Reserved("BTCUSDT"))
	assert.Equal(t, 1, b.Len())
	assert.ErrorIs(t, b.Reserve("BTCUSDT"), ErrSlotTaken)

	require.NoError(t, b.Reserve("ETHUSDT"))
	assert.Equal(t, 2, b.Len())
	b.Cancel("ETHUSDT")
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, []string{"BTCUSDT"}, b.Symbols())
}
