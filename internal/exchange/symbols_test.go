package exchange

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func knownSet(symbols ...string) map[string]struct{} {
	known := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		known[s] = struct{}{}
	}
	return known
}

func TestSplitPair(t *testing.T) {
	known := knownSet("BTC", "ETH", "WAVE", "USD")
	cases := []struct {
		raw    string
		first  string
		second string
	}{
		{"BTC_ETH", "BTC", "ETH"},
		{"BTC-ETH", "BTC", "ETH"},
		{"BTCETH", "BTC", "ETH"},
		{"WAVEETH", "WAVE", "ETH"},
		{"USDWAVE", "USD", "WAVE"},
		{"btceth", "BTC", "ETH"},
	}
	for _, c := range cases {
		first, second, err := SplitPair(c.raw, known)
		require.NoError(t, err, c.raw)
		assert.Equal(t, c.first, first, c.raw)
		assert.Equal(t, c.second, second, c.raw)
	}
}

func TestSplitPairUnknown(t *testing.T) {
	_, _, err := SplitPair("XXXYYY", knownSet("BTC", "ETH"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownPair))
}

func TestSplitPairSeparatorTrusted(t *testing.T) {
	// A separator split does not consult the known set at all.
	first, second, err := SplitPair("NEW_COIN", nil)
	require.NoError(t, err)
	assert.Equal(t, "NEW", first)
	assert.Equal(t, "COIN", second)
}
