package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarbrain/coindepth/internal/config"
	"github.com/stellarbrain/coindepth/internal/connector"
)

func writeMappingFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mappings.json")
	data := `[{"symbol":"BTC","name":"Bitcoin"},{"symbol":"ZRX","name":"0x"}]`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

func TestCoinName(t *testing.T) {
	c, err := New(connector.NewREST(&config.REST{}), &config.Crawler{MappingFile: writeMappingFile(t)})
	require.NoError(t, err)

	name, ok := c.CoinName("BTC")
	assert.True(t, ok)
	assert.Equal(t, "Bitcoin", name)

	name, ok = c.CoinName("ZRX")
	assert.True(t, ok)
	assert.Equal(t, "0x", name)

	_, ok = c.CoinName("NOPE")
	assert.False(t, ok)
}

func TestPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bitcoin", r.URL.Path)
		w.Write([]byte(`{"price_usd":5400.5}`))
	}))
	defer srv.Close()

	c, err := New(connector.NewREST(&config.REST{}), &config.Crawler{
		MappingFile: writeMappingFile(t),
		PriceAPIURL: srv.URL,
	})
	require.NoError(t, err)

	price, err := c.Price(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, 5400.5, price)
}

func TestPriceUnknownSymbol(t *testing.T) {
	c, err := New(connector.NewREST(&config.REST{}), &config.Crawler{MappingFile: writeMappingFile(t)})
	require.NoError(t, err)
	price, err := c.Price(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Zero(t, price)
}

func TestPriceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(connector.NewREST(&config.REST{}), &config.Crawler{
		MappingFile: writeMappingFile(t),
		PriceAPIURL: srv.URL,
	})
	require.NoError(t, err)
	_, err = c.Price(context.Background(), "BTC")
	assert.Error(t, err)
}
