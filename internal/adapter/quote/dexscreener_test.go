package quote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"sherpa/internal/adapter"
	"sherpa/internal/cache"
)

const tokensBody = `{"pairs":[
 {"chainId":"base","dexId":"aerodrome","pairAddress":"0xsmall","baseToken":{"address":"0xeth","symbol":"WETH"},"priceUsd":"2000","liquidity":{"usd":10000}},
 {"chainId":"base","dexId":"uniswap","pairAddress":"0xdeep","baseToken":{"address":"0xETH","symbol":"WETH"},"priceUsd":"2000","liquidity":{"usd":1000000}},
 {"chainId":"ethereum","dexId":"uniswap","pairAddress":"0xmainnet","baseToken":{"address":"0xeth","symbol":"WETH"},"priceUsd":"2001","liquidity":{"usd":9000000}}
]}`

func TestDexscreener_QuotePicksDeepestPoolOnChain(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path != "/latest/dex/tokens/0xeth" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(tokensBody))
	}))
	defer srv.Close()

	d := &Dexscreener{BaseURL: srv.URL, Cache: cache.NewMemoryStore(), GasEstimateUSD: decimal.RequireFromString("0.5")}
	req := adapter.QuoteRequest{ChainID: "8453", FromToken: "0xusdc", ToToken: "0xeth", AmountUSD: decimal.NewFromInt(100)}
	q, err := d.Quote(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "0xdeep", q.Contract)
	require.Equal(t, "uniswap", q.Protocol)
	require.True(t, q.ExpectedOut.Equal(decimal.RequireFromString("0.05")), "out=%s", q.ExpectedOut)
	require.Equal(t, 2, q.PriceImpactBps)
	require.True(t, q.GasCostUSD.Equal(decimal.RequireFromString("0.5")))

	_, err = d.Quote(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&hits), "second quote should be served from cache")
}

func TestDexscreener_NoMarket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(tokensBody))
	}))
	defer srv.Close()

	d := &Dexscreener{BaseURL: srv.URL}
	_, err := d.Quote(context.Background(), adapter.QuoteRequest{ChainID: "137", ToToken: "0xeth", AmountUSD: decimal.NewFromInt(1)})
	require.True(t, errors.Is(err, ErrNoMarket), "err=%v", err)
}

func TestDexscreener_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := &Dexscreener{BaseURL: srv.URL}
	_, err := d.Quote(context.Background(), adapter.QuoteRequest{ChainID: "base", ToToken: "0xeth", AmountUSD: decimal.NewFromInt(1)})
	var he *adapter.HTTPError
	require.True(t, errors.As(err, &he))
	require.Equal(t, http.StatusTooManyRequests, he.StatusCode)
}

func TestImpactBps(t *testing.T) {
	require.Equal(t, 10000, impactBps(decimal.NewFromInt(1), decimal.Zero))
	require.Equal(t, 200, impactBps(decimal.NewFromInt(100), decimal.NewFromInt(10000)))
	require.Equal(t, 10000, impactBps(decimal.NewFromInt(1000000), decimal.NewFromInt(10)))
}
