// Package quote prices swaps from public DEX market data.
package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"sherpa/internal/adapter"
	"sherpa/internal/cache"
)

var ErrNoMarket = errors.New("quote: no market for token pair")

// chainSlugs maps numeric chain ids to DexScreener chain names. Slugs pass
// through unchanged.
var chainSlugs = map[string]string{
	"1":     "ethereum",
	"10":    "optimism",
	"56":    "bsc",
	"137":   "polygon",
	"8453":  "base",
	"42161": "arbitrum",
	"43114": "avalanche",
}

func chainSlug(chainID string) string {
	id := strings.ToLower(strings.TrimSpace(chainID))
	if s, ok := chainSlugs[id]; ok {
		return s
	}
	return id
}

// Dexscreener estimates a swap from the deepest pool that trades ToToken on
// the requested chain.
type Dexscreener struct {
	BaseURL string
	HTTP    *http.Client
	Cache   cache.Store
	TTL     time.Duration
	Limiter *rate.Limiter
	// GasEstimateUSD is attached to every quote; DexScreener has no gas data.
	GasEstimateUSD decimal.Decimal

	now func() time.Time
}

var _ adapter.QuoteProvider = (*Dexscreener)(nil)

type dsToken struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

type dsPair struct {
	ChainID     string          `json:"chainId"`
	DexID       string          `json:"dexId"`
	PairAddress string          `json:"pairAddress"`
	BaseToken   dsToken         `json:"baseToken"`
	QuoteToken  dsToken         `json:"quoteToken"`
	PriceUSD    decimal.Decimal `json:"priceUsd"`
	Liquidity   struct {
		USD decimal.Decimal `json:"usd"`
	} `json:"liquidity"`
}

type dsTokensResponse struct {
	Pairs []dsPair `json:"pairs"`
}

func (d *Dexscreener) Quote(ctx context.Context, req adapter.QuoteRequest) (adapter.Quote, error) {
	to := strings.TrimSpace(req.ToToken)
	if to == "" {
		return adapter.Quote{}, errors.New("quote: to_token required")
	}
	if !req.AmountUSD.IsPositive() {
		return adapter.Quote{}, errors.New("quote: amount_usd must be positive")
	}
	pairs, err := d.pairs(ctx, to)
	if err != nil {
		return adapter.Quote{}, err
	}
	best, ok := pickPair(pairs, chainSlug(req.ChainID), to)
	if !ok {
		return adapter.Quote{}, fmt.Errorf("%w: %s on %s", ErrNoMarket, to, req.ChainID)
	}

	out := adapter.Quote{
		Provider:     "dexscreener",
		PriceUSD:     best.PriceUSD,
		ExpectedOut:  req.AmountUSD.DivRound(best.PriceUSD, 18),
		LiquidityUSD: best.Liquidity.USD,
		GasCostUSD:   d.GasEstimateUSD,
		Protocol:     best.DexID,
		Contract:     best.PairAddress,
		Route:        []string{req.FromToken, to},
		FetchedAt:    d.clock(),
	}
	out.PriceImpactBps = impactBps(req.AmountUSD, best.Liquidity.USD)
	return out, nil
}

// impactBps approximates constant-product price impact: the trade moves
// against half the pool's USD liquidity.
func impactBps(amount, liquidity decimal.Decimal) int {
	if !liquidity.IsPositive() {
		return 10000
	}
	bps := amount.Mul(decimal.NewFromInt(20000)).Div(liquidity).Ceil()
	if bps.GreaterThan(decimal.NewFromInt(10000)) {
		return 10000
	}
	return int(bps.IntPart())
}

func pickPair(pairs []dsPair, chain, token string) (dsPair, bool) {
	var best dsPair
	found := false
	for _, p := range pairs {
		if chain != "" && !strings.EqualFold(p.ChainID, chain) {
			continue
		}
		if !strings.EqualFold(p.BaseToken.Address, token) && !strings.EqualFold(p.BaseToken.Symbol, token) {
			continue
		}
		if !p.PriceUSD.IsPositive() {
			continue
		}
		if !found || p.Liquidity.USD.GreaterThan(best.Liquidity.USD) {
			best = p
			found = true
		}
	}
	return best, found
}

func (d *Dexscreener) pairs(ctx context.Context, token string) ([]dsPair, error) {
	key := "quote:dexscreener:token:" + strings.ToLower(token)
	var cached dsTokensResponse
	if ok, err := cache.GetJSON(ctx, d.Cache, key, &cached); err == nil && ok {
		return cached.Pairs, nil
	}

	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	u, err := d.buildURL("/latest/dex/tokens/" + url.PathEscape(token))
	if err != nil {
		return nil, err
	}
	client := d.HTTP
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &adapter.HTTPError{Service: "dexscreener", StatusCode: resp.StatusCode, Body: string(b)}
	}
	var parsed dsTokensResponse
	if err := json.Unmarshal(b, &parsed); err != nil {
		return nil, fmt.Errorf("dexscreener decode: %w", err)
	}
	ttl := d.TTL
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	_ = cache.SetJSON(ctx, d.Cache, key, parsed, ttl)
	return parsed.Pairs, nil
}

func (d *Dexscreener) buildURL(path string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(d.BaseURL), "/")
	if base == "" {
		base = "https://api.dexscreener.com"
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

func (d *Dexscreener) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now().UTC()
}
