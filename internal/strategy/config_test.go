package strategy

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"sherpa/internal/models"
)

func TestDecode_DCA(t *testing.T) {
	raw := []byte(`{"from_token":"USDC","to_token":"ETH","amount_usd":"50","chain_id":"8453","max_slippage_bps":100}`)
	cfg, err := Decode(models.KindDCA, raw)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	in := cfg.Intent()
	if in.ActionType != models.ActionSwap || in.ToToken != "ETH" || in.ChainID != "8453" {
		t.Fatalf("intent=%+v", in)
	}
	if !in.AmountUSD.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("amount=%s want=50", in.AmountUSD)
	}
}

func TestDecode_Rejects(t *testing.T) {
	cases := []struct {
		name string
		kind models.StrategyKind
		raw  string
	}{
		{"unknown kind", "grid", `{}`},
		{"empty", models.KindDCA, ``},
		{"zero amount", models.KindDCA, `{"from_token":"USDC","to_token":"ETH","amount_usd":"0","chain_id":"1"}`},
		{"same token", models.KindDCA, `{"from_token":"ETH","to_token":"eth","amount_usd":"1","chain_id":"1"}`},
		{"weights", models.KindRebalance, `{"chain_id":"1","quote_token":"USDC","amount_usd":"10","targets":[{"token":"ETH","weight_pct":"60"},{"token":"BTC","weight_pct":"30"}]}`},
		{"limit price", models.KindLimitOrder, `{"from_token":"USDC","to_token":"ETH","amount_usd":"10","chain_id":"1","limit_price_usd":"0"}`},
		{"action", models.KindCustom, `{"from_token":"USDC","to_token":"ETH","amount_usd":"10","chain_id":"1","action_type":"stake"}`},
		{"bad json", models.KindDCA, `{"amount_usd":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.kind, []byte(tc.raw))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err=%v want ErrInvalidConfig", err)
			}
		})
	}
}

func TestRebalanceIntent_PicksHeaviestTarget(t *testing.T) {
	raw := []byte(`{"chain_id":"1","quote_token":"USDC","amount_usd":"25","targets":[{"token":"BTC","weight_pct":"40"},{"token":"ETH","weight_pct":"60"}]}`)
	cfg, err := Decode(models.KindRebalance, raw)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	in := cfg.Intent()
	if in.FromToken != "USDC" || in.ToToken != "ETH" {
		t.Fatalf("intent=%+v", in)
	}
}

func TestLimitOrderIntent_MinOut(t *testing.T) {
	raw := []byte(`{"from_token":"USDC","to_token":"ETH","amount_usd":"100","chain_id":"1","limit_price_usd":"2000"}`)
	cfg, err := Decode(models.KindLimitOrder, raw)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if got := cfg.Intent().MinOut; !got.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("min_out=%s want=0.05", got)
	}
}

func TestCustomIntent_DefaultsToSwap(t *testing.T) {
	raw := []byte(`{"from_token":"USDC","to_token":"ETH","amount_usd":"10","chain_id":"1","contract":"0xrouter","protocol":"uniswap"}`)
	cfg, err := Decode(models.KindCustom, raw)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	in := cfg.Intent()
	if in.ActionType != models.ActionSwap || in.Contract != "0xrouter" || in.Protocol != "uniswap" {
		t.Fatalf("intent=%+v", in)
	}
}
