package signer

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"sherpa/internal/adapter"
)

// Well-known test key; never funded.
const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestDelegated_RequiresSessionKey(t *testing.T) {
	_, err := Delegated{}.Sign(context.Background(), adapter.TxRequest{ExecutionID: "e1"})
	require.Error(t, err)

	tx, err := Delegated{}.Sign(context.Background(), adapter.TxRequest{ExecutionID: "e1", SessionKeyID: "k1", AmountUSD: decimal.NewFromInt(5)})
	require.NoError(t, err)
	require.Equal(t, "delegated:k1", tx.Signer)
	require.True(t, strings.HasPrefix(tx.Digest, "0x"))
	require.Len(t, tx.Digest, 66)
}

func TestLocal_SignatureRecoversAddress(t *testing.T) {
	l, err := NewLocal("0x" + testKey)
	require.NoError(t, err)

	tx, err := l.Sign(context.Background(), adapter.TxRequest{ExecutionID: "e1"})
	require.NoError(t, err)

	h, _ := hex.DecodeString(strings.TrimPrefix(tx.Digest, "0x"))
	sig, _ := hex.DecodeString(strings.TrimPrefix(tx.Signature, "0x"))
	pub, err := crypto.SigToPub(h, sig)
	require.NoError(t, err)
	require.Equal(t, l.Address(), strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()))
}

func TestFallback_RoutesBySessionKey(t *testing.T) {
	l, err := NewLocal(testKey)
	require.NoError(t, err)
	f := Fallback{Primary: Delegated{}, Secondary: l}

	tx, err := f.Sign(context.Background(), adapter.TxRequest{ExecutionID: "e1"})
	require.NoError(t, err)
	require.Equal(t, l.Address(), tx.Signer)

	tx, err = f.Sign(context.Background(), adapter.TxRequest{ExecutionID: "e1", SessionKeyID: "k"})
	require.NoError(t, err)
	require.Equal(t, "delegated:k", tx.Signer)
}
