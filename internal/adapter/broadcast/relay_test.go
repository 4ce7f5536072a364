package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"sherpa/internal/adapter"
)

func TestRelay_SubmitAndStatus(t *testing.T) {
	var gotAuth, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/transactions":
			gotAuth = r.Header.Get("Authorization")
			gotKey = r.Header.Get("Idempotency-Key")
			var tx adapter.SignedTx
			if err := json.NewDecoder(r.Body).Decode(&tx); err != nil || tx.ExecutionID != "e1" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"tx_hash":"0xabc"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/transactions/0xabc":
			_, _ = w.Write([]byte(`{"status":"confirmed","gas_used":120000,"gas_price_gwei":"0.05","tokens_out":"0.049"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r, err := NewRelay(srv.Client(), srv.URL, "secret", nil)
	require.NoError(t, err)

	sub, err := r.Submit(context.Background(), adapter.SignedTx{TxRequest: adapter.TxRequest{ExecutionID: "e1"}, Digest: "d1"})
	require.NoError(t, err)
	require.Equal(t, "0xabc", sub.TxHash)
	require.Equal(t, "Bearer secret", gotAuth)
	require.Equal(t, "d1", gotKey)

	st, err := r.Status(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Equal(t, adapter.TxConfirmed, st.State)
	require.Equal(t, uint64(120000), st.GasUsed)
	require.True(t, st.TokensOut.Equal(decimal.RequireFromString("0.049")))
}

func TestRelay_SubmitErrorClassification(t *testing.T) {
	code := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	defer srv.Close()

	r, err := NewRelay(srv.Client(), srv.URL, "", nil)
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), adapter.SignedTx{TxRequest: adapter.TxRequest{ExecutionID: "e1"}})
	require.True(t, adapter.IsTransient(err), "503 should be transient: %v", err)

	code = http.StatusUnprocessableEntity
	_, err = r.Submit(context.Background(), adapter.SignedTx{TxRequest: adapter.TxRequest{ExecutionID: "e1"}})
	require.Error(t, err)
	require.False(t, adapter.IsTransient(err), "422 should be permanent")
}

func TestDryRun_Deterministic(t *testing.T) {
	d := NewDryRun()
	tx := adapter.SignedTx{TxRequest: adapter.TxRequest{ExecutionID: "e9", ExpectedOut: decimal.NewFromInt(3)}}
	a, err := d.Submit(context.Background(), tx)
	require.NoError(t, err)
	b, _ := d.Submit(context.Background(), tx)
	require.Equal(t, a.TxHash, b.TxHash)
	require.Equal(t, DryRunHash("e9"), a.TxHash)

	st, err := d.Status(context.Background(), a.TxHash)
	require.NoError(t, err)
	require.Equal(t, adapter.TxConfirmed, st.State)
	require.True(t, st.TokensOut.Equal(decimal.NewFromInt(3)))

	st, _ = d.Status(context.Background(), "0xunknown")
	require.Equal(t, adapter.TxPending, st.State)
}
