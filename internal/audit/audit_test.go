package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"sherpa/internal/models"
	"sherpa/internal/repository"
	"sherpa/internal/repository/memory"
)

func TestEntry_EncodesDetails(t *testing.T) {
	e := Entry(models.AuditDecision, "e1", "0xabc", "reserve", "deny", "budget_exceeded", "system", map[string]any{"value_usd": "300"})
	require.Equal(t, "budget_exceeded", e.Rule)
	var got map[string]any
	require.NoError(t, json.Unmarshal(e.Details, &got))
	require.Equal(t, "300", got["value_usd"])

	require.Empty(t, Entry(models.AuditPolicy, "1", "", "x", "", "", "", nil).Details)
}

func TestRecorder_RecordPersists(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	r := &Recorder{Repo: repo}
	r.Record(ctx,
		Entry(models.AuditPolicy, "1", "", "emergency_stop", "on", "", "ops", nil),
		Entry(models.AuditSessionKey, "k1", "0xabc", "revoke", "revoked", "", "owner", nil),
	)
	kind := models.AuditSessionKey
	items, err := repo.ListAuditEntries(ctx, repository.ListAuditParams{Kind: &kind})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "k1", items[0].EntityID)
}

func TestRecorder_NilSafe(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), Entry(models.AuditPolicy, "1", "", "x", "", "", "", nil))
	r.Mirror()
}
