package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sherpa/internal/models"
	"sherpa/internal/policy"
	"sherpa/internal/repository"
	"sherpa/internal/repository/memory"
	"sherpa/internal/risk"
)

const wallet = "0xwallet"

func usd(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

func activeKey(now time.Time) *models.SessionKey {
	return &models.SessionKey{
		ID:               "key-1",
		WalletAddress:    wallet,
		Permissions:      []string{models.ActionSwap},
		MaxValuePerTxUSD: usd(100),
		MaxTotalValueUSD: usd(100),
		Status:           models.SessionKeyActive,
		ExpiresAt:        now.Add(24 * time.Hour),
	}
}

func swap(value int64) Action {
	return Action{
		ExecutionID:   "exec",
		WalletAddress: wallet,
		ActionType:    models.ActionSwap,
		ChainID:       "8453",
		FromToken:     "USDC",
		ToToken:       "ETH",
		Contract:      "0xrouter",
		Protocol:      "uniswap",
		ValueUSD:      usd(value),
	}
}

func TestEvaluate_AllowsWithinLimits(t *testing.T) {
	now := time.Now().UTC()
	d := Evaluate(swap(60), activeKey(now), nil, models.DefaultSystemPolicy(), now)
	require.Equal(t, Allow, d.Verdict, "rule=%s", d.Rule)
}

func TestEvaluate_SystemLayerRunsFirst(t *testing.T) {
	now := time.Now().UTC()
	sys := models.DefaultSystemPolicy()
	sys.EmergencyStop = true
	key := activeKey(now)
	key.Status = models.SessionKeyRevoked

	d := Evaluate(swap(10), key, nil, sys, now)
	assert.Equal(t, Deny, d.Verdict)
	assert.Equal(t, RuleEmergencyStop, d.Rule)
	assert.Equal(t, LayerSystem, d.Layer)
}

func TestEvaluate_SystemRules(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name string
		edit func(*models.SystemPolicy)
		rule string
	}{
		{"maintenance", func(p *models.SystemPolicy) { p.InMaintenance = true }, RuleMaintenance},
		{"chain blocked", func(p *models.SystemPolicy) { p.BlockedChains = []string{"8453"} }, RuleChainBlocked},
		{"chain not allowed", func(p *models.SystemPolicy) { p.AllowedChains = []string{"1"} }, RuleChainNotAllowed},
		{"contract blocked", func(p *models.SystemPolicy) { p.BlockedContracts = []string{"0xROUTER"} }, RuleContractBlocked},
		{"token blocked", func(p *models.SystemPolicy) { p.BlockedTokens = []string{"eth"} }, RuleTokenBlocked},
		{"protocol", func(p *models.SystemPolicy) {
			p.ProtocolAllowlistEnabled = true
			p.AllowedProtocols = []string{"curve"}
		}, RuleProtocolNotAllowed},
		{"tx limit", func(p *models.SystemPolicy) { p.MaxSingleTxUSD = ptr(usd(5)) }, RuleSystemTxLimit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sys := models.DefaultSystemPolicy()
			tc.edit(&sys)
			d := Evaluate(swap(10), activeKey(now), nil, sys, now)
			assert.Equal(t, Deny, d.Verdict)
			assert.Equal(t, tc.rule, d.Rule)
		})
	}
}

func TestEvaluate_SessionKeyRules(t *testing.T) {
	now := time.Now().UTC()
	one := 1
	cases := []struct {
		name  string
		edit  func(*models.SessionKey)
		value int64
		rule  string
	}{
		{"empty permissions", func(k *models.SessionKey) { k.Permissions = nil }, 10, RuleActionNotPermitted},
		{"chain allowlist", func(k *models.SessionKey) { k.ChainAllowlist = []string{"1"} }, 10, RuleChainNotAllowlisted},
		{"contract allowlist", func(k *models.SessionKey) { k.ContractAllowlist = []string{"0xother"} }, 10, RuleContractNotAllowlisted},
		{"token allowlist", func(k *models.SessionKey) { k.TokenAllowlist = []string{"usdc"} }, 10, RuleTokenNotAllowlisted},
		{"per tx", func(k *models.SessionKey) { k.MaxValuePerTxUSD = usd(5) }, 10, RulePerTxLimit},
		{"budget", func(k *models.SessionKey) { k.TotalValueUsedUSD = usd(95) }, 10, RuleBudgetExceeded},
		{"count", func(k *models.SessionKey) { k.MaxTransactions = &one; k.TransactionCount = 1 }, 10, RuleKeyExhausted},
		{"expired", func(k *models.SessionKey) { k.ExpiresAt = now.Add(-time.Second) }, 10, RuleKeyExpired},
		{"revoked", func(k *models.SessionKey) { k.Status = models.SessionKeyRevoked }, 10, RuleKeyRevoked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key := activeKey(now)
			tc.edit(key)
			d := Evaluate(swap(tc.value), key, nil, models.DefaultSystemPolicy(), now)
			assert.Equal(t, Deny, d.Verdict)
			assert.Equal(t, tc.rule, d.Rule)
		})
	}
}

func TestEvaluate_EmptyAllowlistsAreUnrestricted(t *testing.T) {
	now := time.Now().UTC()
	key := activeKey(now)
	key.ChainAllowlist, key.ContractAllowlist, key.TokenAllowlist = nil, nil, nil
	d := Evaluate(swap(10), key, nil, models.DefaultSystemPolicy(), now)
	assert.True(t, d.Allowed())
}

func TestEvaluate_ManualFallback(t *testing.T) {
	now := time.Now().UTC()
	a := swap(10)
	a.AllowManualApproval = true

	d := Evaluate(a, nil, nil, models.DefaultSystemPolicy(), now)
	require.Equal(t, RequireApproval, d.Verdict)
	require.Equal(t, RuleKeyMissing, d.Rule)

	a.Approved = true
	d = Evaluate(a, nil, nil, models.DefaultSystemPolicy(), now)
	require.True(t, d.Allowed())
	require.True(t, d.KeyWaived)

	revoked := activeKey(now)
	revoked.Status = models.SessionKeyRevoked
	d = Evaluate(a, revoked, nil, models.DefaultSystemPolicy(), now)
	require.Equal(t, Deny, d.Verdict, "revoked keys never fall back")
}

func TestEvaluate_ApprovalThreshold(t *testing.T) {
	now := time.Now().UTC()
	rp := &models.RiskPolicy{Enabled: true, RequireApprovalAboveUSD: ptr(usd(50))}
	d := Evaluate(swap(60), activeKey(now), rp, models.DefaultSystemPolicy(), now)
	require.Equal(t, RequireApproval, d.Verdict)
	require.Equal(t, RuleApprovalThreshold, d.Rule)

	d = Evaluate(swap(50), activeKey(now), rp, models.DefaultSystemPolicy(), now)
	require.Equal(t, RequireApproval, d.Verdict, "threshold is inclusive")

	d = Evaluate(swap(49), activeKey(now), rp, models.DefaultSystemPolicy(), now)
	require.True(t, d.Allowed())

	a := swap(60)
	a.Approved = true
	d = Evaluate(a, activeKey(now), rp, models.DefaultSystemPolicy(), now)
	require.True(t, d.Allowed())
}

func TestEvaluate_RiskLayer(t *testing.T) {
	now := time.Now().UTC()
	rp := &models.RiskPolicy{Enabled: true, MaxSingleTxUSD: ptr(usd(20))}
	d := Evaluate(swap(30), activeKey(now), rp, models.DefaultSystemPolicy(), now)
	require.Equal(t, Deny, d.Verdict)
	require.Equal(t, LayerRisk, d.Layer)
	require.Equal(t, "risk_tx_limit", d.Rule)
}

type harness struct {
	repo     *memory.Store
	enforcer *Enforcer
}

func newHarness(t *testing.T, key *models.SessionKey) *harness {
	t.Helper()
	repo := memory.New()
	if key != nil {
		require.NoError(t, repo.CreateSessionKey(context.Background(), key))
	}
	return &harness{
		repo:     repo,
		enforcer: &Enforcer{Repo: repo, Policies: &policy.Store{Repo: repo}},
	}
}

func applyKey(repo repository.Repository) CommitFunc {
	return func(ctx context.Context, d Debit) error {
		return repo.Apply(ctx, repository.Changeset{SessionKey: d.KeyWrite()})
	}
}

// Two concurrent reservations of 60 against a budget of 100: exactly one wins.
func TestReserve_ConcurrentDebitsNeverOverspend(t *testing.T) {
	now := time.Now().UTC()
	h := newHarness(t, activeKey(now))
	// A second enforcer shares the store but not the in-process mutex, like a
	// second replica would.
	other := &Enforcer{Repo: h.repo, Policies: &policy.Store{Repo: h.repo}}

	var wg sync.WaitGroup
	results := make([]Decision, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		e := h.enforcer
		if i%2 == 1 {
			e = other
		}
		wg.Add(1)
		go func(i int, e *Enforcer) {
			defer wg.Done()
			a := swap(60)
			a.ExecutionID = string(rune('a' + i))
			results[i], errs[i] = e.Reserve(context.Background(), ReserveRequest{Action: a, SessionKeyID: "key-1"}, applyKey(h.repo))
		}(i, e)
	}
	wg.Wait()

	allowed := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Allowed() {
			allowed++
		} else {
			assert.Equal(t, RuleBudgetExceeded, results[i].Rule)
		}
	}
	require.Equal(t, 1, allowed)

	key, err := h.repo.GetSessionKey(context.Background(), "key-1")
	require.NoError(t, err)
	require.True(t, key.TotalValueUsedUSD.Equal(usd(60)), "used=%s", key.TotalValueUsedUSD)
	require.Equal(t, 1, key.TransactionCount)
	require.True(t, key.TotalValueUsedUSD.LessThanOrEqual(key.MaxTotalValueUSD))
}

func TestReserve_TwoLargeActionsShareOneBudget(t *testing.T) {
	now := time.Now().UTC()
	key := activeKey(now)
	key.MaxValuePerTxUSD = usd(500)
	key.MaxTotalValueUSD = usd(500)
	h := newHarness(t, key)

	var wg sync.WaitGroup
	results := make([]Decision, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := swap(300)
			a.ExecutionID = []string{"a", "b"}[i]
			d, err := h.enforcer.Reserve(context.Background(), ReserveRequest{Action: a, SessionKeyID: "key-1"}, applyKey(h.repo))
			assert.NoError(t, err)
			results[i] = d
		}(i)
	}
	wg.Wait()

	allowed, denied := 0, 0
	for _, d := range results {
		switch {
		case d.Allowed():
			allowed++
		case d.Rule == RuleBudgetExceeded:
			denied++
		}
	}
	require.Equal(t, 1, allowed)
	require.Equal(t, 1, denied)
}

func TestReserve_EmergencyStopDeniesWithoutDebit(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	h := newHarness(t, activeKey(now))
	_, err := h.enforcer.Policies.SetEmergencyStop(ctx, true, "incident", "ops")
	require.NoError(t, err)

	d, err := h.enforcer.Reserve(ctx, ReserveRequest{Action: swap(10), SessionKeyID: "key-1"}, applyKey(h.repo))
	require.NoError(t, err)
	require.Equal(t, RuleEmergencyStop, d.Rule)

	key, _ := h.repo.GetSessionKey(ctx, "key-1")
	require.True(t, key.TotalValueUsedUSD.IsZero())
	require.Empty(t, key.UsageLog)
}

func TestReserve_MarksKeyExhaustedAtCeiling(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	h := newHarness(t, activeKey(now))

	d, err := h.enforcer.Reserve(ctx, ReserveRequest{Action: swap(100), SessionKeyID: "key-1"}, applyKey(h.repo))
	require.NoError(t, err)
	require.True(t, d.Allowed())

	key, _ := h.repo.GetSessionKey(ctx, "key-1")
	require.Equal(t, models.SessionKeyExhausted, key.Status)
	require.Len(t, key.UsageLog, 1)
	require.Equal(t, models.UsageReserved, key.UsageLog[0].Outcome)
}

func TestReserve_LazilyExpiresKey(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	key := activeKey(now)
	key.ExpiresAt = now.Add(-time.Minute)
	h := newHarness(t, key)

	d, err := h.enforcer.Reserve(ctx, ReserveRequest{Action: swap(10), SessionKeyID: "key-1"}, applyKey(h.repo))
	require.NoError(t, err)
	require.Equal(t, RuleKeyExpired, d.Rule)

	stored, _ := h.repo.GetSessionKey(ctx, "key-1")
	require.Equal(t, models.SessionKeyExpired, stored.Status)
}

func TestRelease_RefundsAndReactivates(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	h := newHarness(t, activeKey(now))

	_, err := h.enforcer.Reserve(ctx, ReserveRequest{Action: swap(100), SessionKeyID: "key-1"}, applyKey(h.repo))
	require.NoError(t, err)
	require.NoError(t, h.enforcer.Release(ctx, "key-1", "exec", usd(100), applyKey(h.repo)))

	key, _ := h.repo.GetSessionKey(ctx, "key-1")
	require.True(t, key.TotalValueUsedUSD.IsZero())
	require.Equal(t, 0, key.TransactionCount)
	require.Equal(t, models.SessionKeyActive, key.Status)
	require.Equal(t, models.UsageReleased, key.UsageLog[len(key.UsageLog)-1].Outcome)
}

func dailyCap(t *testing.T, h *harness, limit int64) {
	t.Helper()
	require.NoError(t, h.enforcer.Policies.UpsertRisk(context.Background(), &models.RiskPolicy{
		WalletAddress: wallet, Enabled: true, MaxDailyVolumeUSD: ptr(usd(limit)),
	}))
	h.enforcer.Risk = &risk.Manager{Repo: h.repo}
}

// spend persists the key debit and, when allowed, the execution the way the
// machine records it on entering executing.
func spend(repo *memory.Store, a Action, hold func()) CommitFunc {
	return func(ctx context.Context, d Debit) error {
		if hold != nil {
			hold()
		}
		if err := repo.Apply(ctx, repository.Changeset{SessionKey: d.KeyWrite()}); err != nil {
			return err
		}
		if !d.Decision.Allowed() {
			return nil
		}
		return repo.CreateExecution(ctx, &models.Execution{
			ID: a.ExecutionID, StrategyID: "strat-" + a.ExecutionID, WalletAddress: a.WalletAddress,
			State: models.StateExecuting, AmountUSD: a.ValueUSD,
			BudgetReserved: !d.Decision.KeyWaived, VolumeCommitted: true,
		})
	}
}

func TestReserve_KeylessApprovalCountsTowardDailyVolume(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	h := newHarness(t, activeKey(now))
	dailyCap(t, h, 100)

	manual := swap(90)
	manual.ExecutionID = "manual"
	manual.AllowManualApproval = true
	manual.Approved = true
	d, err := h.enforcer.Reserve(ctx, ReserveRequest{Action: manual}, spend(h.repo, manual, nil))
	require.NoError(t, err)
	require.True(t, d.Allowed())
	require.True(t, d.KeyWaived)

	next := swap(50)
	next.ExecutionID = "next"
	d, err = h.enforcer.Reserve(ctx, ReserveRequest{Action: next, SessionKeyID: "key-1"}, spend(h.repo, next, nil))
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Verdict)
	assert.Equal(t, risk.RuleDailyVolume, d.Rule)

	key, _ := h.repo.GetSessionKey(ctx, "key-1")
	assert.True(t, key.TotalValueUsedUSD.IsZero())
}

// Two keys of one wallet reserve while the first commit is still in flight;
// the wallet's daily volume must not be read twice before either lands.
func TestReserve_DailyVolumeSharedAcrossKeys(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	k1 := activeKey(now)
	k1.MaxValuePerTxUSD, k1.MaxTotalValueUSD = usd(500), usd(500)
	h := newHarness(t, k1)
	k2 := activeKey(now)
	k2.ID = "key-2"
	k2.MaxValuePerTxUSD, k2.MaxTotalValueUSD = usd(500), usd(500)
	require.NoError(t, h.repo.CreateSessionKey(ctx, k2))
	dailyCap(t, h, 500)

	entered := make(chan struct{})
	var once sync.Once
	hold := func() {
		once.Do(func() {
			close(entered)
			time.Sleep(50 * time.Millisecond)
		})
	}

	var wg sync.WaitGroup
	results := make([]Decision, 2)
	errs := make([]error, 2)
	a1, a2 := swap(300), swap(300)
	a1.ExecutionID, a2.ExecutionID = "via-k1", "via-k2"

	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = h.enforcer.Reserve(ctx, ReserveRequest{Action: a1, SessionKeyID: "key-1"}, spend(h.repo, a1, hold))
	}()
	go func() {
		defer wg.Done()
		<-entered
		results[1], errs[1] = h.enforcer.Reserve(ctx, ReserveRequest{Action: a2, SessionKeyID: "key-2"}, spend(h.repo, a2, nil))
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.True(t, results[0].Allowed())
	assert.Equal(t, risk.RuleDailyVolume, results[1].Rule)

	act, err := h.repo.SumWalletActivitySince(ctx, wallet, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, act.VolumeUSD.Equal(usd(300)), "volume=%s", act.VolumeUSD)
}

func TestAppendUsage_RingBuffer(t *testing.T) {
	var log []models.SessionKeyUsage
	for i := 0; i < 5; i++ {
		log = appendUsage(log, models.SessionKeyUsage{ExecutionID: string(rune('a' + i))}, 3)
	}
	require.Len(t, log, 3)
	require.Equal(t, "c", log[0].ExecutionID)
	require.Equal(t, "e", log[2].ExecutionID)
}
