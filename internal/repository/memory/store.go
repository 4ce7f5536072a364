// Package memory is an in-process repository used for single-node runs and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"sherpa/internal/models"
	"sherpa/internal/repository"
)

type Store struct {
	mu sync.RWMutex

	strategies  map[string]models.Strategy
	executions  map[string]models.Execution
	sessionKeys map[string]models.SessionKey
	riskByAddr  map[string]models.RiskPolicy
	system      *models.SystemPolicy
	audit       []models.AuditEntry

	nextStepID  uint64
	nextTransID uint64
	nextRiskID  uint64
	nextAuditID uint64
}

func New() *Store {
	return &Store{
		strategies:  map[string]models.Strategy{},
		executions:  map[string]models.Execution{},
		sessionKeys: map[string]models.SessionKey{},
		riskByAddr:  map[string]models.RiskPolicy{},
	}
}

var _ repository.Repository = (*Store)(nil)

func now() time.Time { return time.Now().UTC() }

// --- strategies --------------------------------------------------------------

func (s *Store) CreateStrategy(ctx context.Context, item *models.Strategy) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := now()
	item.CreatedAt, item.UpdatedAt = ts, ts
	s.strategies[item.ID] = cloneStrategy(*item)
	return nil
}

func (s *Store) GetStrategy(ctx context.Context, id string) (*models.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.strategies[strings.TrimSpace(id)]
	if !ok {
		return nil, nil
	}
	out := cloneStrategy(item)
	return &out, nil
}

func (s *Store) ListStrategies(ctx context.Context, params repository.ListStrategiesParams) ([]models.Strategy, error) {
	s.mu.RLock()
	out := make([]models.Strategy, 0, len(s.strategies))
	for _, item := range s.strategies {
		if params.WalletAddress != nil && strings.TrimSpace(*params.WalletAddress) != "" && item.WalletAddress != strings.TrimSpace(*params.WalletAddress) {
			continue
		}
		if params.Status != nil && *params.Status != "" && item.Status != *params.Status {
			continue
		}
		if !params.IncludeArchived && item.ArchivedAt != nil {
			continue
		}
		out = append(out, cloneStrategy(item))
	}
	s.mu.RUnlock()
	asc := params.Asc != nil && *params.Asc
	sort.SliceStable(out, func(i, j int) bool {
		if asc {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, params.Limit, params.Offset, 100), nil
}

func (s *Store) ListDueStrategies(ctx context.Context, at time.Time, limit int) ([]models.Strategy, error) {
	s.mu.RLock()
	var out []models.Strategy
	for _, item := range s.strategies {
		if item.Status != models.StrategyActive || item.ArchivedAt != nil || item.NextExecutionAt == nil {
			continue
		}
		if item.NextExecutionAt.After(at) {
			continue
		}
		out = append(out, cloneStrategy(item))
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].NextExecutionAt.Before(*out[j].NextExecutionAt)
	})
	return page(out, limit, 0, 200), nil
}

func (s *Store) ListStrategiesBySessionKey(ctx context.Context, sessionKeyID string) ([]models.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Strategy
	for _, item := range s.strategies {
		if item.SessionKeyID == nil || *item.SessionKeyID != sessionKeyID || item.ArchivedAt != nil {
			continue
		}
		out = append(out, cloneStrategy(item))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- executions --------------------------------------------------------------

func (s *Store) CreateExecution(ctx context.Context, item *models.Execution) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !item.State.Terminal() {
		for _, cur := range s.executions {
			if cur.StrategyID == item.StrategyID && !cur.State.Terminal() {
				return repository.ErrLiveExecution
			}
		}
	}
	ts := now()
	item.CreatedAt, item.UpdatedAt = ts, ts
	for i := range item.Steps {
		s.nextStepID++
		item.Steps[i].ID = s.nextStepID
		item.Steps[i].ExecutionID = item.ID
	}
	for i := range item.History {
		s.nextTransID++
		item.History[i].ID = s.nextTransID
		item.History[i].ExecutionID = item.ID
	}
	s.executions[item.ID] = cloneExecution(*item)
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.executions[strings.TrimSpace(id)]
	if !ok {
		return nil, nil
	}
	out := cloneExecution(item)
	return &out, nil
}

func (s *Store) ListExecutions(ctx context.Context, params repository.ListExecutionsParams) ([]models.Execution, error) {
	s.mu.RLock()
	var out []models.Execution
	for _, item := range s.executions {
		if params.StrategyID != nil && strings.TrimSpace(*params.StrategyID) != "" && item.StrategyID != strings.TrimSpace(*params.StrategyID) {
			continue
		}
		if params.WalletAddress != nil && strings.TrimSpace(*params.WalletAddress) != "" && item.WalletAddress != strings.TrimSpace(*params.WalletAddress) {
			continue
		}
		if params.State != nil && *params.State != "" && item.State != *params.State {
			continue
		}
		if params.NeedsReview != nil && item.NeedsReview != *params.NeedsReview {
			continue
		}
		out = append(out, cloneExecution(item))
	}
	s.mu.RUnlock()
	asc := params.Asc != nil && *params.Asc
	sort.SliceStable(out, func(i, j int) bool {
		if asc {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, params.Limit, params.Offset, 100), nil
}

func (s *Store) ListExecutionsByStates(ctx context.Context, states []models.ExecutionState, enteredBefore time.Time, limit int) ([]models.Execution, error) {
	if len(states) == 0 {
		return nil, nil
	}
	want := map[models.ExecutionState]struct{}{}
	for _, st := range states {
		want[st] = struct{}{}
	}
	s.mu.RLock()
	var out []models.Execution
	for _, item := range s.executions {
		if _, ok := want[item.State]; !ok {
			continue
		}
		if !enteredBefore.IsZero() && item.StateEnteredAt.After(enteredBefore) {
			continue
		}
		out = append(out, cloneExecution(item))
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].StateEnteredAt.Before(out[j].StateEnteredAt) })
	return page(out, limit, 0, 200), nil
}

func (s *Store) HasActiveExecution(ctx context.Context, strategyID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.executions {
		if item.StrategyID == strategyID && !item.State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SumWalletActivitySince(ctx context.Context, wallet string, since time.Time) (repository.WalletActivity, error) {
	out := repository.WalletActivity{VolumeUSD: decimal.Zero, LossUSD: decimal.Zero}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.executions {
		if item.WalletAddress != wallet || item.CreatedAt.Before(since) {
			continue
		}
		if item.VolumeCommitted {
			out.VolumeUSD = out.VolumeUSD.Add(item.AmountUSD)
		}
		out.LossUSD = out.LossUSD.Add(item.LossUSD)
	}
	return out, nil
}

// --- session keys ------------------------------------------------------------

func (s *Store) CreateSessionKey(ctx context.Context, item *models.SessionKey) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := now()
	item.CreatedAt, item.UpdatedAt = ts, ts
	s.sessionKeys[item.ID] = cloneSessionKey(*item)
	return nil
}

func (s *Store) GetSessionKey(ctx context.Context, id string) (*models.SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.sessionKeys[strings.TrimSpace(id)]
	if !ok {
		return nil, nil
	}
	out := cloneSessionKey(item)
	return &out, nil
}

func (s *Store) ListSessionKeys(ctx context.Context, params repository.ListSessionKeysParams) ([]models.SessionKey, error) {
	s.mu.RLock()
	var out []models.SessionKey
	for _, item := range s.sessionKeys {
		if params.WalletAddress != nil && strings.TrimSpace(*params.WalletAddress) != "" && item.WalletAddress != strings.TrimSpace(*params.WalletAddress) {
			continue
		}
		if params.Status != nil && *params.Status != "" && item.Status != *params.Status {
			continue
		}
		out = append(out, cloneSessionKey(item))
	}
	s.mu.RUnlock()
	asc := params.Asc != nil && *params.Asc
	sort.SliceStable(out, func(i, j int) bool {
		if asc {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, params.Limit, params.Offset, 100), nil
}

func (s *Store) ListExpiredActiveSessionKeys(ctx context.Context, at time.Time, limit int) ([]models.SessionKey, error) {
	s.mu.RLock()
	var out []models.SessionKey
	for _, item := range s.sessionKeys {
		if item.Status == models.SessionKeyActive && !item.ExpiresAt.After(at) {
			out = append(out, cloneSessionKey(item))
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return page(out, limit, 0, 200), nil
}

// --- policies ----------------------------------------------------------------

func (s *Store) GetSystemPolicy(ctx context.Context) (*models.SystemPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.system == nil {
		return nil, nil
	}
	out := cloneSystemPolicy(*s.system)
	return &out, nil
}

func (s *Store) UpsertSystemPolicy(ctx context.Context, item *models.SystemPolicy) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = models.SystemPolicyID
	ts := now()
	if s.system == nil {
		item.CreatedAt = ts
	} else {
		item.CreatedAt = s.system.CreatedAt
	}
	item.UpdatedAt = ts
	cp := cloneSystemPolicy(*item)
	s.system = &cp
	return nil
}

func (s *Store) GetRiskPolicy(ctx context.Context, wallet string) (*models.RiskPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.riskByAddr[strings.TrimSpace(wallet)]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) UpsertRiskPolicy(ctx context.Context, item *models.RiskPolicy) error {
	if item == nil || strings.TrimSpace(item.WalletAddress) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := now()
	if existing, ok := s.riskByAddr[item.WalletAddress]; ok {
		item.ID = existing.ID
		item.CreatedAt = existing.CreatedAt
	} else {
		s.nextRiskID++
		item.ID = s.nextRiskID
		item.CreatedAt = ts
	}
	item.UpdatedAt = ts
	s.riskByAddr[item.WalletAddress] = *item
	return nil
}

// --- audit -------------------------------------------------------------------

func (s *Store) InsertAuditEntry(ctx context.Context, item *models.AuditEntry) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendAuditLocked(item)
	return nil
}

func (s *Store) appendAuditLocked(item *models.AuditEntry) {
	s.nextAuditID++
	item.ID = s.nextAuditID
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now()
	}
	s.audit = append(s.audit, *item)
}

func (s *Store) ListAuditEntries(ctx context.Context, params repository.ListAuditParams) ([]models.AuditEntry, error) {
	s.mu.RLock()
	var out []models.AuditEntry
	for _, item := range s.audit {
		if params.Kind != nil && strings.TrimSpace(*params.Kind) != "" && item.Kind != strings.TrimSpace(*params.Kind) {
			continue
		}
		if params.EntityID != nil && strings.TrimSpace(*params.EntityID) != "" && item.EntityID != strings.TrimSpace(*params.EntityID) {
			continue
		}
		if params.Wallet != nil && strings.TrimSpace(*params.Wallet) != "" && item.WalletAddress != strings.TrimSpace(*params.Wallet) {
			continue
		}
		if params.Since != nil && item.CreatedAt.Before(*params.Since) {
			continue
		}
		out = append(out, item)
	}
	s.mu.RUnlock()
	if params.Asc == nil || !*params.Asc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return page(out, params.Limit, params.Offset, 200), nil
}

// --- changesets --------------------------------------------------------------

func (s *Store) Apply(ctx context.Context, cs repository.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every version before touching anything.
	if w := cs.SessionKey; w != nil && w.SessionKey != nil {
		cur, ok := s.sessionKeys[w.SessionKey.ID]
		if !ok || cur.Version != w.ExpectedVersion {
			return repository.ErrVersionConflict
		}
	}
	if w := cs.Strategy; w != nil && w.Strategy != nil {
		cur, ok := s.strategies[w.Strategy.ID]
		if !ok || cur.Version != w.ExpectedVersion {
			return repository.ErrVersionConflict
		}
	}
	if w := cs.Execution; w != nil && w.Execution != nil {
		cur, ok := s.executions[w.Execution.ID]
		if !ok || cur.Version != w.ExpectedVersion {
			return repository.ErrVersionConflict
		}
	}

	ts := now()
	if w := cs.SessionKey; w != nil && w.SessionKey != nil {
		w.SessionKey.Version = w.ExpectedVersion + 1
		w.SessionKey.UpdatedAt = ts
		s.sessionKeys[w.SessionKey.ID] = cloneSessionKey(*w.SessionKey)
	}
	if w := cs.Strategy; w != nil && w.Strategy != nil {
		w.Strategy.Version = w.ExpectedVersion + 1
		w.Strategy.UpdatedAt = ts
		s.strategies[w.Strategy.ID] = cloneStrategy(*w.Strategy)
	}
	if w := cs.Execution; w != nil && w.Execution != nil {
		exec := w.Execution
		exec.Version = w.ExpectedVersion + 1
		exec.UpdatedAt = ts
		for i := range exec.Steps {
			if exec.Steps[i].ID == 0 {
				s.nextStepID++
				exec.Steps[i].ID = s.nextStepID
			}
			exec.Steps[i].ExecutionID = exec.ID
		}
		for i := range w.Appended {
			s.nextTransID++
			w.Appended[i].ID = s.nextTransID
			w.Appended[i].ExecutionID = exec.ID
		}
		// History on the stored row is rebuilt from the stored entries plus the
		// appended ones so callers can't rewrite past transitions.
		stored := s.executions[exec.ID]
		history := append(cloneHistory(stored.History), w.Appended...)
		cp := cloneExecution(*exec)
		cp.History = history
		s.executions[exec.ID] = cp
	}
	for i := range cs.Audit {
		s.appendAuditLocked(&cs.Audit[i])
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

func page[T any](items []T, limit, offset, fallback int) []T {
	if limit <= 0 {
		limit = fallback
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func cloneStrategy(in models.Strategy) models.Strategy {
	out := in
	out.Config = cloneBytes(in.Config)
	out.ExecutionDayOfWeek = cloneIntPtr(in.ExecutionDayOfWeek)
	out.ExecutionDayOfMonth = cloneIntPtr(in.ExecutionDayOfMonth)
	out.MaxExecutions = cloneIntPtr(in.MaxExecutions)
	out.NextExecutionAt = cloneTimePtr(in.NextExecutionAt)
	out.LastExecutionAt = cloneTimePtr(in.LastExecutionAt)
	out.EndDate = cloneTimePtr(in.EndDate)
	out.ArchivedAt = cloneTimePtr(in.ArchivedAt)
	if in.MaxTotalSpendUSD != nil {
		v := *in.MaxTotalSpendUSD
		out.MaxTotalSpendUSD = &v
	}
	if in.SessionKeyID != nil {
		v := *in.SessionKeyID
		out.SessionKeyID = &v
	}
	return out
}

func cloneExecution(in models.Execution) models.Execution {
	out := in
	out.Steps = make([]models.ExecutionStep, len(in.Steps))
	for i, st := range in.Steps {
		st.Input = cloneBytes(st.Input)
		st.Output = cloneBytes(st.Output)
		st.StartedAt = cloneTimePtr(st.StartedAt)
		st.CompletedAt = cloneTimePtr(st.CompletedAt)
		out.Steps[i] = st
	}
	out.History = cloneHistory(in.History)
	out.QuoteSnapshot = cloneBytes(in.QuoteSnapshot)
	out.Warnings = cloneBytes(in.Warnings)
	out.ApprovedAt = cloneTimePtr(in.ApprovedAt)
	out.CompletedAt = cloneTimePtr(in.CompletedAt)
	out.ArchivedAt = cloneTimePtr(in.ArchivedAt)
	if in.SessionKeyID != nil {
		v := *in.SessionKeyID
		out.SessionKeyID = &v
	}
	return out
}

func cloneHistory(in []models.StateTransition) []models.StateTransition {
	out := make([]models.StateTransition, len(in))
	copy(out, in)
	return out
}

func cloneSessionKey(in models.SessionKey) models.SessionKey {
	out := in
	out.Permissions = append([]string(nil), in.Permissions...)
	out.ChainAllowlist = append([]string(nil), in.ChainAllowlist...)
	out.ContractAllowlist = append([]string(nil), in.ContractAllowlist...)
	out.TokenAllowlist = append([]string(nil), in.TokenAllowlist...)
	out.UsageLog = append([]models.SessionKeyUsage(nil), in.UsageLog...)
	out.MaxTransactions = cloneIntPtr(in.MaxTransactions)
	out.RevokedAt = cloneTimePtr(in.RevokedAt)
	if in.AgentID != nil {
		v := *in.AgentID
		out.AgentID = &v
	}
	return out
}

func cloneSystemPolicy(in models.SystemPolicy) models.SystemPolicy {
	out := in
	out.BlockedChains = append([]string(nil), in.BlockedChains...)
	out.AllowedChains = append([]string(nil), in.AllowedChains...)
	out.BlockedContracts = append([]string(nil), in.BlockedContracts...)
	out.BlockedTokens = append([]string(nil), in.BlockedTokens...)
	out.AllowedProtocols = append([]string(nil), in.AllowedProtocols...)
	if in.MaxSingleTxUSD != nil {
		v := *in.MaxSingleTxUSD
		out.MaxSingleTxUSD = &v
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneIntPtr(v *int) *int {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}

func cloneTimePtr(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}
