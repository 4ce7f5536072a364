package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sherpa/internal/audit"
	"sherpa/internal/models"
	"sherpa/internal/repository"
)

type CreateSessionKeyInput struct {
	WalletAddress     string          `json:"wallet_address"`
	AgentID           *string         `json:"agent_id,omitempty"`
	Permissions       []string        `json:"permissions"`
	MaxValuePerTxUSD  decimal.Decimal `json:"max_value_per_tx_usd" swaggertype:"string"`
	MaxTotalValueUSD  decimal.Decimal `json:"max_total_value_usd" swaggertype:"string"`
	MaxTransactions   *int            `json:"max_transactions,omitempty"`
	ChainAllowlist    []string        `json:"chain_allowlist,omitempty"`
	ContractAllowlist []string        `json:"contract_allowlist,omitempty"`
	TokenAllowlist    []string        `json:"token_allowlist,omitempty"`
	ExpiresInDays     int             `json:"expires_in_days"`
}

// SweepReport counts what one session key sweep changed.
type SweepReport struct {
	KeysExpired       int `json:"keys_expired"`
	StrategiesExpired int `json:"strategies_expired"`
}

func (s *AutopilotService) CreateSessionKey(ctx context.Context, in CreateSessionKeyInput, actor string) (*models.SessionKey, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	wallet := strings.TrimSpace(in.WalletAddress)
	if wallet == "" {
		return nil, invalid("wallet_address required")
	}
	perms, err := permissions(in.Permissions)
	if err != nil {
		return nil, err
	}
	if !in.MaxValuePerTxUSD.IsPositive() {
		return nil, invalid("max_value_per_tx_usd must be positive")
	}
	if !in.MaxTotalValueUSD.IsPositive() {
		return nil, invalid("max_total_value_usd must be positive")
	}
	if in.MaxValuePerTxUSD.GreaterThan(in.MaxTotalValueUSD) {
		return nil, invalid("max_value_per_tx_usd exceeds max_total_value_usd")
	}
	if in.MaxTransactions != nil && *in.MaxTransactions <= 0 {
		return nil, invalid("max_transactions must be positive")
	}
	if in.ExpiresInDays <= 0 || in.ExpiresInDays > s.maxKeyDays() {
		return nil, invalid("expires_in_days must be 1-%d", s.maxKeyDays())
	}
	now := s.clock()
	key := &models.SessionKey{
		ID:                uuid.NewString(),
		WalletAddress:     wallet,
		AgentID:           in.AgentID,
		Permissions:       perms,
		MaxValuePerTxUSD:  in.MaxValuePerTxUSD,
		MaxTotalValueUSD:  in.MaxTotalValueUSD,
		MaxTransactions:   in.MaxTransactions,
		TotalValueUsedUSD: decimal.Zero,
		ChainAllowlist:    trimList(in.ChainAllowlist),
		ContractAllowlist: trimList(in.ContractAllowlist),
		TokenAllowlist:    trimList(in.TokenAllowlist),
		Status:            models.SessionKeyActive,
		ExpiresAt:         now.AddDate(0, 0, in.ExpiresInDays),
	}
	if err := s.Repo.CreateSessionKey(ctx, key); err != nil {
		return nil, err
	}
	s.Audit.Record(ctx, audit.Entry(models.AuditSessionKey, key.ID, key.WalletAddress, "create", string(key.Status), "", actorOr(actor),
		map[string]any{
			"permissions":          perms,
			"max_value_per_tx_usd": key.MaxValuePerTxUSD.String(),
			"max_total_value_usd":  key.MaxTotalValueUSD.String(),
			"expires_at":           key.ExpiresAt,
		}))
	if s.Logger != nil {
		s.Logger.Info("session key created", zap.String("session_key_id", key.ID), zap.String("wallet", key.WalletAddress), zap.Time("expires_at", key.ExpiresAt))
	}
	return key, nil
}

func permissions(in []string) ([]string, error) {
	var out []string
	seen := map[string]struct{}{}
	for _, raw := range in {
		p := strings.ToLower(strings.TrimSpace(raw))
		switch p {
		case models.ActionSwap, models.ActionTransfer, models.ActionApprove, models.ActionBridge:
		case "":
			continue
		default:
			return nil, invalid("unknown permission %q", raw)
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, invalid("permissions required")
	}
	return out, nil
}

func trimList(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// RevokeSessionKey is final. Strategies bound to the key expire because a
// revoked key never falls back to manual approval.
func (s *AutopilotService) RevokeSessionKey(ctx context.Context, id, reason, actor string) (*models.SessionKey, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "revoked by " + actorOr(actor)
	}
	key, err := s.updateKey(ctx, id, actor, "revoke", func(k *models.SessionKey, now time.Time) error {
		if k.Status == models.SessionKeyRevoked {
			return errUnchanged
		}
		at := now
		k.Status = models.SessionKeyRevoked
		k.RevokedAt = &at
		k.RevokeReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.expireBoundStrategies(ctx, key.ID, "session_key_revoked", true); err != nil {
		return key, err
	}
	return key, nil
}

// ExtendSessionKey pushes ExpiresAt out by days, counted from the later of now
// and the current expiry. An expired key comes back to active; revoked and
// exhausted keys stay as they are.
func (s *AutopilotService) ExtendSessionKey(ctx context.Context, id string, days int, actor string) (*models.SessionKey, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if days <= 0 {
		return nil, invalid("days must be positive")
	}
	limit := s.maxKeyDays()
	return s.updateKey(ctx, id, actor, "extend", func(k *models.SessionKey, now time.Time) error {
		if k.Status == models.SessionKeyRevoked || k.Status == models.SessionKeyExhausted {
			return errConflictf("session key is %s", k.Status)
		}
		base := k.ExpiresAt
		if base.Before(now) {
			base = now
		}
		next := base.AddDate(0, 0, days)
		if next.After(now.AddDate(0, 0, limit)) {
			return invalid("expiry may be at most %d days ahead", limit)
		}
		k.ExpiresAt = next
		k.Status = models.SessionKeyActive
		return nil
	})
}

// updateKey reloads, mutates and writes a session key with its audit entry,
// retrying on version conflicts with the budget enforcer.
func (s *AutopilotService) updateKey(ctx context.Context, id, actor, action string, mutate func(k *models.SessionKey, now time.Time) error) (*models.SessionKey, error) {
	id = strings.TrimSpace(id)
	for attempt := 0; attempt < writeAttempts; attempt++ {
		k, err := s.Repo.GetSessionKey(ctx, id)
		if err != nil {
			return nil, err
		}
		if k == nil {
			return nil, fmt.Errorf("%w: session key %s", ErrNotFound, id)
		}
		prev := k.Status
		expected := k.Version
		if err := mutate(k, s.clock()); err != nil {
			if errors.Is(err, errUnchanged) {
				return k, nil
			}
			return nil, err
		}
		entry := audit.Entry(models.AuditSessionKey, k.ID, k.WalletAddress, action, string(k.Status), "", actorOr(actor),
			map[string]any{"from": string(prev), "expires_at": k.ExpiresAt, "reason": k.RevokeReason})
		err = s.Repo.Apply(ctx, repository.Changeset{
			SessionKey: &repository.SessionKeyWrite{SessionKey: k, ExpectedVersion: expected},
			Audit:      []models.AuditEntry{entry},
		})
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.Audit.Mirror(entry)
		if s.Logger != nil {
			s.Logger.Info("session key updated", zap.String("session_key_id", k.ID), zap.String("action", action), zap.String("status", string(k.Status)))
		}
		return k, nil
	}
	return nil, errConflictf("session key %s kept changing", id)
}

// expireBoundStrategies moves live strategies bound to keyID to expired.
// Unless force is set, strategies that fall back to manual approval keep
// running.
func (s *AutopilotService) expireBoundStrategies(ctx context.Context, keyID, reason string, force bool) (int, error) {
	bound, err := s.Repo.ListStrategiesBySessionKey(ctx, keyID)
	if err != nil {
		return 0, err
	}
	expired := 0
	var errs []error
	for i := range bound {
		st := bound[i]
		if st.ArchivedAt != nil || st.Status.Terminal() || st.Status == models.StrategyDraft {
			continue
		}
		if st.AllowManualApproval && !force {
			continue
		}
		out, err := s.updateStrategy(ctx, st.ID, "system", "expire", func(cur *models.Strategy, now time.Time) error {
			if !cur.Status.CanTransition(models.StrategyExpired) {
				return errUnchanged
			}
			cur.Status = models.StrategyExpired
			cur.StatusReason = reason
			cur.NextExecutionAt = nil
			return nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if out.Status == models.StrategyExpired {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

// SweepSessionKeys marks keys past ExpiresAt expired and expires the
// strategies that depended on them.
func (s *AutopilotService) SweepSessionKeys(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	if err := s.ready(); err != nil {
		return rep, err
	}
	now := s.clock()
	keys, err := s.Repo.ListExpiredActiveSessionKeys(ctx, now, 200)
	if err != nil {
		return rep, err
	}
	var errs []error
	for i := range keys {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		k, err := s.updateKey(ctx, keys[i].ID, "system", "expire", func(k *models.SessionKey, now time.Time) error {
			if k.Status != models.SessionKeyActive || now.Before(k.ExpiresAt) {
				return errUnchanged
			}
			k.Status = models.SessionKeyExpired
			return nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if k.Status != models.SessionKeyExpired {
			continue
		}
		rep.KeysExpired++
		n, err := s.expireBoundStrategies(ctx, k.ID, "session_key_expired", false)
		rep.StrategiesExpired += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if s.Logger != nil && rep.KeysExpired > 0 {
		s.Logger.Info("session key sweep", zap.Int("keys_expired", rep.KeysExpired), zap.Int("strategies_expired", rep.StrategiesExpired))
	}
	return rep, errors.Join(errs...)
}

// RunSessionKeySweep is the cron entry point.
func (s *AutopilotService) RunSessionKeySweep(ctx context.Context) {
	if _, err := s.SweepSessionKeys(ctx); err != nil && !errors.Is(err, context.Canceled) && s.Logger != nil {
		s.Logger.Warn("session key sweep failed", zap.Error(err))
	}
}

func (s *AutopilotService) GetSessionKey(ctx context.Context, id string) (*models.SessionKey, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	k, err := s.Repo.GetSessionKey(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, fmt.Errorf("%w: session key %s", ErrNotFound, id)
	}
	return k, nil
}

func (s *AutopilotService) ListSessionKeys(ctx context.Context, params repository.ListSessionKeysParams) ([]models.SessionKey, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	params.Limit = limitOr(params.Limit, 50, 500)
	return s.Repo.ListSessionKeys(ctx, params)
}
