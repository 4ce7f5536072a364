// Package policy serves the process-wide SystemPolicy and per-wallet RiskPolicy.
package policy

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sherpa/internal/models"
	"sherpa/internal/repository"
)

// Store caches the system policy for TTL. Every mutation made through the
// store drops the cached copy, so this process never gates on stale data it
// wrote itself; other replicas converge within TTL.
type Store struct {
	Repo   repository.Repository
	TTL    time.Duration
	Logger *zap.Logger

	mu       sync.Mutex
	cached   *models.SystemPolicy
	loadedAt time.Time
	now      func() time.Time
}

func (s *Store) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// System returns the current system policy, or the default when none is stored.
func (s *Store) System(ctx context.Context) (models.SystemPolicy, error) {
	if s == nil || s.Repo == nil {
		return models.DefaultSystemPolicy(), nil
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	now := s.clock()
	s.mu.Lock()
	if s.cached != nil && now.Sub(s.loadedAt) < ttl {
		out := *s.cached
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	item, err := s.Repo.GetSystemPolicy(ctx)
	if err != nil {
		return models.SystemPolicy{}, err
	}
	out := models.DefaultSystemPolicy()
	if item != nil {
		out = *item
	}
	s.mu.Lock()
	s.cached = &out
	s.loadedAt = now
	s.mu.Unlock()
	return out, nil
}

func (s *Store) Invalidate() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.cached = nil
	s.loadedAt = time.Time{}
	s.mu.Unlock()
}

// UpdateSystem loads the stored policy, applies mutate, and saves it.
func (s *Store) UpdateSystem(ctx context.Context, actor string, mutate func(*models.SystemPolicy)) (models.SystemPolicy, error) {
	if s == nil || s.Repo == nil {
		return models.DefaultSystemPolicy(), nil
	}
	current, err := s.Repo.GetSystemPolicy(ctx)
	if err != nil {
		return models.SystemPolicy{}, err
	}
	next := models.DefaultSystemPolicy()
	if current != nil {
		next = *current
	}
	if mutate != nil {
		mutate(&next)
	}
	next.ID = models.SystemPolicyID
	next.UpdatedBy = strings.TrimSpace(actor)
	next.BlockedChains = normalizeList(next.BlockedChains)
	next.AllowedChains = normalizeList(next.AllowedChains)
	next.BlockedContracts = normalizeList(next.BlockedContracts)
	next.BlockedTokens = normalizeList(next.BlockedTokens)
	next.AllowedProtocols = normalizeList(next.AllowedProtocols)
	if err := s.Repo.UpsertSystemPolicy(ctx, &next); err != nil {
		return models.SystemPolicy{}, err
	}
	s.Invalidate()
	if s.Logger != nil {
		s.Logger.Info("policy: system policy updated",
			zap.String("actor", next.UpdatedBy),
			zap.Bool("emergency_stop", next.EmergencyStop),
			zap.Bool("maintenance", next.InMaintenance),
		)
	}
	return next, nil
}

func (s *Store) SetEmergencyStop(ctx context.Context, on bool, reason, actor string) (models.SystemPolicy, error) {
	return s.UpdateSystem(ctx, actor, func(p *models.SystemPolicy) {
		p.EmergencyStop = on
		if on {
			p.EmergencyStopReason = strings.TrimSpace(reason)
		} else {
			p.EmergencyStopReason = ""
		}
	})
}

// Risk returns the wallet's risk policy or nil when none is configured.
func (s *Store) Risk(ctx context.Context, wallet string) (*models.RiskPolicy, error) {
	if s == nil || s.Repo == nil {
		return nil, nil
	}
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, nil
	}
	return s.Repo.GetRiskPolicy(ctx, wallet)
}

func (s *Store) UpsertRisk(ctx context.Context, item *models.RiskPolicy) error {
	if s == nil || s.Repo == nil || item == nil {
		return nil
	}
	item.WalletAddress = strings.TrimSpace(item.WalletAddress)
	return s.Repo.UpsertRiskPolicy(ctx, item)
}

// normalizeList lowercases and dedupes entries so lookups are case-insensitive.
func normalizeList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, raw := range in {
		v := strings.ToLower(strings.TrimSpace(raw))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Contains reports whether list holds v, ignoring case.
func Contains(list []string, v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return false
	}
	for _, it := range list {
		if strings.ToLower(strings.TrimSpace(it)) == v {
			return true
		}
	}
	return false
}
