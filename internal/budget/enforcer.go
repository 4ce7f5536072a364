package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sherpa/internal/models"
	"sherpa/internal/policy"
	"sherpa/internal/repository"
	"sherpa/internal/risk"
)

var ErrConflictRetriesExhausted = errors.New("budget: version conflict retries exhausted")

// Debit is handed to a CommitFunc. SessionKey is the key as it must be
// persisted (nil when nothing on the key changes); ExpectedVersion is the
// version it was loaded at.
type Debit struct {
	Decision        Decision
	SessionKey      *models.SessionKey
	ExpectedVersion int64
	Usage           *models.SessionKeyUsage
}

// KeyWrite returns the versioned write for the key, or nil.
func (d Debit) KeyWrite() *repository.SessionKeyWrite {
	if d.SessionKey == nil {
		return nil
	}
	return &repository.SessionKeyWrite{SessionKey: d.SessionKey, ExpectedVersion: d.ExpectedVersion}
}

// CommitFunc persists the debit together with the caller's own writes in a
// single store transaction. Returning repository.ErrVersionConflict makes the
// enforcer reload and try again.
type CommitFunc func(ctx context.Context, d Debit) error

type ReserveRequest struct {
	Action       Action
	SessionKeyID string
}

type Enforcer struct {
	Repo     repository.Repository
	Policies *policy.Store
	Risk     *risk.Manager
	Logger   *zap.Logger

	MaxAttempts  int
	UsageLogSize int

	now func() time.Time

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

func (e *Enforcer) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now().UTC()
}

func (e *Enforcer) keyLock(id string) *sync.Mutex {
	return e.lockFor("key:" + id)
}

// walletLock serializes reservations across every key of one wallet, since
// the wallet's daily volume is shared by all of them. Take it before keyLock.
func (e *Enforcer) walletLock(wallet string) *sync.Mutex {
	return e.lockFor("wallet:" + strings.ToLower(wallet))
}

func (e *Enforcer) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.keyLocks == nil {
		e.keyLocks = map[string]*sync.Mutex{}
	}
	l, ok := e.keyLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.keyLocks[id] = l
	}
	return l
}

func (e *Enforcer) attempts() int {
	if e.MaxAttempts <= 0 {
		return 5
	}
	return e.MaxAttempts
}

func (e *Enforcer) usageLogSize() int {
	if e.UsageLogSize <= 0 {
		return 50
	}
	return e.UsageLogSize
}

// Check evaluates an action against current state without reserving anything.
// Planning uses it; Reserve repeats the evaluation under lock.
func (e *Enforcer) Check(ctx context.Context, req ReserveRequest) (Decision, error) {
	if e == nil || e.Repo == nil {
		return deny(LayerSystem, RuleEmergencyStop, "enforcer unavailable"), nil
	}
	action, key, riskPolicy, sys, err := e.load(ctx, req, false)
	if err != nil {
		return Decision{}, err
	}
	return Evaluate(action, key, riskPolicy, sys, e.clock()), nil
}

// Reserve re-evaluates the action with fresh state and, when allowed, debits
// the key. commit is called exactly once per successful attempt for every
// verdict, so a denial can be persisted in the same transaction as the key's
// lazy status change.
func (e *Enforcer) Reserve(ctx context.Context, req ReserveRequest, commit CommitFunc) (Decision, error) {
	if e == nil || e.Repo == nil {
		return Decision{}, errors.New("budget: enforcer not configured")
	}
	if wallet := strings.TrimSpace(req.Action.WalletAddress); wallet != "" {
		wl := e.walletLock(wallet)
		wl.Lock()
		defer wl.Unlock()
	}
	keyID := strings.TrimSpace(req.SessionKeyID)
	if keyID != "" {
		l := e.keyLock(keyID)
		l.Lock()
		defer l.Unlock()
	}

	for attempt := 1; attempt <= e.attempts(); attempt++ {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		action, key, riskPolicy, sys, err := e.load(ctx, req, true)
		if err != nil {
			return Decision{}, err
		}
		now := e.clock()
		var expected int64
		var next *models.SessionKey
		if key != nil {
			expected = key.Version
			cp := *key
			if lazyStatus(&cp, now) {
				next = &cp
			}
			key = &cp
		}

		decision := Evaluate(action, key, riskPolicy, sys, now)
		debit := Debit{Decision: decision, ExpectedVersion: expected}

		if decision.Allowed() && !decision.KeyWaived && key != nil {
			usage := models.SessionKeyUsage{
				ExecutionID: action.ExecutionID,
				ActionType:  action.ActionType,
				ChainID:     action.ChainID,
				Token:       action.ToToken,
				ValueUSD:    action.ValueUSD,
				Outcome:     models.UsageReserved,
				At:          now,
			}
			key.TotalValueUsedUSD = key.TotalValueUsedUSD.Add(action.ValueUSD)
			key.TransactionCount++
			key.UsageLog = appendUsage(key.UsageLog, usage, e.usageLogSize())
			if exhausted(key) {
				key.Status = models.SessionKeyExhausted
			}
			next = key
			debit.Usage = &usage
		}
		debit.SessionKey = next

		err = commit(ctx, debit)
		if errors.Is(err, repository.ErrVersionConflict) {
			if e.Logger != nil {
				e.Logger.Debug("budget: reserve version conflict, retrying",
					zap.String("session_key_id", keyID),
					zap.String("execution_id", action.ExecutionID),
					zap.Int("attempt", attempt),
				)
			}
			continue
		}
		if err != nil {
			return decision, err
		}
		if e.Logger != nil {
			e.Logger.Info("budget: decision",
				zap.String("execution_id", action.ExecutionID),
				zap.String("session_key_id", keyID),
				zap.String("verdict", string(decision.Verdict)),
				zap.String("rule", decision.Rule),
				zap.String("value_usd", action.ValueUSD.StringFixed(2)),
			)
		}
		return decision, nil
	}
	return Decision{}, ErrConflictRetriesExhausted
}

// Release refunds a reservation that never reached the chain.
func (e *Enforcer) Release(ctx context.Context, keyID, executionID string, value decimal.Decimal, commit CommitFunc) error {
	return e.adjust(ctx, keyID, commit, func(key *models.SessionKey, now time.Time) *models.SessionKeyUsage {
		key.TotalValueUsedUSD = key.TotalValueUsedUSD.Sub(value)
		if key.TotalValueUsedUSD.IsNegative() {
			key.TotalValueUsedUSD = decimal.Zero
		}
		if key.TransactionCount > 0 {
			key.TransactionCount--
		}
		if key.Status == models.SessionKeyExhausted && !exhausted(key) {
			key.Status = models.SessionKeyActive
		}
		lazyStatus(key, now)
		return &models.SessionKeyUsage{ExecutionID: executionID, ValueUSD: value, Outcome: models.UsageReleased, At: now}
	})
}

// Settle records the final outcome of a reservation in the usage log. The
// debit itself stays: a reverted transaction still spent its authority.
func (e *Enforcer) Settle(ctx context.Context, keyID, executionID string, value decimal.Decimal, outcome string, commit CommitFunc) error {
	return e.adjust(ctx, keyID, commit, func(key *models.SessionKey, now time.Time) *models.SessionKeyUsage {
		return &models.SessionKeyUsage{ExecutionID: executionID, ValueUSD: value, Outcome: outcome, At: now}
	})
}

func (e *Enforcer) adjust(ctx context.Context, keyID string, commit CommitFunc, mutate func(*models.SessionKey, time.Time) *models.SessionKeyUsage) error {
	if e == nil || e.Repo == nil {
		return errors.New("budget: enforcer not configured")
	}
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return commit(ctx, Debit{})
	}
	l := e.keyLock(keyID)
	l.Lock()
	defer l.Unlock()

	for attempt := 1; attempt <= e.attempts(); attempt++ {
		key, err := e.Repo.GetSessionKey(ctx, keyID)
		if err != nil {
			return err
		}
		if key == nil {
			return commit(ctx, Debit{})
		}
		expected := key.Version
		now := e.clock()
		if usage := mutate(key, now); usage != nil {
			key.UsageLog = appendUsage(key.UsageLog, *usage, e.usageLogSize())
		}
		err = commit(ctx, Debit{SessionKey: key, ExpectedVersion: expected})
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		return err
	}
	return ErrConflictRetriesExhausted
}

func (e *Enforcer) load(ctx context.Context, req ReserveRequest, fresh bool) (Action, *models.SessionKey, *models.RiskPolicy, models.SystemPolicy, error) {
	action := req.Action
	sys := models.DefaultSystemPolicy()
	if e.Policies != nil {
		var err error
		sys, err = e.Policies.System(ctx)
		if err != nil {
			return action, nil, nil, sys, fmt.Errorf("load system policy: %w", err)
		}
	}
	riskPolicy, err := e.Policies.Risk(ctx, action.WalletAddress)
	if err != nil {
		return action, nil, nil, sys, fmt.Errorf("load risk policy: %w", err)
	}
	if e.Risk != nil {
		exp, err := e.Risk.Exposure(ctx, action.WalletAddress, action.ToToken, e.clock(), fresh)
		if err != nil {
			return action, nil, nil, sys, fmt.Errorf("load exposure: %w", err)
		}
		action.Exposure = exp
	}
	var key *models.SessionKey
	if id := strings.TrimSpace(req.SessionKeyID); id != "" {
		key, err = e.Repo.GetSessionKey(ctx, id)
		if err != nil {
			return action, nil, nil, sys, fmt.Errorf("load session key: %w", err)
		}
	}
	return action, key, riskPolicy, sys, nil
}

// lazyStatus moves an active key to expired or exhausted when its limits say
// so. It reports whether the status changed.
func lazyStatus(key *models.SessionKey, now time.Time) bool {
	if key == nil || key.Status != models.SessionKeyActive {
		return false
	}
	if !now.Before(key.ExpiresAt) {
		key.Status = models.SessionKeyExpired
		return true
	}
	if exhausted(key) {
		key.Status = models.SessionKeyExhausted
		return true
	}
	return false
}

func exhausted(key *models.SessionKey) bool {
	if !key.RemainingUSD().IsPositive() {
		return true
	}
	return key.MaxTransactions != nil && key.TransactionCount >= *key.MaxTransactions
}

func appendUsage(log []models.SessionKeyUsage, entry models.SessionKeyUsage, size int) []models.SessionKeyUsage {
	out := append(append([]models.SessionKeyUsage(nil), log...), entry)
	if len(out) > size {
		out = out[len(out)-size:]
	}
	return out
}
