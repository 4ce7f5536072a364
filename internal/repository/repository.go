package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"sherpa/internal/models"
)

// ErrVersionConflict is returned when an optimistic version check fails.
var ErrVersionConflict = errors.New("repository: version conflict")

// ErrLiveExecution is returned by CreateExecution when the strategy already
// has an execution that has not reached a terminal state.
var ErrLiveExecution = errors.New("repository: strategy already has a live execution")

// Repository is the persistence contract shared by the gorm and memory stores.
// Getters return (nil, nil) when the record does not exist.
type Repository interface {
	// Strategies.
	CreateStrategy(ctx context.Context, item *models.Strategy) error
	GetStrategy(ctx context.Context, id string) (*models.Strategy, error)
	ListStrategies(ctx context.Context, params ListStrategiesParams) ([]models.Strategy, error)
	ListDueStrategies(ctx context.Context, now time.Time, limit int) ([]models.Strategy, error)
	ListStrategiesBySessionKey(ctx context.Context, sessionKeyID string) ([]models.Strategy, error)

	// Executions.
	CreateExecution(ctx context.Context, item *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	ListExecutions(ctx context.Context, params ListExecutionsParams) ([]models.Execution, error)
	ListExecutionsByStates(ctx context.Context, states []models.ExecutionState, enteredBefore time.Time, limit int) ([]models.Execution, error)
	HasActiveExecution(ctx context.Context, strategyID string) (bool, error)
	SumWalletActivitySince(ctx context.Context, wallet string, since time.Time) (WalletActivity, error)

	// Session keys.
	CreateSessionKey(ctx context.Context, item *models.SessionKey) error
	GetSessionKey(ctx context.Context, id string) (*models.SessionKey, error)
	ListSessionKeys(ctx context.Context, params ListSessionKeysParams) ([]models.SessionKey, error)
	ListExpiredActiveSessionKeys(ctx context.Context, now time.Time, limit int) ([]models.SessionKey, error)

	// Policies.
	GetSystemPolicy(ctx context.Context) (*models.SystemPolicy, error)
	UpsertSystemPolicy(ctx context.Context, item *models.SystemPolicy) error
	GetRiskPolicy(ctx context.Context, wallet string) (*models.RiskPolicy, error)
	UpsertRiskPolicy(ctx context.Context, item *models.RiskPolicy) error

	// Audit trail.
	InsertAuditEntry(ctx context.Context, item *models.AuditEntry) error
	ListAuditEntries(ctx context.Context, params ListAuditParams) ([]models.AuditEntry, error)

	// Apply persists every write in cs atomically. Each versioned write
	// succeeds only if the stored version equals ExpectedVersion, and bumps
	// the item's Version on success. Any mismatch aborts the whole changeset
	// with ErrVersionConflict.
	Apply(ctx context.Context, cs Changeset) error
}

// Changeset groups writes that must commit as one unit.
type Changeset struct {
	Execution  *ExecutionWrite
	Strategy   *StrategyWrite
	SessionKey *SessionKeyWrite
	Audit      []models.AuditEntry
}

type ExecutionWrite struct {
	Execution       *models.Execution
	ExpectedVersion int64
	// Appended history entries, inserted after the row update.
	Appended []models.StateTransition
}

type StrategyWrite struct {
	Strategy        *models.Strategy
	ExpectedVersion int64
}

type SessionKeyWrite struct {
	SessionKey      *models.SessionKey
	ExpectedVersion int64
}

// WalletActivity is the committed volume and realized loss of a wallet in a window.
type WalletActivity struct {
	VolumeUSD decimal.Decimal
	LossUSD   decimal.Decimal
}

type ListStrategiesParams struct {
	Limit           int
	Offset          int
	WalletAddress   *string
	Status          *models.StrategyStatus
	IncludeArchived bool
	OrderBy         string
	Asc             *bool
}

type ListExecutionsParams struct {
	Limit         int
	Offset        int
	StrategyID    *string
	WalletAddress *string
	State         *models.ExecutionState
	NeedsReview   *bool
	OrderBy       string
	Asc           *bool
}

type ListSessionKeysParams struct {
	Limit         int
	Offset        int
	WalletAddress *string
	Status        *models.SessionKeyStatus
	OrderBy       string
	Asc           *bool
}

type ListAuditParams struct {
	Limit    int
	Offset   int
	Kind     *string
	EntityID *string
	Wallet   *string
	Since    *time.Time
	OrderBy  string
	Asc      *bool
}
