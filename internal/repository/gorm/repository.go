package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sherpa/internal/models"
	"sherpa/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ repository.Repository = (*Store)(nil)

var terminalStates = []models.ExecutionState{
	models.StateCompleted,
	models.StateFailed,
	models.StateCancelled,
}

// --- strategies --------------------------------------------------------------

func (s *Store) CreateStrategy(ctx context.Context, item *models.Strategy) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetStrategy(ctx context.Context, id string) (*models.Strategy, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	var item models.Strategy
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListStrategies(ctx context.Context, params repository.ListStrategiesParams) ([]models.Strategy, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Strategy{})
	if params.WalletAddress != nil && strings.TrimSpace(*params.WalletAddress) != "" {
		query = query.Where("wallet_address = ?", strings.TrimSpace(*params.WalletAddress))
	}
	if params.Status != nil && *params.Status != "" {
		query = query.Where("status = ?", *params.Status)
	}
	if !params.IncludeArchived {
		query = query.Where("archived_at IS NULL")
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	var items []models.Strategy
	if err := query.Limit(normalizeLimit(params.Limit, 100)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListDueStrategies(ctx context.Context, now time.Time, limit int) ([]models.Strategy, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var items []models.Strategy
	err := s.db.WithContext(ctx).
		Model(&models.Strategy{}).
		Where("status = ?", models.StrategyActive).
		Where("archived_at IS NULL").
		Where("next_execution_at IS NOT NULL").
		Where("next_execution_at <= ?", now).
		Order("next_execution_at asc").
		Limit(normalizeLimit(limit, 200)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListStrategiesBySessionKey(ctx context.Context, sessionKeyID string) ([]models.Strategy, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	sessionKeyID = strings.TrimSpace(sessionKeyID)
	if sessionKeyID == "" {
		return nil, nil
	}
	var items []models.Strategy
	err := s.db.WithContext(ctx).
		Where("session_key_id = ?", sessionKeyID).
		Where("archived_at IS NULL").
		Order("created_at asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// --- executions --------------------------------------------------------------

func (s *Store) CreateExecution(ctx context.Context, item *models.Execution) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	// Steps and the initial history entries are created with the row. The
	// only unique key a fresh execution can hit is uniq_executions_live_strategy.
	err := s.db.WithContext(ctx).Create(item).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return repository.ErrLiveExecution
	}
	return err
}

func (s *Store) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	var item models.Execution
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("sequence asc") }).
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("seq asc") }).
		Where("id = ?", id).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListExecutions(ctx context.Context, params repository.ListExecutionsParams) ([]models.Execution, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Execution{})
	if params.StrategyID != nil && strings.TrimSpace(*params.StrategyID) != "" {
		query = query.Where("strategy_id = ?", strings.TrimSpace(*params.StrategyID))
	}
	if params.WalletAddress != nil && strings.TrimSpace(*params.WalletAddress) != "" {
		query = query.Where("wallet_address = ?", strings.TrimSpace(*params.WalletAddress))
	}
	if params.State != nil && *params.State != "" {
		query = query.Where("state = ?", *params.State)
	}
	if params.NeedsReview != nil {
		query = query.Where("needs_review = ?", *params.NeedsReview)
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	var items []models.Execution
	if err := query.Limit(normalizeLimit(params.Limit, 100)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListExecutionsByStates(ctx context.Context, states []models.ExecutionState, enteredBefore time.Time, limit int) ([]models.Execution, error) {
	if s == nil || s.db == nil || len(states) == 0 {
		return nil, nil
	}
	query := s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("state IN ?", states)
	if !enteredBefore.IsZero() {
		query = query.Where("state_entered_at <= ?", enteredBefore)
	}
	var items []models.Execution
	err := query.
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("sequence asc") }).
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("seq asc") }).
		Order("state_entered_at asc").
		Limit(normalizeLimit(limit, 200)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) HasActiveExecution(ctx context.Context, strategyID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("strategy_id = ?", strategyID).
		Where("state NOT IN ?", terminalStates).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) SumWalletActivitySince(ctx context.Context, wallet string, since time.Time) (repository.WalletActivity, error) {
	out := repository.WalletActivity{VolumeUSD: decimal.Zero, LossUSD: decimal.Zero}
	if s == nil || s.db == nil {
		return out, nil
	}
	var row struct {
		Volume decimal.Decimal
		Loss   decimal.Decimal
	}
	err := s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Select(`COALESCE(SUM(CASE WHEN volume_committed THEN amount_usd ELSE 0 END), 0) AS volume,
			COALESCE(SUM(loss_usd), 0) AS loss`).
		Where("wallet_address = ?", wallet).
		Where("created_at >= ?", since).
		Scan(&row).Error
	if err != nil {
		return out, err
	}
	out.VolumeUSD = row.Volume
	out.LossUSD = row.Loss
	return out, nil
}

// --- session keys ------------------------------------------------------------

func (s *Store) CreateSessionKey(ctx context.Context, item *models.SessionKey) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetSessionKey(ctx context.Context, id string) (*models.SessionKey, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	var item models.SessionKey
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListSessionKeys(ctx context.Context, params repository.ListSessionKeysParams) ([]models.SessionKey, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.SessionKey{})
	if params.WalletAddress != nil && strings.TrimSpace(*params.WalletAddress) != "" {
		query = query.Where("wallet_address = ?", strings.TrimSpace(*params.WalletAddress))
	}
	if params.Status != nil && *params.Status != "" {
		query = query.Where("status = ?", *params.Status)
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	var items []models.SessionKey
	if err := query.Limit(normalizeLimit(params.Limit, 100)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListExpiredActiveSessionKeys(ctx context.Context, now time.Time, limit int) ([]models.SessionKey, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.SessionKey
	err := s.db.WithContext(ctx).
		Where("status = ?", models.SessionKeyActive).
		Where("expires_at <= ?", now).
		Order("expires_at asc").
		Limit(normalizeLimit(limit, 200)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// --- policies ----------------------------------------------------------------

func (s *Store) GetSystemPolicy(ctx context.Context) (*models.SystemPolicy, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.SystemPolicy
	err := s.db.WithContext(ctx).Where("id = ?", models.SystemPolicyID).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertSystemPolicy(ctx context.Context, item *models.SystemPolicy) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.ID = models.SystemPolicyID
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"emergency_stop",
			"emergency_stop_reason",
			"in_maintenance",
			"maintenance_message",
			"blocked_chains",
			"allowed_chains",
			"blocked_contracts",
			"blocked_tokens",
			"protocol_allowlist_enabled",
			"allowed_protocols",
			"max_single_tx_usd",
			"updated_by",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetRiskPolicy(ctx context.Context, wallet string) (*models.RiskPolicy, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, nil
	}
	var item models.RiskPolicy
	err := s.db.WithContext(ctx).Where("wallet_address = ?", wallet).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertRiskPolicy(ctx context.Context, item *models.RiskPolicy) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.WalletAddress) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "wallet_address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"max_position_pct",
			"max_daily_volume_usd",
			"max_daily_loss_usd",
			"max_single_tx_usd",
			"require_approval_above_usd",
			"warn_slippage_pct",
			"max_slippage_pct",
			"warn_gas_pct",
			"max_gas_pct",
			"min_liquidity_usd",
			"enabled",
			"updated_at",
		}),
	}).Create(item).Error
}

// --- audit -------------------------------------------------------------------

func (s *Store) InsertAuditEntry(ctx context.Context, item *models.AuditEntry) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListAuditEntries(ctx context.Context, params repository.ListAuditParams) ([]models.AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.AuditEntry{})
	if params.Kind != nil && strings.TrimSpace(*params.Kind) != "" {
		query = query.Where("kind = ?", strings.TrimSpace(*params.Kind))
	}
	if params.EntityID != nil && strings.TrimSpace(*params.EntityID) != "" {
		query = query.Where("entity_id = ?", strings.TrimSpace(*params.EntityID))
	}
	if params.Wallet != nil && strings.TrimSpace(*params.Wallet) != "" {
		query = query.Where("wallet_address = ?", strings.TrimSpace(*params.Wallet))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("created_at >= ?", *params.Since)
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "id")
	var items []models.AuditEntry
	if err := query.Limit(normalizeLimit(params.Limit, 200)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- changesets --------------------------------------------------------------

func (s *Store) Apply(ctx context.Context, cs repository.Changeset) error {
	if s == nil || s.db == nil {
		return nil
	}
	restore := bumpVersions(cs)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if w := cs.SessionKey; w != nil && w.SessionKey != nil {
			if err := updateVersioned(tx, w.SessionKey, w.SessionKey.ID, w.ExpectedVersion); err != nil {
				return err
			}
		}
		if w := cs.Strategy; w != nil && w.Strategy != nil {
			if err := updateVersioned(tx, w.Strategy, w.Strategy.ID, w.ExpectedVersion); err != nil {
				return err
			}
		}
		if w := cs.Execution; w != nil && w.Execution != nil {
			exec := w.Execution
			if err := updateVersioned(tx, exec, exec.ID, w.ExpectedVersion); err != nil {
				return err
			}
			for i := range exec.Steps {
				exec.Steps[i].ExecutionID = exec.ID
				if err := tx.Omit(clause.Associations).Save(&exec.Steps[i]).Error; err != nil {
					return err
				}
			}
			if len(w.Appended) > 0 {
				for i := range w.Appended {
					w.Appended[i].ExecutionID = exec.ID
				}
				if err := tx.Create(&w.Appended).Error; err != nil {
					return err
				}
			}
		}
		if len(cs.Audit) > 0 {
			if err := tx.Create(&cs.Audit).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		restore()
	}
	return err
}

func updateVersioned(tx *gorm.DB, model any, id string, expected int64) error {
	res := tx.Model(model).
		Where("id = ? AND version = ?", id, expected).
		Select("*").
		Omit(clause.Associations, "id", "created_at").
		Updates(model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repository.ErrVersionConflict
	}
	return nil
}

// bumpVersions sets every versioned item to ExpectedVersion+1 and returns a
// func that rolls the in-memory values back when the transaction aborts.
func bumpVersions(cs repository.Changeset) func() {
	var undo []func()
	if w := cs.SessionKey; w != nil && w.SessionKey != nil {
		prev := w.SessionKey.Version
		w.SessionKey.Version = w.ExpectedVersion + 1
		undo = append(undo, func() { w.SessionKey.Version = prev })
	}
	if w := cs.Strategy; w != nil && w.Strategy != nil {
		prev := w.Strategy.Version
		w.Strategy.Version = w.ExpectedVersion + 1
		undo = append(undo, func() { w.Strategy.Version = prev })
	}
	if w := cs.Execution; w != nil && w.Execution != nil {
		prev := w.Execution.Version
		w.Execution.Version = w.ExpectedVersion + 1
		undo = append(undo, func() { w.Execution.Version = prev })
	}
	return func() {
		for _, fn := range undo {
			fn()
		}
	}
}

// --- helpers -----------------------------------------------------------------

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
