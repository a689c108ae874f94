package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"dunner/models"
)

// GormStore is the Postgres-backed store. The single-active-execution
// invariant is enforced by a partial unique index (see config.migrateDB)
// on top of the pre-read the trigger evaluator performs.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicateActive
	}
	return err
}

func (s *GormStore) CreateSequence(ctx context.Context, seq *models.SequenceDefinition) error {
	return s.db.WithContext(ctx).Create(seq).Error
}

func (s *GormStore) GetSequence(ctx context.Context, id uint) (*models.SequenceDefinition, error) {
	var seq models.SequenceDefinition
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_number ASC") }).
		First(&seq, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &seq, nil
}

func (s *GormStore) ListSequences(ctx context.Context, tenantID uint) ([]models.SequenceDefinition, error) {
	var seqs []models.SequenceDefinition
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_number ASC") }).
		Where("tenant_id = ?", tenantID).
		Order("id ASC").
		Find(&seqs).Error
	return seqs, err
}

func (s *GormStore) SetSequenceActive(ctx context.Context, id uint, active bool) error {
	res := s.db.WithContext(ctx).
		Model(&models.SequenceDefinition{}).
		Where("id = ?", id).
		Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	return s.db.WithContext(ctx).Create(inv).Error
}

func (s *GormStore) GetInvoice(ctx context.Context, id uint) (*models.Invoice, error) {
	var inv models.Invoice
	if err := s.db.WithContext(ctx).First(&inv, id).Error; err != nil {
		return nil, translate(err)
	}
	return &inv, nil
}

func (s *GormStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *GormStore) GetTenant(ctx context.Context, id uint) (*models.Tenant, error) {
	var t models.Tenant
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (s *GormStore) SaveCalendar(ctx context.Context, cfg *models.CalendarConfig) error {
	var existing models.CalendarConfig
	err := s.db.WithContext(ctx).Where("tenant_id = ?", cfg.TenantID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(cfg).Error
	}
	if err != nil {
		return err
	}
	cfg.ID = existing.ID
	return s.db.WithContext(ctx).Save(cfg).Error
}

func (s *GormStore) GetCalendar(ctx context.Context, tenantID uint) (*models.CalendarConfig, error) {
	var cfg models.CalendarConfig
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&cfg).Error; err != nil {
		return nil, translate(err)
	}
	return &cfg, nil
}

func (s *GormStore) CreateExecution(ctx context.Context, e *models.Execution) error {
	if e.Version == 0 {
		e.Version = 1
	}
	return translate(s.db.WithContext(ctx).Create(e).Error)
}

func (s *GormStore) GetExecution(ctx context.Context, id uint) (*models.Execution, error) {
	var e models.Execution
	if err := s.db.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *GormStore) FindRunnableExecution(ctx context.Context, sequenceID, invoiceID uint) (*models.Execution, error) {
	var e models.Execution
	err := s.db.WithContext(ctx).
		Where("sequence_id = ? AND invoice_id = ? AND status IN ?",
			sequenceID, invoiceID,
			[]string{models.ExecutionStatusPending, models.ExecutionStatusActive}).
		First(&e).Error
	if err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *GormStore) FindLatestExecution(ctx context.Context, sequenceID, invoiceID uint) (*models.Execution, error) {
	var e models.Execution
	err := s.db.WithContext(ctx).
		Where("sequence_id = ? AND invoice_id = ?", sequenceID, invoiceID).
		Order("id DESC").
		First(&e).Error
	if err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *GormStore) ListDue(ctx context.Context, now time.Time, limit int) ([]models.Execution, error) {
	var execs []models.Execution
	q := s.db.WithContext(ctx).
		Where("status IN ?", []string{models.ExecutionStatusPending, models.ExecutionStatusActive}).
		Where("(next_run_at IS NOT NULL AND next_run_at <= ?) OR stop_requested = ?", now, true).
		Order("next_run_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return execs, q.Find(&execs).Error
}

func (s *GormStore) UpdateExecutionCAS(ctx context.Context, e *models.Execution, expectedVersion int64) error {
	res := s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("id = ? AND version = ?", e.ID, expectedVersion).
		Updates(map[string]interface{}{
			"status":              e.Status,
			"current_step_index":  e.CurrentStepIndex,
			"next_run_at":         e.NextRunAt,
			"started_at":          e.StartedAt,
			"completed_at":        e.CompletedAt,
			"stop_reason":         e.StopReason,
			"stop_requested":      e.StopRequested,
			"stop_request_reason": e.StopRequestReason,
			"attempt_count":       e.AttemptCount,
			"version":             expectedVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	e.Version = expectedVersion + 1
	return nil
}

func (s *GormStore) RequestStop(ctx context.Context, executionID uint, reason string) error {
	res := s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("id = ? AND status IN ?", executionID,
			[]string{models.ExecutionStatusPending, models.ExecutionStatusActive}).
		Updates(map[string]interface{}{
			"stop_requested":      true,
			"stop_request_reason": reason,
			"version":             gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) UpsertStepLog(ctx context.Context, log *models.StepLog) error {
	var existing models.StepLog
	err := s.db.WithContext(ctx).
		Where("execution_id = ? AND step_number = ?", log.ExecutionID, log.StepNumber).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(log).Error
	}
	if err != nil {
		return err
	}
	log.ID = existing.ID
	log.CreatedAt = existing.CreatedAt
	return s.db.WithContext(ctx).Save(log).Error
}

func (s *GormStore) GetStepLog(ctx context.Context, executionID uint, stepNumber int) (*models.StepLog, error) {
	var l models.StepLog
	err := s.db.WithContext(ctx).
		Where("execution_id = ? AND step_number = ?", executionID, stepNumber).
		First(&l).Error
	if err != nil {
		return nil, translate(err)
	}
	return &l, nil
}

func (s *GormStore) GetStepLogByRef(ctx context.Context, dispatchRef string) (*models.StepLog, error) {
	var l models.StepLog
	err := s.db.WithContext(ctx).Where("dispatch_ref = ?", dispatchRef).First(&l).Error
	if err != nil {
		return nil, translate(err)
	}
	return &l, nil
}

func (s *GormStore) ListStepLogs(ctx context.Context, executionID uint) ([]models.StepLog, error) {
	var logs []models.StepLog
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("step_number ASC").
		Find(&logs).Error
	return logs, err
}
