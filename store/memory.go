package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"dunner/models"
)

// MemoryStore keeps everything in process. It backs the test suites and
// local development; the mutex gives it the same single-active and
// compare-and-set semantics the Postgres indexes provide.
type MemoryStore struct {
	mu sync.Mutex

	nextID    uint
	tenants   map[uint]models.Tenant
	sequences map[uint]models.SequenceDefinition
	invoices  map[uint]models.Invoice
	calendars map[uint]models.CalendarConfig // keyed by tenant ID
	execs     map[uint]models.Execution
	stepLogs  map[uint]models.StepLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:   make(map[uint]models.Tenant),
		sequences: make(map[uint]models.SequenceDefinition),
		invoices:  make(map[uint]models.Invoice),
		calendars: make(map[uint]models.CalendarConfig),
		execs:     make(map[uint]models.Execution),
		stepLogs:  make(map[uint]models.StepLog),
	}
}

func (s *MemoryStore) id() uint {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) CreateSequence(_ context.Context, seq *models.SequenceDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq.ID = s.id()
	seq.CreatedAt = time.Now()
	for i := range seq.Steps {
		seq.Steps[i].ID = s.id()
		seq.Steps[i].SequenceID = seq.ID
	}
	s.sequences[seq.ID] = *seq
	return nil
}

func (s *MemoryStore) GetSequence(_ context.Context, id uint) (*models.SequenceDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.sequences[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := seq
	cp.Steps = append([]models.SequenceStep(nil), seq.Steps...)
	sort.Slice(cp.Steps, func(i, j int) bool { return cp.Steps[i].StepNumber < cp.Steps[j].StepNumber })
	return &cp, nil
}

func (s *MemoryStore) ListSequences(_ context.Context, tenantID uint) ([]models.SequenceDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SequenceDefinition
	for _, seq := range s.sequences {
		if seq.TenantID == tenantID {
			out = append(out, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SetSequenceActive(_ context.Context, id uint, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.sequences[id]
	if !ok {
		return ErrNotFound
	}
	seq.Active = active
	s.sequences[id] = seq
	return nil
}

func (s *MemoryStore) CreateInvoice(_ context.Context, inv *models.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv.ID = s.id()
	s.invoices[inv.ID] = *inv
	return nil
}

func (s *MemoryStore) GetInvoice(_ context.Context, id uint) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := inv
	return &cp, nil
}

// UpdateInvoiceStatus lets tests flip an invoice mid-flight the way the
// surrounding payment system would.
func (s *MemoryStore) UpdateInvoiceStatus(id uint, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return ErrNotFound
	}
	inv.Status = status
	s.invoices[id] = inv
	return nil
}

func (s *MemoryStore) CreateTenant(_ context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = s.id()
	s.tenants[t.ID] = *t
	return nil
}

func (s *MemoryStore) GetTenant(_ context.Context, id uint) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := t
	return &cp, nil
}

func (s *MemoryStore) SaveCalendar(_ context.Context, cfg *models.CalendarConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ID == 0 {
		cfg.ID = s.id()
	}
	s.calendars[cfg.TenantID] = *cfg
	return nil
}

func (s *MemoryStore) GetCalendar(_ context.Context, tenantID uint) (*models.CalendarConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.calendars[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cfg
	return &cp, nil
}

func (s *MemoryStore) CreateExecution(_ context.Context, e *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.execs {
		if existing.SequenceID == e.SequenceID && existing.InvoiceID == e.InvoiceID && existing.Runnable() {
			return ErrDuplicateActive
		}
	}
	e.ID = s.id()
	e.CreatedAt = time.Now()
	if e.Version == 0 {
		e.Version = 1
	}
	s.execs[e.ID] = *e
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id uint) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := e
	return &cp, nil
}

func (s *MemoryStore) FindRunnableExecution(_ context.Context, sequenceID, invoiceID uint) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.execs {
		if e.SequenceID == sequenceID && e.InvoiceID == invoiceID && e.Runnable() {
			cp := e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindLatestExecution(_ context.Context, sequenceID, invoiceID uint) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Execution
	for id := range s.execs {
		e := s.execs[id]
		if e.SequenceID == sequenceID && e.InvoiceID == invoiceID {
			if latest == nil || e.ID > latest.ID {
				cp := e
				latest = &cp
			}
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.Execution
	for _, e := range s.execs {
		if !e.Runnable() {
			continue
		}
		if e.StopRequested || (e.NextRunAt != nil && !e.NextRunAt.After(now)) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		ti, tj := due[i].NextRunAt, due[j].NextRunAt
		if ti == nil || tj == nil {
			return due[i].ID < due[j].ID
		}
		return ti.Before(*tj)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) UpdateExecutionCAS(_ context.Context, e *models.Execution, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.execs[e.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	e.Version = expectedVersion + 1
	s.execs[e.ID] = *e
	return nil
}

func (s *MemoryStore) RequestStop(_ context.Context, executionID uint, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[executionID]
	if !ok || !e.Runnable() {
		return ErrNotFound
	}
	e.StopRequested = true
	e.StopRequestReason = reason
	e.Version++
	s.execs[executionID] = e
	return nil
}

func (s *MemoryStore) UpsertStepLog(_ context.Context, log *models.StepLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.stepLogs {
		if existing.ExecutionID == log.ExecutionID && existing.StepNumber == log.StepNumber {
			log.ID = id
			log.CreatedAt = existing.CreatedAt
			s.stepLogs[id] = *log
			return nil
		}
	}
	log.ID = s.id()
	log.CreatedAt = time.Now()
	s.stepLogs[log.ID] = *log
	return nil
}

func (s *MemoryStore) GetStepLog(_ context.Context, executionID uint, stepNumber int) (*models.StepLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.stepLogs {
		if l.ExecutionID == executionID && l.StepNumber == stepNumber {
			cp := l
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetStepLogByRef(_ context.Context, dispatchRef string) (*models.StepLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dispatchRef == "" {
		return nil, ErrNotFound
	}
	for _, l := range s.stepLogs {
		if l.DispatchRef == dispatchRef {
			cp := l
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListStepLogs(_ context.Context, executionID uint) ([]models.StepLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StepLog
	for _, l := range s.stepLogs {
		if l.ExecutionID == executionID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, nil
}
