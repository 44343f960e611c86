package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"go.uber.org/zap"
)

// Service gates runs on the workspace balance and meters their usage.
type Service struct {
	ledger    ports.CreditLedger
	pricing   Pricing
	skipCheck bool
	metrics   ports.MetricsCollector
	logger    *zap.Logger
}

// NewService creates a credit service. With skipCheck set every run is
// admitted without touching the ledger.
func NewService(ledger ports.CreditLedger, pricing Pricing, skipCheck bool, metrics ports.MetricsCollector, logger *zap.Logger) *Service {
	return &Service{
		ledger:    ledger,
		pricing:   pricing,
		skipCheck: skipCheck,
		metrics:   metrics,
		logger:    logger,
	}
}

// Pricing returns the cost functions in use.
func (s *Service) Pricing() Pricing {
	return s.pricing
}

// ShouldAllowExecution is a read-only gate on the available balance.
func (s *Service) ShouldAllowExecution(ctx context.Context, workspaceID string, estimate int64) (bool, error) {
	if s.skipCheck {
		return true, nil
	}
	b, err := s.ledger.Balance(ctx, workspaceID)
	if err != nil {
		return false, fmt.Errorf("failed to read balance: %w", err)
	}
	return b.Available >= estimate, nil
}

// ReserveCredits holds estimate against the workspace. It returns a nil
// reservation when checks are skipped.
func (s *Service) ReserveCredits(ctx context.Context, workspaceID string, estimate int64) (*domain.Reservation, error) {
	if s.skipCheck {
		return nil, nil
	}
	r, err := s.ledger.Reserve(ctx, workspaceID, estimate)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordCreditsReserved(r.Amount)
	return r, nil
}

// ReleaseCredits returns an unused reservation.
func (s *Service) ReleaseCredits(ctx context.Context, r *domain.Reservation) error {
	if r == nil {
		return nil
	}
	if err := s.ledger.Release(ctx, r.ID); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	s.metrics.RecordCreditsReleased(r.Amount)
	return nil
}

// FinalizeCredits settles a reservation to actual usage.
func (s *Service) FinalizeCredits(ctx context.Context, r *domain.Reservation, actual int64) (*domain.Settlement, error) {
	if r == nil {
		return &domain.Settlement{Actual: actual}, nil
	}
	settlement, err := s.ledger.Finalize(ctx, r.ID, actual)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize reservation: %w", err)
	}
	s.metrics.RecordCreditsSettled(settlement.Charged, settlement.Overage)
	return settlement, nil
}

// GetCreditsBalance returns the workspace balance breakdown.
func (s *Service) GetCreditsBalance(ctx context.Context, workspaceID string) (*domain.CreditBalance, error) {
	return s.ledger.Balance(ctx, workspaceID)
}

// Admit checks and reserves estimate for a run. A denied admission returns a
// *domain.CreditInsufficientError.
func (s *Service) Admit(ctx context.Context, workspaceID string, estimate int64) (*Meter, error) {
	allowed, err := s.ShouldAllowExecution(ctx, workspaceID, estimate)
	if err != nil {
		return nil, err
	}
	if !allowed {
		available := int64(0)
		if b, balanceErr := s.ledger.Balance(ctx, workspaceID); balanceErr == nil {
			available = b.Available
		}
		return nil, &domain.CreditInsufficientError{
			WorkspaceID: workspaceID,
			Required:    estimate,
			Available:   available,
		}
	}

	r, err := s.ReserveCredits(ctx, workspaceID, estimate)
	if err != nil {
		var insufficient *domain.CreditInsufficientError
		if errors.As(err, &insufficient) {
			return nil, insufficient
		}
		return nil, fmt.Errorf("failed to reserve credits: %w", err)
	}

	return &Meter{
		service:     s,
		workspaceID: workspaceID,
		reservation: r,
	}, nil
}

// Meter accumulates the usage of one run and settles its reservation once.
type Meter struct {
	service     *Service
	workspaceID string
	reservation *domain.Reservation

	mu         sync.Mutex
	used       int64
	settled    bool
	settlement *domain.Settlement
}

// Add records credits consumed by the run.
func (m *Meter) Add(credits int64) {
	if credits <= 0 {
		return
	}
	m.mu.Lock()
	m.used += credits
	m.mu.Unlock()
}

// Used returns the credits recorded so far.
func (m *Meter) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Reservation returns the underlying reservation, nil when checks are skipped.
func (m *Meter) Reservation() *domain.Reservation {
	return m.reservation
}

// Settle finalizes the reservation against recorded usage. Later calls
// return the first settlement.
func (m *Meter) Settle(ctx context.Context) (*domain.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settled {
		return m.settlement, nil
	}
	m.settled = true

	settlement, err := m.service.FinalizeCredits(ctx, m.reservation, m.used)
	if err != nil {
		m.service.logger.Error("failed to settle credits",
			zap.String("workspace_id", m.workspaceID),
			zap.Int64("used", m.used),
			zap.Error(err))
		return nil, err
	}
	m.settlement = settlement

	m.service.logger.Debug("credits settled",
		zap.String("workspace_id", m.workspaceID),
		zap.Int64("used", m.used),
		zap.Int64("charged", settlement.Charged),
		zap.Int64("overage", settlement.Overage))

	return settlement, nil
}
