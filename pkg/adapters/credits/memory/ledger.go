package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// account holds one workspace balance.
type account struct {
	subscription int64
	purchased    int64
	bonus        int64
	reserved     int64
	usedMonth    int64
	usedAll      int64
	month        string
}

func (a *account) total() int64 {
	return a.subscription + a.purchased + a.bonus
}

// debit removes amount from the buckets, bonus first.
func (a *account) debit(amount int64) {
	take := min(amount, a.bonus)
	a.bonus -= take
	amount -= take

	take = min(amount, a.subscription)
	a.subscription -= take
	amount -= take

	a.purchased -= amount
}

// Ledger implements CreditLedger in memory
type Ledger struct {
	mu           sync.Mutex
	accounts     map[string]*account
	reservations map[string]*domain.Reservation
	settled      map[string]struct{}
	defaultGrant int64
	now          func() time.Time
	logger       *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithDefaultGrant opens every new workspace with amount subscription credits.
func WithDefaultGrant(amount int64) Option {
	return func(l *Ledger) {
		l.defaultGrant = amount
	}
}

// NewLedger creates an empty in-memory ledger
func NewLedger(logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		accounts:     make(map[string]*account),
		reservations: make(map[string]*domain.Reservation),
		settled:      make(map[string]struct{}),
		now:          time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// account returns the workspace account, creating it on first use.
// Callers must hold l.mu.
func (l *Ledger) account(workspaceID string) *account {
	acc, ok := l.accounts[workspaceID]
	if !ok {
		acc = &account{month: l.now().Format("2006-01"), subscription: max(l.defaultGrant, 0)}
		l.accounts[workspaceID] = acc
	}
	return acc
}

// Grant adds credits to a balance bucket
func (l *Ledger) Grant(ctx context.Context, workspaceID string, source domain.CreditSource, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("grant amount must not be negative: %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.account(workspaceID)
	switch source {
	case domain.CreditSourceSubscription:
		acc.subscription += amount
	case domain.CreditSourcePurchased:
		acc.purchased += amount
	case domain.CreditSourceBonus:
		acc.bonus += amount
	default:
		return fmt.Errorf("unknown credit source: %s", source)
	}
	return nil
}

// Reserve holds amount against the workspace balance
func (l *Ledger) Reserve(ctx context.Context, workspaceID string, amount int64) (*domain.Reservation, error) {
	if amount < 0 {
		return nil, fmt.Errorf("reservation amount must not be negative: %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.account(workspaceID)
	available := acc.total() - acc.reserved
	if available < amount {
		return nil, &domain.CreditInsufficientError{
			WorkspaceID: workspaceID,
			Required:    amount,
			Available:   available,
		}
	}

	acc.reserved += amount
	r := &domain.Reservation{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Amount:      amount,
		CreatedAt:   l.now(),
	}
	l.reservations[r.ID] = r

	l.logger.Debug("credits reserved",
		zap.String("workspace_id", workspaceID),
		zap.String("reservation_id", r.ID),
		zap.Int64("amount", amount))

	return r, nil
}

// take removes a reservation so that it can only be settled once.
// Callers must hold l.mu.
func (l *Ledger) take(reservationID string) (*domain.Reservation, error) {
	r, ok := l.reservations[reservationID]
	if !ok {
		if _, done := l.settled[reservationID]; done {
			return nil, fmt.Errorf("%w: %s", domain.ErrReservationSettled, reservationID)
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrReservationNotFound, reservationID)
	}
	delete(l.reservations, reservationID)
	l.settled[reservationID] = struct{}{}
	return r, nil
}

// Release returns a reservation in full
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, err := l.take(reservationID)
	if err != nil {
		return err
	}

	acc := l.account(r.WorkspaceID)
	acc.reserved -= r.Amount
	return nil
}

// Finalize settles a reservation to the actual usage
func (l *Ledger) Finalize(ctx context.Context, reservationID string, actual int64) (*domain.Settlement, error) {
	if actual < 0 {
		return nil, fmt.Errorf("actual usage must not be negative: %d", actual)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r, err := l.take(reservationID)
	if err != nil {
		return nil, err
	}

	acc := l.account(r.WorkspaceID)
	acc.reserved -= r.Amount

	room := max(acc.total()-acc.reserved, 0)
	charged := min(actual, room)
	acc.debit(charged)

	month := l.now().Format("2006-01")
	if acc.month != month {
		acc.month = month
		acc.usedMonth = 0
	}
	acc.usedMonth += charged
	acc.usedAll += charged

	settlement := &domain.Settlement{
		ReservationID: reservationID,
		Reserved:      r.Amount,
		Actual:        actual,
		Charged:       charged,
		Overage:       actual - charged,
	}
	if settlement.Overage > 0 {
		l.logger.Warn("credit usage exceeded balance",
			zap.String("workspace_id", r.WorkspaceID),
			zap.String("reservation_id", reservationID),
			zap.Int64("overage", settlement.Overage))
	}

	return settlement, nil
}

// Balance returns the balance breakdown of a workspace
func (l *Ledger) Balance(ctx context.Context, workspaceID string) (*domain.CreditBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.account(workspaceID)
	usedMonth := acc.usedMonth
	if acc.month != l.now().Format("2006-01") {
		usedMonth = 0
	}

	return &domain.CreditBalance{
		WorkspaceID:   workspaceID,
		Available:     acc.total() - acc.reserved,
		Subscription:  acc.subscription,
		Purchased:     acc.purchased,
		Bonus:         acc.bonus,
		Reserved:      acc.reserved,
		UsedThisMonth: usedMonth,
		UsedAllTime:   acc.usedAll,
	}, nil
}
