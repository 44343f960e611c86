package ports

import (
	"context"

	"github.com/aescanero/flowengine/pkg/domain"
)

// CreditLedger holds workspace balances. Reserve, Release and Finalize are
// atomic with respect to each other and keep balance - reserved >= 0.
type CreditLedger interface {
	// Reserve holds amount against the workspace or fails with
	// domain.ErrInsufficientCredits.
	Reserve(ctx context.Context, workspaceID string, amount int64) (*domain.Reservation, error)

	// Release returns a reservation in full. A reservation can be settled once.
	Release(ctx context.Context, reservationID string) error

	// Finalize settles a reservation to the actual usage.
	Finalize(ctx context.Context, reservationID string, actual int64) (*domain.Settlement, error)

	// Balance returns the current balance breakdown.
	Balance(ctx context.Context, workspaceID string) (*domain.CreditBalance, error)

	// Grant adds credits to a balance bucket.
	Grant(ctx context.Context, workspaceID string, source domain.CreditSource, amount int64) error
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, record *domain.ExecutionRecord) error
	GetExecution(ctx context.Context, executionID string) (*domain.ExecutionRecord, error)
	ListExecutions(ctx context.Context) ([]*domain.ExecutionRecord, error)
}

// CheckpointStore is the log of completed node outputs used to resume a run.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, executionID, nodeID string, output interface{}) error
	LoadCheckpoints(ctx context.Context, executionID string) (map[string]interface{}, error)
	DeleteCheckpoints(ctx context.Context, executionID string) error
}

// ThreadStore persists agent threads incrementally.
type ThreadStore interface {
	LoadThreadHistory(ctx context.Context, threadID string) ([]domain.Message, error)
	SaveThreadIncremental(ctx context.Context, threadID string, messages []domain.Message) error
	UpdateThreadTokens(ctx context.Context, threadID string, usage domain.TokenUsage) error
	StoreThreadEmbeddings(ctx context.Context, threadID string, messages []domain.Message) error
}
