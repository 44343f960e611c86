package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/flowengine/pkg/domain"
)

// Store implements ExecutionStore, CheckpointStore and ThreadStore using
// in-memory maps. Values are copied through JSON so callers never share
// state with the store.
type Store struct {
	mu          sync.RWMutex
	executions  map[string][]byte
	checkpoints map[string]map[string][]byte
	threads     map[string]*thread
}

type thread struct {
	messages []domain.Message
	tokens   domain.TokenUsage
	embedded map[string]struct{}
}

// NewStore creates a new in-memory store
func NewStore() *Store {
	return &Store{
		executions:  make(map[string][]byte),
		checkpoints: make(map[string]map[string][]byte),
		threads:     make(map[string]*thread),
	}
}

// SaveExecution stores a copy of record
func (s *Store) SaveExecution(ctx context.Context, record *domain.ExecutionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[record.ID] = data
	return nil
}

// GetExecution returns a copy of the stored record
func (s *Store) GetExecution(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	s.mu.RLock()
	data, ok := s.executions[executionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, executionID)
	}

	var record domain.ExecutionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &record, nil
}

// ListExecutions returns every record, most recently submitted first
func (s *Store) ListExecutions(ctx context.Context) ([]*domain.ExecutionRecord, error) {
	s.mu.RLock()
	blobs := make([][]byte, 0, len(s.executions))
	for _, data := range s.executions {
		blobs = append(blobs, data)
	}
	s.mu.RUnlock()

	records := make([]*domain.ExecutionRecord, 0, len(blobs))
	for _, data := range blobs {
		var record domain.ExecutionRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
		}
		records = append(records, &record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].SubmittedAt.After(records[j].SubmittedAt)
	})
	return records, nil
}

// SaveCheckpoint records the output of a completed node
func (s *Store) SaveCheckpoint(ctx context.Context, executionID, nodeID string, output interface{}) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	nodes, ok := s.checkpoints[executionID]
	if !ok {
		nodes = make(map[string][]byte)
		s.checkpoints[executionID] = nodes
	}
	nodes[nodeID] = data
	return nil
}

// LoadCheckpoints returns the recorded outputs keyed by node id
func (s *Store) LoadCheckpoints(ctx context.Context, executionID string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]interface{}, len(s.checkpoints[executionID]))
	for nodeID, data := range s.checkpoints[executionID] {
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint %s: %w", nodeID, err)
		}
		out[nodeID] = v
	}
	return out, nil
}

// DeleteCheckpoints drops the checkpoint log of an execution
func (s *Store) DeleteCheckpoints(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, executionID)
	return nil
}

// LoadThreadHistory returns the messages of a thread in order
func (s *Store) LoadThreadHistory(ctx context.Context, threadID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrThreadNotFound, threadID)
	}
	return append([]domain.Message(nil), t.messages...), nil
}

// SaveThreadIncremental appends messages to a thread, creating it on first use
func (s *Store) SaveThreadIncremental(ctx context.Context, threadID string, messages []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.thread(threadID)
	t.messages = append(t.messages, messages...)
	return nil
}

// UpdateThreadTokens adds usage to the thread's running totals
func (s *Store) UpdateThreadTokens(ctx context.Context, threadID string, usage domain.TokenUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thread(threadID).tokens.Add(usage)
	return nil
}

// StoreThreadEmbeddings marks messages as indexed. Vectors are produced by an
// external indexer; this store only tracks which messages were handed over.
func (s *Store) StoreThreadEmbeddings(ctx context.Context, threadID string, messages []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.thread(threadID)
	for _, m := range messages {
		if m.Role == domain.RoleUser || m.Role == domain.RoleAssistant {
			t.embedded[m.ID] = struct{}{}
		}
	}
	return nil
}

// ThreadTokens returns the token totals of a thread
func (s *Store) ThreadTokens(threadID string) domain.TokenUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.threads[threadID]; ok {
		return t.tokens
	}
	return domain.TokenUsage{}
}

// EmbeddedCount returns how many messages of a thread were indexed
func (s *Store) EmbeddedCount(threadID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.threads[threadID]; ok {
		return len(t.embedded)
	}
	return 0
}

func (s *Store) thread(threadID string) *thread {
	t, ok := s.threads[threadID]
	if !ok {
		t = &thread{embedded: make(map[string]struct{})}
		s.threads[threadID] = t
	}
	return t
}
