package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "flowengine:"

// Store implements ExecutionStore, CheckpointStore and ThreadStore using Redis.
// Records expire after ttl; checkpoints and threads are refreshed on write.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStore creates a new Redis store. A zero ttl keeps keys forever.
func NewStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// SaveExecution persists record as JSON
func (s *Store) SaveExecution(ctx context.Context, record *domain.ExecutionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	if err := s.client.Set(ctx, getExecutionKey(record.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	s.logger.Debug("execution saved",
		zap.String("execution_id", record.ID),
		zap.String("status", string(record.Status)))
	return nil
}

// GetExecution loads a record
func (s *Store) GetExecution(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	data, err := s.client.Get(ctx, getExecutionKey(executionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, executionID)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	var record domain.ExecutionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &record, nil
}

// ListExecutions scans every stored record, most recently submitted first
func (s *Store) ListExecutions(ctx context.Context) ([]*domain.ExecutionRecord, error) {
	keys, err := s.scan(ctx, keyPrefix+"execution:*")
	if err != nil {
		return nil, err
	}

	records := make([]*domain.ExecutionRecord, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			// expired between scan and get
			continue
		}

		var record domain.ExecutionRecord
		if err := json.Unmarshal(data, &record); err != nil {
			s.logger.Warn("skipping unreadable execution", zap.String("key", key), zap.Error(err))
			continue
		}
		records = append(records, &record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].SubmittedAt.After(records[j].SubmittedAt)
	})
	return records, nil
}

// SaveCheckpoint records a node output in the execution's checkpoint hash
func (s *Store) SaveCheckpoint(ctx context.Context, executionID, nodeID string, output interface{}) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	key := getCheckpointKey(executionID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, nodeID, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoints returns recorded outputs keyed by node id
func (s *Store) LoadCheckpoints(ctx context.Context, executionID string) (map[string]interface{}, error) {
	raw, err := s.client.HGetAll(ctx, getCheckpointKey(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}

	out := make(map[string]interface{}, len(raw))
	for nodeID, data := range raw {
		var v interface{}
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint %s: %w", nodeID, err)
		}
		out[nodeID] = v
	}
	return out, nil
}

// DeleteCheckpoints drops the checkpoint hash
func (s *Store) DeleteCheckpoints(ctx context.Context, executionID string) error {
	if err := s.client.Del(ctx, getCheckpointKey(executionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

// LoadThreadHistory reads the thread's message list
func (s *Store) LoadThreadHistory(ctx context.Context, threadID string) ([]domain.Message, error) {
	raw, err := s.client.LRange(ctx, getThreadKey(threadID, "messages"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrThreadNotFound, threadID)
	}

	messages := make([]domain.Message, 0, len(raw))
	for _, data := range raw {
		var msg domain.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// SaveThreadIncremental appends messages to the thread's list
func (s *Store) SaveThreadIncremental(ctx context.Context, threadID string, messages []domain.Message) error {
	if len(messages) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(messages))
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		values = append(values, data)
	}

	key := getThreadKey(threadID, "messages")
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}
	return nil
}

// UpdateThreadTokens increments the thread's token counters
func (s *Store) UpdateThreadTokens(ctx context.Context, threadID string, usage domain.TokenUsage) error {
	key := getThreadKey(threadID, "tokens")
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "input", usage.InputTokens)
	pipe.HIncrBy(ctx, key, "output", usage.OutputTokens)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update thread tokens: %w", err)
	}
	return nil
}

// ThreadTokens reads the thread's token counters
func (s *Store) ThreadTokens(ctx context.Context, threadID string) (domain.TokenUsage, error) {
	var usage domain.TokenUsage
	vals, err := s.client.HMGet(ctx, getThreadKey(threadID, "tokens"), "input", "output").Result()
	if err != nil {
		return usage, fmt.Errorf("failed to read thread tokens: %w", err)
	}
	usage.InputTokens = parseCounter(vals[0])
	usage.OutputTokens = parseCounter(vals[1])
	return usage, nil
}

// StoreThreadEmbeddings queues user and assistant messages for the external
// embedding indexer, which consumes the list with BLPOP.
func (s *Store) StoreThreadEmbeddings(ctx context.Context, threadID string, messages []domain.Message) error {
	values := make([]interface{}, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != domain.RoleUser && msg.Role != domain.RoleAssistant {
			continue
		}
		data, err := json.Marshal(map[string]interface{}{
			"threadId":  threadID,
			"messageId": msg.ID,
			"role":      msg.Role,
			"content":   msg.Content,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal embedding job: %w", err)
		}
		values = append(values, data)
	}
	if len(values) == 0 {
		return nil
	}

	if err := s.client.RPush(ctx, keyPrefix+"embeddings:queue", values...).Err(); err != nil {
		return fmt.Errorf("failed to queue embeddings: %w", err)
	}
	return nil
}

func (s *Store) scan(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func parseCounter(v interface{}) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(str, 10, 64)
	return n
}

func getExecutionKey(executionID string) string {
	return fmt.Sprintf("%sexecution:%s", keyPrefix, executionID)
}

func getCheckpointKey(executionID string) string {
	return fmt.Sprintf("%scheckpoint:%s", keyPrefix, executionID)
}

func getThreadKey(threadID, part string) string {
	return fmt.Sprintf("%sthread:%s:%s", keyPrefix, threadID, part)
}
