package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Script results for a missing or already settled reservation.
const (
	resultNotFound = -1
	resultSettled  = -2
)

var reserveScript = redis.NewScript(`
local sub = tonumber(redis.call('HGET', KEYS[1], 'subscription') or '0')
local pur = tonumber(redis.call('HGET', KEYS[1], 'purchased') or '0')
local bonus = tonumber(redis.call('HGET', KEYS[1], 'bonus') or '0')
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
local amount = tonumber(ARGV[1])
local available = sub + pur + bonus - reserved
if available < amount then
  return {0, available}
end
redis.call('HINCRBY', KEYS[1], 'reserved', amount)
redis.call('HSET', KEYS[2], 'workspace', ARGV[2], 'amount', amount, 'created', ARGV[3])
return {1, available - amount}
`)

var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
  if redis.call('EXISTS', KEYS[3]) == 1 then return -2 end
  return -1
end
local amount = tonumber(redis.call('HGET', KEYS[2], 'amount'))
redis.call('HINCRBY', KEYS[1], 'reserved', -amount)
redis.call('DEL', KEYS[2])
redis.call('SET', KEYS[3], '1', 'EX', ARGV[1])
return amount
`)

var finalizeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
  if redis.call('EXISTS', KEYS[3]) == 1 then return {-2, 0} end
  return {-1, 0}
end
local amount = tonumber(redis.call('HGET', KEYS[2], 'amount'))
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0') - amount
local sub = tonumber(redis.call('HGET', KEYS[1], 'subscription') or '0')
local pur = tonumber(redis.call('HGET', KEYS[1], 'purchased') or '0')
local bonus = tonumber(redis.call('HGET', KEYS[1], 'bonus') or '0')
local room = sub + pur + bonus - reserved
if room < 0 then room = 0 end
local charged = math.min(tonumber(ARGV[1]), room)
local rest = charged
local take = math.min(rest, bonus)
bonus = bonus - take
rest = rest - take
take = math.min(rest, sub)
sub = sub - take
rest = rest - take
pur = pur - rest
if redis.call('HGET', KEYS[1], 'month') ~= ARGV[3] then
  redis.call('HSET', KEYS[1], 'month', ARGV[3], 'used_month', 0)
end
redis.call('HSET', KEYS[1], 'reserved', reserved, 'subscription', sub, 'purchased', pur, 'bonus', bonus)
redis.call('HINCRBY', KEYS[1], 'used_month', charged)
redis.call('HINCRBY', KEYS[1], 'used_all', charged)
redis.call('DEL', KEYS[2])
redis.call('SET', KEYS[3], '1', 'EX', ARGV[2])
return {amount, charged}
`)

// Ledger implements CreditLedger on Redis hashes
type Ledger struct {
	client     *redis.Client
	logger     *zap.Logger
	settledTTL time.Duration
}

// NewLedger creates a new Redis credit ledger. Settled reservation markers
// are kept for settledTTL to reject a second settlement.
func NewLedger(client *redis.Client, settledTTL time.Duration, logger *zap.Logger) *Ledger {
	return &Ledger{
		client:     client,
		logger:     logger,
		settledTTL: settledTTL,
	}
}

// Grant adds credits to a balance bucket
func (l *Ledger) Grant(ctx context.Context, workspaceID string, source domain.CreditSource, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("grant amount must not be negative: %d", amount)
	}
	switch source {
	case domain.CreditSourceSubscription, domain.CreditSourcePurchased, domain.CreditSourceBonus:
	default:
		return fmt.Errorf("unknown credit source: %s", source)
	}

	if err := l.client.HIncrBy(ctx, getAccountKey(workspaceID), string(source), amount).Err(); err != nil {
		return fmt.Errorf("failed to grant credits: %w", err)
	}
	return nil
}

// Reserve holds amount against the workspace balance
func (l *Ledger) Reserve(ctx context.Context, workspaceID string, amount int64) (*domain.Reservation, error) {
	if amount < 0 {
		return nil, fmt.Errorf("reservation amount must not be negative: %d", amount)
	}

	r := &domain.Reservation{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Amount:      amount,
		CreatedAt:   time.Now(),
	}

	keys := []string{getAccountKey(workspaceID), getReservationKey(r.ID)}
	res, err := reserveScript.Run(ctx, l.client, keys, amount, workspaceID, r.CreatedAt.Unix()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve credits: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected reserve script result: %v", res)
	}
	if res[0] == 0 {
		return nil, &domain.CreditInsufficientError{
			WorkspaceID: workspaceID,
			Required:    amount,
			Available:   res[1],
		}
	}

	l.logger.Debug("credits reserved",
		zap.String("workspace_id", workspaceID),
		zap.String("reservation_id", r.ID),
		zap.Int64("amount", amount))

	return r, nil
}

// Release returns a reservation in full
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	keys, err := l.settlementKeys(ctx, reservationID)
	if err != nil {
		return err
	}

	res, err := releaseScript.Run(ctx, l.client, keys, int64(l.settledTTL.Seconds())).Int64()
	if err != nil {
		return fmt.Errorf("failed to release credits: %w", err)
	}
	return settlementError(res, reservationID)
}

// Finalize settles a reservation to the actual usage
func (l *Ledger) Finalize(ctx context.Context, reservationID string, actual int64) (*domain.Settlement, error) {
	if actual < 0 {
		return nil, fmt.Errorf("actual usage must not be negative: %d", actual)
	}

	keys, err := l.settlementKeys(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	month := time.Now().Format("2006-01")
	res, err := finalizeScript.Run(ctx, l.client, keys, actual, int64(l.settledTTL.Seconds()), month).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to finalize credits: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected finalize script result: %v", res)
	}
	if err := settlementError(res[0], reservationID); err != nil {
		return nil, err
	}

	return &domain.Settlement{
		ReservationID: reservationID,
		Reserved:      res[0],
		Actual:        actual,
		Charged:       res[1],
		Overage:       actual - res[1],
	}, nil
}

// Balance returns the balance breakdown of a workspace
func (l *Ledger) Balance(ctx context.Context, workspaceID string) (*domain.CreditBalance, error) {
	fields, err := l.client.HGetAll(ctx, getAccountKey(workspaceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	b := &domain.CreditBalance{
		WorkspaceID:   workspaceID,
		Subscription:  parseInt(fields["subscription"]),
		Purchased:     parseInt(fields["purchased"]),
		Bonus:         parseInt(fields["bonus"]),
		Reserved:      parseInt(fields["reserved"]),
		UsedThisMonth: parseInt(fields["used_month"]),
		UsedAllTime:   parseInt(fields["used_all"]),
	}
	if fields["month"] != time.Now().Format("2006-01") {
		b.UsedThisMonth = 0
	}
	b.Available = b.Total() - b.Reserved

	return b, nil
}

// settlementKeys resolves the keys touched when settling a reservation.
func (l *Ledger) settlementKeys(ctx context.Context, reservationID string) ([]string, error) {
	workspaceID, err := l.client.HGet(ctx, getReservationKey(reservationID), "workspace").Result()
	if errors.Is(err, redis.Nil) {
		settled, existsErr := l.client.Exists(ctx, getSettledKey(reservationID)).Result()
		if existsErr != nil {
			return nil, fmt.Errorf("failed to check reservation: %w", existsErr)
		}
		if settled > 0 {
			return nil, fmt.Errorf("%w: %s", domain.ErrReservationSettled, reservationID)
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrReservationNotFound, reservationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation: %w", err)
	}

	return []string{
		getAccountKey(workspaceID),
		getReservationKey(reservationID),
		getSettledKey(reservationID),
	}, nil
}

func settlementError(code int64, reservationID string) error {
	switch code {
	case resultNotFound:
		return fmt.Errorf("%w: %s", domain.ErrReservationNotFound, reservationID)
	case resultSettled:
		return fmt.Errorf("%w: %s", domain.ErrReservationSettled, reservationID)
	}
	return nil
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

// getAccountKey returns the Redis key for a workspace balance
func getAccountKey(workspaceID string) string {
	return fmt.Sprintf("flowengine:credits:%s", workspaceID)
}

// getReservationKey returns the Redis key for an open reservation
func getReservationKey(reservationID string) string {
	return fmt.Sprintf("flowengine:reservation:%s", reservationID)
}

// getSettledKey returns the Redis key marking a settled reservation
func getSettledKey(reservationID string) string {
	return fmt.Sprintf("flowengine:reservation:settled:%s", reservationID)
}
