package balance

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"ilpnode/accounts"
	"ilpnode/observability"
)

const (
	fieldClearing = "clearing_balance"
	fieldPrepaid  = "prepaid_amount"
)

// Each script runs atomically on the server, so one account's mutations serialise
// across every node sharing the Redis instance. Comparisons use Lua doubles, exact
// up to 2^53. Every write goes through ARGV or string.format('%d') because Lua
// renders large doubles in exponent form, which HINCRBY refuses.
var (
	prepareScript = redis.NewScript(`
local clearing = tonumber(redis.call('HGET', KEYS[1], 'clearing_balance') or '0')
local prepaid = tonumber(redis.call('HGET', KEYS[1], 'prepaid_amount') or '0')
local amount = tonumber(ARGV[1])
local from_prepaid = 0
if prepaid > 0 then
  from_prepaid = math.min(prepaid, amount)
end
local rest = amount - from_prepaid
if rest > 0 and ARGV[2] == '1' and clearing - rest < tonumber(ARGV[3]) then
  return {0, clearing, prepaid, 0}
end
local next_clearing = redis.call('HINCRBY', KEYS[1], 'clearing_balance', string.format('%d', -rest))
local next_prepaid = redis.call('HINCRBY', KEYS[1], 'prepaid_amount', string.format('%d', -from_prepaid))
return {1, next_clearing, next_prepaid, from_prepaid}
`)

	fulfillScript = redis.NewScript(`
local clearing = redis.call('HINCRBY', KEYS[1], 'clearing_balance', ARGV[1])
local prepaid = tonumber(redis.call('HGET', KEYS[1], 'prepaid_amount') or '0')
local settle = 0
if ARGV[2] == '1' and clearing > tonumber(ARGV[3]) then
  settle = clearing - tonumber(ARGV[4])
  redis.call('HSET', KEYS[1], 'clearing_balance', ARGV[4])
  clearing = tonumber(ARGV[4])
end
return {clearing, prepaid, settle}
`)

	rejectScript = redis.NewScript(`
local prepaid = redis.call('HINCRBY', KEYS[1], 'prepaid_amount', ARGV[1])
local clearing = redis.call('HINCRBY', KEYS[1], 'clearing_balance', ARGV[2])
return {clearing, prepaid}
`)
)

// RedisTracker keeps balances in Redis hashes so several nodes can share one ledger.
type RedisTracker struct {
	settings
	client redis.Cmdable
	prefix string
}

// NewRedisTracker returns a tracker storing each account under prefix+id.
func NewRedisTracker(client redis.Cmdable, prefix string, opts ...Option) *RedisTracker {
	if prefix == "" {
		prefix = "ilp:balance:"
	}
	return &RedisTracker{settings: newSettings(opts), client: client, prefix: prefix}
}

func (t *RedisTracker) key(id accounts.AccountID) string { return t.prefix + string(id) }

func flagAndValue(v *int64) (string, string) {
	if v == nil {
		return "0", "0"
	}
	return "1", strconv.FormatInt(*v, 10)
}

func int64s(res interface{}, n int) ([]int64, error) {
	raw, ok := res.([]interface{})
	if !ok || len(raw) != n {
		return nil, fmt.Errorf("balance: unexpected script reply %T", res)
	}
	out := make([]int64, n)
	for i, v := range raw {
		iv, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("balance: unexpected script element %T", v)
		}
		out[i] = iv
	}
	return out, nil
}

// Balance reads the account hash.
func (t *RedisTracker) Balance(ctx context.Context, id accounts.AccountID) (Balance, error) {
	if err := checkArgs(id, 0); err != nil {
		return Balance{}, err
	}
	vals, err := t.client.HMGet(ctx, t.key(id), fieldClearing, fieldPrepaid).Result()
	if err != nil {
		return Balance{}, fmt.Errorf("read balance %s: %w", id, err)
	}
	var b Balance
	for i, dst := range []*int64{&b.ClearingBalance, &b.PrepaidAmount} {
		s, ok := vals[i].(string)
		if !ok {
			continue
		}
		if *dst, err = strconv.ParseInt(s, 10, 64); err != nil {
			return Balance{}, fmt.Errorf("decode balance %s: %w", id, err)
		}
	}
	return b, nil
}

func (t *RedisTracker) UpdateBalanceForPrepare(ctx context.Context, id accounts.AccountID, amount int64, minBalance *int64) (Debit, error) {
	if err := checkArgs(id, amount); err != nil {
		return Debit{}, err
	}
	hasMin, minValue := flagAndValue(minBalance)
	res, err := prepareScript.Run(ctx, t.client, []string{t.key(id)}, amount, hasMin, minValue).Result()
	if err != nil {
		return Debit{}, fmt.Errorf("prepare %s: %w", id, err)
	}
	vals, err := int64s(res, 4)
	if err != nil {
		return Debit{}, err
	}
	current := Balance{ClearingBalance: vals[1], PrepaidAmount: vals[2]}
	if vals[0] == 0 {
		observability.Balances().RecordFloorRejection(string(id))
		return Debit{}, &TrackerError{Op: "prepare", AccountID: id, Amount: amount, Balance: current, MinBalance: *minBalance}
	}
	observability.Balances().ObserveBalance(string(id), current.ClearingBalance, current.PrepaidAmount)
	return Debit{AccountID: id, Amount: amount, FromPrepaid: vals[3], Balance: current}, nil
}

func (t *RedisTracker) UpdateBalanceForFulfill(ctx context.Context, id accounts.AccountID, amount int64, policy accounts.BalancePolicy) (FulfillResult, error) {
	if err := checkArgs(id, amount); err != nil {
		return FulfillResult{}, err
	}
	hasThreshold, threshold := flagAndValue(policy.SettleThreshold)
	res, err := fulfillScript.Run(ctx, t.client, []string{t.key(id)}, amount, hasThreshold, threshold, policy.SettleTo).Result()
	if err != nil {
		return FulfillResult{}, fmt.Errorf("fulfill %s: %w", id, err)
	}
	vals, err := int64s(res, 3)
	if err != nil {
		return FulfillResult{}, err
	}
	out := FulfillResult{Balance: Balance{ClearingBalance: vals[0], PrepaidAmount: vals[1]}}
	observability.Balances().ObserveBalance(string(id), vals[0], vals[1])
	if vals[2] > 0 {
		out.Settlement = &Settlement{AccountID: id, Amount: vals[2]}
		t.notify(ctx, id, vals[2])
	}
	return out, nil
}

func (t *RedisTracker) UpdateBalanceForReject(ctx context.Context, debit Debit) (Balance, error) {
	if err := checkDebit(debit); err != nil {
		return Balance{}, err
	}
	res, err := rejectScript.Run(ctx, t.client, []string{t.key(debit.AccountID)}, debit.FromPrepaid, debit.FromClearing()).Result()
	if err != nil {
		return Balance{}, fmt.Errorf("reject %s: %w", debit.AccountID, err)
	}
	vals, err := int64s(res, 2)
	if err != nil {
		return Balance{}, err
	}
	observability.Balances().ObserveBalance(string(debit.AccountID), vals[0], vals[1])
	return Balance{ClearingBalance: vals[0], PrepaidAmount: vals[1]}, nil
}

func (t *RedisTracker) UpdateBalanceForIncomingSettlement(ctx context.Context, id accounts.AccountID, amount int64) (Balance, error) {
	if err := checkArgs(id, amount); err != nil {
		return Balance{}, err
	}
	res, err := rejectScript.Run(ctx, t.client, []string{t.key(id)}, amount, 0).Result()
	if err != nil {
		return Balance{}, fmt.Errorf("incoming settlement %s: %w", id, err)
	}
	vals, err := int64s(res, 2)
	if err != nil {
		return Balance{}, err
	}
	return Balance{ClearingBalance: vals[0], PrepaidAmount: vals[1]}, nil
}
