package budget

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTTL bounds how long a day's hash outlives the day.
const RedisTTL = 48 * time.Hour

const (
	consumedSuffix = ":c"
	reservedSuffix = ":r"
)

// KEYS[1] hash; ARGV[1] consumed field; ARGV[2] reserved field; ARGV[3] limit; ARGV[4] ttl seconds.
var reserveScript = redis.NewScript(`
local c = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local r = tonumber(redis.call('HGET', KEYS[1], ARGV[2]) or '0')
if c + r >= tonumber(ARGV[3]) then
  return 0
end
redis.call('HINCRBY', KEYS[1], ARGV[2], 1)
redis.call('EXPIRE', KEYS[1], ARGV[4])
return 1
`)

// KEYS[1] hash; ARGV[1] reserved field.
var releaseScript = redis.NewScript(`
local r = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if r <= 0 then
  return 0
end
redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
return 1
`)

// KEYS[1] hash; ARGV[1] consumed field; ARGV[2] reserved field; ARGV[3] limit; ARGV[4] ttl seconds.
var consumeScript = redis.NewScript(`
local c = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local r = tonumber(redis.call('HGET', KEYS[1], ARGV[2]) or '0')
local limit = tonumber(ARGV[3])
if r > 0 and c < limit then
  redis.call('HINCRBY', KEYS[1], ARGV[2], -1)
  redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
  redis.call('EXPIRE', KEYS[1], ARGV[4])
  return 1
end
if c + r < limit then
  redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
  redis.call('EXPIRE', KEYS[1], ARGV[4])
  return 1
end
return 0
`)

// RedisLedger keeps one hash per sender and day, with a consumed and a
// reserved field per action type. All mutations run as Lua scripts.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLedger returns a Ledger backed by client.
func NewRedisLedger(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client, prefix: "sy:budget"}
}

func (l *RedisLedger) hashKey(senderID, day string) string {
	return fmt.Sprintf("%s:{%s}:%s", l.prefix, senderID, day)
}

func (l *RedisLedger) read(ctx context.Context, k Key) (consumed, reserved int, err error) {
	vals, err := l.client.HMGet(ctx, l.hashKey(k.SenderID, k.Day),
		k.ActionType+consumedSuffix, k.ActionType+reservedSuffix).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("budget: read %s/%s: %w", k.SenderID, k.ActionType, err)
	}
	return atoiOrZero(vals[0]), atoiOrZero(vals[1]), nil
}

// Remaining returns limit - consumed.
func (l *RedisLedger) Remaining(ctx context.Context, k Key, limit int) (int, error) {
	c, _, err := l.read(ctx, k)
	if err != nil {
		return 0, err
	}
	return floor0(limit - c), nil
}

// Available returns limit - consumed - reserved.
func (l *RedisLedger) Available(ctx context.Context, k Key, limit int) (int, error) {
	c, r, err := l.read(ctx, k)
	if err != nil {
		return 0, err
	}
	return floor0(limit - c - r), nil
}

// Reserve increments reserved iff consumed+reserved < limit.
func (l *RedisLedger) Reserve(ctx context.Context, k Key, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	n, err := reserveScript.Run(ctx, l.client, []string{l.hashKey(k.SenderID, k.Day)},
		k.ActionType+consumedSuffix, k.ActionType+reservedSuffix, limit, int(RedisTTL.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("budget: reserve %s/%s: %w", k.SenderID, k.ActionType, err)
	}
	return n == 1, nil
}

// Release decrements reserved iff reserved > 0.
func (l *RedisLedger) Release(ctx context.Context, k Key) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.hashKey(k.SenderID, k.Day)},
		k.ActionType+reservedSuffix).Err(); err != nil {
		return fmt.Errorf("budget: release %s/%s: %w", k.SenderID, k.ActionType, err)
	}
	return nil
}

// Consume moves one unit from reserved to consumed, or consumes directly
// when nothing is reserved and capacity remains.
func (l *RedisLedger) Consume(ctx context.Context, k Key, limit int) error {
	n, err := consumeScript.Run(ctx, l.client, []string{l.hashKey(k.SenderID, k.Day)},
		k.ActionType+consumedSuffix, k.ActionType+reservedSuffix, limit, int(RedisTTL.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("budget: consume %s/%s: %w", k.SenderID, k.ActionType, err)
	}
	if n == 0 {
		return ErrExhausted
	}
	return nil
}

// Usage lists the sender's counters for day, ordered by action type.
func (l *RedisLedger) Usage(ctx context.Context, senderID, day string) ([]Counter, error) {
	fields, err := l.client.HGetAll(ctx, l.hashKey(senderID, day)).Result()
	if err != nil {
		return nil, fmt.Errorf("budget: usage %s/%s: %w", senderID, day, err)
	}

	byType := make(map[string]*Counter)
	for field, val := range fields {
		var actionType string
		var reserved bool
		switch {
		case strings.HasSuffix(field, consumedSuffix):
			actionType = strings.TrimSuffix(field, consumedSuffix)
		case strings.HasSuffix(field, reservedSuffix):
			actionType = strings.TrimSuffix(field, reservedSuffix)
			reserved = true
		default:
			continue
		}
		c, ok := byType[actionType]
		if !ok {
			c = &Counter{ActionType: actionType}
			byType[actionType] = c
		}
		n, _ := strconv.Atoi(val)
		if reserved {
			c.Reserved = n
		} else {
			c.Consumed = n
		}
	}

	out := make([]Counter, 0, len(byType))
	for _, c := range byType {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionType < out[j].ActionType })
	return out, nil
}

func atoiOrZero(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}
