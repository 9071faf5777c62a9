package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/zulandar/senderyard/internal/config"
	"github.com/zulandar/senderyard/internal/db"
)

// --- Policy ---

func testPolicy() *Policy {
	return NewPolicy("low", map[string]map[string]int{
		"low":  {"connect": 3, "message": 10, Wildcard: 1},
		"high": {"connect": 50},
	}, []string{"view_profile"})
}

func TestPolicy_Limit(t *testing.T) {
	p := testPolicy()
	tests := []struct {
		tier, actionType string
		want             int
	}{
		{"low", "connect", 3},
		{"low", "message", 10},
		{"low", "like", 1},
		{"high", "connect", 50},
		{"high", "message", 0},
		{"unknown", "connect", 3},
		{"", "message", 10},
	}
	for _, tt := range tests {
		if got := p.Limit(tt.tier, tt.actionType); got != tt.want {
			t.Errorf("Limit(%q, %q) = %d, want %d", tt.tier, tt.actionType, got, tt.want)
		}
	}
}

func TestPolicy_Types(t *testing.T) {
	got := testPolicy().Types("low")
	if len(got) != 2 || got[0] != "connect" || got[1] != "message" {
		t.Errorf("Types(low) = %v, want [connect message]", got)
	}
	if got := testPolicy().Types("nope"); len(got) != 2 {
		t.Errorf("Types(nope) = %v, want the default tier's types", got)
	}
}

func TestPolicy_RequiresSession(t *testing.T) {
	p := testPolicy()
	if p.RequiresSession("view_profile") {
		t.Error("view_profile should not require a session")
	}
	if !p.RequiresSession("connect") {
		t.Error("connect should require a session")
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.BudgetConfig{DefaultTier: "low", Tiers: config.DefaultTiers})
	if got := p.Limit("low", "connect"); got != config.DefaultTiers["low"]["connect"] {
		t.Errorf("Limit(low, connect) = %d, want %d", got, config.DefaultTiers["low"]["connect"])
	}
}

func TestDayKey(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	ts := time.Date(2026, 3, 2, 5, 0, 0, 0, loc) // 2026-03-01 19:00 UTC
	if got := DayKey(ts); got != "2026-03-01" {
		t.Errorf("DayKey = %q, want %q", got, "2026-03-01")
	}
}

// --- Ledger contract, run against every backend ---

func newSQLLedger(t *testing.T) Ledger {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSQLLedger(gdb)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newRedisLedger(t *testing.T) Ledger {
	t.Helper()
	_, client := newTestRedis(t)
	return NewRedisLedger(client)
}

var backends = map[string]func(*testing.T) Ledger{
	"sql":   newSQLLedger,
	"redis": newRedisLedger,
}

func forEachBackend(t *testing.T, fn func(t *testing.T, l Ledger)) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

var key = Key{SenderID: "s-1", ActionType: "connect", Day: "2026-03-01"}

func TestLedger_ReserveUpToLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			ok, err := l.Reserve(ctx, key, 3)
			if err != nil {
				t.Fatalf("Reserve #%d: %v", i, err)
			}
			if !ok {
				t.Fatalf("Reserve #%d = false, want true", i)
			}
		}
		ok, err := l.Reserve(ctx, key, 3)
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if ok {
			t.Error("Reserve past limit = true, want false")
		}

		avail, _ := l.Available(ctx, key, 3)
		if avail != 0 {
			t.Errorf("Available = %d, want 0", avail)
		}
		rem, _ := l.Remaining(ctx, key, 3)
		if rem != 3 {
			t.Errorf("Remaining = %d, want 3 (reservations are not consumption)", rem)
		}
	})
}

func TestLedger_ZeroLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ok, err := l.Reserve(context.Background(), key, 0)
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if ok {
			t.Error("Reserve with zero limit = true, want false")
		}
	})
}

func TestLedger_ReleaseRestoresCapacity(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		l.Reserve(ctx, key, 1)
		if err := l.Release(ctx, key); err != nil {
			t.Fatalf("Release: %v", err)
		}
		// Extra release is a no-op and never goes negative.
		if err := l.Release(ctx, key); err != nil {
			t.Fatalf("Release (extra): %v", err)
		}
		avail, _ := l.Available(ctx, key, 1)
		if avail != 1 {
			t.Errorf("Available = %d, want 1", avail)
		}
		ok, _ := l.Reserve(ctx, key, 1)
		if !ok {
			t.Error("Reserve after release = false, want true")
		}
	})
}

func TestLedger_ConsumeConvertsReservation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		l.Reserve(ctx, key, 2)
		l.Reserve(ctx, key, 2)
		if err := l.Consume(ctx, key, 2); err != nil {
			t.Fatalf("Consume: %v", err)
		}

		usage, err := l.Usage(ctx, key.SenderID, key.Day)
		if err != nil {
			t.Fatalf("Usage: %v", err)
		}
		if len(usage) != 1 {
			t.Fatalf("len(Usage) = %d, want 1", len(usage))
		}
		if usage[0].Consumed != 1 || usage[0].Reserved != 1 {
			t.Errorf("Usage = %+v, want consumed 1 reserved 1", usage[0])
		}
		rem, _ := l.Remaining(ctx, key, 2)
		if rem != 1 {
			t.Errorf("Remaining = %d, want 1", rem)
		}
	})
}

func TestLedger_ConsumeWithoutReservation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		if err := l.Consume(ctx, key, 1); err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if err := l.Consume(ctx, key, 1); !errors.Is(err, ErrExhausted) {
			t.Errorf("Consume past limit = %v, want ErrExhausted", err)
		}
		rem, _ := l.Remaining(ctx, key, 1)
		if rem != 0 {
			t.Errorf("Remaining = %d, want 0", rem)
		}
	})
}

func TestLedger_ConsumeNeverExceedsLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		// Reservations taken under a higher limit, then the limit drops.
		l.Reserve(ctx, key, 3)
		l.Reserve(ctx, key, 3)
		if err := l.Consume(ctx, key, 1); err != nil {
			t.Fatalf("Consume #1: %v", err)
		}
		if err := l.Consume(ctx, key, 1); !errors.Is(err, ErrExhausted) {
			t.Errorf("Consume #2 = %v, want ErrExhausted", err)
		}
		usage, _ := l.Usage(ctx, key.SenderID, key.Day)
		if usage[0].Consumed != 1 {
			t.Errorf("Consumed = %d, want 1", usage[0].Consumed)
		}
	})
}

func TestLedger_UsageSeparatesTypesAndDays(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		msg := Key{SenderID: "s-1", ActionType: "message", Day: key.Day}
		tomorrow := Key{SenderID: "s-1", ActionType: "connect", Day: "2026-03-02"}
		l.Consume(ctx, key, 5)
		l.Consume(ctx, msg, 5)
		l.Consume(ctx, msg, 5)
		l.Consume(ctx, tomorrow, 5)

		usage, err := l.Usage(ctx, "s-1", key.Day)
		if err != nil {
			t.Fatalf("Usage: %v", err)
		}
		if len(usage) != 2 {
			t.Fatalf("len(Usage) = %d, want 2: %+v", len(usage), usage)
		}
		if usage[0].ActionType != "connect" || usage[0].Consumed != 1 {
			t.Errorf("usage[0] = %+v, want connect consumed 1", usage[0])
		}
		if usage[1].ActionType != "message" || usage[1].Consumed != 2 {
			t.Errorf("usage[1] = %+v, want message consumed 2", usage[1])
		}

		empty, err := l.Usage(ctx, "s-unknown", key.Day)
		if err != nil {
			t.Fatalf("Usage (empty): %v", err)
		}
		if len(empty) != 0 {
			t.Errorf("Usage for unknown sender = %+v, want empty", empty)
		}
	})
}

func TestLedger_ConcurrentReserve(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		const workers = 20
		const limit = 5

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			granted int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := l.Reserve(ctx, key, limit)
				if err != nil {
					t.Errorf("Reserve: %v", err)
					return
				}
				if ok {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if granted != limit {
			t.Errorf("granted = %d, want %d", granted, limit)
		}
	})
}

// --- Redis specifics ---

func TestRedisLedger_TTL(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLedger(client)
	if _, err := l.Reserve(context.Background(), key, 1); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	hk := l.hashKey(key.SenderID, key.Day)
	if ttl := mr.TTL(hk); ttl != RedisTTL {
		t.Errorf("TTL = %v, want %v", ttl, RedisTTL)
	}

	mr.FastForward(RedisTTL + time.Second)
	if mr.Exists(hk) {
		t.Error("counter hash should expire after the TTL")
	}
}

func TestOpen_SQLDefault(t *testing.T) {
	l, closeFn, err := Open(context.Background(), config.BudgetConfig{Backend: "sql"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closeFn()
	if _, ok := l.(*SQLLedger); !ok {
		t.Errorf("Open(sql) = %T, want *SQLLedger", l)
	}
}

func TestOpen_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	l, closeFn, err := Open(context.Background(), config.BudgetConfig{
		Backend: "redis",
		Redis:   config.RedisConfig{Addr: mr.Addr()},
	}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closeFn()
	if _, ok := l.(*RedisLedger); !ok {
		t.Errorf("Open(redis) = %T, want *RedisLedger", l)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, _, err := Open(context.Background(), config.BudgetConfig{Backend: "memcached"}, nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
