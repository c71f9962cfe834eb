package ratelimit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	internalsettings "github.com/router-for-me/gpulease/internal/settings"
)

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	limiter := NewMemoryLimiter()
	ctx := context.Background()
	rule := Rule{Limit: 2, Window: time.Minute}
	start := time.Unix(1_700_000_040, 0) // aligned to a minute boundary

	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, "k", rule, start.Add(time.Duration(i)*10*time.Second))
		if err != nil || !res.Allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, res.Allowed, err)
		}
	}
	res, _ := limiter.Allow(ctx, "k", rule, start.Add(59*time.Second))
	if res.Allowed {
		t.Fatalf("third request in the same window should be limited")
	}
	if !res.Reset.Equal(start.Add(time.Minute).UTC()) {
		t.Fatalf("unexpected reset: %s", res.Reset)
	}
	if got := res.RetryAfter(start.Add(59 * time.Second)); got != time.Second {
		t.Fatalf("expected 1s retry, got %s", got)
	}
	if res, _ = limiter.Allow(ctx, "k", rule, start.Add(time.Minute)); !res.Allowed || res.Remaining != 1 {
		t.Fatalf("next window should allow with fresh budget, got %+v", res)
	}
}

func TestMemoryLimiter_PrunesClosedWindows(t *testing.T) {
	limiter := NewMemoryLimiter()
	ctx := context.Background()
	rule := Rule{Limit: 1, Window: time.Second}
	now := time.Unix(1_700_000_000, 0)

	for _, key := range []string{"a", "b", "c"} {
		_, _ = limiter.Allow(ctx, key, rule, now)
	}
	if limiter.size() != 3 {
		t.Fatalf("expected 3 tracked keys, got %d", limiter.size())
	}
	_, _ = limiter.Allow(ctx, "d", rule, now.Add(5*time.Second))
	if limiter.size() != 1 {
		t.Fatalf("expected closed windows pruned, got %d keys", limiter.size())
	}
}

func TestRule_Normalizes(t *testing.T) {
	if !(Rule{}).Unlimited() {
		t.Fatalf("zero rule should be unlimited")
	}
	if got := (Rule{Limit: 1, Window: 10 * time.Millisecond}).window(); got != time.Second {
		t.Fatalf("sub-second window should round up to 1s, got %s", got)
	}
	index, reset := Rule{Limit: 1, Window: time.Minute}.bucket(time.Unix(125, 0))
	if index != 2 || !reset.Equal(time.Unix(180, 0).UTC()) {
		t.Fatalf("unexpected bucket %d reset %s", index, reset)
	}
}

func TestManager_UsesSettingsRule(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mgr := NewManager(func() SettingsConfig { return SettingsConfig{Limit: 1, Window: time.Minute} }, func() time.Time { return now }, nil)
	ctx := context.Background()

	if res, err := mgr.AllowUser(ctx, 7); err != nil || !res.Allowed {
		t.Fatalf("first lease: allowed=%v err=%v", res.Allowed, err)
	}
	if res, _ := mgr.AllowUser(ctx, 7); res.Allowed {
		t.Fatalf("second lease in the same window should be limited")
	}
	if res, _ := mgr.AllowUser(ctx, 8); !res.Allowed {
		t.Fatalf("limits are per user")
	}
	now = now.Add(time.Minute)
	if res, _ := mgr.AllowUser(ctx, 7); !res.Allowed {
		t.Fatalf("limit should reset in the next window")
	}
}

func TestManager_UnlimitedWhenZero(t *testing.T) {
	mgr := NewManager(func() SettingsConfig { return SettingsConfig{} }, nil, nil)
	for i := 0; i < 10; i++ {
		if res, _ := mgr.AllowUser(context.Background(), 1); !res.Allowed {
			t.Fatalf("request %d limited with no limit configured", i)
		}
	}
	var nilMgr *Manager
	if res, _ := nilMgr.AllowUser(context.Background(), 1); !res.Allowed {
		t.Fatalf("nil manager should not limit")
	}
}

func TestManager_RedisFailureFallsBackToMemory(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	calls := 0
	factory := func(options *redis.Options) *redis.Client {
		calls++
		options.DialTimeout = 50 * time.Millisecond
		options.MaxRetries = -1
		return redis.NewClient(options)
	}
	mgr := NewManager(func() SettingsConfig {
		return SettingsConfig{Limit: 1, Window: time.Minute, RedisEnabled: true, RedisAddr: "127.0.0.1:1", RedisPrefix: "test"}
	}, func() time.Time { return now }, factory)
	t.Cleanup(func() { _ = mgr.Close() })

	if res, err := mgr.AllowUser(context.Background(), 1); err != nil || !res.Allowed {
		t.Fatalf("fallback request: allowed=%v err=%v", res.Allowed, err)
	}
	if res, _ := mgr.AllowUser(context.Background(), 1); res.Allowed {
		t.Fatalf("memory fallback should enforce the limit")
	}
	if calls != 1 {
		t.Fatalf("breaker should suppress reconnects, got %d dials", calls)
	}
}

func TestLoadSettingsConfig(t *testing.T) {
	t.Cleanup(func() { internalsettings.StoreDBConfig(time.Time{}, nil) })

	internalsettings.StoreDBConfig(time.Time{}, nil)
	cfg := LoadSettingsConfig()
	if cfg.Limit != 0 || cfg.Window != time.Minute || cfg.RedisPrefix != internalsettings.DefaultRateLimitRedisPrefix {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	internalsettings.StoreDBConfig(time.Now(), map[string]json.RawMessage{
		internalsettings.LeaseRateLimitKey:        json.RawMessage(`5`),
		internalsettings.LeaseRateLimitWindowKey:  json.RawMessage(`"30"`),
		internalsettings.RateLimitRedisEnabledKey: json.RawMessage(`true`),
		internalsettings.RateLimitRedisAddrKey:    json.RawMessage(`" redis:6379 "`),
		internalsettings.RateLimitRedisPrefixKey:  json.RawMessage(`""`),
	})
	cfg = LoadSettingsConfig()
	if cfg.Limit != 5 || cfg.Window != 30*time.Second || !cfg.RedisEnabled || cfg.RedisAddr != "redis:6379" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.RedisPrefix != internalsettings.DefaultRateLimitRedisPrefix {
		t.Fatalf("blank prefix should fall back to default, got %q", cfg.RedisPrefix)
	}
}

func TestLeaseKey(t *testing.T) {
	if LeaseKey(0) != "" {
		t.Fatalf("anonymous users have no key")
	}
	if got := LeaseKey(42); got != "lease:u:42" {
		t.Fatalf("unexpected key %q", got)
	}
}
