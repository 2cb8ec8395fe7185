package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSlotScriptsInitialized(t *testing.T) {
	if slotAcquireScript == nil || slotReleaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}

func TestAcquireSlot_RejectsNilClient(t *testing.T) {
	_, err := AcquireSlot(context.Background(), nil, "k", 1, time.Second)
	if !errors.Is(err, errNilRedis) {
		t.Fatalf("expected nil client error, got %v", err)
	}
	if err := ReleaseSlot(context.Background(), nil, "k"); !errors.Is(err, errNilRedis) {
		t.Fatalf("expected nil client error, got %v", err)
	}
}

func TestRedisConfigDefaults(t *testing.T) {
	c := RedisConfig{Addr: "localhost:6379"}.withDefaults()
	if c.PoolSize != 20 || c.PingTimeout != 2*time.Second {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}
