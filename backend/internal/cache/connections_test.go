package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestConnectionCache(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	ctx := context.Background()
	defer rdb.Del(ctx, connsKey(42))

	c := NewRedisConnections(rdb)

	// 两个标签页 -> 两条连接记录
	if err := c.AddConnection(ctx, 42, "conn-a", 60*time.Second); err != nil {
		t.Fatalf("AddConnection error: %v", err)
	}
	if err := c.AddConnection(ctx, 42, "conn-b", 60*time.Second); err != nil {
		t.Fatalf("AddConnection error: %v", err)
	}
	n, err := c.CountAlive(ctx, 42)
	if err != nil {
		t.Fatalf("CountAlive error: %v", err)
	}
	if n != 2 {
		t.Fatalf("CountAlive = %d, want 2", n)
	}

	// 关掉一个标签页，另一个还在
	if err := c.RemoveConnection(ctx, 42, "conn-a"); err != nil {
		t.Fatalf("RemoveConnection error: %v", err)
	}
	n, err = c.CountAlive(ctx, 42)
	if err != nil {
		t.Fatalf("CountAlive error: %v", err)
	}
	if n != 1 {
		t.Fatalf("CountAlive = %d, want 1", n)
	}

	ids, err := c.AliveConnections(ctx, 42)
	if err != nil {
		t.Fatalf("AliveConnections error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "conn-b" {
		t.Fatalf("AliveConnections = %v, want [conn-b]", ids)
	}
	t.Logf("alive after one removal: %v", ids)
}

func TestConnectionCache_ExpiredSweep(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	ctx := context.Background()
	defer rdb.Del(ctx, connsKey(43))

	c := NewRedisConnections(rdb)

	// 负 TTL 造一条已过期记录：模拟浏览器被强杀后的残留
	if err := c.AddConnection(ctx, 43, "conn-dead", -1*time.Second); err != nil {
		t.Fatalf("AddConnection error: %v", err)
	}
	n, err := c.CountAlive(ctx, 43)
	if err != nil {
		t.Fatalf("CountAlive error: %v", err)
	}
	if n != 0 {
		t.Fatalf("CountAlive = %d, want 0 (expired record must be swept)", n)
	}
}
