package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ConnectionCache 每条物理连接一条记录。
// "断线即移除"的钩子用逻辑 TTL 表达：记录到期后由 Lua 清扫原子删除，
// 客户端一行代码都不用再跑，不体面的关闭也能收敛到 removed。
type ConnectionCache interface {
	// AddConnection 创建或续期一条连接记录（心跳复用同一个调用）
	AddConnection(ctx context.Context, userID uint64, connectionID string, ttl time.Duration) error
	// RemoveConnection 体面下线：显式删除
	RemoveConnection(ctx context.Context, userID uint64, connectionID string) error
	// CountAlive 清扫过期记录后返回存活连接数
	CountAlive(ctx context.Context, userID uint64) (int, error)
	// AliveConnections 存活的 connectionId 列表
	AliveConnections(ctx context.Context, userID uint64) ([]string, error)
}

// 具体实现：基于 redis 的 ConnectionCache
type redisConnections struct {
	rdb *redis.Client
	// 多个标签页同时问"他还在线吗"时合并成一次 Redis 往返
	sf singleflight.Group
}

var _ ConnectionCache = (*redisConnections)(nil)

func NewRedisConnections(rdb *redis.Client) ConnectionCache {
	return &redisConnections{rdb: rdb}
}

func (c *redisConnections) AddConnection(ctx context.Context, userID uint64, connectionID string, ttl time.Duration) error {
	expireAt := time.Now().Add(ttl).Unix()
	return c.rdb.ZAdd(ctx, connsKey(userID), redis.Z{
		Score:  float64(expireAt),
		Member: connectionID,
	}).Err()
}

func (c *redisConnections) RemoveConnection(ctx context.Context, userID uint64, connectionID string) error {
	return c.rdb.ZRem(ctx, connsKey(userID), connectionID).Err()
}

// 清扫 + 统计放在一个脚本里，避免两步之间别的客户端看到过期记录
const sweepCountScript = `
-- KEYS[1] = connsKey(userID)
-- ARGV[1] = now (unix seconds)
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
return redis.call("ZCARD", KEYS[1])
`

func (c *redisConnections) CountAlive(ctx context.Context, userID uint64) (int, error) {
	key := connsKey(userID)
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		now := time.Now().Unix()
		script := redis.NewScript(sweepCountScript)
		n, err := script.Run(ctx, c.rdb, []string{key}, now).Int()
		if err != nil && err != redis.Nil {
			return 0, err
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	n, ok := v.(int)
	if !ok {
		return 0, nil
	}
	return n, nil
}

func (c *redisConnections) AliveConnections(ctx context.Context, userID uint64) ([]string, error) {
	now := time.Now().Unix()
	ids, err := c.rdb.ZRangeByScore(ctx, connsKey(userID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return ids, nil
}

// TypingCache 正在输入指示：短命、不持久化、丢了就丢了
type TypingCache interface {
	SetTyping(ctx context.Context, roomID string, userID uint64, ttl time.Duration) error
	TypingUsers(ctx context.Context, roomID string) ([]uint64, error)
}

type redisTyping struct {
	rdb *redis.Client
}

var _ TypingCache = (*redisTyping)(nil)

func NewRedisTyping(rdb *redis.Client) TypingCache {
	return &redisTyping{rdb: rdb}
}

func (t *redisTyping) SetTyping(ctx context.Context, roomID string, userID uint64, ttl time.Duration) error {
	expireAt := time.Now().Add(ttl).Unix()
	return t.rdb.ZAdd(ctx, typingKey(roomID), redis.Z{
		Score:  float64(expireAt),
		Member: userID,
	}).Err()
}

func (t *redisTyping) TypingUsers(ctx context.Context, roomID string) ([]uint64, error) {
	now := time.Now().Unix()
	raw, err := t.rdb.ZRangeByScore(ctx, typingKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]uint64, 0, len(raw))
	for _, s := range raw {
		uid, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, uid)
	}
	return out, nil
}
