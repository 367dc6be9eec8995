package cache

import "fmt"

// 键语义：
// - connsKey(userID):  该用户的存活连接集合（ZSET，member=connectionId，score=expireAt）
// - typingKey(roomID): 房间内正在输入的用户（ZSET，member=userId，score=expireAt）
//
// score 统一用"逻辑 TTL"（Unix 秒的过期时刻）。不靠 Redis 键 TTL，
// 这样清扫可以在服务端 Lua 里原子做，浏览器被强杀也能收敛。

const (
	keyConnsFmt  = "presence:conns:%d"  // ZSET<connectionId -> expireAt>
	keyTypingFmt = "presence:typing:%s" // ZSET<userId -> expireAt>
)

func connsKey(userID uint64) string { return fmt.Sprintf(keyConnsFmt, userID) }
func typingKey(roomID string) string { return fmt.Sprintf(keyTypingFmt, roomID) }
