package realtime

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff"
)

// RunWithReconnect 网络重连流：connect 返回 nil 表示连接正常结束（主动关闭），
// 返回错误则按指数退避重试。注意：这是整个系统里唯一用指数退避的地方，
// 离线队列的重投用固定间隔（两套策略有意不统一）。
func RunWithReconnect(ctx context.Context, name string, connect func(ctx context.Context) error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // 一直重试，直到 ctx 取消

	for {
		started := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}
		// 连接撑过一分钟就认为上一轮退避没意义了，重新从短间隔开始
		if time.Since(started) > time.Minute {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		log.Printf("realtime: %s disconnected: %v, reconnect in %s", name, err, wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
