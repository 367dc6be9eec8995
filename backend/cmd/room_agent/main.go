package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"roomAgent/backend/config"
	"roomAgent/backend/internal/cache"
	"roomAgent/backend/internal/canvas"
	"roomAgent/backend/internal/events"
	"roomAgent/backend/internal/httpapi/middleware"
	"roomAgent/backend/internal/model"
	"roomAgent/backend/internal/outbox"
	"roomAgent/backend/internal/presence"
	"roomAgent/backend/internal/realtime"
	"roomAgent/backend/internal/roomsync"
	"roomAgent/backend/internal/store"
	"roomAgent/backend/internal/tabsync"
	"roomAgent/backend/internal/ws"
)

func initConfig() (*config.Config, error) {
	cfg := &config.Config{}
	v := viper.New()
	v.SetConfigName("roomAgentConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	// === 存储：配了 MySQL 用 MySQL，否则内存版（agent 离线也能跑） ===
	var msgStore store.MessageStore
	var strokeStore store.StrokeStore
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		msgStore = store.NewMessageStore(db)
		strokeStore = store.NewStrokeStore(db)
	} else {
		log.Printf("mysql dsn empty, using in-memory store")
		mem := store.NewMemoryStore()
		msgStore = mem
		strokeStore = mem
	}

	// === Kafka Producer（可选，brokers 为空则不导出事件） ===
	var producer sarama.SyncProducer
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err = sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()
	}
	dispatcher := events.NewDispatcher(producer, cfg.Kafka.Topic, events.NewSemaphore(100), events.DispatcherOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	})

	channel := realtime.NewRedisChannel(rdb)
	connCache := cache.NewRedisConnections(rdb)
	typingCache := cache.NewRedisTyping(rdb)

	hub := ws.NewHub()
	var manager *ws.Manager

	// === 跨标签页协调：同源其他 agent 实例的确认回执也要趋同 ===
	coordinator := tabsync.NewCoordinator("local", channel)
	coordinator.On("message_confirmed", func(_ string, payload json.RawMessage) {
		var m model.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			log.Printf("tabsync: bad confirmed payload: %v", err)
			return
		}
		if manager != nil {
			manager.NotifyConfirmed(m)
		}
	})
	coordinator.On("presence_changed", func(_ string, payload json.RawMessage) {
		var agg model.AggregatedPresence
		if err := json.Unmarshal(payload, &agg); err != nil {
			return
		}
		log.Printf("presence converged from peer instance: user=%d state=%s conns=%d",
			agg.UserID, agg.State, agg.ActiveConnections)
	})
	if err := coordinator.Start(context.Background()); err != nil {
		log.Fatalf("tabsync start failed: %v", err)
	}
	defer coordinator.Close()

	// 确认写入的钩子：Kafka 导出 + 本房间回执广播 + 跨实例广播
	onConfirmed := func(m model.Message) {
		payload, _ := json.Marshal(m)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := dispatcher.Submit(ctx, events.RoomEvent{
			RoomID:     m.RoomID,
			Kind:       "message_confirmed",
			ActorID:    m.SenderID,
			Key:        m.ClientMessageID,
			Payload:    payload,
			OccurredAt: m.CreatedAt,
		}); err != nil {
			log.Printf("event export submit failed: %v", err)
		}
		if manager != nil {
			manager.NotifyConfirmed(m)
		}
		if err := coordinator.Broadcast(ctx, "message_confirmed", m.ClientMessageID, m); err != nil {
			log.Printf("tabsync broadcast failed: %v", err)
		}
	}

	registry := roomsync.NewRegistry(func(roomID string) *roomsync.Engine {
		return roomsync.NewEngine(roomID, cfg.Identity.UserID, msgStore, channel, roomsync.Options{
			PageSize:     30,
			SendAttempts: 3,
			SendTimeout:  5 * time.Second,
			BatchSize:    10,
			OnConfirmed:  onConfirmed,
		})
	})
	defer registry.CloseAll()

	// === 离线投递队列 ===
	queue, err := outbox.Open(cfg.Outbox.Path, outbox.Options{
		MaxRetry: 5,
		DrainGap: 200 * time.Millisecond,
		OnFailed: func(op model.OutboundOperation, err error) {
			log.Printf("outbox: op %s permanently failed after %d retries: %v", op.ID, op.RetryCount, err)
		},
	})
	if err != nil {
		log.Fatalf("open outbox failed: %v", err)
	}
	defer queue.Close()

	queue.SetSender(func(ctx context.Context, op model.OutboundOperation) error {
		switch op.Kind {
		case outbox.KindChatMessage:
			var draft model.DraftMessage
			if err := json.Unmarshal(op.Payload, &draft); err != nil {
				return err
			}
			engine := registry.Get(draft.RoomID)
			if err := engine.LoadInitial(ctx); err != nil {
				return err
			}
			_, err := engine.Send(ctx, draft)
			return err
		default:
			log.Printf("outbox: drop op %s with unknown kind %q", op.ID, op.Kind)
			return nil
		}
	})

	// === 连通性监测：redis 可达性驱动 outbox 的在线/离线切换 ===
	// 掉线重连走指数退避（全系统唯一一处），排空重投保持固定间隔。
	go realtime.RunWithReconnect(context.Background(), "redis", func(ctx context.Context) error {
		for {
			if err := rdb.Ping(ctx).Err(); err != nil {
				queue.SetOnline(false)
				return err
			}
			queue.SetOnline(true)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
		}
	})

	manager = ws.NewManager(hub, registry, queue, connCache, typingCache, channel, strokeStore,
		canvas.SyncOptions{
			MinDistance: 2.0,
			MaxPoints:   512,
			MaxStrokes:  1000,
			BatchSize:   10,
			IdleDelay:   500 * time.Millisecond,
			RenderEvery: 33 * time.Millisecond,
			// 落库成功的笔画批次也导出到 Kafka
			OnFlushed: func(batch []model.Stroke) {
				if len(batch) == 0 {
					return
				}
				payload, _ := json.Marshal(batch)
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := dispatcher.Submit(ctx, events.RoomEvent{
					RoomID:     batch[0].SheetID,
					Kind:       "stroke_saved",
					ActorID:    batch[0].AuthorID,
					Key:        batch[0].ID,
					Payload:    payload,
					OccurredAt: batch[len(batch)-1].CreatedAt,
				}); err != nil {
					log.Printf("stroke export submit failed: %v", err)
				}
			},
		},
		presence.Options{
			Heartbeat: 30 * time.Second,
			RecordTTL: 60 * time.Second,
			OnChange: func(agg model.AggregatedPresence) {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := coordinator.Broadcast(ctx, "presence_changed", "", agg); err != nil {
					log.Printf("presence broadcast failed: %v", err)
				}
			},
		},
	)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	agent := r.Group("/agent")
	agent.Use(middleware.AuthMiddleware(cfg.Auth.Path, cfg.Identity.UserID, cfg.Identity.Username))
	agent.GET("/ws", manager.WebSocketConnect)
	agent.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})
	agent.GET("/outbox", func(c *gin.Context) {
		n, err := queue.Count()
		if err != nil {
			c.JSON(500, gin.H{"code": "INTERNAL", "message": err.Error()})
			return
		}
		c.JSON(200, gin.H{"pending": n})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
