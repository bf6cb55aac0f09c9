// transport/redis_pubsub.go
package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/chhz0/allsky/types"
)

// Transport 设备状态上报与远程命令
type Transport interface {
	PublishStatus(ctx context.Context, status *types.DeviceStatus) error
	SubscribeCommands(ctx context.Context) (<-chan Command, error)
	Close() error
}

// StatusFunc 每次心跳时采集设备状态
type StatusFunc func() *types.DeviceStatus

var (
	DefaultChannelPrefix     = "allsky"
	DefaultHeartbeatInterval = 30 * time.Second
	StatusChannel            = "status"
	CommandChannel           = "cmd"
)

type Config struct {
	Addr     string
	Password string
	DB       int

	ChannelPrefix     string
	NodeID            string
	HeartbeatInterval time.Duration

	// OnPanic 后台goroutine panic时先调用，随后继续panic
	OnPanic func(v any)
}

// RedisPubSub 实现
type RedisPubSub struct {
	client   *redis.Client
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	nodeID   string
	prefix   string
	interval time.Duration
	status   StatusFunc
	onPanic  func(v any)
	log      *slog.Logger
}

func NewRedisTransport(cfg Config, status StatusFunc, log *slog.Logger) (*RedisPubSub, error) {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     4,
		MinIdleConns: 1,
		IdleTimeout:  5 * time.Minute,
	})

	// 验证连接
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, err
	}

	rs := &RedisPubSub{
		client:   client,
		ctx:      ctx,
		cancel:   cancel,
		nodeID:   cfg.NodeID,
		prefix:   cfg.ChannelPrefix,
		interval: cfg.HeartbeatInterval,
		status:   status,
		onPanic:  cfg.OnPanic,
		log:      log.With("component", "transport"),
	}
	if rs.nodeID == "" {
		rs.nodeID = uuid.New().String()
	}
	if rs.prefix == "" {
		rs.prefix = DefaultChannelPrefix
	}
	if rs.interval <= 0 {
		rs.interval = DefaultHeartbeatInterval
	}

	if status != nil {
		rs.wg.Add(1)
		go rs.heartbeatLoop()
	}
	return rs, nil
}

func (rs *RedisPubSub) NodeID() string { return rs.nodeID }

// Channel 返回 prefix:nodeID:name
func (rs *RedisPubSub) Channel(name string) string {
	return channelName(rs.prefix, rs.nodeID, name)
}

func channelName(prefix, nodeID, name string) string {
	return prefix + ":" + nodeID + ":" + name
}

func (rs *RedisPubSub) PublishStatus(ctx context.Context, status *types.DeviceStatus) error {
	data, err := status.Serialize()
	if err != nil {
		return err
	}
	return rs.client.Publish(ctx, rs.Channel(StatusChannel), data).Err()
}

// SubscribeCommands 无法识别的命令只记录日志
func (rs *RedisPubSub) SubscribeCommands(ctx context.Context) (<-chan Command, error) {
	pubsub := rs.client.Subscribe(ctx, rs.Channel(CommandChannel))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	ch := make(chan Command, 8)
	go func() {
		defer close(ch)
		defer pubsub.Close()
		defer rs.recoverPanic()
		msgs := pubsub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				cmd, err := ParseCommand(msg.Payload)
				if err != nil {
					rs.log.Warn("ignoring command", "payload", msg.Payload, "error", err)
					continue
				}
				select {
				case ch <- cmd:
				case <-ctx.Done():
					return
				case <-rs.ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			case <-rs.ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// 关闭连接
func (rs *RedisPubSub) Close() error {
	rs.cancel()
	rs.wg.Wait()
	return rs.client.Close()
}

// 心跳循环
func (rs *RedisPubSub) heartbeatLoop() {
	defer rs.wg.Done()
	defer rs.recoverPanic()
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	rs.heartbeat()
	for {
		select {
		case <-ticker.C:
			rs.heartbeat()
		case <-rs.ctx.Done():
			return
		}
	}
}

func (rs *RedisPubSub) heartbeat() {
	status := rs.status()
	if status == nil {
		return
	}
	if status.DeviceID == "" {
		status.DeviceID = rs.nodeID
	}
	if err := rs.PublishStatus(rs.ctx, status); err != nil && rs.ctx.Err() == nil {
		rs.log.Debug("status publish failed", "error", err)
	}
}

func (rs *RedisPubSub) recoverPanic() {
	v := recover()
	if v == nil {
		return
	}
	if rs.onPanic != nil {
		rs.onPanic(v)
	}
	panic(v)
}
