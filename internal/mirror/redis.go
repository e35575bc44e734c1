package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/swap-server/internal/config"
)

// 键空间约定（设备桥接器按同样约定写入）：
//   mirror:booth:{boothID}:slot:{identifier}:telemetry  -> hash（传感器字段）
//   mirror:booth:{boothID}:slot:{identifier}:commands   -> hash（命令标志位）
//   mirror:booth:*:events                               -> pub/sub 变更通道（JSON ChangeEvent）

// RedisMirror Redis 实现的镜像客户端
type RedisMirror struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisMirror 创建并探活 Redis 镜像客户端
func NewRedisMirror(cfg cfgpkg.RedisConfig, logger *zap.Logger) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("mirror redis ping failed: %w", err)
	}

	return &RedisMirror{rdb: rdb, logger: logger}, nil
}

func telemetryKey(boothID int64, slot string) string {
	return fmt.Sprintf("mirror:booth:%d:slot:%s:telemetry", boothID, slot)
}

func commandsKey(boothID int64, slot string) string {
	return fmt.Sprintf("mirror:booth:%d:slot:%s:commands", boothID, slot)
}

const eventsPattern = "mirror:booth:*:events"

// EventsChannel 柜机变更通道名（设备桥接器发布侧使用相同构造）
func EventsChannel(boothID int64) string {
	return fmt.Sprintf("mirror:booth:%d:events", boothID)
}

// ReadSlot 点读仓位遥测子树
func (m *RedisMirror) ReadSlot(ctx context.Context, boothID int64, slotIdentifier string) (*Snapshot, error) {
	fields, err := m.rdb.HGetAll(ctx, telemetryKey(boothID, slotIdentifier)).Result()
	if err != nil {
		return nil, fmt.Errorf("mirror read slot: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNoTelemetry
	}
	snap := snapshotFromFields(fields)
	return &snap, nil
}

// MergeCommands 合并写命令子树：只覆盖给定字段，其余保持不变
func (m *RedisMirror) MergeCommands(ctx context.Context, boothID int64, slotIdentifier string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, encodeField(v))
	}
	if err := m.rdb.HSet(ctx, commandsKey(boothID, slotIdentifier), args...).Err(); err != nil {
		return fmt.Errorf("mirror merge commands: %w", err)
	}
	return nil
}

// Subscribe 订阅全部柜机的变更事件。通道在 ctx 取消后关闭。
func (m *RedisMirror) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	sub := m.rdb.PSubscribe(ctx, eventsPattern)
	// 确认订阅建立
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("mirror subscribe: %w", err)
	}

	out := make(chan ChangeEvent, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					if m.logger != nil {
						m.logger.Warn("mirror: drop malformed change event",
							zap.String("channel", msg.Channel),
							zap.Error(err))
					}
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// HealthCheck 健康检查
func (m *RedisMirror) HealthCheck(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// Stats 连接池统计
func (m *RedisMirror) Stats() *redis.PoolStats {
	return m.rdb.PoolStats()
}

// Raw 暴露底层客户端（快照存储等同进程组件复用同一连接池）
func (m *RedisMirror) Raw() *redis.Client {
	return m.rdb
}

// Close 关闭连接
func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}

// snapshotFromFields 把 hash 字段解析成 Snapshot。
// 布尔用 "1"/"0"，缺失字段取零值。
func snapshotFromFields(fields map[string]string) Snapshot {
	return Snapshot{
		BatteryPresent: fields["batteryPresent"] == "1",
		PlugConnected:  fields["plugConnected"] == "1",
		DoorClosed:     fields["doorClosed"] == "1",
		DoorLocked:     fields["doorLocked"] == "1",
		Charging:       fields["charging"] == "1",
		ChargeLevel:    parseInt32(fields["chargeLevel"]),
		DeviceStatus:   fields["deviceStatus"],
		LastAck:        fields["lastAck"],
		UpdatedAt:      parseInt64(fields["updatedAt"]),
	}
}

func encodeField(v interface{}) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "1"
		}
		return "0"
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func parseInt32(s string) int32 {
	n, _ := strconv.ParseInt(s, 10, 32)
	return int32(n)
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
