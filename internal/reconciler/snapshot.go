package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taoyao-code/swap-server/internal/mirror"
)

// SnapshotStore 对账器的 last-seen 快照存储。
// 对账规则基于状态变化（transition）而非绝对状态，需要记住每个仓位
// 上一次看到的快照。键控存储，可注入替换。
type SnapshotStore interface {
	Get(ctx context.Context, boothID int64, slotIdentifier string) (*mirror.Snapshot, bool, error)
	Put(ctx context.Context, boothID int64, slotIdentifier string, snap mirror.Snapshot) error
}

// MemoryStore 进程内快照存储（测试用）
type MemoryStore struct {
	mu    sync.Mutex
	snaps map[string]mirror.Snapshot
}

// NewMemoryStore 创建内存快照存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]mirror.Snapshot)}
}

func (s *MemoryStore) Get(ctx context.Context, boothID int64, slotIdentifier string) (*mirror.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[snapshotKey(boothID, slotIdentifier)]
	if !ok {
		return nil, false, nil
	}
	cp := snap
	return &cp, true, nil
}

func (s *MemoryStore) Put(ctx context.Context, boothID int64, slotIdentifier string, snap mirror.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snapshotKey(boothID, slotIdentifier)] = snap
	return nil
}

// RedisStore Redis 快照存储。与镜像共用连接池；TTL 防止废弃仓位残留。
// 服务重启后快照仍在，不会错过重启窗口前后的状态变化。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore 创建 Redis 快照存储
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func snapshotKey(boothID int64, slotIdentifier string) string {
	return fmt.Sprintf("reconciler:lastseen:booth:%d:slot:%s", boothID, slotIdentifier)
}

func (s *RedisStore) Get(ctx context.Context, boothID int64, slotIdentifier string) (*mirror.Snapshot, bool, error) {
	data, err := s.rdb.Get(ctx, snapshotKey(boothID, slotIdentifier)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("snapshot get: %w", err)
	}
	var snap mirror.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("snapshot decode: %w", err)
	}
	return &snap, true, nil
}

func (s *RedisStore) Put(ctx context.Context, boothID int64, slotIdentifier string, snap mirror.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot encode: %w", err)
	}
	if err := s.rdb.Set(ctx, snapshotKey(boothID, slotIdentifier), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("snapshot put: %w", err)
	}
	return nil
}
