package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JTang/NotifyHub/internal/collector"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SourceState 每个数据源一行：最后一次提交的整页指纹哈希
type SourceState struct {
	SourceID string `gorm:"primaryKey;size:64" json:"sourceId"`
	LastHash string `gorm:"size:40" json:"lastHash"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NotifiedItem 已成功通知的条目；(source_id, item_id) 唯一，天然幂等
type NotifiedItem struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	SourceID string `gorm:"size:64;uniqueIndex:idx_source_item" json:"sourceId"`
	ItemID   string `gorm:"size:40;uniqueIndex:idx_source_item" json:"itemId"`

	Title     string            `gorm:"size:512" json:"title"`
	URL       string            `gorm:"size:1024" json:"url"`
	Payload   datatypes.JSONMap `json:"payload"`
	FirstSeen time.Time         `json:"firstSeen"`

	CreatedAt time.Time `json:"createdAt"`
}

const (
	FailurePermanent = "permanent"
	FailureExhausted = "exhausted"
)

// FailedDelivery 投递终态失败的条目，留给运维排查；不会被标记为已通知
type FailedDelivery struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	SourceID string `gorm:"size:64;index" json:"sourceId"`
	ItemID   string `gorm:"size:40;index" json:"itemId"`
	Kind     string `gorm:"size:32;index" json:"kind"`
	Reason   string `gorm:"size:600" json:"reason"`
	Attempts int    `json:"attempts"`

	CreatedAt time.Time `json:"createdAt"`
}

// State 一次流水线读取到的某个源的完整存量视图
type State struct {
	SourceID string
	// Fresh 表示该源还没有任何状态记录（首轮）
	Fresh    bool
	LastHash string
	Notified map[string]struct{}
}

type Store struct {
	DB    *gorm.DB
	Redis *redis.Client
}

func NewStore(dbPath, redisAddr string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.AutoMigrate(&SourceState{}, &NotifiedItem{}, &FailedDelivery{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var rdb *redis.Client
	if redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Msgf("redis ping failed: %v", err)
		}
	}

	return &Store{DB: db, Redis: rdb}, nil
}

func (s *Store) Close() error {
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	db, err := s.DB.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// Get 读取某个源的状态与已通知集合；Redis 命中则不回源
func (s *Store) Get(ctx context.Context, sourceID string) (*State, error) {
	st := &State{SourceID: sourceID, Notified: make(map[string]struct{})}

	var rec SourceState
	err := s.DB.WithContext(ctx).Where("source_id = ?", sourceID).First(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		st.Fresh = true
	case err != nil:
		return nil, fmt.Errorf("get state %s: %w", sourceID, err)
	default:
		st.LastHash = rec.LastHash
	}

	if ids, ok := s.cachedNotified(ctx, sourceID); ok {
		for _, id := range ids {
			st.Notified[id] = struct{}{}
		}
		return st, nil
	}

	var ids []string
	if err := s.DB.WithContext(ctx).Model(&NotifiedItem{}).
		Where("source_id = ?", sourceID).
		Pluck("item_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list notified %s: %w", sourceID, err)
	}
	for _, id := range ids {
		st.Notified[id] = struct{}{}
	}

	// 回写缓存，失败只影响下次是否命中
	s.cacheNotified(ctx, sourceID, ids)
	return st, nil
}

// Commit 单一写入口：状态行与新通知条目在一个事务里落盘。
// hash 传空表示本轮不推进指纹（有条目没送出去，下轮必须重新 diff）。
func (s *Store) Commit(ctx context.Context, sourceID, hash string, items []collector.Item) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec SourceState
		err := tx.Where("source_id = ?", sourceID).First(&rec).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&SourceState{SourceID: sourceID, LastHash: hash}).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		case hash != "" && hash != rec.LastHash:
			if err := tx.Model(&SourceState{}).Where("source_id = ?", sourceID).
				Update("last_hash", hash).Error; err != nil {
				return err
			}
		}

		for _, it := range items {
			n := &NotifiedItem{
				SourceID:  sourceID,
				ItemID:    it.ID,
				Title:     truncateRunesDB(toValidUTF8(it.Title), 512),
				URL:       it.URL,
				Payload:   datatypes.JSONMap(it.Payload),
				FirstSeen: it.FirstSeen,
			}
			if err := tx.Where("source_id = ? AND item_id = ?", sourceID, it.ID).
				FirstOrCreate(n).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit %s: %w", sourceID, err)
	}

	// 提交后直接失效缓存，下一次 Get 从库里重建全量集合。
	// 增量 SAdd 会在键恰好过期后造出只含本轮条目的残缺集合
	s.invalidateNotified(ctx, sourceID)
	return nil
}

// RecordFailure 记录终态失败，供 /failures 查询；同一条目可能多次出现
func (s *Store) RecordFailure(ctx context.Context, sourceID, itemID, kind, reason string, attempts int) error {
	f := &FailedDelivery{
		SourceID: sourceID,
		ItemID:   itemID,
		Kind:     kind,
		Reason:   truncateRunesDB(toValidUTF8(reason), 600),
		Attempts: attempts,
	}
	if err := s.DB.WithContext(ctx).Create(f).Error; err != nil {
		return fmt.Errorf("record failure %s/%s: %w", sourceID, itemID, err)
	}
	return nil
}

// PermanentlyFailed 返回该源所有永久失败过的条目 ID，
// retry_permanent 关闭时这些条目会被当作已见过
func (s *Store) PermanentlyFailed(ctx context.Context, sourceID string) (map[string]struct{}, error) {
	var ids []string
	if err := s.DB.WithContext(ctx).Model(&FailedDelivery{}).
		Where("source_id = ? AND kind = ?", sourceID, FailurePermanent).
		Distinct().
		Pluck("item_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list permanent failures %s: %w", sourceID, err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *Store) ListStates(ctx context.Context) ([]SourceState, error) {
	var list []SourceState
	if err := s.DB.WithContext(ctx).Order("source_id ASC").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Store) ListNotified(ctx context.Context, sourceID string, limit int) ([]NotifiedItem, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	db := s.DB.WithContext(ctx).Model(&NotifiedItem{})
	if sourceID != "" {
		db = db.Where("source_id = ?", sourceID)
	}
	var list []NotifiedItem
	if err := db.Order("id DESC").Limit(limit).Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Store) ListFailures(ctx context.Context, limit int) ([]FailedDelivery, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	var list []FailedDelivery
	if err := s.DB.WithContext(ctx).Order("id DESC").Limit(limit).Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

const notifiedCacheTTL = time.Hour

func notifiedCacheKey(sourceID string) string { return "notified:" + sourceID }

func (s *Store) cachedNotified(ctx context.Context, sourceID string) ([]string, bool) {
	if s.Redis == nil {
		return nil, false
	}
	key := notifiedCacheKey(sourceID)
	ids, err := s.Redis.SMembers(ctx, key).Result()
	if err != nil || len(ids) == 0 {
		return nil, false
	}
	// 命中即续期，活跃源的缓存不在轮询间隙无声过期
	_ = s.Redis.Expire(ctx, key, notifiedCacheTTL).Err()
	return ids, true
}

func (s *Store) invalidateNotified(ctx context.Context, sourceID string) {
	if s.Redis == nil {
		return
	}
	_ = s.Redis.Del(ctx, notifiedCacheKey(sourceID)).Err()
}

func (s *Store) cacheNotified(ctx context.Context, sourceID string, ids []string) {
	if s.Redis == nil || len(ids) == 0 {
		return
	}
	key := notifiedCacheKey(sourceID)
	members := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		members = append(members, id)
	}
	if err := s.Redis.SAdd(ctx, key, members...).Err(); err != nil {
		return
	}
	_ = s.Redis.Expire(ctx, key, notifiedCacheTTL).Err()
}

// toValidUTF8 将字符串规范为合法 UTF-8，防止来源页面的混编字节破坏入库
func toValidUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}

// truncateRunesDB 按 rune 数截断，确保不超过字段长度
func truncateRunesDB(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	s = strings.TrimSpace(s)
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit])
}
