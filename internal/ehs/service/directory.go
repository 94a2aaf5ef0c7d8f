package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/orgchart"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/repository"
)

// DirectoryCacheKey 组织架构快照在 Redis 中的 key
const DirectoryCacheKey = "ehs:directory:snapshot"

type directorySnapshot struct {
	Users       []entity.User       `json:"users"`
	Departments []entity.Department `json:"departments"`
}

// DirectoryLoader 读取组织架构并构建只读索引
// rdb 为 nil 或 ttl <= 0 时每次都查库
type DirectoryLoader struct {
	users    *repository.UserRepository
	depts    *repository.DepartmentRepository
	rdb      *redis.Client
	ttl      time.Duration
	keywords []string
	logger   *zap.Logger
}

// NewDirectoryLoader 创建组织架构加载器
func NewDirectoryLoader(repos *repository.Repositories, rdb *redis.Client, ttl time.Duration, keywords []string, logger *zap.Logger) *DirectoryLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryLoader{
		users:    repos.User,
		depts:    repos.Department,
		rdb:      rdb,
		ttl:      ttl,
		keywords: keywords,
		logger:   logger.Named("directory"),
	}
}

func (l *DirectoryLoader) cacheEnabled() bool {
	return l.rdb != nil && l.ttl > 0
}

// Load 返回当前组织架构快照
func (l *DirectoryLoader) Load(ctx context.Context) (*orgchart.Index, error) {
	snap, err := l.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var opts []orgchart.Option
	if len(l.keywords) > 0 {
		opts = append(opts, orgchart.WithSupervisorKeywords(l.keywords))
	}
	return orgchart.NewIndex(snap.Users, snap.Departments, opts...), nil
}

func (l *DirectoryLoader) snapshot(ctx context.Context) (*directorySnapshot, error) {
	if l.cacheEnabled() {
		data, err := l.rdb.Get(ctx, DirectoryCacheKey).Bytes()
		switch {
		case err == nil:
			var snap directorySnapshot
			if err := json.Unmarshal(data, &snap); err == nil {
				return &snap, nil
			}
			l.logger.Warn("组织架构缓存损坏，回源数据库")
		case !errors.Is(err, redis.Nil):
			// Redis 不可用不影响派发
			l.logger.Warn("读取组织架构缓存失败", zap.Error(err))
		}
	}

	users, err := l.users.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("加载用户失败: %w", err)
	}
	depts, err := l.depts.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("加载部门失败: %w", err)
	}
	snap := &directorySnapshot{Users: users, Departments: depts}

	if l.cacheEnabled() {
		if data, err := json.Marshal(snap); err == nil {
			if err := l.rdb.Set(ctx, DirectoryCacheKey, data, l.ttl).Err(); err != nil {
				l.logger.Warn("写入组织架构缓存失败", zap.Error(err))
			}
		}
	}
	return snap, nil
}

// Sync 写入组织架构变更（按 id 覆盖）并清除缓存
// 清除缓存失败只记录日志，旧快照最多保留一个 TTL
func (l *DirectoryLoader) Sync(ctx context.Context, users []entity.User, depts []entity.Department) error {
	if err := l.depts.Upsert(ctx, depts...); err != nil {
		return fmt.Errorf("同步部门失败: %w", err)
	}
	if err := l.users.Upsert(ctx, users...); err != nil {
		return fmt.Errorf("同步用户失败: %w", err)
	}
	if err := l.Invalidate(ctx); err != nil {
		l.logger.Warn("清除组织架构缓存失败", zap.Duration("ttl", l.ttl), zap.Error(err))
	}
	l.logger.Info("组织架构已同步", zap.Int("users", len(users)), zap.Int("departments", len(depts)))
	return nil
}

// Invalidate 组织架构变更后清除缓存
func (l *DirectoryLoader) Invalidate(ctx context.Context) error {
	if l.rdb == nil {
		return nil
	}
	return l.rdb.Del(ctx, DirectoryCacheKey).Err()
}
