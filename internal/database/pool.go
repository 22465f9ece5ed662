package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// =============================================================================
// 🗄️ 数据库连接池管理器
// =============================================================================

// ErrPoolClosed 连接池已关闭
var ErrPoolClosed = errors.New("pool is closed")

// Config SQL 账本的数据库配置
type Config struct {
	// Driver: postgres / mysql / sqlite
	Driver string     `yaml:"driver" json:"driver" env:"DRIVER"`
	DSN    string     `yaml:"dsn" json:"dsn" env:"DSN"`
	Pool   PoolConfig `yaml:"pool" json:"pool" env:"POOL"`
	// 启动时执行内嵌 Schema 迁移
	AutoMigrate bool `yaml:"auto_migrate" json:"auto_migrate" env:"AUTO_MIGRATE"`
}

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns" json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	MaxOpenConns        int           `yaml:"max_open_conns" json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	ConnMaxLifetime     time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime     time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        5,
		MaxOpenConns:        25,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Validate 校验连接池配置
func (c PoolConfig) Validate() error {
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("max_open_conns must be positive, got %d", c.MaxOpenConns)
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("max_idle_conns must be between 0 and max_open_conns, got %d", c.MaxIdleConns)
	}
	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 {
		return fmt.Errorf("connection lifetimes must not be negative")
	}
	return nil
}

// apply 写入 database/sql 的池参数
func (c PoolConfig) apply(db *sql.DB) {
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)
}

// dialects 驱动名（含别名）→ Dialector 构造函数
var dialects = map[string]func(dsn string) gorm.Dialector{
	"postgres":   postgres.Open,
	"postgresql": postgres.Open,
	"pg":         postgres.Open,
	"mysql":      mysql.Open,
	"sqlite":     sqlite.Open,
	"sqlite3":    sqlite.Open,
}

// Dialector 按驱动名构造 GORM Dialector，大小写不敏感
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	open, ok := dialects[strings.ToLower(driver)]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	return open(dsn), nil
}

// Open 打开数据库并套上连接池管理；GORM 自身日志关闭，错误由调用方记录
func Open(cfg Config, logger *zap.Logger) (*PoolManager, error) {
	dialector, err := Dialector(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	return NewPoolManager(db, cfg.Pool, logger)
}

// StatsReporter metrics.Collector 满足该接口
type StatsReporter interface {
	RecordDBConnections(database string, open, idle int)
}

// PoolManager 持有 GORM 句柄与底层 *sql.DB，负责探活、指标上报与关闭
type PoolManager struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config PoolConfig
	logger *zap.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func NewPoolManager(db *gorm.DB, config PoolConfig, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	config.apply(sqlDB)

	if logger == nil {
		logger = zap.NewNop()
	}
	pm := &PoolManager{
		db:     db,
		sqlDB:  sqlDB,
		config: config,
		logger: logger.With(zap.String("component", "db_pool")),
		done:   make(chan struct{}),
	}
	pm.logger.Info("database pool initialized",
		zap.String("dialect", db.Dialector.Name()),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns),
	)
	return pm, nil
}

// StartHealthCheck 每个 HealthCheckInterval 探活一次并上报连接数；reporter 可为 nil
func (pm *PoolManager) StartHealthCheck(reporter StatsReporter) {
	every := pm.config.HealthCheckInterval
	if every <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-pm.done:
				return
			case <-ticker.C:
				pm.checkOnce(reporter)
			}
		}
	}()
}

func (pm *PoolManager) DB() *gorm.DB { return pm.db }

func (pm *PoolManager) Stats() sql.DBStats { return pm.sqlDB.Stats() }

func (pm *PoolManager) Ping(ctx context.Context) error {
	if pm.closed.Load() {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Close 停止探活并关闭连接，可重复调用
func (pm *PoolManager) Close() error {
	var err error
	pm.closeOnce.Do(func() {
		pm.closed.Store(true)
		close(pm.done)
		pm.logger.Info("closing database pool")
		err = pm.sqlDB.Close()
	})
	return err
}

func (pm *PoolManager) checkOnce(reporter StatsReporter) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pm.Ping(ctx); err != nil {
		if !errors.Is(err, ErrPoolClosed) {
			pm.logger.Error("database health check failed", zap.Error(err))
		}
		return
	}
	st := pm.Stats()
	if reporter != nil {
		reporter.RecordDBConnections(pm.db.Dialector.Name(), st.OpenConnections, st.Idle)
	}
	pm.logger.Debug("database health check passed",
		zap.Int("open", st.OpenConnections),
		zap.Int("in_use", st.InUse),
		zap.Int("idle", st.Idle),
	)
}
