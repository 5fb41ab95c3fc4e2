package store

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"stockpipeline/internal/logger"
)

// Config selects and addresses the relational store.
type Config struct {
	Driver         string        `mapstructure:"driver"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Database       string        `mapstructure:"name"`
	Path           string        `mapstructure:"path"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxJitter      time.Duration `mapstructure:"max_jitter"`
}

// Connector opens a dedicated connection to the store.
type Connector interface {
	Connect(ctx context.Context) (*gorm.DB, error)
}

// DialFunc performs one connection attempt.
type DialFunc func(ctx context.Context) (*gorm.DB, error)

// Manager hands out connections, retrying transient failures with
// exponential backoff plus random jitter.
type Manager struct {
	cfg     Config
	dialect *Dialect
	dial    DialFunc
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDialFunc replaces the connection attempt.
func WithDialFunc(dial DialFunc) ManagerOption {
	return func(m *Manager) {
		m.dial = dial
	}
}

// NewManager creates a manager for the configured driver.
func NewManager(cfg Config, opts ...ManagerOption) (*Manager, error) {
	d, err := LookupDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	m := &Manager{cfg: cfg, dialect: d}
	m.dial = m.open
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Dialect returns the dialect of the configured driver.
func (m *Manager) Dialect() *Dialect {
	return m.dialect
}

// Connect returns a single-connection handle, so session state such as
// temporary tables stays visible to every statement run through it.
// Callers release it with Close.
func (m *Manager) Connect(ctx context.Context) (*gorm.DB, error) {
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(m.cfg.MaxAttempts)),
		retry.Delay(m.cfg.BaseDelay),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.WithFields(logrus.Fields{
				"driver":  m.dialect.Name,
				"attempt": n + 1,
				"of":      m.cfg.MaxAttempts,
			}).Warnf("store connection failed: %v", err)
		}),
	}
	if m.cfg.MaxJitter > 0 {
		opts = append(opts,
			retry.MaxJitter(m.cfg.MaxJitter),
			retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		)
	} else {
		opts = append(opts, retry.DelayType(retry.BackOffDelay))
	}

	var db *gorm.DB
	err := retry.Do(func() error {
		var err error
		db, err = m.dial(ctx)
		return err
	}, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return db, nil
}

func (m *Manager) open(ctx context.Context) (*gorm.DB, error) {
	db, err := gorm.Open(m.dialect.dialector(m.cfg), &gorm.Config{
		Logger: gormlogger.New(logger.GetLogger(), gormlogger.Config{
			SlowThreshold:             5 * time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close releases a handle returned by Connect.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
