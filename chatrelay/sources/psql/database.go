package psql

import (
	"chatrelay/chatrelay/config"
	"chatrelay/chatrelay/sources/psql/models"
	"chatrelay/chatrelay/utils/logging"
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Database struct {
	DB *gorm.DB
}

func dialector(cfg config.Config) (gorm.Dialector, error) {
	switch cfg.DBDriver {
	case "", "postgres":
		return postgres.Open(cfg.PostgresDSN()), nil
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath), nil
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.DBDriver)
	}
}

func NewDatabase(ctx context.Context, cfg config.Config) (*Database, error) {
	dial, err := dialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.DBDriver, err)
	}
	return Migrate(ctx, db, cfg.DBDriver)
}

// Migrate creates the messages table and its index on an already opened handle.
func Migrate(ctx context.Context, db *gorm.DB, driver string) (*Database, error) {
	if err := db.WithContext(ctx).AutoMigrate(&models.Message{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}
	logging.AppLogger.Info("database ready", zap.String("driver", driver))
	return &Database{DB: db}, nil
}

func (db *Database) Close() {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return
	}
	sqlDB.Close()
}

func (db *Database) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
