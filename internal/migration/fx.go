package migration

import (
	"fmt"

	"github.com/smallbiznis/affiliate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg db.Config, log *zap.Logger) error {
		switch conn.Dialector.Name() {
		case "postgres":
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		case "sqlite":
			if err := ApplyPortable(conn); err != nil {
				return err
			}
		default:
			return fmt.Errorf("automatic migrations are not supported for %s; apply %s manually", conn.Dialector.Name(), migrationsDir)
		}
		log.Info("schema migrated", zap.String("dialect", conn.Dialector.Name()), zap.String("database", cfg.Name))
		return nil
	}),
)
