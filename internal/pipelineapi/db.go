package pipelineapi

import (
	"fmt"
	stdlog "log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	pipelinedomain "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipelineapi/config"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// connectPostgres opens the pipeline job/checkpoint tables, adapted from
// internal/db/postgres.go's NewPostgresService (its DSN composition and
// gorm.Config, fixed onto internal/pkg/logger rather than the teacher's
// retired internal/logger import).
func connectPostgres(cfg config.Config, log *logger.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresName,
	)

	gormLog := gormLogger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("enable uuid-ossp: %w", err)
	}

	if err := db.AutoMigrate(
		&pipelinedomain.PipelineJob{},
		&pipelinedomain.PipelineCheckpoint{},
		&pipelinedomain.RenderVersion{},
	); err != nil {
		return nil, fmt.Errorf("automigrate pipeline tables: %w", err)
	}

	log.Info("connected to postgres", "host", cfg.PostgresHost, "db", cfg.PostgresName)
	return db, nil
}
