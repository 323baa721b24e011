package db

import (
	"fmt"
	"time"

	"github.com/devrayat000/video-ingest/config"
	"github.com/devrayat000/video-ingest/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// registers the "cloudsqlpostgres" database/sql driver
	_ "github.com/GoogleCloudPlatform/cloudsql-proxy/proxy/dialers/postgres"
)

// InitDB opens the configured database and migrates the schema.
func InitDB(cfg config.DatabaseConfig, log logrus.FieldLogger) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(log, gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", cfg.Driver)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if cfg.Driver == "sqlite" {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY under concurrent claims.
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxConns)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping database")
	}
	log.WithField("driver", cfg.Driver).Info("database connection established")

	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

// Migrate creates or updates every table the pipeline uses.
func Migrate(gdb *gorm.DB) error {
	err := gdb.AutoMigrate(
		&models.Video{},
		&models.VideoVariant{},
		&models.VideoThumbnail{},
		&models.VideoManifest{},
		&models.ProcessingJob{},
	)
	return errors.Wrap(err, "migrate schema")
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "postgres", "":
		return postgres.Open(cfg.PostgresDSN()), nil
	case "cloudsqlpostgres":
		// DSN host is the instance connection name, e.g. project:region:instance.
		return postgres.New(postgres.Config{
			DriverName: "cloudsqlpostgres",
			DSN:        cfg.PostgresDSN(),
		}), nil
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "video_ingest.db"
		}
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
