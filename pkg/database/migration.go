package database

import (
	"fmt"
	"os"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// MigrationLogger adapts ectologger to migrate's logger interface.
type MigrationLogger struct {
	ectologger.Logger
}

func (l MigrationLogger) Verbose() bool {
	return true
}

func (l MigrationLogger) Printf(format string, v ...any) {
	l.Infof(format, v...)
}

// MigrationService applies and resets the storage schema.
type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

// MigrationConfig holds schema migration settings.
type MigrationConfig struct {
	MigrationFolderPath string
	DatabaseName        string
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{
		config: config,
		logger: logger,
	}
}

func (ms *MigrationService) resolveMigrationFolder() string {
	migrationFolder := ms.config.MigrationFolderPath
	if _, err := os.Stat(migrationFolder); err == nil {
		return migrationFolder
	}
	workingDirectory, _ := os.Getwd()
	separator := ""
	if workingDirectory != "/" {
		separator = "/"
	}
	return workingDirectory + separator + migrationFolder
}

func (ms *MigrationService) newMigrate(db *sqlx.DB) (*migrate.Migrate, error) {
	migrationFolder := ms.resolveMigrationFolder()
	if _, err := os.Stat(migrationFolder); err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("migration folder %s does not exist", migrationFolder))
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		ms.logger.WithError(err).Error("Failed to create migration driver")
		return nil, err
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationFolder, ms.config.DatabaseName, driver)
	if err != nil {
		ms.logger.WithError(err).Error("Failed to create migrate instance")
		return nil, err
	}

	m.Log = MigrationLogger{Logger: ms.logger}
	return m, nil
}

// Migrate applies all pending migrations.
func (ms *MigrationService) Migrate(db *sqlx.DB) error {
	m, err := ms.newMigrate(db)
	if err != nil {
		return err
	}

	err = m.Up()
	if err == migrate.ErrNoChange {
		ms.logger.Info("No new migrations to apply")
		return nil
	}
	if err != nil {
		ms.logger.WithError(err).Error("Failed to apply migrations")
		return err
	}

	ms.logger.Info("Successfully applied migrations")
	return nil
}

// Reset drops every table and reapplies the schema from scratch. This is
// destructive: all ingested records, journal entries and cursors are lost.
func (ms *MigrationService) Reset(db *sqlx.DB) error {
	m, err := ms.newMigrate(db)
	if err != nil {
		return err
	}

	ms.logger.Warn("Dropping all tables")
	if err := m.Drop(); err != nil {
		ms.logger.WithError(err).Error("Failed to drop schema")
		return err
	}

	// migrate caches the schema_migrations state per instance; rebuild it
	// so Up starts from a clean slate.
	m, err = ms.newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		ms.logger.WithError(err).Error("Failed to reapply migrations after reset")
		return err
	}

	ms.logger.Info("Schema reset complete")
	return nil
}
