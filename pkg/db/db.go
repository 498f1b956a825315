package db

import (
	"fmt"
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/instill-ai/docflow-backend/config"
)

var db *gorm.DB
var once sync.Once

// GetConnection returns a new gorm connection built from the database
// configuration.
func GetConnection(databaseConfig *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch databaseConfig.Driver {
	case "sqlite":
		// The database name is used as the sqlite file path.
		dialector = sqlite.Open(databaseConfig.Name)
	default:
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=%s",
			databaseConfig.Host,
			databaseConfig.Username,
			databaseConfig.Password,
			databaseConfig.Name,
			databaseConfig.Port,
			databaseConfig.TimeZone,
		)
		dialector = postgres.New(postgres.Config{
			DSN:                  dsn,
			PreferSimpleProtocol: true,
		})
	}

	logLevel := logger.Silent
	if config.Config.Server.Debug {
		logLevel = logger.Info
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing connection pool: %w", err)
	}

	if databaseConfig.Pool.IdleConnections > 0 {
		sqlDB.SetMaxIdleConns(databaseConfig.Pool.IdleConnections)
	}
	if databaseConfig.Pool.MaxConnections > 0 {
		sqlDB.SetMaxOpenConns(databaseConfig.Pool.MaxConnections)
	}
	if databaseConfig.Pool.ConnLifeTime > 0 {
		sqlDB.SetConnMaxLifetime(databaseConfig.Pool.ConnLifeTime)
	}

	return conn, nil
}

// GetSharedConnection returns the process-wide database connection. It
// panics if the connection can't be established.
func GetSharedConnection() *gorm.DB {
	once.Do(func() {
		var err error
		db, err = GetConnection(&config.Config.Database)
		if err != nil {
			panic(err)
		}
	})
	return db
}

// Close closes the database connection.
func Close(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
