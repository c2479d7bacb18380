package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// CommandLog records every operator intent and firmware publish so the
// one-shot heartbeat delivery leaves a durable trail.
type CommandLog struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	DeviceID  string            `gorm:"type:text;index"`
	Action    string            `gorm:"type:text;not null"`
	Source    string            `gorm:"type:text;not null"`
	Details   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (CommandLog) TableName() string { return "command_log" }

// DeviceEvent records fleet state transitions (registered, offline).
type DeviceEvent struct {
	ID        int64     `gorm:"type:bigserial;primaryKey"`
	DeviceID  string    `gorm:"type:text;not null;index"`
	Event     string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (DeviceEvent) TableName() string { return "device_events" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&CommandLog{},
		&DeviceEvent{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&DeviceEvent{},
		&CommandLog{},
	)
}
