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

type Run struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Recipe     string            `gorm:"type:text;not null"`
	BaseModel  string            `gorm:"type:text;not null"`
	Status     string            `gorm:"type:text;not null;default:'pending';index"`
	Progress   float64           `gorm:"type:float8;not null;default:0"`
	Config     datatypes.JSONMap `gorm:"type:jsonb"`
	DatasetRef string            `gorm:"type:text"`
	LogsPath   string            `gorm:"type:text"`
	Error      string            `gorm:"type:text"`
	CreatedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	FinishedAt *time.Time        `gorm:"type:timestamptz"`
}

func (Run) TableName() string { return "runs" }

type Checkpoint struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	RunID     uuid.UUID         `gorm:"type:uuid;not null;index"`
	Path      string            `gorm:"type:text;not null"`
	Kind      string            `gorm:"type:text;not null;default:'sampler'"`
	Step      int64             `gorm:"type:bigint;not null;default:0"`
	Meta      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Run       Run               `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (Checkpoint) TableName() string { return "checkpoints" }

type Artifact struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	RunID     *uuid.UUID        `gorm:"type:uuid;index"`
	Kind      string            `gorm:"type:text;not null"`
	SHA256    string            `gorm:"type:text;not null"`
	URL       string            `gorm:"type:text;not null"`
	Size      int64             `gorm:"type:bigint;not null;default:0"`
	Meta      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Run       *Run              `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

func (Artifact) TableName() string { return "artifacts" }

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Run{},
		&Checkpoint{},
		&Artifact{},
		&Audit{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&Checkpoint{}, "Run"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Artifact{}, "Run"); err != nil {
		return err
	}

	return nil
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
		&Audit{},
		&Artifact{},
		&Checkpoint{},
		&Run{},
	)
}
