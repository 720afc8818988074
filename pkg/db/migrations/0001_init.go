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

type Account struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind      string    `gorm:"type:text;not null"`
	Username  string    `gorm:"type:text;uniqueIndex;not null"`
	Name      string    `gorm:"type:text;not null"`
	Email     string    `gorm:"type:text;not null"`
	PublicKey string    `gorm:"type:text;uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Account) TableName() string { return "account" }

type AccountToken struct {
	AccountID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	Encoded    string    `gorm:"type:text;not null"`
	Expiration time.Time `gorm:"type:timestamptz;not null"`
	Account    Account   `gorm:"foreignKey:AccountID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (AccountToken) TableName() string { return "account_token" }

type Endpoint struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	HostAddress  string    `gorm:"type:text;not null"`
	Status       string    `gorm:"type:text;not null"`
	Error        *string   `gorm:"type:text"`
	AccountID    uuid.UUID `gorm:"type:uuid;uniqueIndex;not null"`
	Role         string    `gorm:"type:text;not null"`
	Arch         *string   `gorm:"type:text"`
	WorkStatus   *string   `gorm:"type:text"`
	Description  string    `gorm:"type:text"`
	AccountToken *string   `gorm:"type:text"`
	APIToken     *string   `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt    time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	Account      Account   `gorm:"foreignKey:AccountID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (Endpoint) TableName() string { return "endpoint" }

type Project struct {
	ID          int64  `gorm:"type:bigserial;primaryKey"`
	Slug        string `gorm:"type:text;uniqueIndex;not null"`
	Name        string `gorm:"type:text;not null"`
	Description string `gorm:"type:text"`
}

func (Project) TableName() string { return "project" }

type Profile struct {
	ID        int64   `gorm:"type:bigserial;primaryKey"`
	ProjectID int64   `gorm:"type:bigint;not null;index"`
	Name      string  `gorm:"type:text;not null"`
	Arch      string  `gorm:"type:text;not null"`
	IndexURI  string  `gorm:"type:text;not null"`
	Project   Project `gorm:"foreignKey:ProjectID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (Profile) TableName() string { return "profile" }

type ProfileRemote struct {
	ID        int64   `gorm:"type:bigserial;primaryKey"`
	ProfileID int64   `gorm:"type:bigint;not null;index"`
	Name      string  `gorm:"type:text;not null"`
	IndexURI  string  `gorm:"type:text;not null"`
	Priority  int64   `gorm:"type:bigint;not null"`
	Profile   Profile `gorm:"foreignKey:ProfileID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (ProfileRemote) TableName() string { return "profile_remote" }

type Repository struct {
	ID          int64   `gorm:"type:bigserial;primaryKey"`
	ProjectID   int64   `gorm:"type:bigint;not null;index"`
	Name        string  `gorm:"type:text;not null"`
	Description string  `gorm:"type:text"`
	OriginURI   string  `gorm:"type:text;not null"`
	Branch      string  `gorm:"type:text;not null"`
	CommitRef   *string `gorm:"type:text"`
	Project     Project `gorm:"foreignKey:ProjectID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (Repository) TableName() string { return "repository" }

type Task struct {
	ID               int64      `gorm:"type:bigserial;primaryKey"`
	BuildID          uuid.UUID  `gorm:"type:uuid;uniqueIndex;not null"`
	ProjectID        int64      `gorm:"type:bigint;not null;index"`
	ProfileID        int64      `gorm:"type:bigint;not null"`
	RepositoryID     int64      `gorm:"type:bigint;not null"`
	PackageID        string     `gorm:"type:text;not null"`
	Arch             string     `gorm:"type:text;not null"`
	Description      string     `gorm:"type:text"`
	CommitRef        string     `gorm:"type:text;not null"`
	SourcePath       string     `gorm:"type:text;not null"`
	Status           string     `gorm:"type:text;not null;index"`
	AllocatedBuilder *uuid.UUID `gorm:"type:uuid;index"`
	LogPath          *string    `gorm:"type:text"`
	Error            *string    `gorm:"type:text"`
	Started          time.Time  `gorm:"type:timestamptz;not null"`
	Updated          time.Time  `gorm:"type:timestamptz;not null"`
	Ended            *time.Time `gorm:"type:timestamptz"`
	Project          Project    `gorm:"foreignKey:ProjectID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Profile          Profile    `gorm:"foreignKey:ProfileID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Repository       Repository `gorm:"foreignKey:RepositoryID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (Task) TableName() string { return "task" }

type TaskBlocker struct {
	ID      int64  `gorm:"type:bigserial;primaryKey"`
	TaskID  int64  `gorm:"type:bigint;not null;uniqueIndex:idx_task_blocker"`
	Blocker string `gorm:"type:text;not null;uniqueIndex:idx_task_blocker"`
	Task    Task   `gorm:"foreignKey:TaskID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (TaskBlocker) TableName() string { return "task_blockers" }

type AuditLog struct {
	ID        int64          `gorm:"type:bigserial;primaryKey"`
	ActorID   *uuid.UUID     `gorm:"type:uuid;index"`
	Action    string         `gorm:"type:text;not null"`
	Metadata  datatypes.JSON `gorm:"type:jsonb;default:'{}'::jsonb"`
	CreatedAt time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (AuditLog) TableName() string { return "audit_log" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Account{},
		&AccountToken{},
		&Endpoint{},
		&Project{},
		&Profile{},
		&ProfileRemote{},
		&Repository{},
		&Task{},
		&TaskBlocker{},
		&AuditLog{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&AccountToken{}, "Account"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Endpoint{}, "Account"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Profile{}, "Project"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&ProfileRemote{}, "Profile"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Repository{}, "Project"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Task{}, "Project"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Task{}, "Profile"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Task{}, "Repository"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&TaskBlocker{}, "Task"); err != nil {
		return err
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().DropTable(
		&AuditLog{},
		&TaskBlocker{},
		&Task{},
		&Repository{},
		&ProfileRemote{},
		&Profile{},
		&Project{},
		&Endpoint{},
		&AccountToken{},
		&Account{},
	); err != nil {
		return err
	}

	return nil
}
