package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationEnrollGroupCreators = "2026-03-01_enroll_group_creators"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationEnrollGroupCreators, apply: enrollGroupCreators},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// enrollGroupCreators adds the missing creator membership rows of groups
// imported from databases that stored groups without them.
func enrollGroupCreators(db *gorm.DB) error {
	return db.Exec(`INSERT INTO group_members (group_id, user_id, created_at)
SELECT g.id, g.created_by, CURRENT_TIMESTAMP FROM expense_groups g
WHERE NOT EXISTS (
	SELECT 1 FROM group_members gm WHERE gm.group_id = g.id AND gm.user_id = g.created_by
)`).Error
}
