package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/delivery-guard/internal/repository"
	"gorm.io/gorm"
)

func createDedupRecordsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_dedup_records",
		Migrate: func(tx *gorm.DB) error {
			// The composite primary key is the uniqueness guarantee for (provider, event_id).
			return tx.AutoMigrate(&repository.DedupRecordModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DedupRecordModel{})
		},
	}
}
