package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/delivery-guard/internal/repository"
	"gorm.io/gorm"
)

func createDeliveryResultsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_delivery_results",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DeliveryResultModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_delivery_results_attempt ON delivery_results (attempt_id, attempt_number)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeliveryResultModel{})
		},
	}
}
