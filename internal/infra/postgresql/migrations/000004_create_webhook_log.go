package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/delivery-guard/internal/repository"
	"gorm.io/gorm"
)

func createWebhookLogTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_webhook_log",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.WebhookLogModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_webhook_log_event ON webhook_log (event_id, received_at)`,
				`CREATE INDEX IF NOT EXISTS idx_webhook_log_recipient ON webhook_log (recipient_key, received_at DESC) WHERE recipient_key IS NOT NULL`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.WebhookLogModel{})
		},
	}
}
