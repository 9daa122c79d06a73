package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

func createDeadLetterNotificationsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_dead_letter_notifications",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DeadLetterModel{}); err != nil {
				return err
			}
			return execAll(tx,
				`ALTER TABLE dead_letter_notifications ADD CONSTRAINT fk_dead_letters_notification FOREIGN KEY (notification_id) REFERENCES notifications (id) ON DELETE SET NULL`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_dead_letters_notification_id ON dead_letter_notifications (notification_id) WHERE notification_id IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_dead_letters_channel_created ON dead_letter_notifications (channel, created_at)`,
			)
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeadLetterModel{})
		},
	}
}
