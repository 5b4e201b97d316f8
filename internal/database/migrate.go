package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/bandroom-chat/internal/models"
)

// Migrate creates or updates every table the chat core owns. Both message
// namespaces share one struct, so each table is migrated explicitly.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Chat{},
		&models.ChatMember{},
		&models.FanChat{},
		&models.ReadWatermark{},
		&models.MessageReport{},
		&models.ModerationLog{},
		&models.FanChatBan{},
		&models.BandMember{},
	); err != nil {
		return fmt.Errorf("failed to migrate chat tables: %w", err)
	}

	for _, ns := range []models.Namespace{models.NamespaceBand, models.NamespaceFan} {
		table := ns.MessageTable()
		if err := db.Table(table).AutoMigrate(&models.Message{}); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", table, err)
		}
		for _, stmt := range messageIndexes(table) {
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to index %s: %w", table, err)
			}
		}
	}

	return nil
}

// messageIndexes are named per table because index names are global in both
// PostgreSQL and SQLite.
func messageIndexes(table string) []string {
	return []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_timeline ON %s (chat_id, timestamp)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_sender ON %s (sender_id)", table, table),
	}
}
