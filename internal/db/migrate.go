package db

import (
	"fmt"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model owned by Switchyard.
func AllModels() []interface{} {
	return []interface{}{
		&models.Device{},
		&models.DeviceCommand{},
		&models.DeviceLog{},
		&models.CampaignSchedule{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
