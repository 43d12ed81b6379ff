package models

import (
	"fmt"

	"gorm.io/gorm"
)

// Migrate creates or updates every table the pipeline reads or writes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&ResearchJob{},
		&ResearchVideo{},
		&CurationJob{},
		&ProductionJob{},
		&ProductionScene{},
		&ProductionTrack{},
		&Task{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
