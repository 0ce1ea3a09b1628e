package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS vehicle_owners (
		id               BIGSERIAL PRIMARY KEY,
		name             TEXT NOT NULL,
		phone_number     TEXT NOT NULL,
		vehicle_number   TEXT NOT NULL,
		telegram_chat_id TEXT,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_vehicle_owners_vehicle_number ON vehicle_owners(vehicle_number);`,
	`CREATE INDEX IF NOT EXISTS idx_vehicle_owners_telegram_chat_id ON vehicle_owners(telegram_chat_id);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
