package models

import (
	"log"

	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) {
	err := db.AutoMigrate(
		&NumericRange{},
		&FolioWatermark{},
		&DeliveryJob{},
		&LedgerEntry{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
