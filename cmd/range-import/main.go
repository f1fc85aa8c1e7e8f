package main

import (
	"context"
	"log"
	"os"

	"github.com/mmdatafocus/dte_backend/config"
	"github.com/mmdatafocus/dte_backend/folio"
	"github.com/mmdatafocus/dte_backend/models"
	"github.com/mmdatafocus/dte_backend/storage"
	"github.com/mmdatafocus/dte_backend/utils"
)

// range-import bulk-loads authorized folio ranges from an xlsx workbook.
// Usage: range-import <workbook.xlsx>
func main() {
	if len(os.Args) != 2 {
		log.Fatal("usage: range-import <workbook.xlsx>")
	}

	logger := config.NewLogger()
	db := config.ConnectDatabaseWithRetry()
	models.MigrateTable(db)

	store := storage.NewGormStore(db, nil, logger)
	ranges := folio.NewRanges(store)

	f, err := os.Open(os.Args[1])
	utils.ErrorPanic(err)
	defer f.Close()

	created, err := folio.ImportRangesFromWorkbook(context.Background(), ranges, f)
	if err != nil {
		log.Fatalf("imported %d ranges before failing: %v", created, err)
	}
	log.Printf("imported %d ranges", created)
}
