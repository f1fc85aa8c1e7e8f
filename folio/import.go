package folio

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mmdatafocus/dte_backend/models"
	"github.com/xuri/excelize/v2"
)

// ImportRangesFromWorkbook bulk-loads authorized ranges from an xlsx workbook.
// Expected columns on the first sheet: document type, environment, start, end
// (inclusive). A header row is skipped when its first cell is not numeric.
// Returns how many ranges were created; stops at the first bad row.
func ImportRangesFromWorkbook(ctx context.Context, ranges *Ranges, reader io.Reader) (int, error) {
	f, err := excelize.OpenReader(reader)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return 0, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return 0, err
	}

	created := 0
	for i, row := range rows {
		if len(row) < 4 {
			continue
		}
		docType, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil {
			if i == 0 {
				continue // header row
			}
			return created, fmt.Errorf("row %d: invalid document type %q", i+1, row[0])
		}
		start, err := strconv.ParseInt(strings.TrimSpace(row[2]), 10, 64)
		if err != nil {
			return created, fmt.Errorf("row %d: invalid start %q", i+1, row[2])
		}
		end, err := strconv.ParseInt(strings.TrimSpace(row[3]), 10, 64)
		if err != nil {
			return created, fmt.Errorf("row %d: invalid end %q", i+1, row[3])
		}

		input := models.NewNumericRange{
			DocumentType: docType,
			Environment:  strings.TrimSpace(row[1]),
			Start:        start,
			End:          end,
		}
		if _, err := ranges.Create(ctx, &input); err != nil {
			return created, fmt.Errorf("row %d: %w", i+1, err)
		}
		created++
	}
	return created, nil
}
