package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lychee-technology/couchodm"
	"go.uber.org/zap"
)

// ImportError represents an error that occurred while importing a single CSV row.
type ImportError struct {
	RowNumber int    // CSV row number (1-based, including header)
	CSVColumn string // CSV column name that caused the error, if any
	RawValue  string // Original CSV value
	Reason    string // Error description
}

func (e *ImportError) Error() string {
	if e.CSVColumn == "" {
		return fmt.Sprintf("row %d: %s", e.RowNumber, e.Reason)
	}
	return fmt.Sprintf("row %d, column %q: value %q - %s",
		e.RowNumber, e.CSVColumn, e.RawValue, e.Reason)
}

// ImportResult contains the results of a CSV import.
type ImportResult struct {
	TotalRows     int            // Data rows in the CSV (excluding header)
	SuccessCount  int            // Users written
	FailedCount   int            // Rows not written
	GroupsCreated int            // Groups written by cascade
	UserIDs       []string       // Identifiers of written users, in row order
	Errors        []*ImportError // Detailed error information for failed rows
	Duration      time.Duration
}

// Summary returns a human-readable summary of the import result.
func (r *ImportResult) Summary() string {
	return fmt.Sprintf("Import completed: %d/%d rows successful, %d failed, %d groups created, duration: %v",
		r.SuccessCount, r.TotalRows, r.FailedCount, r.GroupsCreated, r.Duration)
}

type pendingRow struct {
	rowNumber int
	user      *User
}

// CSVImporter persists one user per CSV row, flushing every batchSize rows.
// Groups are created on first mention and reused afterwards.
type CSVImporter struct {
	dm        couchodm.DocumentManager
	mapper    *RowMapper
	batchSize int
	logger    *zap.SugaredLogger
	groups    map[string]*Group
}

// NewCSVImporter creates an importer. A nil dm maps and validates rows
// without writing anything. If batchSize <= 0, defaults to 100.
func NewCSVImporter(dm couchodm.DocumentManager, mapper *RowMapper, batchSize int) *CSVImporter {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &CSVImporter{
		dm:        dm,
		mapper:    mapper,
		batchSize: batchSize,
		logger:    zap.S().Named("CSVImporter"),
		groups:    make(map[string]*Group),
	}
}

// SetLogger sets a custom logger for the importer.
func (i *CSVImporter) SetLogger(logger *zap.SugaredLogger) {
	i.logger = logger
}

// ImportFromFile imports CSV data from a file.
func (i *CSVImporter) ImportFromFile(ctx context.Context, filePath string) (*ImportResult, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	return i.ImportFromReader(ctx, file)
}

// ImportFromReader imports CSV data from an io.Reader. Row-level problems
// are reported in the result; only an unreadable header, missing required
// columns or a cancelled context abort the import.
func (i *CSVImporter) ImportFromReader(ctx context.Context, reader io.Reader) (*ImportResult, error) {
	startTime := time.Now()

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	header, err := csvReader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if missing := i.mapper.MissingColumns(header); len(missing) > 0 {
		return nil, fmt.Errorf("CSV header is missing required columns %v", missing)
	}

	result := &ImportResult{Errors: make([]*ImportError, 0)}
	batch := make([]pendingRow, 0, i.batchSize)
	rowNum := 1 // Header is row 1

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rowNum++
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			i.rowFailed(result, &ImportError{RowNumber: rowNum, Reason: fmt.Sprintf("CSV parsing error: %v", err)})
			continue
		}
		result.TotalRows++

		csvRecord := make(map[string]string, len(header))
		for idx, col := range header {
			if idx < len(record) {
				csvRecord[col] = record[idx]
			}
		}

		values, err := i.mapper.MapRecord(csvRecord)
		if err != nil {
			importErr := &ImportError{RowNumber: rowNum, Reason: err.Error()}
			if mappingErr, ok := err.(*MappingError); ok {
				importErr.CSVColumn = mappingErr.CSVColumn
				importErr.RawValue = mappingErr.RawValue
				importErr.Reason = mappingErr.Reason
			}
			i.rowFailed(result, importErr)
			continue
		}

		user, groupNames := newUser(values)
		for _, name := range groupNames {
			user.Groups = append(user.Groups, couchodm.RefTo(i.group(name)))
		}

		if i.dm == nil {
			result.SuccessCount++
			continue
		}
		if err := i.dm.Persist(user); err != nil {
			i.rowFailed(result, &ImportError{RowNumber: rowNum, Reason: err.Error()})
			continue
		}
		batch = append(batch, pendingRow{rowNumber: rowNum, user: user})

		if len(batch) >= i.batchSize {
			i.processBatch(ctx, batch, result)
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		i.processBatch(ctx, batch, result)
	}

	result.Duration = time.Since(startTime)
	i.logger.Info(result.Summary())
	return result, nil
}

func (i *CSVImporter) group(name string) *Group {
	g, ok := i.groups[name]
	if !ok {
		g = &Group{Name: name}
		i.groups[name] = g
	}
	return g
}

func (i *CSVImporter) rowFailed(result *ImportResult, importErr *ImportError) {
	i.logger.Errorw("row failed", "row", importErr.RowNumber, "error", importErr.Error())
	result.FailedCount++
	result.Errors = append(result.Errors, importErr)
}

// processBatch flushes the pending users and releases them from the session.
func (i *CSVImporter) processBatch(ctx context.Context, batch []pendingRow, result *ImportResult) {
	defer i.dm.Clear()

	flushResult, err := i.dm.Flush(ctx)
	if err != nil {
		i.logger.Errorw("batch flush failed", "rows", len(batch), "error", err)
		for _, row := range batch {
			i.rowFailed(result, &ImportError{RowNumber: row.rowNumber, Reason: fmt.Sprintf("batch flush failed: %v", err)})
		}
		// groups first introduced by this batch were never written
		for name, g := range i.groups {
			if g.Rev == "" {
				delete(i.groups, name)
			}
		}
		return
	}

	rows := make(map[couchodm.Document]int, len(batch))
	for _, row := range batch {
		rows[row.user] = row.rowNumber
	}
	for _, outcome := range flushResult.Successful {
		switch doc := outcome.Document.(type) {
		case *User:
			result.SuccessCount++
			result.UserIDs = append(result.UserIDs, doc.ID)
		case *Group:
			result.GroupsCreated++
		}
	}
	for _, failed := range flushResult.Failed {
		if rowNum, ok := rows[failed.Document]; ok {
			i.rowFailed(result, &ImportError{RowNumber: rowNum, Reason: fmt.Sprintf("%s: %s", failed.Code, failed.Message)})
			continue
		}
		i.logger.Warnw("document failed", "type", failed.Type, "id", failed.ID, "code", failed.Code)
	}
	for _, conflict := range flushResult.Conflicts {
		if rowNum, ok := rows[conflict.Document]; ok {
			i.rowFailed(result, &ImportError{RowNumber: rowNum, Reason: "revision conflict on insert"})
		}
	}
}
