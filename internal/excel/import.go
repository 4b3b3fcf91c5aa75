package excel

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"athena-grader/internal/model"
	"athena-grader/pkg/errors"

	"github.com/xuri/excelize/v2"
)

// Header rows searched for the column names. The exported gradebook puts a
// title in row 1 and the header in row 2.
const maxHeaderRow = 2

// GradeSheetParser reads manual grades from an uploaded workbook, typically
// a gradebook export with the manual_grade column filled in.
type GradeSheetParser struct{}

func NewGradeSheetParser() *GradeSheetParser {
	return &GradeSheetParser{}
}

func (p *GradeSheetParser) Parse(ctx context.Context, r io.Reader) ([]model.GradeImportRow, error) {
	file, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w: %v", errors.ErrInvalidFileFormat, err)
	}
	defer file.Close()

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.ErrInvalidFileFormat
	}

	rows, err := file.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to get rows: %w", err)
	}

	headerIdx, columnMap := findHeader(rows)
	if headerIdx < 0 {
		return nil, errors.ValidationError{Field: "file", Value: sheets[0], Message: "missing submission_id header"}
	}
	gradeCol, ok := columnMap["manual_grade"]
	if !ok {
		gradeCol, ok = columnMap["grade"]
	}
	if !ok {
		return nil, errors.ValidationError{Field: "file", Value: sheets[0], Message: "missing grade or manual_grade column"}
	}
	commentsCol, hasComments := columnMap["comments"]

	var grades []model.GradeImportRow
	for i, row := range rows[headerIdx+1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rowNum := headerIdx + i + 2

		getValue := func(idx int) string {
			if idx < len(row) {
				return strings.TrimSpace(row[idx])
			}
			return ""
		}

		gradeStr := getValue(gradeCol)
		if gradeStr == "" {
			continue // Ungraded rows are left alone
		}

		idStr := getValue(columnMap["submission_id"])
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("error parsing row %d: %w", rowNum,
				errors.ValidationError{Field: "submission_id", Value: idStr, Message: "must be an integer"})
		}
		grade, err := strconv.ParseFloat(gradeStr, 64)
		if err != nil {
			return nil, fmt.Errorf("error parsing row %d: %w", rowNum,
				errors.ValidationError{Field: "grade", Value: gradeStr, Message: "must be a number"})
		}

		parsed := model.GradeImportRow{Row: rowNum, SubmissionID: id, Grade: grade}
		if hasComments {
			comments := getValue(commentsCol)
			parsed.Comments = &comments
		}
		grades = append(grades, parsed)
	}

	if err := validateImport(grades); err != nil {
		return nil, err
	}
	return grades, nil
}

func findHeader(rows [][]string) (int, map[string]int) {
	for i := 0; i < len(rows) && i < maxHeaderRow; i++ {
		columnMap := make(map[string]int)
		for j, col := range rows[i] {
			columnMap[strings.ToLower(strings.TrimSpace(col))] = j
		}
		if _, ok := columnMap["submission_id"]; ok {
			return i, columnMap
		}
	}
	return -1, nil
}

// validateImport checks what can be checked without the store. Bounds
// against max_grade are enforced when each grade is saved.
func validateImport(grades []model.GradeImportRow) error {
	if len(grades) == 0 {
		return errors.ValidationError{Field: "file", Message: "no grades to import"}
	}

	seen := make(map[int64]int, len(grades))
	for _, g := range grades {
		if g.SubmissionID <= 0 {
			return errors.ValidationError{Field: "submission_id", Value: g.SubmissionID,
				Message: fmt.Sprintf("row %d: must be positive", g.Row)}
		}
		if prev, dup := seen[g.SubmissionID]; dup {
			return errors.ValidationError{Field: "submission_id", Value: g.SubmissionID,
				Message: fmt.Sprintf("row %d: already graded in row %d", g.Row, prev)}
		}
		seen[g.SubmissionID] = g.Row
	}
	return nil
}
