package excel

import (
	"fmt"
	"io"

	"athena-grader/internal/model"

	"github.com/xuri/excelize/v2"
)

const gradebookSheet = "Gradebook"

var gradebookHeader = []interface{}{
	"submission_id", "student_id", "submitted_at", "status",
	"manual_grade", "autograde_score", "autograde_success", "released", "effective_score",
}

// GradebookWriter renders the current submissions of one assignment as xlsx.
type GradebookWriter struct{}

func NewGradebookWriter() *GradebookWriter {
	return &GradebookWriter{}
}

func (g *GradebookWriter) Write(w io.Writer, assignment *model.Assignment, rows []model.GradebookRow) error {
	file := excelize.NewFile()
	defer file.Close()

	if err := file.SetSheetName(file.GetSheetName(0), gradebookSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	title := fmt.Sprintf("%s %s (max %g)", assignment.Code, assignment.Title, assignment.MaxGrade)
	if err := file.SetCellValue(gradebookSheet, "A1", title); err != nil {
		return err
	}
	if err := file.SetSheetRow(gradebookSheet, "A2", &gradebookHeader); err != nil {
		return err
	}

	bold, err := file.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := file.SetRowStyle(gradebookSheet, 1, 2, bold); err != nil {
		return err
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+3)
		if err != nil {
			return err
		}
		values := []interface{}{
			row.SubmissionID,
			row.StudentID,
			row.SubmittedAt.UTC().Format("2006-01-02 15:04:05"),
			string(row.Status),
			optional(row.ManualGrade),
			optional(row.AutogradeScore),
			row.AutogradeOK,
			row.Visible,
			optional(row.EffectiveScore()),
		}
		if err := file.SetSheetRow(gradebookSheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+3, err)
		}
	}

	if _, err := file.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// optional leaves the cell empty for a missing score.
func optional(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
