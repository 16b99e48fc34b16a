package reporting

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/mediassist/mediassist/internal/domain/casefile"
	"github.com/mediassist/mediassist/internal/domain/pipeline"
)

const sheetName = "Cases"

// ExportHeader is the first row of the case export.
var ExportHeader = []string{
	"Case ID",
	"Created (UTC)",
	"Patient",
	"Urgency",
	"Primary Diagnosis",
	"Safe",
	"Warnings",
}

var columnWidths = []float64{38, 20, 24, 12, 48, 8, 60}

// ExportCases renders completed cases as an XLSX workbook with one row per
// case. Cases without a record are skipped.
func ExportCases(cases []*casefile.Case) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	if err := setRow(f, 1, toAny(ExportHeader)); err != nil {
		return nil, err
	}
	last, _ := excelize.CoordinatesToCellName(len(ExportHeader), 1)
	if err := f.SetCellStyle(sheetName, "A1", last, headerStyle); err != nil {
		return nil, fmt.Errorf("set header style: %w", err)
	}
	for i, w := range columnWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(sheetName, col, col, w); err != nil {
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}

	row := 2
	for _, c := range cases {
		if c.Record == nil {
			continue
		}
		safe := "yes"
		if !c.Record.Safety.IsSafe {
			safe = "no"
		}
		values := []any{
			c.ID.String(),
			c.CreatedAt.UTC().Format("2006-01-02 15:04"),
			c.Intake.Name,
			string(c.Record.Urgency),
			pipeline.PrimaryDiagnosis(c.Record.DoctorView.Assessment),
			safe,
			strings.Join(c.Record.Safety.Warnings, "; "),
		}
		if err := setRow(f, row, values); err != nil {
			return nil, err
		}
		row++
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func setRow(f *excelize.File, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("row %d: %w", row, err)
	}
	if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
		return fmt.Errorf("write row %d: %w", row, err)
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
