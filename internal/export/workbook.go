package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

type SheetSpec struct {
	Title  string
	Header []string
	Rows   [][]string
}

// NewWorkbook собирает книгу из листов; первый лист занимает место стандартного Sheet1.
func NewWorkbook(sheets []SheetSpec) (*excelize.File, error) {
	f := excelize.NewFile()
	for i, s := range sheets {
		name := s.Title
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				return nil, fmt.Errorf("rename sheet: %w", err)
			}
		} else {
			if _, err := f.NewSheet(name); err != nil {
				return nil, fmt.Errorf("new sheet: %w", err)
			}
		}
		// заголовки
		for col, h := range s.Header {
			cell := fmt.Sprintf("%s1", columnName(col+1))
			if err := f.SetCellStr(name, cell, h); err != nil {
				return nil, fmt.Errorf("set cell %s: %w", cell, err)
			}
		}
		// строки
		for r, row := range s.Rows {
			for c, val := range row {
				cell := fmt.Sprintf("%s%d", columnName(c+1), r+2)
				if err := f.SetCellStr(name, cell, val); err != nil {
					return nil, fmt.Errorf("set cell %s: %w", cell, err)
				}
			}
		}
		if len(s.Header) > 0 {
			if err := ApplyDefaultExcelFormatting(f, name); err != nil {
				return nil, fmt.Errorf("format sheet %s: %w", name, err)
			}
		}
	}
	return f, nil
}
