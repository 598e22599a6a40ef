package table

import (
	"errors"
	"fmt"
	"os"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Sheet1"

// xlsxFormat stores the table on the first worksheet. Workbooks cannot be
// appended in place, so appendRows rewrites the file.
type xlsxFormat struct{}

func (xlsxFormat) load(path string) (*sheet, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &sheet{header: rows[0], rows: rows[1:]}, nil
}

func (x xlsxFormat) appendRows(path string, rows [][]string) error {
	s, err := x.load(path)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("append to missing workbook %s", path)
	}
	s.rows = append(s.rows, rows...)
	return x.save(path, s)
}

func (xlsxFormat) save(path string, s *sheet) error {
	f := excelize.NewFile()
	defer f.Close()

	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return err
	}

	if err := writeRow(sw, 1, s.header); err != nil {
		return err
	}
	for i, row := range s.rows {
		if err := writeRow(sw, i+2, row); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}

	return replaceFile(path, ".bulkfetch-*.xlsx", func(tmp *os.File) error {
		_, err := f.WriteTo(tmp)
		return err
	})
}

func writeRow(sw *excelize.StreamWriter, n int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return err
	}
	row := make([]interface{}, len(values))
	for i, v := range values {
		if v != "" {
			row[i] = v
		}
	}
	return sw.SetRow(cell, row)
}
