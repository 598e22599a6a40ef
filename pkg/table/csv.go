package table

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
)

type csvFormat struct{}

func (csvFormat) load(path string) (*sheet, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	return &sheet{header: header, rows: rows}, nil
}

func (csvFormat) appendRows(path string, rows [][]string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (csvFormat) save(path string, s *sheet) error {
	return replaceFile(path, ".bulkfetch-*.csv", func(f *os.File) error {
		w := csv.NewWriter(f)
		if err := w.Write(s.header); err != nil {
			return err
		}
		return w.WriteAll(s.rows)
	})
}
