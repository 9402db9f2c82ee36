package core

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Format is an accepted upload file type.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// FormatFromFilename picks the format from the file extension.
func FormatFromFilename(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(name))
	}
}

// rowSource yields records one at a time, header first, and io.EOF at the end.
// Blank records are never returned.
type rowSource interface {
	Next() ([]string, error)
	Close() error
}

func openRows(path string, format Format) (rowSource, error) {
	switch format {
	case FormatCSV:
		return openCSVRows(path)
	case FormatXLSX:
		return openXLSXRows(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

type csvRows struct {
	f *os.File
	r *csv.Reader
}

func openCSVRows(path string) (*csvRows, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	r := csv.NewReader(DecodeUTF8(f))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	return &csvRows{f: f, r: r}, nil
}

func (c *csvRows) Next() ([]string, error) {
	return c.r.Read()
}

// Line returns the file line the last record started on.
func (c *csvRows) Line() int {
	line, _ := c.r.FieldPos(0)
	return line
}

func (c *csvRows) Close() error { return c.f.Close() }

type xlsxRows struct {
	f    *excelize.File
	rows *excelize.Rows
	line int
}

// openXLSXRows reads the first sheet of the workbook.
func openXLSXRows(path string) (*xlsxRows, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", filepath.Base(path), err)
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrEmptyFile)
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return &xlsxRows{f: f, rows: rows}, nil
}

func (x *xlsxRows) Next() ([]string, error) {
	for x.rows.Next() {
		x.line++
		cols, err := x.rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", x.line, err)
		}
		if !blank(cols) {
			return cols, nil
		}
	}
	if err := x.rows.Error(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (x *xlsxRows) Line() int { return x.line }

func (x *xlsxRows) Close() error {
	rerr := x.rows.Close()
	ferr := x.f.Close()
	return errors.Join(rerr, ferr)
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// recordError reports whether err is confined to one record. Reading can
// continue with the next record after it.
func recordError(err error) (*csv.ParseError, bool) {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// lineOf returns the source line of the last record when the source tracks it.
func lineOf(src rowSource, fallback int) int {
	if l, ok := src.(interface{ Line() int }); ok {
		if n := l.Line(); n > 0 {
			return n
		}
	}
	return fallback
}

// CountRows returns the number of data records (excluding the header).
// A header-only file yields 0. Records that fail to parse are counted,
// since the import pass skips them as rows.
func CountRows(path string, format Format) (int64, error) {
	src, err := openRows(path, format)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	var n int64
	for {
		_, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if _, ok := recordError(err); err != nil && (!ok || n == 0) {
			return 0, fmt.Errorf("count rows: %w", err)
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n - 1, nil
}

// columns maps the recognised header names to record positions; -1 means absent.
type columns struct {
	sku, name, description, active int
}

func indexHeader(header []string) (columns, error) {
	cols := columns{sku: -1, name: -1, description: -1, active: -1}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "sku":
			cols.sku = i
		case "name":
			cols.name = i
		case "description":
			cols.description = i
		case "active":
			cols.active = i
		}
	}

	var missing []string
	if cols.sku < 0 {
		missing = append(missing, "sku")
	}
	if cols.name < 0 {
		missing = append(missing, "name")
	}
	if len(missing) > 0 {
		return cols, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return cols, nil
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return CleanCell(rec[i])
}

// parseRecord builds a candidate product from one data record.
func parseRecord(rec []string, cols columns) (ProductInput, error) {
	in := ProductInput{
		SKU:    cell(rec, cols.sku),
		Name:   cell(rec, cols.name),
		Active: true,
	}
	if in.SKU == "" {
		return in, errors.New("missing sku")
	}
	if in.Name == "" {
		return in, errors.New("missing name")
	}
	if d := cell(rec, cols.description); d != "" {
		in.Description = &d
	}

	// Anything outside the true vocabulary reads as inactive.
	if a := cell(rec, cols.active); a != "" {
		in.Active, _ = ParseBool(a)
	}
	return in, nil
}
