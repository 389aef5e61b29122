package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Column headers a data sheet must carry.
const (
	ColSubclassID = "Subclass ID"
	ColOffset     = "Offset"
	ColSize       = "Size"
	ColFormat     = "Format"
	ColType       = "Type"
)

var ErrMissingColumn = errors.New("missing column")

// Table is one data sheet: a header row and the rows below it.
type Table struct {
	Name   string
	Header []string
	Rows   [][]string
}

// Class is the protection classification from the Type column.
type Class int

const (
	Unrestricted Class = iota
	Unknown
	Lifetime
	Calibration
)

// ParseClass maps a Type cell to its classification.
func ParseClass(s string) Class {
	switch strings.TrimSpace(s) {
	case "Unknown":
		return Unknown
	case "Lifetime":
		return Lifetime
	case "Calibration":
		return Calibration
	}
	return Unrestricted
}

func (c Class) String() string {
	switch c {
	case Unknown:
		return "Unknown"
	case Lifetime:
		return "Lifetime"
	case Calibration:
		return "Calibration"
	}
	return "Unrestricted"
}

// Gate decides which protected rows may be written. Unknown rows are never
// written.
type Gate struct {
	EraseLifetime    bool
	EraseCalibration bool
}

// Allows reports whether a row of class c may be written.
func (g Gate) Allows(c Class) bool {
	switch c {
	case Unknown:
		return false
	case Lifetime:
		return g.EraseLifetime
	case Calibration:
		return g.EraseCalibration
	}
	return true
}

// Row is a single data flash field described by a table row.
type Row struct {
	Sheet      string
	Line       int // 1-based spreadsheet row
	SubclassID int
	Offset     int
	Size       int
	Format     Format
	FormatTag  string
	Class      Class
	Value      Value
}

// Configurations lists the value columns of a table. Configuration columns
// are named after the cell arrangement they target, e.g. "2 Cell".
func Configurations(t *Table) []string {
	var out []string
	for _, h := range t.Header {
		if strings.Contains(h, "Cell") {
			out = append(out, h)
		}
	}
	return out
}

// Extract reads rows until the first row whose Subclass ID, Size or Offset is
// not an integer or whose Format is not a text tag. That row marks the end of
// the table and is not an error.
func Extract(t *Table, column string) ([]Row, error) {
	idx := make(map[string]int, len(t.Header))
	for i, h := range t.Header {
		if _, dup := idx[h]; !dup {
			idx[h] = i
		}
	}
	cols := make(map[string]int)
	for _, name := range []string{ColSubclassID, ColOffset, ColSize, ColFormat, ColType, column} {
		i, ok := idx[name]
		if !ok {
			return nil, fmt.Errorf("sheet %q: %w %q", t.Name, ErrMissingColumn, name)
		}
		cols[name] = i
	}

	var rows []Row
	for n, cells := range t.Rows {
		cell := func(name string) Value {
			i := cols[name]
			if i >= len(cells) || strings.TrimSpace(cells[i]) == "" {
				return Value{}
			}
			return Text(cells[i])
		}
		id, ok1 := wholeNumber(cell(ColSubclassID))
		size, ok2 := wholeNumber(cell(ColSize))
		offset, ok3 := wholeNumber(cell(ColOffset))
		tag := cell(ColFormat)
		if !ok1 || !ok2 || !ok3 || !isTag(tag) {
			break
		}
		rows = append(rows, Row{
			Sheet:      t.Name,
			Line:       n + 2,
			SubclassID: id,
			Offset:     offset,
			Size:       size,
			Format:     ParseFormat(tag.Text),
			FormatTag:  strings.TrimSpace(tag.Text),
			Class:      ParseClass(cell(ColType).Text),
			Value:      cell(column),
		})
	}
	return rows, nil
}

func wholeNumber(v Value) (int, bool) {
	if !v.Present {
		return 0, false
	}
	s := strings.TrimSpace(v.Text)
	if i, err := strconv.Atoi(s); err == nil {
		return i, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func isTag(v Value) bool {
	if !v.Present {
		return false
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(v.Text), 64)
	return err != nil
}

// ReadWorkbook returns the data sheets of an xlsx workbook. Sheets whose
// first cell is not the Subclass ID header are skipped.
func ReadWorkbook(path string) ([]*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	var tables []*Table
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("sheet %q: %w", name, err)
		}
		if t := newTable(name, rows); t != nil {
			tables = append(tables, t)
		}
	}
	return tables, nil
}

// ReadCSV reads a single data table from comma separated text.
func ReadCSV(name string, r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	t := newTable(name, records)
	if t == nil {
		return nil, fmt.Errorf("%s: first cell is not %q", name, ColSubclassID)
	}
	return t, nil
}

func newTable(name string, rows [][]string) *Table {
	if len(rows) == 0 || len(rows[0]) == 0 || strings.TrimSpace(rows[0][0]) != ColSubclassID {
		return nil
	}
	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.TrimSpace(h)
	}
	return &Table{Name: name, Header: header, Rows: rows[1:]}
}
