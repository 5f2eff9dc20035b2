package storage

import "fmt"

// CellValue is one typed, null-aware cell. IsText tags which of Number/Text
// is meaningful (an empty string is a legitimate text value, not an absent
// one); unless Null is true. The upstream wire contract is "name → column
// values, null-aware" and nothing more specific than that.
type CellValue struct {
	Null   bool
	IsText bool
	Number float64
	Text   string
}

// Column is one ordered sequence of typed values for a single column name.
type Column struct {
	Name   string
	Values []CellValue
}

// Page is a column-oriented, typed, null-aware tabular page returned by a
// Fetcher: a mapping from column name to an ordered sequence of values.
// Column order is preserved (map iteration order is not relied upon
// anywhere downstream); row i is Columns[*].Values[i] for every column.
type Page struct {
	Columns []Column
	rowCount int
}

// NewPage builds a Page from column data and validates that every column has
// the same row count.
func NewPage(columns []Column) (Page, error) {
	p := Page{Columns: columns}

	if len(columns) == 0 {
		return p, nil
	}

	p.rowCount = len(columns[0].Values)

	for _, c := range columns {
		if len(c.Values) != p.rowCount {
			return Page{}, fmt.Errorf("storage: column %q has %d rows, want %d", c.Name, len(c.Values), p.rowCount)
		}
	}

	return p, nil
}

// RowCount returns the number of rows in the page (0 for a page with no
// columns).
func (p Page) RowCount() int {
	return p.rowCount
}

// Column returns the named column and whether it was present.
func (p Page) Column(name string) (Column, bool) {
	for _, c := range p.Columns {
		if c.Name == name {
			return c, true
		}
	}

	return Column{}, false
}

// Row assembles row i as a name → CellValue map. Used by the Writer to
// collect the distinct primary-key tuples of a page.
func (p Page) Row(i int) map[string]CellValue {
	row := make(map[string]CellValue, len(p.Columns))

	for _, c := range p.Columns {
		row[c.Name] = c.Values[i]
	}

	return row
}
