package market

import (
	"strings"
	"text/tabwriter"
)

// Table is a provider-neutral tabular result: column headers plus
// labelled rows. Info tables have a single "Value" column; history
// tables are keyed by date; financial statements by metric.
type Table struct {
	Title   string   `json:"title,omitempty"`
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Row is one labelled line of a Table.
type Row struct {
	Label  string   `json:"label"`
	Values []string `json:"values"`
}

// Empty reports whether t carries no data.
func (t *Table) Empty() bool {
	return t == nil || len(t.Rows) == 0
}

// Tail returns a copy of t holding only the last n rows.
func (t *Table) Tail(n int) *Table {
	if t == nil {
		return nil
	}
	rows := t.Rows
	if n >= 0 && len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	out := &Table{Title: t.Title, Columns: t.Columns, Rows: make([]Row, len(rows))}
	copy(out.Rows, rows)
	return out
}

// String renders t as aligned plain text for the model.
func (t *Table) String() string {
	if t.Empty() {
		return "Empty DataFrame"
	}
	var b strings.Builder
	if t.Title != "" {
		b.WriteString(t.Title)
		b.WriteByte('\n')
	}
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	w.Write([]byte("\t" + strings.Join(t.Columns, "\t") + "\n"))
	for _, r := range t.Rows {
		w.Write([]byte(r.Label + "\t" + strings.Join(r.Values, "\t") + "\n"))
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}
