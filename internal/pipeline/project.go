package pipeline

import (
	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/export"
)

// Project lays rows out as a table with the given columns. Dimension
// columns take typed dimension values; every other column is numeric.
func Project(rows []Row, columns []string) export.Table {
	t := export.Table{
		Columns: make([]export.Column, len(columns)),
		Rows:    make([][]interface{}, 0, len(rows)),
	}
	for i, c := range columns {
		t.Columns[i] = export.Column{Name: c, Kind: KindOf(c)}
	}
	for i := range rows {
		r := &rows[i]
		vals := make([]interface{}, len(columns))
		for j, c := range columns {
			switch {
			case domain.IsDimension(c):
				vals[j] = r.DimensionValue(c)
			case t.Columns[j].Kind == export.KindInteger:
				vals[j] = int64(r.Lookup(c))
			default:
				vals[j] = r.Lookup(c)
			}
		}
		t.Rows = append(t.Rows, vals)
	}
	return t
}
