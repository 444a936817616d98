// Package export serializes a report table to CSV, Excel or JSON with a
// deterministic column order and 4-decimal rounding. It returns bytes and a
// suggested name; where the bytes are stored is decided by the caller.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places kept for decimal columns.
const Precision = 4

// Kind is the value type of a column.
type Kind int

const (
	KindText Kind = iota
	KindInteger
	KindDecimal
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindDecimal:
		return "decimal"
	default:
		return "text"
	}
}

func parseKind(s string) Kind {
	switch s {
	case "integer":
		return KindInteger
	case "decimal":
		return KindDecimal
	default:
		return KindText
	}
}

// Column is one output column.
type Column struct {
	Name string
	Kind Kind
}

// Table is the final report row set in column order. Cell values are
// string, int64, float64 or nil.
type Table struct {
	Columns []Column
	Rows    [][]interface{}
}

// ColumnNames returns the column names in order.
func (t Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Round rounds v half away from zero to Precision places. NaN and ±Inf
// round to 0.
func Round(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v).Round(Precision)
}

// cellText renders a cell for text formats. nil renders empty.
func cellText(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return Round(x).String()
	default:
		return fmt.Sprint(x)
	}
}

type envelopeColumn struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type envelope struct {
	Columns []envelopeColumn    `json:"columns"`
	Rows    [][]json.RawMessage `json:"rows"`
}

// MarshalEnvelope encodes a table into the stored result format, which
// keeps column order and types so any download format can be rendered
// from it later.
func MarshalEnvelope(t Table) ([]byte, error) {
	env := envelope{
		Columns: make([]envelopeColumn, len(t.Columns)),
		Rows:    make([][]json.RawMessage, 0, len(t.Rows)),
	}
	for i, c := range t.Columns {
		env.Columns[i] = envelopeColumn{Name: c.Name, Kind: c.Kind.String()}
	}
	for _, row := range t.Rows {
		cells := make([]json.RawMessage, len(row))
		for i, v := range row {
			b, err := jsonValue(v)
			if err != nil {
				return nil, err
			}
			cells[i] = b
		}
		env.Rows = append(env.Rows, cells)
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope decodes a stored result back into a table.
func UnmarshalEnvelope(b []byte) (Table, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Table{}, fmt.Errorf("decode result envelope: %w", err)
	}
	t := Table{
		Columns: make([]Column, len(env.Columns)),
		Rows:    make([][]interface{}, 0, len(env.Rows)),
	}
	for i, c := range env.Columns {
		t.Columns[i] = Column{Name: c.Name, Kind: parseKind(c.Kind)}
	}
	for n, cells := range env.Rows {
		if len(cells) != len(t.Columns) {
			return Table{}, fmt.Errorf("decode result envelope: row %d has %d cells, want %d", n, len(cells), len(t.Columns))
		}
		row := make([]interface{}, len(cells))
		for i, raw := range cells {
			v, err := decodeCell(raw, t.Columns[i].Kind)
			if err != nil {
				return Table{}, fmt.Errorf("decode result envelope: row %d column %s: %w", n, t.Columns[i].Name, err)
			}
			row[i] = v
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func decodeCell(raw json.RawMessage, kind Kind) (interface{}, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	switch kind {
	case KindInteger:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			var s string
			if err2 := json.Unmarshal(raw, &s); err2 != nil {
				return nil, err
			}
			n = json.Number(s)
		}
		return n.Int64()
	case KindDecimal:
		var f float64
		err := json.Unmarshal(raw, &f)
		return f, err
	default:
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
}

// jsonValue encodes one cell. Floats are written as rounded decimals.
func jsonValue(v interface{}) ([]byte, error) {
	if f, ok := v.(float64); ok {
		return []byte(Round(f).String()), nil
	}
	return json.Marshal(v)
}
