package backend

import (
	"fmt"
	"io"
	"math"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/metasim/metasim/pkg/engine"
)

// ArrowCodec stores a matrix as an Arrow IPC stream with one record batch.
// Numeric columns are nullable float64, a missing number is null.
// Columns holding any text cell are utf8.
type ArrowCodec struct{}

// Format returns arrow.
func (ArrowCodec) Format() engine.ResultFormat {
	return engine.ResultFormatArrow
}

// Encode writes m.
func (ArrowCodec) Encode(w io.Writer, m *engine.Matrix) error {
	mem := memory.NewGoAllocator()

	fields := make([]arrow.Field, len(m.Header))
	for i, name := range m.Header {
		typ := arrow.DataType(arrow.PrimitiveTypes.Float64)
		if !m.IsNumericColumn(i) {
			typ = arrow.BinaryTypes.String
		}
		fields[i] = arrow.Field{Name: name, Type: typ, Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for i := range m.Header {
		col := m.Column(i)
		switch fb := b.Field(i).(type) {
		case *array.Float64Builder:
			for _, c := range col {
				if math.IsNaN(c.Num) {
					fb.AppendNull()
				} else {
					fb.Append(c.Num)
				}
			}
		case *array.StringBuilder:
			for _, c := range col {
				fb.Append(c.String())
			}
		}
	}

	rec := b.NewRecord()
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		_ = iw.Close()
		return fmt.Errorf("write record: %w", err)
	}
	return iw.Close()
}

// Decode reads a matrix written by Encode. Integer columns are read as numbers.
func (ArrowCodec) Decode(r io.Reader) (*engine.Matrix, error) {
	ir, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open arrow stream: %w", err)
	}
	defer ir.Release()

	schema := ir.Schema()
	m := &engine.Matrix{Header: make([]string, schema.NumFields())}
	for i, f := range schema.Fields() {
		m.Header[i] = f.Name
	}

	for ir.Next() {
		rec := ir.Record()
		nrows := int(rec.NumRows())
		rows := make([][]engine.Cell, nrows)
		for i := range rows {
			rows[i] = make([]engine.Cell, rec.NumCols())
		}
		for j, col := range rec.Columns() {
			for i := 0; i < nrows; i++ {
				cell, err := arrowCell(col, i)
				if err != nil {
					return nil, fmt.Errorf("column %s: %w", m.Header[j], err)
				}
				rows[i][j] = cell
			}
		}
		m.Rows = append(m.Rows, rows...)
	}
	if err := ir.Err(); err != nil {
		return nil, fmt.Errorf("read arrow stream: %w", err)
	}
	return m, nil
}

func arrowCell(col arrow.Array, i int) (engine.Cell, error) {
	if col.IsNull(i) {
		return engine.NA(), nil
	}
	switch c := col.(type) {
	case *array.Float64:
		return engine.Num(c.Value(i)), nil
	case *array.Float32:
		return engine.Num(float64(c.Value(i))), nil
	case *array.Int64:
		return engine.Num(float64(c.Value(i))), nil
	case *array.Int32:
		return engine.Num(float64(c.Value(i))), nil
	case *array.Boolean:
		if c.Value(i) {
			return engine.Num(1), nil
		}
		return engine.Num(0), nil
	case *array.String:
		return engine.Text(c.Value(i)), nil
	default:
		return engine.Cell{}, fmt.Errorf("unsupported arrow type %s", col.DataType())
	}
}
