package backend

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"

	"github.com/metasim/metasim/pkg/engine"
)

// ResultFileName returns <dir>/<experiment>-<runIndex>_<view>.<ext>.
func ResultFileName(dir, experiment string, runIndex int, view string, format engine.ResultFormat) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%d_%s.%s", experiment, runIndex, view, format.Ext()))
}

// ExperimentFileName returns <dir>/<experiment>.json.
func ExperimentFileName(dir, experiment string) string {
	return filepath.Join(dir, experiment+".json")
}

// Codec reads and writes one view matrix in a result file format.
type Codec interface {
	Format() engine.ResultFormat
	Encode(w io.Writer, m *engine.Matrix) error
	Decode(r io.Reader) (*engine.Matrix, error)
}

// CodecFor returns the codec of format.
func CodecFor(format engine.ResultFormat) (Codec, error) {
	switch format {
	case engine.ResultFormatCSV, "":
		return CSVCodec{}, nil
	case engine.ResultFormatArrow:
		return ArrowCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported result format %q", format)
	}
}

// CSVCodec stores a matrix as a header line followed by one line per sample.
// Missing numbers are written as NA.
type CSVCodec struct{}

// Format returns csv.
func (CSVCodec) Format() engine.ResultFormat {
	return engine.ResultFormatCSV
}

// Encode writes m.
func (CSVCodec) Encode(w io.Writer, m *engine.Matrix) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(m.Header); err != nil {
		return err
	}
	record := make([]string, 0, len(m.Header))
	for _, row := range m.Rows {
		record = record[:0]
		for _, c := range row {
			record = append(record, c.String())
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Decode reads a matrix. NA is a missing number, decimal fields are numbers and
// anything else is text. CSV carries no column types, so a text value spelled
// as a decimal ("1e3", "42") reads back as a number; use the arrow format when
// a text column may hold such values.
func (CSVCodec) Decode(r io.Reader) (*engine.Matrix, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("empty result file")
	}
	if err != nil {
		return nil, err
	}

	m := &engine.Matrix{Header: header}
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make([]engine.Cell, len(record))
		for i, field := range record {
			row[i] = parseCell(field)
		}
		m.Rows = append(m.Rows, row)
	}
	return m, nil
}

// parseCell reads back what Cell.String writes: NA, decimal numbers in Go 'g'
// form and the infinities it renders as +Inf and -Inf. Other spellings
// ParseFloat accepts (inf, nan, hex floats) stay text.
func parseCell(field string) engine.Cell {
	switch field {
	case "NA":
		return engine.NA()
	case "+Inf":
		return engine.Num(math.Inf(1))
	case "-Inf":
		return engine.Num(math.Inf(-1))
	}
	if !decimal(field) {
		return engine.Text(field)
	}
	if v, err := strconv.ParseFloat(field, 64); err == nil {
		return engine.Num(v)
	}
	return engine.Text(field)
}

func decimal(field string) bool {
	if field == "" {
		return false
	}
	for _, r := range field {
		if !(r >= '0' && r <= '9' || r == '.' || r == 'e' || r == 'E' || r == '+' || r == '-') {
			return false
		}
	}
	return true
}
