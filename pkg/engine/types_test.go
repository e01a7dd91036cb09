package engine

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMatrixColumns(t *testing.T) {
	m := &Matrix{
		Header: []string{"time", "top:model.x", "top:model.label"},
		Rows: [][]Cell{
			{Num(0), Num(1.5), Text("a")},
			{Num(1), Num(2.5)},
		},
	}

	if idx := m.ColumnIndex("top:model.x"); idx != 1 {
		t.Errorf("ColumnIndex = %d, want 1", idx)
	}
	if idx := m.ColumnIndex("x"); idx != -1 {
		t.Errorf("partial names must not match, got %d", idx)
	}
	if !m.IsNumericColumn(1) {
		t.Error("column 1 should be numeric")
	}
	if m.IsNumericColumn(2) {
		t.Error("column 2 holds text")
	}

	col := m.Column(2)
	if len(col) != 2 || col[0].Text != "a" || !math.IsNaN(col[1].Num) {
		t.Errorf("unexpected column: %+v", col)
	}
}

func TestCellString(t *testing.T) {
	if got := Num(2.5).String(); got != "2.5" {
		t.Errorf("got %q", got)
	}
	if got := NA().String(); got != "NA" {
		t.Errorf("got %q", got)
	}
	if got := Text("x").String(); got != "x" {
		t.Errorf("got %q", got)
	}
}

func TestValueJSON(t *testing.T) {
	v := TableValue([][]Cell{{Num(1), NA()}, {Text("a")}})

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `[[1,null],["a"]]` {
		t.Errorf("unexpected encoding %s", data)
	}

	var back Value
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Kind != ValueTable || len(back.Table.Rows) != 2 || back.Table.Rows[1][0].Text != "a" {
		t.Errorf("unexpected decode %+v", back)
	}

	data, err = json.Marshal(map[string]Value{"y": ScalarValue(22)})
	if err != nil {
		t.Fatal(err)
	}
	var res map[string]Value
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ScalarValue(22), res["y"]); diff != "" {
		t.Errorf("scalar round trip (-want +got):\n%s", diff)
	}
}

func TestTableDims(t *testing.T) {
	tbl := &Table{Rows: [][]Cell{{Num(1)}, {Num(1), Num(2), Num(3)}}}
	r, c := tbl.Dims()
	if r != 2 || c != 3 {
		t.Errorf("Dims = %d,%d", r, c)
	}
}
