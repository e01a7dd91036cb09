package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/metasim/metasim/pkg/config"
	"github.com/metasim/metasim/pkg/engine"
)

// fakeModel returns a one-row "out" view whose value is the first assignment.
type fakeModel struct {
	failAt  float64
	delay   time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
}

func (m *fakeModel) Views() []string { return []string{"out"} }

func (m *fakeModel) Simulate(ctx context.Context, assignments []engine.Assignment) (engine.RunOutput, error) {
	m.calls.Add(1)
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		seen := m.maxSeen.Load()
		if n <= seen || m.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	v := assignments[0].Value.(float64)
	if m.failAt != 0 && v == m.failAt {
		return nil, fmt.Errorf("model diverged")
	}
	return engine.RunOutput{
		"out": {Header: []string{"time", "m.x"}, Rows: [][]engine.Cell{{engine.Num(0), engine.Num(v)}}},
	}, nil
}

func testBatch(n int) engine.Batch {
	runs := make([]engine.RunDescriptor, n)
	for i := range runs {
		runs[i] = engine.RunDescriptor{
			Index:       i,
			InputIndex:  i,
			Assignments: []engine.Assignment{{Condition: "c", Port: "x", Value: float64(i + 1)}},
		}
	}
	return engine.Batch{
		Experiment: "exp",
		Model:      engine.ModelRef{Package: "pkg", Vpz: "model.star"},
		Views:      []string{"out"},
		Runs:       runs,
	}
}

func TestLocalDispatchConsumesInOrder(t *testing.T) {
	model := &fakeModel{delay: 5 * time.Millisecond}
	local := NewLocal(model, 4, Options{})

	if local.Name() != "threads" {
		t.Errorf("expected threads backend, got %s", local.Name())
	}

	var got []int
	var values []float64
	err := local.Dispatch(context.Background(), testBatch(10), func(run engine.RunDescriptor, out engine.RunOutput) error {
		got = append(got, run.Index)
		v, _ := out["out"].Rows[0][1].Float()
		values = append(values, v)
		return nil
	})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	for i := range got {
		if got[i] != i {
			t.Fatalf("runs consumed out of order: %v", got)
		}
		if values[i] != float64(i+1) {
			t.Errorf("run %d: expected value %v, got %v", i, float64(i+1), values[i])
		}
	}
	if len(got) != 10 {
		t.Errorf("expected 10 runs consumed, got %d", len(got))
	}
	if peak := model.maxSeen.Load(); peak > 4 {
		t.Errorf("expected at most 4 concurrent simulations, saw %d", peak)
	}
}

func TestLocalSingleRunsSequentially(t *testing.T) {
	model := &fakeModel{delay: time.Millisecond}
	local := NewLocal(model, 1, Options{})

	if local.Name() != "single" {
		t.Errorf("expected single backend, got %s", local.Name())
	}
	if err := local.Dispatch(context.Background(), testBatch(5), func(engine.RunDescriptor, engine.RunOutput) error { return nil }); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if peak := model.maxSeen.Load(); peak != 1 {
		t.Errorf("expected sequential execution, saw %d concurrent", peak)
	}
}

func TestLocalDispatchModelFailure(t *testing.T) {
	model := &fakeModel{failAt: 4}
	local := NewLocal(model, 2, Options{})

	consumed := 0
	err := local.Dispatch(context.Background(), testBatch(8), func(engine.RunDescriptor, engine.RunOutput) error {
		consumed++
		return nil
	})
	if !engine.IsDispatch(err) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.RunIndex != 3 {
		t.Errorf("expected failing run 3, got %+v", engErr)
	}
	if consumed != 0 {
		t.Errorf("expected no partial consumption, got %d runs", consumed)
	}
}

func TestLocalDispatchConsumeError(t *testing.T) {
	local := NewLocal(&fakeModel{}, 2, Options{})
	want := engine.NewColumnNotFoundError("missing", nil)

	calls := 0
	err := local.Dispatch(context.Background(), testBatch(4), func(engine.RunDescriptor, engine.RunOutput) error {
		calls++
		if calls == 2 {
			return want
		}
		return nil
	})
	if err != want {
		t.Errorf("expected consume error to propagate, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected consumption to stop at the failing run, got %d calls", calls)
	}
}

func TestLocalDispatchCancelled(t *testing.T) {
	model := &fakeModel{delay: time.Second}
	local := NewLocal(model, 2, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	go func() {
		time.Sleep(20 * time.Millisecond)
		once.Do(cancel)
	}()

	err := local.Dispatch(ctx, testBatch(6), func(engine.RunDescriptor, engine.RunOutput) error { return nil })
	if !engine.IsCancelled(err) {
		t.Fatalf("expected cancelled error, got %v", err)
	}
	if calls := model.calls.Load(); calls > 2 {
		t.Errorf("expected queued runs to be skipped, got %d simulations", calls)
	}
}

func TestLocalDispatchTimeout(t *testing.T) {
	local := NewLocal(&fakeModel{delay: time.Second}, 1, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := local.Dispatch(ctx, testBatch(2), func(engine.RunDescriptor, engine.RunOutput) error { return nil })
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Class != engine.ErrorClassCancelled || engErr.Code != engine.ErrCodeTimeout {
		t.Errorf("expected cancelled timeout error, got %v", err)
	}
}

func TestLocalDispatchWithoutModel(t *testing.T) {
	err := NewLocal(nil, 1, Options{}).Dispatch(context.Background(), testBatch(1), nil)
	if !engine.IsDispatch(err) {
		t.Errorf("expected dispatch error, got %v", err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	model := &fakeModel{}

	tests := []struct {
		name     string
		settings config.Settings
		want     string
		wantErr  bool
	}{
		{name: "single", settings: config.Settings{ParallelType: engine.ParallelSingle, Slots: 1}, want: "single"},
		{name: "threads", settings: config.Settings{ParallelType: engine.ParallelThreads, Slots: 3}, want: "threads"},
		{
			name: "distributed",
			settings: config.Settings{
				ParallelType: engine.ParallelDistributed, Slots: 2, Worker: "meta-worker",
				WorkingDir: t.TempDir(), Format: engine.ResultFormatCSV,
			},
			want: "distributed",
		},
		{
			name:     "distributed without working dir",
			settings: config.Settings{ParallelType: engine.ParallelDistributed, Slots: 2, Worker: "meta-worker"},
			wantErr:  true,
		},
		{name: "unknown", settings: config.Settings{ParallelType: "cluster"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(context.Background(), tt.settings, model, Options{})
			if tt.wantErr {
				if !engine.IsConfiguration(err) {
					t.Errorf("expected configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Name() != tt.want {
				t.Errorf("expected %s backend, got %s", tt.want, d.Name())
			}
		})
	}
}
