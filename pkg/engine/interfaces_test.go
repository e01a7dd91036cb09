package engine

import (
	"context"
	"errors"
	"testing"
)

type plainModel struct{}

func (plainModel) Views() []string { return nil }

func (plainModel) Simulate(ctx context.Context, assignments []Assignment) (RunOutput, error) {
	return nil, nil
}

type ctxClosingModel struct {
	plainModel
	closed bool
}

func (m *ctxClosingModel) Close(ctx context.Context) error {
	m.closed = true
	return nil
}

type ioClosingModel struct {
	plainModel
	err error
}

func (m *ioClosingModel) Close() error { return m.err }

func TestCloseModel(t *testing.T) {
	ctx := context.Background()

	if err := CloseModel(ctx, plainModel{}); err != nil {
		t.Errorf("plain model: %v", err)
	}

	m := &ctxClosingModel{}
	if err := CloseModel(ctx, m); err != nil || !m.closed {
		t.Errorf("context closer: err = %v, closed = %v", err, m.closed)
	}

	want := errors.New("busy")
	if err := CloseModel(ctx, &ioClosingModel{err: want}); !errors.Is(err, want) {
		t.Errorf("io closer: err = %v, want %v", err, want)
	}
}
