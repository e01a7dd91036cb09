package engine_test

import (
	"errors"
	"fmt"

	"github.com/metasim/metasim/pkg/engine"
)

func ExampleStateMachine() {
	m := engine.NewStateMachine()
	_ = m.Transition(engine.RunStateValidated)
	_ = m.Transition(engine.RunStateDispatching)
	_ = m.Transition(engine.RunStateCollecting)
	_ = m.Transition(engine.RunStateDone)
	fmt.Println(m.History())
	// Output: [idle validated dispatching collecting done]
}

func ExampleEngineError() {
	err := fmt.Errorf("batch 0: %w",
		engine.NewResultReadError("result file missing", errors.New("not found")).WithRun(3))

	fmt.Println(engine.IsResultRead(err))
	fmt.Println(err)
	// Output:
	// true
	// batch 0: [result_read] result file missing (run=3): not found
}
