package meta

import (
	"github.com/metasim/metasim/pkg/config"
	"github.com/metasim/metasim/pkg/engine"
)

// RunCoordinates maps a run index to its input and replicate indices.
func RunCoordinates(runIndex, nbReplicates int) (inputIndex, replicateIndex int) {
	return runIndex / nbReplicates, runIndex % nbReplicates
}

// BuildRun builds the descriptor of run i: propagates first, then inputs at the run's
// input index, then the replicate value at the run's replicate index.
func BuildRun(plan *config.Plan, i int) engine.RunDescriptor {
	inputIndex, replicateIndex := RunCoordinates(i, plan.NbReplicates)

	n := len(plan.Propagates) + len(plan.Inputs)
	if plan.Replicate != nil {
		n++
	}
	assignments := make([]engine.Assignment, 0, n)

	for _, p := range plan.Propagates {
		assignments = append(assignments, engine.Assignment{
			Condition: p.Condition, Port: p.Port, Value: p.Value,
		})
	}
	for j := range plan.Inputs {
		in := &plan.Inputs[j]
		assignments = append(assignments, engine.Assignment{
			Condition: in.Condition, Port: in.Port, Value: in.At(inputIndex),
		})
	}
	if r := plan.Replicate; r != nil {
		assignments = append(assignments, engine.Assignment{
			Condition: r.Condition, Port: r.Port, Value: r.Values[replicateIndex],
		})
	}

	return engine.RunDescriptor{
		Index:          i,
		InputIndex:     inputIndex,
		ReplicateIndex: replicateIndex,
		Assignments:    assignments,
	}
}

// BuildRuns builds descriptors for run indices in [from, to).
func BuildRuns(plan *config.Plan, from, to int) []engine.RunDescriptor {
	if to > plan.NbRuns() {
		to = plan.NbRuns()
	}
	runs := make([]engine.RunDescriptor, 0, to-from)
	for i := from; i < to; i++ {
		runs = append(runs, BuildRun(plan, i))
	}
	return runs
}
