package meta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metasim/metasim/pkg/backend"
	"github.com/metasim/metasim/pkg/config"
	"github.com/metasim/metasim/pkg/engine"
	"github.com/metasim/metasim/pkg/simulator"
	"github.com/metasim/metasim/pkg/telemetry"
)

// Admission decides whether a classified plan may be dispatched.
// A non-nil error rejects the plan; warnings are logged.
type Admission interface {
	Admit(ctx context.Context, plan *config.Plan) (warnings []string, err error)
}

// DispatcherFactory builds the dispatcher for a plan. model is nil for backends that
// load the model themselves.
type DispatcherFactory func(ctx context.Context, plan *config.Plan, model engine.Model) (engine.Dispatcher, error)

// Manager runs meta-simulation experiments: it classifies a configuration map, dispatches
// every run in batches and streams the results into the output accumulators.
type Manager struct {
	simulator engine.Simulator
	factory   DispatcherFactory
	admission Admission
	recorder  engine.Recorder
	events    engine.EventPublisher
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	logger    *telemetry.Logger
	rand      *rand.Rand

	mu    sync.RWMutex
	state *engine.StateMachine
}

// Option configures a Manager.
type Option func(*Manager)

// WithSimulator sets the engine used to load models for in-process backends.
func WithSimulator(s engine.Simulator) Option {
	return func(m *Manager) { m.simulator = s }
}

// WithDispatcherFactory overrides backend selection.
func WithDispatcherFactory(f DispatcherFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithAdmission sets the admission check run after classification.
func WithAdmission(a Admission) Option {
	return func(m *Manager) { m.admission = a }
}

// WithRecorder sets the experiment history recorder.
func WithRecorder(r engine.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithEventPublisher sets the progress event sink.
func WithEventPublisher(p engine.EventPublisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRand sets the generator used for distribution-based axes.
// Without it, each plan seeds its own generator from expe_seed or the clock.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) { m.rand = r }
}

// NewManager creates a manager. Unset collaborators fall back to the built-in simulators,
// the built-in backends and no-op telemetry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{state: engine.NewStateMachine()}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = telemetry.NewNopLogger()
	}
	if m.tracer == nil {
		m.tracer = telemetry.NewNopTracer()
	}
	if m.simulator == nil {
		m.simulator = simulator.New()
	}
	if m.factory == nil {
		m.factory = defaultDispatcherFactory(m.logger, m.metrics)
	}
	return m
}

func defaultDispatcherFactory(logger *telemetry.Logger, metrics *telemetry.Metrics) DispatcherFactory {
	return func(ctx context.Context, plan *config.Plan, model engine.Model) (engine.Dispatcher, error) {
		return backend.New(ctx, plan.Settings, model, backend.Options{
			Logger:  logger,
			Metrics: metrics,
		})
	}
}

// State returns the state of the most recent experiment.
func (m *Manager) State() engine.RunState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.State()
}

// History returns the states visited by the most recent experiment.
func (m *Manager) History() []engine.RunState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.History()
}

func (m *Manager) transition(next engine.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Transition(next)
}

func (m *Manager) fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Fail()
}

func (m *Manager) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = engine.NewStateMachine()
}

// Validate classifies raw into a sized plan and runs the admission check.
// No model is loaded and no run is dispatched.
func (m *Manager) Validate(ctx context.Context, raw map[string]interface{}) (*config.Plan, error) {
	plan, err := config.Classify(raw, config.ClassifyOptions{
		Rand:   m.rand,
		Logger: m.logger.NewComponentLogger("classifier"),
	})
	if err != nil {
		return nil, err
	}

	if m.admission != nil {
		warnings, err := m.admission.Admit(ctx, plan)
		for _, w := range warnings {
			m.logger.WithExperiment(plan.Settings.Name).Warnf("policy warning: %s", w)
		}
		if err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// Run validates raw and executes the resulting plan. It returns one value per declared
// output, or an error and no partial results.
func (m *Manager) Run(ctx context.Context, raw map[string]interface{}) (map[string]engine.Value, error) {
	m.reset()
	plan, err := m.Validate(ctx, raw)
	if err != nil {
		m.fail()
		return nil, err
	}
	return m.execute(ctx, plan)
}

// Execute dispatches an already validated plan.
func (m *Manager) Execute(ctx context.Context, plan *config.Plan) (map[string]engine.Value, error) {
	m.reset()
	return m.execute(ctx, plan)
}

// experiment is the mutable state of one execution.
type experiment struct {
	id       string
	plan     *config.Plan
	outputs  []*Output
	results  map[string]engine.Value
	consumed int
	started  time.Time
	logger   *telemetry.Logger
}

func (m *Manager) execute(ctx context.Context, plan *config.Plan) (map[string]engine.Value, error) {
	if err := m.transition(engine.RunStateValidated); err != nil {
		return nil, err
	}

	settings := plan.Settings
	exp := &experiment{
		id:      uuid.New().String(),
		plan:    plan,
		results: make(map[string]engine.Value, len(plan.Outputs)),
		started: time.Now(),
	}
	exp.logger = m.logger.NewComponentLogger("manager").
		WithExperiment(settings.Name).
		WithBackend(string(settings.ParallelType)).
		WithField("experiment_id", exp.id)
	if settings.Debug {
		exp.logger = exp.logger.WithLevel("debug")
	}

	if settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.Timeout)
		defer cancel()
	}

	ctx, span := m.tracer.StartExperimentSpan(ctx, exp.id, settings.Name,
		string(settings.ParallelType), plan.NbRuns())
	defer span.End()
	if id := telemetry.TraceID(ctx); id != "" {
		exp.logger = exp.logger.WithField("trace_id", id)
	}

	m.metrics.RecordExperimentStarted(string(settings.ParallelType), plan.NbRuns())
	m.record(ctx, exp, engine.ExperimentStatusRunning, nil)
	m.publish(ctx, exp, engine.EventTypeExperimentStarted, "", "info",
		fmt.Sprintf("experiment %s started: %d inputs x %d replicates",
			settings.Name, plan.NbInputs, plan.NbReplicates),
		map[string]interface{}{
			"nb_inputs":     plan.NbInputs,
			"nb_replicates": plan.NbReplicates,
			"backend":       string(settings.ParallelType),
		})
	exp.logger.Infof("starting experiment: %d runs (%d inputs x %d replicates)",
		plan.NbRuns(), plan.NbInputs, plan.NbReplicates)

	err := m.dispatchAll(ctx, exp)
	if err != nil {
		err = classifyContextError(ctx, err)
		m.fail()
		m.finish(ctx, exp, err)
		telemetry.RecordError(span, err)
		return nil, err
	}

	if err := m.transition(engine.RunStateDone); err != nil {
		m.fail()
		m.finish(ctx, exp, err)
		return nil, err
	}
	m.finish(ctx, exp, nil)
	telemetry.RecordSuccess(span)
	return exp.results, nil
}

// dispatchAll loads the model, builds the dispatcher and runs every batch.
func (m *Manager) dispatchAll(ctx context.Context, exp *experiment) error {
	plan := exp.plan
	settings := plan.Settings

	var model engine.Model
	if settings.ParallelType != engine.ParallelDistributed {
		var err error
		model, err = m.simulator.Load(ctx, settings.Model())
		if err != nil {
			return engine.NewDispatchError("failed to load model", err).
				WithDetail("package", settings.Package).
				WithDetail("vpz", settings.Vpz)
		}
		defer func() {
			if cerr := engine.CloseModel(context.WithoutCancel(ctx), model); cerr != nil {
				exp.logger.WithError(cerr).Warn("failed to close model")
			}
		}()
		if err := checkViews(plan, model.Views()); err != nil {
			return err
		}
	}

	dispatcher, err := m.factory(ctx, plan, model)
	if err != nil {
		return err
	}
	if c, ok := dispatcher.(io.Closer); ok {
		defer func() {
			if cerr := c.Close(); cerr != nil {
				exp.logger.WithError(cerr).Warn("failed to close dispatcher")
			}
		}()
	}

	exp.outputs = make([]*Output, len(plan.Outputs))
	for i, spec := range plan.Outputs {
		exp.outputs[i] = NewOutput(spec, plan.NbInputs, plan.NbReplicates)
	}

	batchSize := plan.BatchSize()

	nbRuns := plan.NbRuns()
	for batchIndex, from := 0, 0; from < nbRuns; batchIndex, from = batchIndex+1, from+batchSize {
		to := min(from+batchSize, nbRuns)
		if err := m.runBatch(ctx, exp, dispatcher, batchIndex, from, to); err != nil {
			return err
		}
	}

	for _, o := range exp.outputs {
		if !o.Complete() {
			return engine.NewDispatchError(
				fmt.Sprintf("output incomplete after %d runs", o.Inserted()), nil).
				WithOutput(o.Spec.ID)
		}
	}
	return nil
}

// runBatch dispatches runs [from, to) and folds every result into the outputs.
func (m *Manager) runBatch(ctx context.Context, exp *experiment, dispatcher engine.Dispatcher, batchIndex, from, to int) error {
	if err := m.transition(engine.RunStateDispatching); err != nil {
		return err
	}

	batch := engine.Batch{
		Experiment: exp.plan.Settings.Name,
		Model:      exp.plan.Settings.Model(),
		Views:      exp.plan.Views(),
		Runs:       BuildRuns(exp.plan, from, to),
	}

	bctx, span := m.tracer.StartBatchSpan(ctx, batchIndex, from, to)
	defer span.End()
	timer := telemetry.NewTimer()

	next := from
	consume := func(run engine.RunDescriptor, out engine.RunOutput) error {
		if next == from {
			if err := m.transition(engine.RunStateCollecting); err != nil {
				return err
			}
		}
		if run.Index != next {
			return engine.NewDispatchError(
				fmt.Sprintf("run %d consumed out of order, expected %d", run.Index, next), nil).
				WithRun(run.Index)
		}
		next++
		if err := m.consume(bctx, exp, run, out); err != nil {
			return err
		}
		exp.consumed++
		m.metrics.RecordRunConsumed()
		return nil
	}

	exp.logger.Debugf("dispatching batch %d: runs [%d, %d)", batchIndex, from, to)
	err := dispatcher.Dispatch(bctx, batch, consume)
	status := "success"
	if err == nil && next != to {
		err = engine.NewDispatchError(
			fmt.Sprintf("batch returned %d of %d runs", next-from, to-from), nil).
			WithRun(next)
	}
	if err != nil {
		status = "failed"
		telemetry.RecordError(span, err)
	}
	m.metrics.RecordBatch(dispatcher.Name(), status, timer.Duration())
	if err != nil {
		return err
	}

	telemetry.RecordSuccess(span)
	m.publish(ctx, exp, engine.EventTypeBatchCompleted, "", "info",
		fmt.Sprintf("batch %d completed: runs [%d, %d)", batchIndex, from, to),
		map[string]interface{}{"batch": batchIndex, "from": from, "to": to})
	return nil
}

// consume inserts one run's matrices into every output.
func (m *Manager) consume(ctx context.Context, exp *experiment, run engine.RunDescriptor, out engine.RunOutput) error {
	for _, o := range exp.outputs {
		v, done, err := o.InsertReplicate(out[o.Spec.View], run.InputIndex)
		if err != nil {
			return withRun(err, run.Index)
		}
		if !done {
			continue
		}
		exp.results[o.Spec.ID] = v
		exp.logger.WithOutput(o.Spec.ID).Debugf("output completed after run %d", run.Index)
		telemetry.AddOutputEvent(telemetry.SpanFromContext(ctx), o.Spec.ID, "output completed")
		m.publish(ctx, exp, engine.EventTypeOutputCompleted, o.Spec.ID, "info",
			fmt.Sprintf("output %s completed", o.Spec.ID), nil)
	}
	return nil
}

// finish records the terminal status of an experiment.
func (m *Manager) finish(ctx context.Context, exp *experiment, err error) {
	ctx = context.WithoutCancel(ctx)
	duration := time.Since(exp.started)
	remaining := exp.plan.NbRuns() - exp.consumed

	status := engine.ExperimentStatusSucceeded
	if err != nil {
		status = engine.ExperimentStatusFailed
		if engine.IsCancelled(err) {
			status = engine.ExperimentStatusCancelled
		}
		var ee *engine.EngineError
		code := ""
		if errors.As(err, &ee) {
			code = ee.Code
		}
		m.metrics.RecordError(string(engine.ClassOf(err)), code)
		exp.logger.WithError(err).Errorf("experiment %s after %d of %d runs", status, exp.consumed, exp.plan.NbRuns())
		m.publish(ctx, exp, engine.EventTypeExperimentFailed, "", "error", err.Error(),
			map[string]interface{}{"class": string(engine.ClassOf(err)), "consumed": exp.consumed})
	} else {
		exp.logger.Infof("experiment completed in %s", duration.Round(time.Millisecond))
		m.publish(ctx, exp, engine.EventTypeExperimentCompleted, "", "info",
			fmt.Sprintf("experiment %s completed", exp.plan.Settings.Name),
			map[string]interface{}{"duration": duration.Seconds()})
	}

	m.metrics.RecordExperimentCompleted(string(status), duration, remaining)
	m.record(ctx, exp, status, err)
}

func (m *Manager) record(ctx context.Context, exp *experiment, status engine.ExperimentStatus, err error) {
	if m.recorder == nil {
		return
	}
	rec := &engine.ExperimentRecord{
		ID:           exp.id,
		Name:         exp.plan.Settings.Name,
		Status:       status,
		Backend:      exp.plan.Settings.ParallelType,
		NbInputs:     exp.plan.NbInputs,
		NbReplicates: exp.plan.NbReplicates,
		StartedAt:    exp.started,
	}
	if status.IsTerminal() {
		now := time.Now()
		rec.CompletedAt = &now
	}
	if err != nil {
		rec.Error = err.Error()
	} else if status == engine.ExperimentStatusSucceeded {
		rec.Results = exp.results
	}
	if rerr := m.recorder.RecordExperiment(ctx, rec); rerr != nil {
		exp.logger.WithError(rerr).Warn("failed to record experiment")
	}
}

func (m *Manager) publish(ctx context.Context, exp *experiment, typ engine.EventType, outputID, level, msg string, details map[string]interface{}) {
	if m.events == nil {
		return
	}
	err := m.events.Publish(ctx, &engine.Event{
		ID:           uuid.New().String(),
		Type:         typ,
		Timestamp:    time.Now(),
		ExperimentID: exp.id,
		OutputID:     outputID,
		Message:      msg,
		Details:      details,
		Level:        level,
	})
	if err != nil {
		exp.logger.WithError(err).Debug("failed to publish event")
	}
}

// checkViews verifies every output view is observed by the loaded model.
func checkViews(plan *config.Plan, views []string) error {
	for _, o := range plan.Outputs {
		if !slices.Contains(views, o.View) {
			return engine.NewColumnNotFoundError(
				fmt.Sprintf("view %q is not observed by the model", o.View), nil).
				WithOutput(o.ID).
				WithDetail("views", views)
		}
	}
	return nil
}

// withRun attaches runIndex to classified errors that do not carry one yet.
func withRun(err error, runIndex int) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		if ee.RunIndex < 0 {
			ee.RunIndex = runIndex
		}
		return err
	}
	return engine.NewDispatchError("failed to consume run", err).WithRun(runIndex)
}

// classifyContextError turns context cancellation into a cancelled error.
func classifyContextError(ctx context.Context, err error) error {
	if engine.IsCancelled(err) {
		return err
	}
	ctxErr := ctx.Err()
	if ctxErr == nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if ctxErr == nil {
		ctxErr = err
	}
	cerr := engine.NewCancelledError("experiment cancelled", err)
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		cerr = engine.NewCancelledError("experiment timed out", err).WithCode(engine.ErrCodeTimeout)
	}
	return cerr
}
