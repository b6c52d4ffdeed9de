package engine

import (
	"context"
	"log/slog"

	"github.com/glyphware/grimoire/internal/adapters"
	"github.com/glyphware/grimoire/internal/logging"
	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/internal/tools"
	"github.com/glyphware/grimoire/pkg/schema"
)

// InputValidator checks resolved step inputs against a tool's input schema.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema map[string]any) error
}

// StepExecutor dispatches one step of a spell: resolve inputs, validate them,
// claim the (cast, step) record slot, and hand off to the step's execution
// strategy.
type StepExecutor struct {
	store      store.Store
	tools      tools.Registry
	adapters   *adapters.Registry
	resolver   *ParameterResolver
	validator  InputValidator
	records    *RecordManager
	strategies map[schema.StrategyKind]ExecutionStrategy
	continuer  Continuer
	logger     *slog.Logger
}

func NewStepExecutor(
	s store.Store,
	toolReg tools.Registry,
	adapterReg *adapters.Registry,
	resolver *ParameterResolver,
	validator InputValidator,
	records *RecordManager,
	logger *slog.Logger,
) *StepExecutor {
	return &StepExecutor{
		store:      s,
		tools:      toolReg,
		adapters:   adapterReg,
		resolver:   resolver,
		validator:  validator,
		records:    records,
		strategies: make(map[schema.StrategyKind]ExecutionStrategy),
		logger:     logger,
	}
}

// RegisterStrategy installs an execution strategy. Called during service wiring.
func (e *StepExecutor) RegisterStrategy(s ExecutionStrategy) {
	e.strategies[s.Kind()] = s
}

// SetContinuer installs the continuer used for pre-dispatch failures.
// Called during service wiring; the continuer and executor reference each other.
func (e *StepExecutor) SetContinuer(c Continuer) {
	e.continuer = c
}

// ExecuteStep dispatches the given step of the spell against the pipeline
// context document. A failure before the backend is reached still produces a
// failed record and runs the continuation, so the cast terminates instead of
// hanging.
func (e *StepExecutor) ExecuteStep(ctx context.Context, spell *schema.Spell, cast *store.Cast, doc map[string]any, stepIndex int) error {
	if cast.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"cast %s is %s, refusing to dispatch step %d", cast.ID, cast.Status, stepIndex)
	}
	if stepIndex < 0 || stepIndex >= len(spell.Steps) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"spell %s has no step %d", spell.ID, stepIndex)
	}
	def := spell.Steps[stepIndex]

	ctx = logging.WithCastID(ctx, cast.ID)
	logger := e.logger.With(slog.Int("step_index", stepIndex), slog.String("tool_id", def.ToolID))

	tool, err := e.tools.Get(ctx, def.ToolID)
	if err != nil {
		return e.failBeforeDispatch(ctx, cast, stepIndex, def.ToolID, "", err)
	}
	adapter, err := e.adapters.Get(tool.BackendName)
	if err != nil {
		return e.failBeforeDispatch(ctx, cast, stepIndex, def.ToolID, tool.BackendName, err)
	}

	strategy, err := e.selectStrategy(def, tool, adapter)
	if err != nil {
		return e.failBeforeDispatch(ctx, cast, stepIndex, def.ToolID, tool.BackendName, err)
	}

	input, err := e.resolver.Resolve(ctx, def.InputMapping, doc)
	if err != nil {
		return e.failBeforeDispatch(ctx, cast, stepIndex, def.ToolID, tool.BackendName, err)
	}
	if err := e.validator.ValidateInput(input, tool.InputSchema); err != nil {
		return e.failBeforeDispatch(ctx, cast, stepIndex, def.ToolID, tool.BackendName, err)
	}

	// The pending record claims the (cast, step) slot. A CONFLICT here means
	// another delivery of the same continuation got in first; that is success
	// from the caller's point of view.
	rec, err := e.records.CreatePending(ctx, cast.ID, stepIndex, def.ToolID, tool.BackendName, input)
	if err != nil {
		var gerr *schema.GrimoireError
		if asGrimoireError(err, &gerr) && gerr.Code == schema.ErrCodeConflict {
			logger.InfoContext(ctx, "step already dispatched, skipping duplicate")
			return nil
		}
		return err
	}
	if err := e.store.AppendStepRecordID(ctx, cast.ID, rec.ID); err != nil {
		return err
	}

	ctx = logging.WithRecordID(ctx, rec.ID)
	logger.InfoContext(ctx, "dispatching step", slog.String("strategy", string(strategy.Kind())))

	if err := strategy.Dispatch(ctx, rec, tool, adapter, input); err != nil {
		// Submission itself failed; the record exists, so run the failure
		// continuation through the normal path.
		return e.continuer.Continue(ctx, rec.ID, nil, err)
	}
	return nil
}

// selectStrategy picks the step's strategy, falling back to the tool's
// delivery mode, and verifies the backend can serve it.
func (e *StepExecutor) selectStrategy(def schema.StepDefinition, tool *tools.Tool, adapter adapters.Adapter) (ExecutionStrategy, error) {
	kind := def.Strategy
	if kind == "" {
		switch tool.DeliveryMode {
		case tools.DeliverySync:
			kind = schema.StrategyImmediate
		case tools.DeliveryPoll:
			kind = schema.StrategyPoll
		case tools.DeliveryWebhook:
			kind = schema.StrategyWebhook
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"tool %s has unknown delivery mode %q", tool.ToolID, tool.DeliveryMode)
		}
	}

	caps := adapter.Capabilities()
	supported := false
	switch kind {
	case schema.StrategyImmediate:
		supported = caps.Sync
	case schema.StrategyPoll:
		supported = caps.Poll
	case schema.StrategyWebhook:
		supported = caps.Webhook
	}
	if !supported {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"backend %s cannot serve strategy %q for tool %s", adapter.Name(), kind, tool.ToolID)
	}

	strategy, ok := e.strategies[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "no strategy registered for %q", kind)
	}
	return strategy, nil
}

// failBeforeDispatch records a failure that happened before any backend call
// and runs the failure continuation so the cast reaches a terminal state.
func (e *StepExecutor) failBeforeDispatch(ctx context.Context, cast *store.Cast, stepIndex int, toolID, backendName string, cause error) error {
	if backendName == "" {
		backendName = "unresolved"
	}
	rec, err := e.records.CreatePending(ctx, cast.ID, stepIndex, toolID, backendName, nil)
	if err != nil {
		var gerr *schema.GrimoireError
		if asGrimoireError(err, &gerr) && gerr.Code == schema.ErrCodeConflict {
			return nil
		}
		return err
	}
	if err := e.store.AppendStepRecordID(ctx, cast.ID, rec.ID); err != nil {
		return err
	}
	return e.continuer.Continue(logging.WithRecordID(ctx, rec.ID), rec.ID, nil, cause)
}
