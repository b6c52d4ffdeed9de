package schema

// Spell is an ordered, reusable pipeline definition. Spells are owned by an
// external catalog and are read-only to the execution core.
type Spell struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	Steps       []StepDefinition `json:"steps"`
}

// StepDefinition describes one tool invocation within a spell.
//
// InputMapping maps a tool input name to a mapping rule resolved against the
// pipeline context at dispatch time. Rule forms:
//
//	"steps.0.imageUrl"      dotted reference into the pipeline context
//	"inputs.prompt"         reference to the caster's initial parameters
//	"literal:hello"         literal string value
//	"jq:.steps[\"0\"].text" gojq program over the context document
//	"expr:inputs.a + \" \" + inputs.b"  expr-lang expression
//
// OutputMapping maps an exported name to a selector over the step's
// normalized output (see engine.OutputProcessor). Later steps reference
// exported names via "steps.<index>.<name>" or "steps.<toolID>.<name>".
type StepDefinition struct {
	ToolID        string            `json:"tool_id"`
	InputMapping  map[string]string `json:"input_mapping,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty"`
	Strategy      StrategyKind      `json:"strategy,omitempty"` // overrides the tool's default
}

// StrategyKind selects how a step's backend call is driven to completion.
type StrategyKind string

const (
	StrategyImmediate StrategyKind = "immediate" // synchronous call, result inline
	StrategyPoll      StrategyKind = "poll"      // start job, poll until terminal
	StrategyWebhook   StrategyKind = "webhook"   // start job, backend calls us back
)

// CastContext carries the caller-supplied context for one spell invocation.
type CastContext struct {
	InitiatorID string         `json:"initiator_id"`
	Platform    string         `json:"platform,omitempty"`  // notification platform key (slack, websocket, webhook, agent)
	TargetID    string         `json:"target_id,omitempty"` // channel / connection / URL the platform delivers to
	Overrides   map[string]any `json:"overrides,omitempty"` // initial pipeline inputs
}
