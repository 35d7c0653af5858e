// Package registry holds the process-wide Step Registry: step definitions
// register themselves at load time, and the registry stays read-only
// afterward (spec.md §4.1).
package registry

import (
	"github.com/yungbote/neurobridge-backend/internal/pipeline/state"
)

// CostCategory classifies a step for scheduling and cost-estimate purposes.
type CostCategory string

const (
	CostFree CostCategory = "free"
	CostCPU  CostCategory = "cpu"
	CostGPU  CostCategory = "gpu"
	CostLLM  CostCategory = "llm"
)

// Category tags a step's role for introspection and UI grouping.
type Category string

const (
	CategoryPreprocessing Category = "preprocessing"
	CategoryRendering     Category = "rendering"
	CategoryCreative      Category = "creative"
	CategorySetup         Category = "setup"
)

// StepFunc is the signature every registered step implements: it receives
// the current state and a caller-supplied params map, and returns the new
// state. A nil returned state is treated by the engine as "unchanged"
// (spec.md §4.3.1 step 4).
type StepFunc func(st state.PipelineState, params map[string]any) (*state.PipelineState, error)

// ToolParam describes one input parameter of a step's external tool schema.
type ToolParam struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Definition is a single step's full declaration (spec.md §3.2).
type Definition struct {
	Name        string
	Fn          StepFunc
	Description string
	Category    Category
	DependsOn   []string
	Produces    []string
	Optional    bool

	EstimatedDurationS float64
	CostCategory       CostCategory

	Retryable  bool
	MaxRetries int
	TimeoutS   float64

	// ToolParams is nil for steps with no externally-visible tool schema.
	ToolParams []ToolParam

	// SSEStepName is the externally-visible name used for event emission;
	// defaults to Name when empty.
	SSEStepName string

	AsyncMode bool
	// AwaitAsync names async steps whose results must be merged in before
	// this step runs.
	AwaitAsync []string
}

// EffectiveSSEName returns SSEStepName, falling back to Name.
func (d Definition) EffectiveSSEName() string {
	if d.SSEStepName != "" {
		return d.SSEStepName
	}
	return d.Name
}
