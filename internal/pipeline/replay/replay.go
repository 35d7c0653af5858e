// Package replay implements the Replay Engine (spec.md §4.4): re-executing
// a tail of the pipeline from an arbitrary step, with optional targeted
// state modifications.
package replay

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/autorunner"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/registry"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/state"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/statestore"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// BlockedFields are root fields a replay modification can never touch:
// identity fields, pre-pipeline URLs, dimensions, tracking fields, and
// engine metadata (spec.md §4.4, grounded on replay.py BLOCKED_FIELDS).
var BlockedFields = map[string]bool{
	"job_id":             true,
	"project_id":         true,
	"user_id":            true,
	"conversation_id":    true,
	"webhook_url":        true,
	"original_video_url": true,
	"video_width":        true,
	"video_height":       true,
	"completed_steps":    true,
	"skipped_steps":      true,
	"failed_step":        true,
	"step_timings":       true,
	"error_message":      true,
	"engine_version":     true,
	"created_at":         true,
}

// StepCostEstimates gives the per-step estimated duration in seconds used
// by EstimateReplayTime, grounded on replay.py STEP_COST_ESTIMATES.
var StepCostEstimates = map[string]int{
	"load_template":         2,
	"normalize":             15,
	"concat":                10,
	"analyze":                5,
	"detect_silence":         5,
	"silence_cut":           10,
	"transcribe":            30,
	"video_clipper":         15,
	"merge_transcriptions":   2,
	"fraseamento":            5,
	"classify":               8,
	"generate_pngs":         15,
	"add_shadows":            5,
	"apply_animations":       3,
	"calculate_positions":    3,
	"generate_backgrounds": 10,
	"motion_graphics":       45,
	"matting":               75,
	"cartelas":               5,
	"subtitle_pipeline":     10,
	"title_generation":       5,
	"render":                25,
}

const defaultStepCostEstimate = 10

// Engine is the Replay Engine. It depends on the Step Registry (for
// produces/await_async lookups) and the State Manager (for loading
// checkpoints and the initial job state).
type Engine struct {
	reg   *registry.Registry
	store *statestore.Manager
	log   *logger.Logger
}

func New(reg *registry.Registry, store *statestore.Manager, baseLog *logger.Logger) *Engine {
	return &Engine{reg: reg, store: store, log: baseLog.With("component", "ReplayEngine")}
}

// stepIndex returns target's position in autorunner.AllSteps, or -1.
func stepIndex(target string) int {
	for i, s := range autorunner.AllSteps {
		if s == target {
			return i
		}
	}
	return -1
}

// GetStepsFrom returns the suffix of the canonical step list starting at
// target (spec.md §4.4: get_steps_from).
func (e *Engine) GetStepsFrom(target string) ([]string, error) {
	idx := stepIndex(target)
	if idx < 0 {
		return nil, fmt.Errorf("replay: unknown step %q (valid: %v)", target, autorunner.AllSteps)
	}
	out := make([]string, len(autorunner.AllSteps)-idx)
	copy(out, autorunner.AllSteps[idx:])
	return out, nil
}

// EstimateReplayTime sums per-step cost estimates from target to the end
// (spec.md §4.4: estimate_replay_time).
func (e *Engine) EstimateReplayTime(target string) (int, error) {
	steps, err := e.GetStepsFrom(target)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, s := range steps {
		if cost, ok := StepCostEstimates[s]; ok {
			total += cost
		} else {
			total += defaultStepCostEstimate
		}
	}
	return total, nil
}

// ValidateModifications enforces spec.md §4.4's validate_modifications
// rules: non-empty string paths, and a root field outside BlockedFields.
func ValidateModifications(mods map[string]any) error {
	for path := range mods {
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("replay: invalid path %q", path)
		}
		root := strings.SplitN(path, ".", 2)[0]
		root = strings.SplitN(root, "[", 2)[0]
		if BlockedFields[root] {
			return fmt.Errorf("replay: field %q is protected and cannot be modified via replay", root)
		}
	}
	return nil
}

// ApplyModifications applies each dot-notation path to stateDict in place
// and returns it, supporting `key[idx]` array-index syntax at any level
// and auto-vivifying missing intermediate maps (spec.md §4.4: apply_modifications).
func ApplyModifications(stateDict map[string]any, mods map[string]any) (map[string]any, error) {
	if len(mods) == 0 {
		return stateDict, nil
	}
	if err := ValidateModifications(mods); err != nil {
		return nil, err
	}

	for path, value := range mods {
		parts := strings.Split(path, ".")
		current := any(stateDict)

		for i, part := range parts[:len(parts)-1] {
			key, idx, isIndexed, err := parseIndexedPart(part)
			if err != nil {
				return nil, fmt.Errorf("replay: path %q: %w", strings.Join(parts[:i+1], "."), err)
			}
			if isIndexed {
				m, ok := current.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("replay: path %q: expected map, found %T", strings.Join(parts[:i], "."), current)
				}
				list, ok := m[key].([]any)
				if !ok {
					return nil, fmt.Errorf("replay: path %q is not a list", strings.Join(parts[:i+1], "."))
				}
				if idx < 0 || idx >= len(list) {
					return nil, fmt.Errorf("replay: path %q: index %d out of range", strings.Join(parts[:i+1], "."), idx)
				}
				current = list[idx]
				continue
			}

			m, ok := current.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("replay: path %q: expected map, found %T", strings.Join(parts[:i], "."), current)
			}
			next, exists := m[key]
			if !exists || next == nil {
				next = map[string]any{}
				m[key] = next
			}
			current = next
		}

		finalPart := parts[len(parts)-1]
		key, idx, isIndexed, err := parseIndexedPart(finalPart)
		if err != nil {
			return nil, fmt.Errorf("replay: path %q: %w", path, err)
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("replay: path %q: expected map at leaf, found %T", path, current)
		}
		if isIndexed {
			list, ok := m[key].([]any)
			if !ok {
				return nil, fmt.Errorf("replay: path %q is not a list", path)
			}
			if idx < 0 || idx >= len(list) {
				return nil, fmt.Errorf("replay: path %q: index %d out of range", path, idx)
			}
			list[idx] = value
		} else {
			m[key] = value
		}
	}

	return stateDict, nil
}

func parseIndexedPart(part string) (key string, idx int, isIndexed bool, err error) {
	open := strings.Index(part, "[")
	if open < 0 {
		return part, 0, false, nil
	}
	if !strings.HasSuffix(part, "]") {
		return "", 0, false, fmt.Errorf("malformed array index in %q", part)
	}
	key = part[:open]
	idxStr := part[open+1 : len(part)-1]
	idx, err = strconv.Atoi(idxStr)
	if err != nil {
		return "", 0, false, fmt.Errorf("malformed array index in %q: %w", part, err)
	}
	return key, idx, true, nil
}

// ReconstructStateUntil loads the checkpoint for the step immediately
// preceding target (or, if target is first, the job's currently persisted
// state as returned by Manager.Load; no separate initial snapshot is kept),
// and clears tracking entries at or after target's canonical position
// (spec.md §4.4: reconstruct_state_until).
func (e *Engine) ReconstructStateUntil(dbc dbctx.Context, jobID uuid.UUID, target string) (state.PipelineState, error) {
	targetIdx := stepIndex(target)
	if targetIdx < 0 {
		return state.PipelineState{}, fmt.Errorf("replay: unknown step %q", target)
	}

	var st state.PipelineState
	if targetIdx == 0 {
		loaded, err := e.store.Load(dbc, jobID)
		if err != nil {
			return state.PipelineState{}, fmt.Errorf("replay: load initial state: %w", err)
		}
		st = loaded
	} else {
		previous := autorunner.AllSteps[targetIdx-1]
		loaded, found, err := e.store.LatestCheckpointState(dbc, jobID, previous)
		if err != nil {
			return state.PipelineState{}, fmt.Errorf("replay: load checkpoint for %q: %w", previous, err)
		}
		if !found {
			return state.PipelineState{}, fmt.Errorf("replay: no checkpoint found for %q, cannot reconstruct state before %q", previous, target)
		}
		st = loaded
	}

	stepsToRerun := make(map[string]bool, len(autorunner.AllSteps)-targetIdx)
	for _, s := range autorunner.AllSteps[targetIdx:] {
		stepsToRerun[s] = true
	}

	st.CompletedSteps = filterOut(st.CompletedSteps, stepsToRerun)
	st.SkippedSteps = filterOut(st.SkippedSteps, stepsToRerun)
	timings := make(map[string]state.StepTiming, len(st.StepTimings))
	for name, t := range st.StepTimings {
		if !stepsToRerun[name] {
			timings[name] = t
		}
	}
	st.StepTimings = timings
	st.FailedStep = ""
	st.ErrorMessage = ""

	merged, err := e.mergeAsyncOutputsForReplay(dbc, jobID, target, st)
	if err != nil {
		return state.PipelineState{}, err
	}
	return merged, nil
}

func filterOut(names []string, exclude map[string]bool) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !exclude[n] {
			out = append(out, n)
		}
	}
	return out
}

// mergeAsyncOutputsForReplay finds async steps that steps-to-rerun depend
// on via await_async but that will not themselves be re-executed, and
// merges their produces fields back in from their await_<name> checkpoint
// (falling back to their own checkpoint). Necessary because a non-await
// checkpoint does not carry the async step's outputs (spec.md §4.4).
func (e *Engine) mergeAsyncOutputsForReplay(dbc dbctx.Context, jobID uuid.UUID, target string, st state.PipelineState) (state.PipelineState, error) {
	stepsToRun, err := e.GetStepsFrom(target)
	if err != nil {
		return st, err
	}
	stepsToRunSet := make(map[string]bool, len(stepsToRun))
	for _, s := range stepsToRun {
		stepsToRunSet[s] = true
	}

	missing := map[string]bool{}
	for _, name := range stepsToRun {
		def, ok := e.reg.Get(name)
		if !ok {
			continue
		}
		for _, dep := range def.AwaitAsync {
			if !stepsToRunSet[dep] {
				missing[dep] = true
			}
		}
	}
	if len(missing) == 0 {
		return st, nil
	}

	dict := st.ToDict()
	mergedAny := false
	for asyncName := range missing {
		def, ok := e.reg.Get(asyncName)
		if !ok || len(def.Produces) == 0 {
			continue
		}

		needsMerge := false
		for _, field := range def.Produces {
			if dict[field] == nil {
				needsMerge = true
				break
			}
		}
		if !needsMerge {
			continue
		}

		cp, found, err := e.store.LatestCheckpointState(dbc, jobID, "await_"+asyncName)
		if err != nil {
			return st, fmt.Errorf("replay: load await checkpoint for %q: %w", asyncName, err)
		}
		if !found {
			cp, found, err = e.store.LatestCheckpointState(dbc, jobID, asyncName)
			if err != nil {
				return st, fmt.Errorf("replay: load checkpoint for %q: %w", asyncName, err)
			}
		}
		if !found {
			e.log.Warn("no checkpoint found for async dependency during replay, outputs may be missing", "job_id", jobID, "async_step", asyncName)
			continue
		}

		cpDict := cp.ToDict()
		for _, field := range def.Produces {
			if v, ok := cpDict[field]; ok && v != nil {
				dict[field] = v
				mergedAny = true
			}
		}
		if v, ok := cpDict["matted_video_url"]; ok && v != nil && dict["matted_video_url"] == nil {
			dict["matted_video_url"] = v
			mergedAny = true
		}
	}

	if !mergedAny {
		return st, nil
	}
	return state.FromDict(dict)
}

// syncTextStylesToTemplateConfig mirrors state.text_styles and
// template_config._text_styles in whichever direction the modification
// touched, because generate_pngs and friends read from the template_config
// copy while apply_modifications targets state.text_styles directly
// (spec.md §4.4: prepare_replay).
func syncTextStylesToTemplateConfig(dict map[string]any, mods map[string]any) {
	hasTextStyles, hasTemplateTextStyles := false, false
	for path := range mods {
		if strings.HasPrefix(path, "text_styles.") {
			hasTextStyles = true
		}
		if strings.HasPrefix(path, "template_config._text_styles.") {
			hasTemplateTextStyles = true
		}
	}

	tc, ok := dict["template_config"].(map[string]any)
	if !ok {
		return
	}

	switch {
	case hasTextStyles:
		if ts, ok := dict["text_styles"].(map[string]any); ok && len(ts) > 0 {
			tc["_text_styles"] = deepCopyMap(ts)
		}
	case hasTemplateTextStyles:
		if ts, ok := tc["_text_styles"].(map[string]any); ok && len(ts) > 0 {
			dict["text_styles"] = deepCopyMap(ts)
		}
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// PrepareReplay validates, reconstructs, applies modifications, and
// computes the steps to run (spec.md §4.4: prepare_replay).
func (e *Engine) PrepareReplay(dbc dbctx.Context, jobID uuid.UUID, target string, mods map[string]any) (state.PipelineState, []string, error) {
	if stepIndex(target) < 0 {
		return state.PipelineState{}, nil, fmt.Errorf("replay: unknown step %q (valid: %v)", target, autorunner.AllSteps)
	}
	if len(mods) > 0 {
		if err := ValidateModifications(mods); err != nil {
			return state.PipelineState{}, nil, err
		}
	}

	st, err := e.ReconstructStateUntil(dbc, jobID, target)
	if err != nil {
		return state.PipelineState{}, nil, err
	}

	if len(mods) > 0 {
		dict := st.ToDict()
		dict, err = ApplyModifications(dict, mods)
		if err != nil {
			return state.PipelineState{}, nil, fmt.Errorf("replay: applying modifications: %w", err)
		}
		syncTextStylesToTemplateConfig(dict, mods)
		st, err = state.FromDict(dict)
		if err != nil {
			return state.PipelineState{}, nil, fmt.Errorf("replay: rebuilding state: %w", err)
		}
	}

	stepsToRun, err := e.GetStepsFrom(target)
	if err != nil {
		return state.PipelineState{}, nil, err
	}
	return st, stepsToRun, nil
}
