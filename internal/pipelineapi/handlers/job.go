// Package handlers implements the pipeline HTTP API's job endpoints,
// grounded on internal/http/handlers/job.go's GetJob/CancelJob/RestartJob
// shape (:id param parsing, response.RespondError/RespondOK envelopes).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/autorunner"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/engine"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/replay"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/state"
	"github.com/yungbote/neurobridge-backend/internal/pipelineapi/response"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
)

type JobHandler struct {
	engine *engine.Engine
	replay *replay.Engine
	runner *autorunner.Runner
}

func NewJobHandler(eng *engine.Engine, replayEng *replay.Engine, runner *autorunner.Runner) *JobHandler {
	return &JobHandler{engine: eng, replay: replayEng, runner: runner}
}

// runRequest selects one of the named presets, or a custom step list with
// an optional stop_after gate (spec.md §4.5).
type runRequest struct {
	Preset        string   `json:"preset"`
	IncludeVisual bool     `json:"include_visual"`
	Steps         []string `json:"steps"`
	StopAfter     string   `json:"stop_after"`
}

// POST /jobs/:id/run
func (h *JobHandler) RunJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}

	var st state.PipelineState
	var runErr error

	switch {
	case len(req.Steps) > 0:
		st, runErr = h.runner.RunCustom(dbc, jobID, req.Steps, nil, req.StopAfter)
	case req.Preset == "phase1":
		st, runErr = h.runner.RunPhase1Only(dbc, jobID, nil)
	case req.Preset == "phase2":
		st, runErr = h.runner.RunPhase2(dbc, jobID, req.Steps, nil)
	case req.Preset == "text_video":
		st, runErr = h.runner.RunTextVideo(dbc, jobID, nil)
	case req.Preset == "motion_graphics":
		st, runErr = h.runner.RunMotionGraphics(dbc, jobID, nil)
	case req.Preset != "" && req.Preset != "full":
		st, runErr = h.runner.RunNamedPreset(dbc, jobID, req.Preset, nil)
	default:
		st, runErr = h.runner.RunFull(dbc, jobID, nil, req.IncludeVisual)
	}

	if runErr != nil {
		response.Error(c, http.StatusBadRequest, "run_job_failed", runErr)
		return
	}
	response.OK(c, gin.H{"job_id": jobID, "state": st.Summary()})
}

type replayRequest struct {
	Target string         `json:"target"`
	Mods   map[string]any `json:"mods"`
}

// POST /jobs/:id/replay
func (h *JobHandler) ReplayJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	var req replayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}

	reconstructed, stepsToRun, err := h.replay.PrepareReplay(dbc, jobID, req.Target, req.Mods)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "prepare_replay_failed", err)
		return
	}

	result, err := h.engine.Run(dbc, jobID, stepsToRun, &reconstructed, "")
	if err != nil {
		response.Error(c, http.StatusBadRequest, "replay_run_failed", err)
		return
	}
	response.OK(c, gin.H{"job_id": jobID, "steps_to_run": stepsToRun, "state": result.Summary()})
}

// GET /jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}

	st, err := h.engine.GetState(dbc, jobID)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "job_not_found", err)
		return
	}
	response.OK(c, gin.H{"job_id": jobID, "state": st.Summary()})
}

// GET /jobs/:id/debug
func (h *JobHandler) GetDebugInfo(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}

	info, err := h.engine.GetDebugInfo(dbc, jobID)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "job_not_found", err)
		return
	}
	response.OK(c, info)
}
