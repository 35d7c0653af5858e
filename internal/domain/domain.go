// Package domain re-exports the pipeline's persisted row types under a
// stable import path, the teacher's domain.go aliasing idiom applied to a
// single subdomain now that the learning-platform domains it used to
// aggregate (auth, chat, jobs, learning, materials, user) have no home in
// this repo (see DESIGN.md).
package domain

import (
	"github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
)

type PipelineJob = pipeline.PipelineJob
type PipelineCheckpoint = pipeline.PipelineCheckpoint
type RenderVersion = pipeline.RenderVersion
