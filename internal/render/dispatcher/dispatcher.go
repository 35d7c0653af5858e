// Package dispatcher implements the single-backend Distributed Render
// Dispatcher (spec.md §4.6.1): submit a render payload to one worker,
// either synchronously (worker streams back the final artifact) or
// asynchronously (worker acknowledges quickly, a webhook finalizes
// later), rewriting signed URLs and computing quality settings before
// the payload leaves the cluster. Grounded on render_service.py's
// dispatch_render / _build_payload / _convert_to_internal_url flow.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/statestore"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
	"github.com/yungbote/neurobridge-backend/internal/render/blobstore"
	"github.com/yungbote/neurobridge-backend/internal/render/urlrewrite"
	"github.com/yungbote/neurobridge-backend/internal/render/workerclient"
)

// crossServiceTTL is how long a re-signed download URL stays valid once
// it leaves the cluster bound for worker infrastructure. endUserTTL is
// the shorter validity used for links handed directly to a browser
// (spec.md §6: "24 hours for cross-service handoff, 1 hour for
// end-user delivery").
const (
	crossServiceTTL = 24 * time.Hour
	endUserTTL      = 1 * time.Hour
)

// subtreeKeys names the payload fields recursed into by RewriteSubtree,
// in addition to the blanket blob-host rewrite applied to the full tree.
var subtreeKeys = []string{"overlay_tracks", "mask_tracks", "original_video"}

// UseStructuredUploadPath is the feature flag selecting between the two
// upload-path conventions named in spec.md §6. Structured paths are
// preferred; legacy paths exist for backward compatibility with
// renders dispatched before this field existed.
var UseStructuredUploadPath = true

// UploadPath computes the deterministic location a worker should write
// its render output to, so a restarted or retried dispatch lands on the
// same object (spec.md §6).
func UploadPath(userID, projectID, jobID uuid.UUID, version int, structured bool) string {
	if structured {
		return fmt.Sprintf("users/%s/projects/%s/renders/%s_v%d.mp4", userID, projectID, jobID, version)
	}
	return fmt.Sprintf("%s_final.mp4", jobID)
}

// Request describes one render submission.
type Request struct {
	JobID     uuid.UUID
	ProjectID uuid.UUID
	UserID    uuid.UUID
	Phase     string // "phase1", "phase2", "final"
	Quality   string
	Preset    string
	Payload   map[string]any
	Async     bool
}

// Result is what the caller gets back: either a final URL (sync) or an
// acknowledgement that a webhook will supply the final URL later (async).
type Result struct {
	Accepted    bool
	OutputURL   string
	VersionNo   int
	WorkerJobID string
}

// Dispatcher submits one render job to a single worker backend.
type Dispatcher struct {
	client *workerclient.Client
	store  statestore.Repo
	blobs  blobstore.Store
	log    *logger.Logger
}

func New(client *workerclient.Client, store statestore.Repo, blobs blobstore.Store, baseLog *logger.Logger) *Dispatcher {
	return &Dispatcher{
		client: client,
		store:  store,
		blobs:  blobs,
		log:    baseLog.With("component", "RenderDispatcher"),
	}
}

// Dispatch rewrites the payload's blob-store URLs to freshly-signed
// download URLs, stamps quality settings, assigns the next render
// version for the project/phase, and submits to the worker — either
// waiting ~600s for the final artifact (sync) or ~5s for an ack (async,
// spec.md §4.6.1).
func (d *Dispatcher) Dispatch(ctx context.Context, dbc dbctx.Context, req Request) (Result, error) {
	version, err := d.store.NextRenderVersion(dbc, req.ProjectID, req.Phase)
	if err != nil {
		return Result{}, fmt.Errorf("dispatcher: next render version: %w", err)
	}

	payload := make(map[string]any, len(req.Payload)+4)
	for k, v := range req.Payload {
		payload[k] = v
	}

	sign := func(path string) (string, error) {
		return d.blobs.SignedURL(path, crossServiceTTL)
	}
	blobHosts := d.blobs.Hosts()
	rewritten := urlrewrite.RewriteSignedURLs(payload, blobHosts, sign)
	payload, _ = rewritten.(map[string]any)
	payload = urlrewrite.RewriteSubtree(payload, subtreeKeys, blobHosts, sign)

	uploadPath := UploadPath(req.UserID, req.ProjectID, req.JobID, version, UseStructuredUploadPath)

	payload["quality_settings"] = ComputeQualitySettings(req.Quality, req.Preset)
	payload["job_id"] = req.JobID.String()
	payload["version"] = version
	payload["async"] = req.Async
	payload["b2_upload_config"] = map[string]any{"upload_path": uploadPath}

	submitPath := "/render/submit"
	timeout := 600 * time.Second
	if req.Async {
		timeout = 5 * time.Second
	}
	submitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := d.client.Submit(submitCtx, submitPath, payload)
	if err != nil {
		return Result{}, fmt.Errorf("dispatcher: submit: %w", err)
	}

	if req.Async {
		d.log.Info("render submitted async", "job_id", req.JobID, "worker_job_id", resp.JobID)
		return Result{Accepted: true, WorkerJobID: resp.JobID, VersionNo: version}, nil
	}

	if resp.OutputURL == "" {
		return Result{}, fmt.Errorf("dispatcher: sync submission returned no output_url")
	}
	d.log.Info("render completed sync", "job_id", req.JobID, "output_url", resp.OutputURL)
	return Result{Accepted: true, OutputURL: resp.OutputURL, WorkerJobID: resp.JobID, VersionNo: version}, nil
}

// SignForEndUserDelivery re-signs a blob-store path for direct handoff
// to a browser, using the shorter end-user TTL rather than the longer
// cross-service TTL applied to worker-bound payloads (spec.md §6).
func (d *Dispatcher) SignForEndUserDelivery(path string) (string, error) {
	return d.blobs.SignedURL(path, endUserTTL)
}
