// Package lambdadispatch submits a render job to a serverless
// Remotion-Lambda-style rendering API: a stateless, fully async submit
// that returns almost immediately and finalizes later via webhook
// (spec.md §4.6.4). Grounded on lambda_render_service.py.
package lambdadispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
	"github.com/yungbote/neurobridge-backend/internal/render/blobstore"
	"github.com/yungbote/neurobridge-backend/internal/render/workerclient"
)

// Mode selects the Lambda function's memory/concurrency profile.
type Mode string

const (
	ModeSlow   Mode = "lambda_slow"
	ModeMedium Mode = "lambda_medium"
	ModeFast   Mode = "lambda_fast"
)

// ModeForMemoryMB maps a requested Lambda memory allocation to a
// performance mode, transcribed from lambda_render_service.py's
// submit_render_job mode-selection.
func ModeForMemoryMB(memoryMB int) Mode {
	switch {
	case memoryMB <= 1024:
		return ModeSlow
	case memoryMB >= 3008:
		return ModeFast
	default:
		return ModeMedium
	}
}

const submitTimeout = 30 * time.Second

// submitURLHosts are the blob-store hostnames whose URLs need a fresh
// signed re-issue before handing the payload to Lambda, since a Lambda
// invocation can sit in a queue long enough for a short-lived signed URL
// to expire (lambda_render_service.py's _refresh_video_url_if_needed).
var submitURLHosts = []string{"backblazeb2.com", "storage.googleapis.com"}

// Dispatcher submits render jobs to a serverless rendering API.
type Dispatcher struct {
	client        *workerclient.Client
	blobs         blobstore.Store
	webhookPrefix string
	log           *logger.Logger
}

func New(client *workerclient.Client, blobs blobstore.Store, webhookPrefix string, baseLog *logger.Logger) *Dispatcher {
	return &Dispatcher{
		client:        client,
		blobs:         blobs,
		webhookPrefix: strings.TrimRight(webhookPrefix, "/"),
		log:           baseLog.With("component", "LambdaDispatcher"),
	}
}

// Result is the Lambda API's immediate acknowledgement; the final
// artifact arrives later via webhook.
type Result struct {
	Accepted bool
	RenderID string
	Mode     Mode
	Error    string
}

// IsConfigured reports whether the Lambda rendering API is reachable and
// has a function configured, checked before offering this backend as a
// dispatch option.
func (d *Dispatcher) IsConfigured(ctx context.Context) bool {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return d.client.HealthCheck(hctx, "/health") == nil
}

// Submit re-signs payload["video_url"] when it points at a known blob-store
// host (its expiry is not checked; other fields are left as they are),
// wraps the payload as Remotion-Lambda inputProps, and submits it for async
// rendering. The call returns as soon as Lambda acknowledges the
// invocation; completion arrives via webhook at callbackEndpoint.
func (d *Dispatcher) Submit(ctx context.Context, jobID, userID, projectID, templateID string, payload map[string]any, memoryMB int, callbackEndpoint string) (Result, error) {
	mode := ModeForMemoryMB(memoryMB)

	refreshed, err := d.refreshVideoURLIfNeeded(ctx, payload, userID, projectID)
	if err != nil {
		d.log.Warn("failed to refresh video_url before lambda submit, continuing with original", "job_id", jobID, "error", err.Error())
		refreshed = payload
	}

	webhookURL := d.webhookPrefix + callbackEndpoint
	apiPayload := map[string]any{
		"jobId":       jobID,
		"composition": "VideoComposition",
		"inputProps":  refreshed,
		"webhookUrl":  webhookURL,
		"mode":        string(mode),
		"userId":      userID,
		"projectId":   projectID,
		"templateId":  templateID,
	}

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	resp, err := d.client.Submit(submitCtx, "/render", apiPayload)
	if err != nil {
		return Result{}, fmt.Errorf("lambdadispatch: submit: %w", err)
	}

	renderID := resp.JobID
	if renderID == "" {
		renderID = jobID
	}
	d.log.Info("lambda render submitted", "job_id", jobID, "render_id", renderID, "mode", mode)
	return Result{Accepted: true, RenderID: renderID, Mode: mode}, nil
}

// refreshVideoURLIfNeeded re-signs payload["video_url"] when it points at
// a blob-store host whose signed URLs can expire before an async Lambda
// invocation gets around to reading it.
func (d *Dispatcher) refreshVideoURLIfNeeded(ctx context.Context, payload map[string]any, userID, projectID string) (map[string]any, error) {
	videoURL, _ := payload["video_url"].(string)
	if videoURL == "" {
		return payload, nil
	}

	needsRefresh := false
	for _, host := range submitURLHosts {
		if strings.Contains(videoURL, host) {
			needsRefresh = true
			break
		}
	}
	if !needsRefresh {
		return payload, nil
	}

	key := extractObjectKey(videoURL)
	if key == "" {
		return payload, nil
	}

	signed, err := d.blobs.SignedURL(key, 24*time.Hour)
	if err != nil {
		return payload, err
	}

	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	out["video_url"] = signed
	return out, nil
}

// extractObjectKey pulls the bucket-relative object path out of a blob
// URL, dropping any query string (signed-URL auth parameters).
func extractObjectKey(rawURL string) string {
	withoutQuery := strings.SplitN(rawURL, "?", 2)[0]
	parts := strings.SplitN(withoutQuery, "/file/", 2)
	if len(parts) == 2 {
		segments := strings.SplitN(parts[1], "/", 2)
		if len(segments) == 2 {
			return segments[1]
		}
	}
	idx := strings.Index(withoutQuery, "storage.googleapis.com/")
	if idx >= 0 {
		rest := withoutQuery[idx+len("storage.googleapis.com/"):]
		segments := strings.SplitN(rest, "/", 2)
		if len(segments) == 2 {
			return segments[1]
		}
	}
	return ""
}
