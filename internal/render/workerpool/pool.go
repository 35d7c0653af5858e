package workerpool

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
	"github.com/yungbote/neurobridge-backend/internal/render/blobstore"
	"github.com/yungbote/neurobridge-backend/internal/render/urlrewrite"
	"github.com/yungbote/neurobridge-backend/internal/render/workerclient"
)

// pollInitialWait, pollInterval, maxConsecutive404s, maxConsecutiveErrors,
// and chunkTimeout are transcribed exactly from worker_pool_service.py's
// _wait_for_chunk_completion defaults (spec.md §4.6.2).
const (
	pollInitialWait      = 10 * time.Second
	pollInterval         = 5 * time.Second
	maxConsecutive404s   = 150
	maxConsecutiveErrors = 5
	chunkTimeout         = 600 * time.Second
	concatTimeout        = 120 * time.Second
)

// Worker is one v-editor-style render backend in the pool.
type Worker struct {
	ID      string
	Name    string
	BaseURL string
}

// ClientFactory builds a workerclient.Client bound to a single worker's
// base URL. Separated out so Pool can be tested against fakes.
type ClientFactory func(baseURL string) (*workerclient.Client, error)

// Pool dispatches one render job across several workers as frame-range
// chunks, polls each to completion, and concatenates the results.
type Pool struct {
	workers        []Worker
	newClient      ClientFactory
	concat         *workerclient.Client
	blobs          blobstore.Store
	log            *logger.Logger
	rotationOffset int
}

// SetRotationOffset controls which chunk index maps to which worker,
// for diagnosing per-worker behavior in isolation (spec.md §4.6.2: "An
// optional worker-rotation offset controls which chunk index maps to
// which worker").
func (p *Pool) SetRotationOffset(offset int) {
	p.rotationOffset = offset
}

func New(workers []Worker, newClient ClientFactory, concatClient *workerclient.Client, blobs blobstore.Store, baseLog *logger.Logger) *Pool {
	return &Pool{
		workers:   workers,
		newClient: newClient,
		concat:    concatClient,
		blobs:     blobs,
		log:       baseLog.With("component", "WorkerPoolDispatcher"),
	}
}

// HealthyWorkers pings every configured worker's /health endpoint and
// returns only those that respond successfully, preserving configured
// order (spec.md §4.6.2: "health-check workers before dispatch").
func (p *Pool) HealthyWorkers(ctx context.Context) []Worker {
	type probe struct {
		idx int
		ok  bool
	}
	results := make([]probe, len(p.workers))
	var wg sync.WaitGroup
	for i, w := range p.workers {
		wg.Add(1)
		go func(i int, w Worker) {
			defer wg.Done()
			c, err := p.newClient(w.BaseURL)
			if err != nil {
				results[i] = probe{i, false}
				return
			}
			hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			err = c.HealthCheck(hctx, "/health")
			results[i] = probe{i, err == nil}
		}(i, w)
	}
	wg.Wait()

	healthy := make([]Worker, 0, len(p.workers))
	for _, r := range results {
		if r.ok {
			healthy = append(healthy, p.workers[r.idx])
		} else {
			p.log.Warn("worker unhealthy, excluding from dispatch", "worker", p.workers[r.idx].Name)
		}
	}
	return healthy
}

// ChunkResult is one worker's outcome for its assigned frame range.
type ChunkResult struct {
	Index      int
	Worker     string
	Status     string // "success" | "error"
	ChunkPath  string
	Error      string
	DurationMs int64
}

// RenderDistributed splits payload into one chunk per healthy worker,
// dispatches all chunks in parallel, waits for every chunk to complete,
// concatenates the ordered results, and uploads the final artifact.
// Any single chunk failure fails the whole dispatch (spec.md §4.6.2).
func (p *Pool) RenderDistributed(ctx context.Context, jobID string, payload map[string]any, userID, projectID string, durationInFrames int) (string, error) {
	p.purgeStaleChunks(ctx, jobID)

	healthy := p.HealthyWorkers(ctx)
	if len(healthy) == 0 {
		return "", fmt.Errorf("workerpool: no healthy workers available")
	}

	ranges := CalculateFrameRanges(durationInFrames, len(healthy))
	if len(ranges) == 0 {
		return "", fmt.Errorf("workerpool: no frame ranges computed for duration=%d workers=%d", durationInFrames, len(healthy))
	}

	results := make([]ChunkResult, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	for i, fr := range ranges {
		i, fr := i, fr
		worker := healthy[(i+p.rotationOffset)%len(healthy)]
		g.Go(func() error {
			res := p.dispatchChunk(gctx, worker, jobID, i, fr, payload, userID, projectID)
			results[i] = res
			if res.Status != "success" {
				return fmt.Errorf("chunk %d failed on %s: %s", i, worker.Name, res.Error)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("workerpool: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	chunkPaths := make([]string, 0, len(results))
	for _, r := range results {
		chunkPaths = append(chunkPaths, r.ChunkPath)
	}

	outputURL, err := p.concatenateChunks(ctx, chunkPaths, jobID)
	if err != nil {
		return "", fmt.Errorf("workerpool: concat: %w", err)
	}
	return outputURL, nil
}

func (p *Pool) dispatchChunk(ctx context.Context, worker Worker, jobID string, index int, fr FrameRange, payload map[string]any, userID, projectID string) ChunkResult {
	start := time.Now()
	chunkJobID := fmt.Sprintf("%s_chunk_%d", jobID, index)

	client, err := p.newClient(worker.BaseURL)
	if err != nil {
		return ChunkResult{Index: index, Worker: worker.Name, Status: "error", Error: err.Error()}
	}

	chunkPayload := prepareChunkPayload(payload, chunkJobID, fr, userID, projectID)

	submitCtx, cancel := context.WithTimeout(ctx, 300*time.Second)
	defer cancel()
	if _, err := client.Submit(submitCtx, "/render-video", chunkPayload); err != nil {
		return ChunkResult{Index: index, Worker: worker.Name, Status: "error", Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}

	final, err := waitForChunkCompletion(ctx, client, chunkJobID, worker.Name, p.log)
	if err != nil {
		return ChunkResult{Index: index, Worker: worker.Name, Status: "error", Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}

	return ChunkResult{
		Index:      index,
		Worker:     worker.Name,
		Status:     "success",
		ChunkPath:  final.OutputURL,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// prepareChunkPayload builds a per-chunk payload carrying only this
// worker's frame range, marked is_chunk/skip_upload/output_to_shared so
// the worker writes to the shared concat volume instead of uploading
// individually, and with external hostnames rewritten to internal
// service DNS (spec.md §4.6.2). Transcribed from
// worker_pool_service.py's _prepare_chunk_payload.
func prepareChunkPayload(payload map[string]any, jobID string, fr FrameRange, userID, projectID string) map[string]any {
	frameCount := fr.EndFrame - fr.StartFrame + 1

	chunk := make(map[string]any, len(payload)+8)
	for k, v := range payload {
		chunk[k] = v
	}
	chunk["job_id"] = jobID
	chunk["jobId"] = jobID
	chunk["user_id"] = userID
	chunk["project_id"] = projectID
	chunk["duration_in_frames"] = frameCount
	chunk["frame_range"] = map[string]any{
		"start_frame": fr.StartFrame,
		"end_frame":   fr.EndFrame,
	}
	chunk["is_chunk"] = true
	chunk["skip_upload"] = true
	chunk["output_to_shared"] = true
	chunk["webhook_url"] = nil

	if canvas, ok := payload["canvas"].(map[string]any); ok {
		chunk["project_settings"] = map[string]any{
			"video_settings": map[string]any{
				"width":              canvas["width"],
				"height":             canvas["height"],
				"fps":                payload["fps"],
				"duration_in_frames": frameCount,
			},
		}
	}

	rewritten := urlrewrite.RewriteExternalToInternal(chunk)
	out, _ := rewritten.(map[string]any)
	return out
}

type chunkFinal struct {
	OutputURL string
}

// waitForChunkCompletion polls a worker's job-status endpoint until it
// reports completed/failed/error or the 600s timeout elapses. Pre-ack
// 404s (job not registered yet) are tolerated up to maxConsecutive404s;
// a 404 after the job was seen at least once running is immediately
// fatal. 5xx/connection errors are tolerated up to maxConsecutiveErrors
// in a row. Transcribed exactly from
// worker_pool_service.py's _wait_for_chunk_completion.
func waitForChunkCompletion(ctx context.Context, client *workerclient.Client, jobID, workerName string, log *logger.Logger) (chunkFinal, error) {
	log.Info("waiting for chunk to start", "job_id", jobID, "worker", workerName, "initial_wait_s", pollInitialWait.Seconds())
	select {
	case <-time.After(pollInitialWait):
	case <-ctx.Done():
		return chunkFinal{}, ctx.Err()
	}

	deadline := time.Now().Add(chunkTimeout)
	consecutiveErrors := 0
	consecutive404s := 0
	jobStarted := false
	lastStatus := ""

	path := "/job/" + jobID
	for time.Now().Before(deadline) {
		status, err := client.GetStatus(ctx, path)
		switch {
		case err == nil:
			consecutiveErrors = 0
			consecutive404s = 0
			jobStarted = true
			if status.Status != lastStatus {
				lastStatus = status.Status
				log.Info("chunk status changed", "job_id", jobID, "worker", workerName, "status", status.Status)
			}
			switch status.Status {
			case "completed":
				return chunkFinal{OutputURL: status.OutputURL}, nil
			case "failed", "error":
				msg := status.Error
				if msg == "" {
					msg = "unknown error"
				}
				return chunkFinal{}, fmt.Errorf("chunk job failed: %s", msg)
			}

		case workerclient.IsNotFound(err):
			consecutive404s++
			if jobStarted {
				return chunkFinal{}, fmt.Errorf("chunk job %s disappeared from %s (404)", jobID, workerName)
			}
			if consecutive404s >= maxConsecutive404s {
				return chunkFinal{}, fmt.Errorf("chunk job %s never started on %s after %d polls", jobID, workerName, consecutive404s)
			}

		case workerclient.IsServerError(err):
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				return chunkFinal{}, fmt.Errorf("worker %s returned %d consecutive 5xx errors", workerName, maxConsecutiveErrors)
			}

		default:
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				return chunkFinal{}, fmt.Errorf("worker %s unreachable after %d attempts: %w", workerName, maxConsecutiveErrors, err)
			}
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return chunkFinal{}, ctx.Err()
		}
	}

	return chunkFinal{}, fmt.Errorf("timeout waiting for chunk job %s on %s", jobID, workerName)
}

// purgeStaleChunks removes any chunk artifacts left behind by a prior
// render of the same job, preventing a fresh run's polling from finding
// an earlier run's completed-looking output (spec.md §4.6.2). Best
// effort: a failure here is logged, not fatal, and dispatch continues.
// Chunk job ids are <jobID>_chunk_<index> with no attempt qualifier, so a
// chunk left over from an earlier run carries the same id as the new one.
func (p *Pool) purgeStaleChunks(ctx context.Context, jobID string) {
	purgeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := p.concat.Submit(purgeCtx, "/ffmpeg/cleanup-chunks", map[string]any{"job_id": jobID}); err != nil {
		p.log.Warn("failed to purge stale chunks, continuing", "job_id", jobID, "error", err.Error())
	}
}

// concatenateChunks calls the shared ffmpeg concat endpoint with the
// ordered chunk paths (spec.md §4.6.2).
func (p *Pool) concatenateChunks(ctx context.Context, chunkPaths []string, jobID string) (string, error) {
	p.log.Info("concatenating chunks", "job_id", jobID, "chunk_count", len(chunkPaths))

	concatCtx, cancel := context.WithTimeout(ctx, concatTimeout)
	defer cancel()

	resp, err := p.concat.Submit(concatCtx, "/ffmpeg/concat-chunks", map[string]any{
		"chunk_paths":     chunkPaths,
		"output_filename": jobID + "_final.mp4",
		"job_id":          jobID,
	})
	if err != nil {
		return "", err
	}
	if resp.OutputURL == "" {
		return "", fmt.Errorf("concat returned no output_url")
	}
	return resp.OutputURL, nil
}

// DefaultHTTPClientFactory builds a workerclient.Client against an
// arbitrary worker base URL with pool-appropriate timeouts.
func DefaultHTTPClientFactory(apiKey string) ClientFactory {
	return func(baseURL string) (*workerclient.Client, error) {
		return workerclient.New(workerclient.Options{
			BaseURL:    baseURL,
			APIKey:     apiKey,
			Timeout:    chunkTimeout,
			MaxRetries: 0,
			HTTPClient: &http.Client{},
		})
	}
}
