// Package singlepool distributes whole render jobs (not frame chunks)
// round-robin across several v-editor-single-style worker containers,
// each capable of fully rendering one job at a time (spec.md §4.6.3).
// Grounded on single_pool_service.py's SinglePoolService.
package singlepool

import (
	"context"
	"sync"
	"time"

	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
	"github.com/yungbote/neurobridge-backend/internal/render/workerclient"
)

// Worker tracks one single-job render backend's busy/health state.
type Worker struct {
	ID            string
	Name          string
	BaseURL       string
	IsBusy        bool
	CurrentJobID  string
	IsHealthy     bool
	LastHealthAt  time.Time
}

// ClientFactory builds a workerclient.Client bound to a single worker's
// base URL.
type ClientFactory func(baseURL string) (*workerclient.Client, error)

// Pool round-robins whole render jobs across a fixed set of workers,
// preferring an idle healthy worker and falling back to the next
// worker in rotation if every worker is busy (the worker queues
// internally rather than rejecting).
type Pool struct {
	mu        sync.Mutex
	workers   []*Worker
	rrIndex   int
	newClient ClientFactory
	log       *logger.Logger
}

func New(workers []Worker, newClient ClientFactory, baseLog *logger.Logger) *Pool {
	ws := make([]*Worker, len(workers))
	for i := range workers {
		w := workers[i]
		w.IsHealthy = true
		ws[i] = &w
	}
	return &Pool{
		workers:   ws,
		newClient: newClient,
		log:       baseLog.With("component", "SinglePoolDispatcher"),
	}
}

// nextWorker returns the next idle+healthy worker in rotation, or — if
// every worker is busy — the next worker in rotation regardless, since
// the worker's own queue will absorb the job (single_pool_service.py's
// _get_next_worker fallback).
func (p *Pool) nextWorker() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.workers)
	for i := 0; i < n; i++ {
		w := p.workers[p.rrIndex]
		p.rrIndex = (p.rrIndex + 1) % n
		if !w.IsBusy && w.IsHealthy {
			return w
		}
	}
	w := p.workers[p.rrIndex]
	p.rrIndex = (p.rrIndex + 1) % n
	return w
}

// CheckAllHealth pings every worker's /health endpoint and updates its
// IsHealthy flag.
func (p *Pool) CheckAllHealth(ctx context.Context) map[string]bool {
	results := make(map[string]bool, len(p.workers))
	for _, w := range p.workers {
		c, err := p.newClient(w.BaseURL)
		healthy := false
		if err == nil {
			hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			healthy = c.HealthCheck(hctx, "/health") == nil
			cancel()
		}
		p.mu.Lock()
		w.IsHealthy = healthy
		w.LastHealthAt = time.Now()
		p.mu.Unlock()
		results[w.Name] = healthy
	}
	return results
}

// SubmitResult is what the caller gets back after handing a job to a
// worker in the pool.
type SubmitResult struct {
	Accepted bool
	Worker   string
	Error    string
}

// Submit hands a whole render job to the next available worker. On a
// submission failure it marks that worker free again and retries once
// against a different idle worker, matching single_pool_service.py's
// single-backup-attempt behavior.
func (p *Pool) Submit(ctx context.Context, jobID string, payload map[string]any) SubmitResult {
	worker := p.nextWorker()
	p.claim(worker, jobID)

	if res, err := p.submitToWorker(ctx, worker, jobID, payload); err == nil {
		return res
	} else {
		p.release(worker)
		p.log.Warn("submit failed, trying backup worker", "worker", worker.Name, "error", err.Error())

		if backup := p.firstIdle(worker.ID); backup != nil {
			p.claim(backup, jobID)
			if res, err := p.submitToWorker(ctx, backup, jobID, payload); err == nil {
				return res
			} else {
				p.release(backup)
				return SubmitResult{Accepted: false, Worker: backup.Name, Error: err.Error()}
			}
		}
		return SubmitResult{Accepted: false, Worker: worker.Name, Error: err.Error()}
	}
}

func (p *Pool) submitToWorker(ctx context.Context, worker *Worker, jobID string, payload map[string]any) (SubmitResult, error) {
	client, err := p.newClient(worker.BaseURL)
	if err != nil {
		return SubmitResult{}, err
	}
	submitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	chunk := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		chunk[k] = v
	}
	chunk["worker_name"] = worker.Name

	if _, err := client.Submit(submitCtx, "/render-video", chunk); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Accepted: true, Worker: worker.Name}, nil
}

func (p *Pool) claim(w *Worker, jobID string) {
	p.mu.Lock()
	w.IsBusy = true
	w.CurrentJobID = jobID
	p.mu.Unlock()
}

func (p *Pool) release(w *Worker) {
	p.mu.Lock()
	w.IsBusy = false
	w.CurrentJobID = ""
	p.mu.Unlock()
}

func (p *Pool) firstIdle(excludeID string) *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.ID != excludeID && !w.IsBusy {
			return w
		}
	}
	return nil
}

// MarkJobComplete releases whichever worker is holding jobID, called
// from the render-complete webhook handler.
func (p *Pool) MarkJobComplete(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.CurrentJobID == jobID {
			w.IsBusy = false
			w.CurrentJobID = ""
			return
		}
	}
}

// Status reports the pool's current load for operational dashboards.
type Status struct {
	TotalWorkers   int            `json:"total_workers"`
	BusyWorkers    int            `json:"busy_workers"`
	HealthyWorkers int            `json:"healthy_workers"`
	Workers        []WorkerStatus `json:"workers"`
}

type WorkerStatus struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	BaseURL    string `json:"base_url"`
	IsBusy     bool   `json:"is_busy"`
	IsHealthy  bool   `json:"is_healthy"`
	CurrentJob string `json:"current_job,omitempty"`
}

func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{TotalWorkers: len(p.workers)}
	for _, w := range p.workers {
		if w.IsBusy {
			st.BusyWorkers++
		}
		if w.IsHealthy {
			st.HealthyWorkers++
		}
		st.Workers = append(st.Workers, WorkerStatus{
			ID:         w.ID,
			Name:       w.Name,
			BaseURL:    w.BaseURL,
			IsBusy:     w.IsBusy,
			IsHealthy:  w.IsHealthy,
			CurrentJob: w.CurrentJobID,
		})
	}
	return st
}
