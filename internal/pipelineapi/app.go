// Package pipelineapi wires the Pipeline Engine, Replay Engine,
// Auto-Runner, render dispatchers, and the gin HTTP boundary into one
// process, grounded on internal/inference/app.App's config-load /
// logger-init / router-build / http.Server construction shape.
package pipelineapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/autorunner"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/engine"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/events"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/registry"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/replay"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/statestore"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/steps"
	"github.com/yungbote/neurobridge-backend/internal/pipelineapi/auth"
	"github.com/yungbote/neurobridge-backend/internal/pipelineapi/config"
	"github.com/yungbote/neurobridge-backend/internal/pipelineapi/handlers"
	pipelinemw "github.com/yungbote/neurobridge-backend/internal/pipelineapi/middleware"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
	"github.com/yungbote/neurobridge-backend/internal/render/blobstore"
	"github.com/yungbote/neurobridge-backend/internal/render/dispatcher"
	"github.com/yungbote/neurobridge-backend/internal/render/workerclient"
)

type App struct {
	Log    *logger.Logger
	Config config.Config

	server *http.Server
}

func New() (*App, error) {
	cfg := config.Load()

	log, err := logger.New(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := connectPostgres(cfg, log)
	if err != nil {
		return nil, err
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	sink := events.NewRedisSink(rdb, cfg.EventsChannel, log)

	repo := statestore.NewRepo(db, log)
	store := statestore.NewManager(repo, log)

	reg := registry.New(log)

	// Built up as a nil interface, then assigned only on success: a typed-nil
	// *dispatcher.Dispatcher stored directly in the RenderBackend interface
	// parameter would make steps.renderFn's "render == nil" stub check false.
	var render steps.RenderBackend
	if renderDispatcher, rdErr := buildRenderDispatcher(context.Background(), repo, log); rdErr != nil {
		log.Warn("render dispatcher unavailable, render step will stub", "error", rdErr.Error())
	} else {
		render = renderDispatcher
	}
	steps.Register(reg, render, log)

	eng := engine.New(reg, store, sink, nil, log)
	replayEng := replay.New(reg, store, log)
	runner := autorunner.New(eng, log)

	if cfg.JWTSecret == "" {
		log.Warn("PIPELINE_JWT_SECRET is unset; issued/verified tokens will use an empty key")
	}
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.AccessTTL)

	router := NewRouter(RouterConfig{
		AuthMiddleware: pipelinemw.NewAuthMiddleware(issuer, log),
		JobHandler:     handlers.NewJobHandler(eng, replayEng, runner),
		HealthHandler:  handlers.NewHealthHandler(),
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{Log: log, Config: cfg, server: srv}, nil
}

func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.Log.Info("pipeline API listening", "addr", a.Config.Addr)
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
		defer cancel()
		_ = a.server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// buildRenderDispatcher wires the single-backend render dispatcher (the
// default of the four backends spec.md §4.6 names) against a worker
// reachable at RENDER_WORKER_BASE_URL. A missing/misconfigured worker
// endpoint or GCS bucket degrades to a nil dispatcher rather than failing
// process startup — the render step then runs as a stub, same as every
// unbuilt step body (spec.md's own "out of scope" framing for step
// bodies applies equally to a render backend that isn't reachable yet).
func buildRenderDispatcher(ctx context.Context, repo statestore.Repo, log *logger.Logger) (*dispatcher.Dispatcher, error) {
	workerBaseURL := strings.TrimSpace(os.Getenv("RENDER_WORKER_BASE_URL"))
	if workerBaseURL == "" {
		return nil, fmt.Errorf("RENDER_WORKER_BASE_URL not set")
	}

	blobs, err := blobstore.NewStore(ctx, []option.ClientOption{}, log)
	if err != nil {
		return nil, fmt.Errorf("build blobstore: %w", err)
	}

	client, err := workerclient.New(workerclient.Options{
		BaseURL:    workerBaseURL,
		APIKey:     os.Getenv("RENDER_WORKER_API_KEY"),
		Timeout:    600 * time.Second,
		MaxRetries: 3,
	})
	if err != nil {
		return nil, fmt.Errorf("build worker client: %w", err)
	}

	return dispatcher.New(client, repo, blobs, log), nil
}
