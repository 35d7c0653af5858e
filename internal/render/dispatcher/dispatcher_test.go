package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/neurobridge-backend/internal/domain"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
	"github.com/yungbote/neurobridge-backend/internal/render/workerclient"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

// fakeBlobStore is an in-memory blobstore.Store good enough to exercise
// the dispatcher's URL-rewrite and signing paths without GCS.
type fakeBlobStore struct {
	hosts     []string
	signCalls []string
	signErr   error
}

func (f *fakeBlobStore) Upload(context.Context, string, io.Reader, string) error { return nil }

func (f *fakeBlobStore) SignedURL(key string, _ time.Duration) (string, error) {
	f.signCalls = append(f.signCalls, key)
	if f.signErr != nil {
		return "", f.signErr
	}
	return "https://storage.googleapis.com/bucket/" + key + "?signed=1", nil
}
func (f *fakeBlobStore) PublicURL(key string) string {
	return "https://storage.googleapis.com/bucket/" + key
}
func (f *fakeBlobStore) Hosts() []string { return f.hosts }

// fakeDispatchRepo is a minimal statestore.Repo stub; only
// NextRenderVersion is exercised by the dispatcher.
type fakeDispatchRepo struct{ version int }

func (f *fakeDispatchRepo) Create(dbctx.Context, *types.PipelineJob) error { return nil }
func (f *fakeDispatchRepo) GetByID(dbctx.Context, uuid.UUID) (*types.PipelineJob, error) {
	return nil, nil
}
func (f *fakeDispatchRepo) UpdateFields(dbctx.Context, uuid.UUID, map[string]interface{}) error {
	return nil
}
func (f *fakeDispatchRepo) AppendCheckpoint(dbctx.Context, *types.PipelineCheckpoint) error {
	return nil
}
func (f *fakeDispatchRepo) LatestCheckpoint(dbctx.Context, uuid.UUID, string) (*types.PipelineCheckpoint, error) {
	return nil, nil
}
func (f *fakeDispatchRepo) NextRenderVersion(dbctx.Context, uuid.UUID, string) (int, error) {
	f.version++
	return f.version, nil
}

func TestUploadPathStructuredVsLegacy(t *testing.T) {
	userID, projectID, jobID := uuid.New(), uuid.New(), uuid.New()
	structured := UploadPath(userID, projectID, jobID, 3, true)
	if want := "users/" + userID.String() + "/projects/" + projectID.String() + "/renders/" + jobID.String() + "_v3.mp4"; structured != want {
		t.Fatalf("expected %q, got %q", want, structured)
	}
	legacy := UploadPath(userID, projectID, jobID, 3, false)
	if want := jobID.String() + "_final.mp4"; legacy != want {
		t.Fatalf("expected %q, got %q", want, legacy)
	}
}

func TestDispatchSyncSubmitsRewrittenPayloadAndReturnsOutputURL(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(workerclient.SubmitResult{Status: "ok", JobID: "w-1", OutputURL: "gs://out/final.mp4"})
	}))
	defer srv.Close()

	client, err := workerclient.New(workerclient.Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("workerclient.New: %v", err)
	}

	blobs := &fakeBlobStore{hosts: []string{"blob.example.com"}}
	d := New(client, &fakeDispatchRepo{}, blobs, newTestLogger(t))

	req := Request{
		JobID:     uuid.New(),
		ProjectID: uuid.New(),
		UserID:    uuid.New(),
		Phase:     "final",
		Quality:   "high",
		Payload: map[string]any{
			"video_url": "https://blob.example.com/raw/input.mp4",
		},
	}
	result, err := d.Dispatch(context.Background(), dbctx.Context{}, req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.OutputURL != "gs://out/final.mp4" {
		t.Fatalf("expected sync dispatch to return the worker's output url, got %+v", result)
	}
	if gotBody["video_url"] != "https://storage.googleapis.com/bucket/https://blob.example.com/raw/input.mp4?signed=1" {
		t.Fatalf("expected blob-host url re-signed before submission, got %v", gotBody["video_url"])
	}
	if len(blobs.signCalls) != 1 || blobs.signCalls[0] != "https://blob.example.com/raw/input.mp4" {
		t.Fatalf("expected the original blob-host url passed to the signer, got %v", blobs.signCalls)
	}
	if gotBody["job_id"] != req.JobID.String() {
		t.Fatalf("expected job_id stamped onto payload, got %v", gotBody["job_id"])
	}
	if _, ok := gotBody["quality_settings"]; !ok {
		t.Fatalf("expected quality_settings stamped onto payload")
	}
}

func TestDispatchAsyncReturnsAcceptedWithoutOutputURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(workerclient.SubmitResult{Status: "accepted", JobID: "w-2"})
	}))
	defer srv.Close()

	client, err := workerclient.New(workerclient.Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("workerclient.New: %v", err)
	}
	blobs := &fakeBlobStore{hosts: []string{"blob.example.com"}}
	d := New(client, &fakeDispatchRepo{}, blobs, newTestLogger(t))

	req := Request{JobID: uuid.New(), ProjectID: uuid.New(), UserID: uuid.New(), Phase: "final", Async: true, Payload: map[string]any{}}
	result, err := d.Dispatch(context.Background(), dbctx.Context{}, req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !result.Accepted || result.OutputURL != "" || result.WorkerJobID != "w-2" {
		t.Fatalf("expected an async accept with no output url, got %+v", result)
	}
}

func TestDispatchSyncWithEmptyOutputURLErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(workerclient.SubmitResult{Status: "ok", JobID: "w-3"})
	}))
	defer srv.Close()

	client, err := workerclient.New(workerclient.Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("workerclient.New: %v", err)
	}
	blobs := &fakeBlobStore{hosts: []string{"blob.example.com"}}
	d := New(client, &fakeDispatchRepo{}, blobs, newTestLogger(t))

	req := Request{JobID: uuid.New(), ProjectID: uuid.New(), UserID: uuid.New(), Phase: "final", Payload: map[string]any{}}
	if _, err := d.Dispatch(context.Background(), dbctx.Context{}, req); err == nil {
		t.Fatalf("expected an error when a sync dispatch returns no output_url")
	}
}

func TestSignForEndUserDeliveryUsesBlobStore(t *testing.T) {
	blobs := &fakeBlobStore{hosts: []string{"blob.example.com"}}
	d := New(nil, &fakeDispatchRepo{}, blobs, newTestLogger(t))
	url, err := d.SignForEndUserDelivery("users/1/out.mp4")
	if err != nil {
		t.Fatalf("SignForEndUserDelivery: %v", err)
	}
	if url != "https://storage.googleapis.com/bucket/users/1/out.mp4?signed=1" {
		t.Fatalf("unexpected signed url: %q", url)
	}
}
