package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bobarin/clipsa/internal/jobs"
	"github.com/bobarin/clipsa/internal/memstore"
	"github.com/bobarin/clipsa/internal/models"
	"github.com/bobarin/clipsa/internal/relay"
	"github.com/bobarin/clipsa/internal/storage"
	"github.com/bobarin/clipsa/internal/webhook"
	"github.com/google/uuid"
)

const testAppURL = "https://clips.example.com"

type dispatched struct {
	name    string
	payload any
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatched
	err   error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, jobName string, payload any, opts ...jobs.DispatchOption) (*jobs.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, dispatched{name: jobName, payload: payload})
	return &jobs.Receipt{MessageID: fmt.Sprintf("msg-%d", len(f.calls))}, nil
}

type testServer struct {
	store    *memstore.Store
	disp     *fakeDispatcher
	registry *jobs.Registry
	blobs    *storage.Disk
	router   http.Handler
}

type serverOption func(*RouterConfig, *HandlerConfig)

func withAPIKey(key string) serverOption {
	return func(rc *RouterConfig, _ *HandlerConfig) { rc.BackendAPIKey = key }
}

func withVerifier(key string) serverOption {
	return func(_ *RouterConfig, hc *HandlerConfig) { hc.Verifier = relay.NewVerifier(key, "") }
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	blobs, err := storage.NewDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	s := &testServer{
		store:    memstore.New(),
		disp:     &fakeDispatcher{},
		registry: jobs.NewRegistry(),
		blobs:    blobs,
	}

	rc := RouterConfig{}
	hc := HandlerConfig{AppURL: testAppURL, JobsURL: testAppURL + "/api/jobs"}
	for _, opt := range opts {
		opt(&rc, &hc)
	}

	agg := webhook.NewAggregator(s.store, s.disp)
	h := NewHandler(s.store, s.disp, s.registry, agg, blobs, hc)
	s.router = NewRouter(h, rc)
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, "GET", "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCreateProject(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "POST", "/api/projects", `{
		"scenes": [
			{"description": " A lighthouse at dawn ", "inputImageId": "img-1"},
			{"id": "storm", "text": "A storm rolls in", "duration": 7.5, "motion": "pan", "transition": "cut"}
		],
		"audioSettings": {"mood": "epic"}
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[models.CreateProjectResponse](t, rec)
	if resp.Status != models.ProjectStatusCreated || resp.Dispatch.MessageID != "msg-1" || resp.Dispatch.Local {
		t.Errorf("response = %+v", resp)
	}

	projectID := uuid.MustParse(resp.ProjectID)
	project, err := s.store.GetProject(context.Background(), projectID)
	if err != nil {
		t.Fatal(err)
	}
	first, second := project.Scenes[0], project.Scenes[1]
	if first.ID != "scene-0" || first.Description != "A lighthouse at dawn" || first.Duration != 5 ||
		first.Motion != "static" || first.Transition != "fade" || first.Status != models.UnitStatusPending {
		t.Errorf("first scene = %+v", first)
	}
	if first.InputImageURL == nil || *first.InputImageURL != testAppURL+"/api/media/img-1" {
		t.Errorf("input image url = %v", first.InputImageURL)
	}
	if second.ID != "storm" || second.Description != "A storm rolls in" || second.Duration != 7.5 || second.Motion != "pan" {
		t.Errorf("second scene = %+v", second)
	}
	if project.VideoSettings.TotalDuration != 12.5 {
		t.Errorf("total duration = %v", project.VideoSettings.TotalDuration)
	}

	if len(s.disp.calls) != 1 || s.disp.calls[0].name != jobs.JobStartVideoGeneration {
		t.Fatalf("dispatches = %+v", s.disp.calls)
	}
	payload := s.disp.calls[0].payload.(models.StartVideoGenerationPayload)
	if payload.ProjectID != projectID || len(payload.Scenes) != 2 || payload.Scenes[0].Image != testAppURL+"/api/media/img-1" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.AudioSettings.Mood != "epic" {
		t.Errorf("audio settings = %+v", payload.AudioSettings)
	}
}

func TestCreateProjectRejects(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"scenes":`},
		{"no scenes", `{"scenes":[]}`},
		{"duplicate ids", `{"scenes":[{"id":"a"},{"id":"a"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := s.do(t, "POST", "/api/projects", tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d", rec.Code)
			}
		})
	}
	if len(s.disp.calls) != 0 {
		t.Errorf("rejected requests dispatched %d jobs", len(s.disp.calls))
	}
}

func TestCreateProjectDispatchFailure(t *testing.T) {
	s := newTestServer(t)
	s.disp.err = errors.New("relay down")

	if rec := s.do(t, "POST", "/api/projects", `{"scenes":[{"text":"x"}]}`); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAPIKeyGuard(t *testing.T) {
	s := newTestServer(t, withAPIKey("secret"))
	body := `{"scenes":[{"text":"x"}]}`

	if rec := s.do(t, "POST", "/api/projects", body); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: %d", rec.Code)
	}
	if rec := s.do(t, "POST", "/api/projects", body, "X-API-Key", "wrong"); rec.Code != http.StatusForbidden {
		t.Errorf("wrong key: %d", rec.Code)
	}
	if rec := s.do(t, "POST", "/api/projects", body, "Authorization", "Bearer secret"); rec.Code != http.StatusCreated {
		t.Errorf("bearer key: %d", rec.Code)
	}

	// Machine routes are not behind the key.
	if rec := s.do(t, "POST", "/api/webhooks/fal", `{}`); rec.Code == http.StatusUnauthorized {
		t.Error("webhook route must not require the API key")
	}
}

func TestPresentedKey(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		wantKey    string
		wantSource string
	}{
		{"none", nil, "", ""},
		{"x-api-key", map[string]string{"X-API-Key": " secret "}, "secret", "x-api-key"},
		{"bearer", map[string]string{"Authorization": "Bearer secret"}, "secret", "bearer"},
		{"x-api-key wins", map[string]string{"X-API-Key": "a", "Authorization": "Bearer b"}, "a", "x-api-key"},
		{"basic ignored", map[string]string{"Authorization": "Basic c2VjcmV0"}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			key, source := presentedKey(req)
			if key != tt.wantKey || source != tt.wantSource {
				t.Errorf("presentedKey = %q %q, want %q %q", key, source, tt.wantKey, tt.wantSource)
			}
		})
	}
}

func TestGetProject(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	project := &models.Project{
		Kind:   models.ProjectKindVideo,
		Status: models.ProjectStatusProcessing,
		Scenes: []models.Scene{{ID: "a", Status: models.UnitStatusPending}, {ID: "b", Status: models.UnitStatusPending}},
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		t.Fatal(err)
	}
	seed := func(reqID string, unitType models.UnitType, sceneID string, status models.UnitStatus, output string) {
		gen := &models.Generation{RequestID: reqID, ProjectID: project.ID, Type: unitType, Status: models.UnitStatusPending}
		if sceneID != "" {
			gen.SceneID = &sceneID
		}
		if err := s.store.CreateGeneration(ctx, gen); err != nil {
			t.Fatal(err)
		}
		if status != models.UnitStatusPending {
			if _, err := s.store.CompleteGeneration(ctx, unitType, reqID, status, json.RawMessage(output), nil); err != nil {
				t.Fatal(err)
			}
		}
	}
	seed("va", models.UnitTypeVideo, "a", models.UnitStatusSucceeded, `{"video":{"url":"https://cdn/a.mp4"}}`)
	seed("vb", models.UnitTypeVideo, "b", models.UnitStatusPending, "")
	seed("au", models.UnitTypeAudio, "", models.UnitStatusSucceeded, `{"audio_file":{"url":"https://cdn/t.wav"}}`)

	rec := s.do(t, "GET", "/api/projects/"+project.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[models.ProjectResponse](t, rec)
	if resp.ID != project.ID || resp.Status != models.ProjectStatusProcessing {
		t.Errorf("project = %+v", resp.Project)
	}
	if len(resp.Scenes) != 2 {
		t.Fatalf("scenes = %+v", resp.Scenes)
	}
	if resp.Scenes[0].Status != models.UnitStatusSucceeded || resp.Scenes[0].OutputURL != "https://cdn/a.mp4" {
		t.Errorf("scene a = %+v", resp.Scenes[0])
	}
	if resp.Scenes[1].Status != models.UnitStatusPending || resp.Scenes[1].OutputURL != "" {
		t.Errorf("scene b = %+v", resp.Scenes[1])
	}
	if resp.Audio == nil || resp.Audio.OutputURL != "https://cdn/t.wav" {
		t.Errorf("audio = %+v", resp.Audio)
	}

	if rec := s.do(t, "GET", "/api/projects/"+uuid.NewString(), nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown project: %d", rec.Code)
	}
	if rec := s.do(t, "GET", "/api/projects/nope", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid id: %d", rec.Code)
	}
}

func TestCreateImage(t *testing.T) {
	s := newTestServer(t)

	if rec := s.do(t, "POST", "/api/generation/image", `{"prompt":"  "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty prompt: %d", rec.Code)
	}

	rec := s.do(t, "POST", "/api/generation/image", `{"prompt":"a red fox"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[models.CreateProjectResponse](t, rec)

	project, err := s.store.GetProject(context.Background(), uuid.MustParse(resp.ProjectID))
	if err != nil {
		t.Fatal(err)
	}
	if project.Kind != models.ProjectKindImage || project.Prompt == nil || *project.Prompt != "a red fox" {
		t.Errorf("project = %+v", project)
	}
	if len(s.disp.calls) != 1 || s.disp.calls[0].name != jobs.JobProcessImage {
		t.Errorf("dispatches = %+v", s.disp.calls)
	}
}

func TestProcessJob(t *testing.T) {
	s := newTestServer(t)
	var got json.RawMessage
	s.registry.Register("echo", func(ctx context.Context, payload json.RawMessage) error {
		got = payload
		return nil
	})
	s.registry.Register("broken", func(ctx context.Context, payload json.RawMessage) error {
		return errors.New("provider down")
	})

	rec := s.do(t, "POST", "/api/jobs", `{"jobName":"echo","payload":{"projectId":"p1"}}`)
	if rec.Code != http.StatusOK || string(got) != `{"projectId":"p1"}` {
		t.Errorf("echo: %d %s, payload %s", rec.Code, rec.Body.String(), got)
	}
	if resp := decode[map[string]bool](t, rec); !resp["ok"] {
		t.Errorf("body = %s", rec.Body.String())
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown job", `{"jobName":"nope","payload":{}}`, http.StatusNotFound},
		{"missing job name", `{"payload":{}}`, http.StatusNotFound},
		{"handler error", `{"jobName":"broken","payload":{}}`, http.StatusInternalServerError},
		{"malformed envelope", `{"jobName":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := s.do(t, "POST", "/api/jobs", tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestProcessJobVerifiesSignature(t *testing.T) {
	s := newTestServer(t, withVerifier("signing-key"))
	ran := 0
	s.registry.Register("echo", func(ctx context.Context, payload json.RawMessage) error {
		ran++
		return nil
	})
	body := []byte(`{"jobName":"echo","payload":{}}`)

	if rec := s.do(t, "POST", "/api/jobs", body); rec.Code != http.StatusUnauthorized {
		t.Errorf("unsigned: %d", rec.Code)
	}

	forged, _ := relay.NewSigner("other-key").Sign(body, testAppURL+"/api/jobs")
	if rec := s.do(t, "POST", "/api/jobs", body, relay.SignatureHeader, forged); rec.Code != http.StatusUnauthorized {
		t.Errorf("forged: %d", rec.Code)
	}

	sig, err := relay.NewSigner("signing-key").Sign(body, testAppURL+"/api/jobs")
	if err != nil {
		t.Fatal(err)
	}
	if rec := s.do(t, "POST", "/api/jobs", body, relay.SignatureHeader, sig); rec.Code != http.StatusOK {
		t.Errorf("signed: %d %s", rec.Code, rec.Body.String())
	}
	if ran != 1 {
		t.Errorf("handler ran %d times", ran)
	}
}

func TestProviderWebhook(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	project := &models.Project{
		Kind:   models.ProjectKindVideo,
		Status: models.ProjectStatusProcessing,
		Scenes: []models.Scene{{ID: "a", Status: models.UnitStatusPending}},
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		t.Fatal(err)
	}
	sceneID := "a"
	for _, g := range []*models.Generation{
		{RequestID: "req-video", ProjectID: project.ID, SceneID: &sceneID, Type: models.UnitTypeVideo, Status: models.UnitStatusPending},
		{RequestID: "req-audio", ProjectID: project.ID, Type: models.UnitTypeAudio, Status: models.UnitStatusPending},
	} {
		if err := s.store.CreateGeneration(ctx, g); err != nil {
			t.Fatal(err)
		}
	}

	videoURL := jobs.CallbackURL("", "fal", project.ID, "a", models.UnitTypeVideo)
	audioURL := jobs.CallbackURL("", "fal", project.ID, "", models.UnitTypeAudio)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown provider", "/api/webhooks/replicate?projectId=" + project.ID.String() + "&type=video", `{}`, http.StatusNotFound},
		{"missing project", "/api/webhooks/fal?type=video", `{"request_id":"req-video","status":"OK"}`, http.StatusBadRequest},
		{"unknown type", "/api/webhooks/fal?projectId=" + project.ID.String() + "&type=gif", `{"request_id":"req-video","status":"OK"}`, http.StatusBadRequest},
		{"malformed body", videoURL, `{"request_id":`, http.StatusBadRequest},
		{"unmatched request", videoURL, `{"request_id":"other","status":"OK"}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := s.do(t, "POST", tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	rec := s.do(t, "POST", videoURL, `{"request_id":"req-video","status":"OK","payload":{"video":{"url":"https://cdn/a.mp4"}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("video: %d", rec.Code)
	}
	rec = s.do(t, "POST", audioURL, `{"request_id":"req-audio","status":"OK","payload":{"audio_file":{"url":"https://cdn/t.wav"}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("audio: %d", rec.Code)
	}
	if resp := decode[map[string]any](t, rec); resp["action"] != string(webhook.ActionStitch) {
		t.Errorf("audio response = %v", resp)
	}

	// Redelivery is acknowledged and changes nothing.
	rec = s.do(t, "POST", audioURL, `{"request_id":"req-audio","status":"OK","payload":{"audio_file":{"url":"https://cdn/t.wav"}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery: %d", rec.Code)
	}

	var stitches int
	for _, c := range s.disp.calls {
		if c.name == jobs.JobStitchVideo {
			stitches++
		}
	}
	if stitches != 1 {
		t.Errorf("stitch dispatched %d times", stitches)
	}
	gen, _ := s.store.GetGeneration(ctx, "req-video")
	if gen.Status != models.UnitStatusSucceeded {
		t.Errorf("video unit = %s", gen.Status)
	}
}

func TestProviderWebhookPayloadError(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	project := &models.Project{Kind: models.ProjectKindVideo, Status: models.ProjectStatusProcessing, Scenes: []models.Scene{{ID: "a"}}}
	if err := s.store.CreateProject(ctx, project); err != nil {
		t.Fatal(err)
	}
	sceneID := "a"
	if err := s.store.CreateGeneration(ctx, &models.Generation{
		RequestID: "r", ProjectID: project.ID, SceneID: &sceneID, Type: models.UnitTypeVideo, Status: models.UnitStatusPending,
	}); err != nil {
		t.Fatal(err)
	}

	path := jobs.CallbackURL("", "fal", project.ID, "a", models.UnitTypeVideo)
	if rec := s.do(t, "POST", path, `{"request_id":"r","status":"ERROR","payload_error":"too large"}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	gen, _ := s.store.GetGeneration(ctx, "r")
	if gen.Status != models.UnitStatusFailed || string(gen.Error) != `"too large"` {
		t.Errorf("unit = %s %s", gen.Status, gen.Error)
	}
	if p, _ := s.store.GetProject(ctx, project.ID); p.Status != models.ProjectStatusFailed {
		t.Errorf("project = %s", p.Status)
	}
}

func TestMediaRoundTrip(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "intro.mp4")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("video-bytes"))
	mw.WriteField("title", "Intro")
	mw.Close()

	req := httptest.NewRequest("POST", "/api/media", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	media := decode[models.MediaResponse](t, rec)
	if media.URL != testAppURL+"/api/media/"+media.ID || media.ContentType != "video/mp4" {
		t.Errorf("media = %+v", media)
	}

	rec = s.do(t, "GET", "/api/media/"+media.ID, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "video-bytes" {
		t.Fatalf("fetch: %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("content type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "immutable") {
		t.Errorf("cache control = %q", cc)
	}

	if rec := s.do(t, "DELETE", "/api/media/"+media.ID, nil); rec.Code != http.StatusOK {
		t.Errorf("delete: %d", rec.Code)
	}
	if rec := s.do(t, "GET", "/api/media/"+media.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("fetch after delete: %d", rec.Code)
	}
}

func TestUploadRequiresFile(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, "POST", "/api/media", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}
