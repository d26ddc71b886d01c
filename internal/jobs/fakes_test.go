package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bobarin/clipsa/internal/memstore"
	"github.com/bobarin/clipsa/internal/models"
	"github.com/bobarin/clipsa/internal/relay"
	"github.com/bobarin/clipsa/internal/storage"
	"github.com/google/uuid"
)

type submission struct {
	model   string
	input   json.RawMessage
	webhook string
}

type fakeProvider struct {
	mu    sync.Mutex
	calls []submission
	err   error
}

func (f *fakeProvider) Submit(ctx context.Context, model string, input any, webhookURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	raw, _ := json.Marshal(input)
	f.calls = append(f.calls, submission{model: model, input: raw, webhook: webhookURL})
	return fmt.Sprintf("req-%d", len(f.calls)), nil
}

type dispatchCall struct {
	name    string
	payload any
}

// recordingDispatcher records dispatches without running anything.
type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, jobName string, payload any, opts ...DispatchOption) (*Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.calls = append(r.calls, dispatchCall{name: jobName, payload: payload})
	return &Receipt{MessageID: fmt.Sprintf("msg-%d", len(r.calls))}, nil
}

func (r *recordingDispatcher) byName(name string) []dispatchCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []dispatchCall
	for _, c := range r.calls {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

type fakeRelay struct {
	mu   sync.Mutex
	msgs []*relay.Message
	err  error
}

func (f *fakeRelay) Publish(ctx context.Context, msg *relay.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.msgs = append(f.msgs, msg)
	return fmt.Sprintf("relay-%d", len(f.msgs)), nil
}

// fakeMedia writes placeholder outputs and remembers what it was given.
type fakeMedia struct {
	manifest  string
	workspace string
	audioPath string
	concatErr error
	muxErr    error
	concats   int
	onMux     func()
}

func (f *fakeMedia) Concat(ctx context.Context, manifestPath, outputPath string) error {
	f.concats++
	f.workspace = filepath.Dir(manifestPath)
	b, err := os.ReadFile(manifestPath)
	if err != nil {
		return err
	}
	f.manifest = string(b)
	if f.concatErr != nil {
		return f.concatErr
	}
	return os.WriteFile(outputPath, []byte("merged"), 0o644)
}

func (f *fakeMedia) Mux(ctx context.Context, videoPath, audioPath, outputPath string) error {
	f.audioPath = audioPath
	if f.onMux != nil {
		f.onMux()
	}
	if f.muxErr != nil {
		return f.muxErr
	}
	return os.WriteFile(outputPath, []byte("final-video"), 0o644)
}

type storedBlob struct {
	filename string
	data     []byte
	meta     storage.Metadata
}

type fakeBlobs struct {
	mu    sync.Mutex
	blobs map[string]storedBlob
	err   error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{blobs: make(map[string]storedBlob)}
}

func (f *fakeBlobs) Store(ctx context.Context, r io.Reader, filename string, meta storage.Metadata) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	f.blobs[id] = storedBlob{filename: filename, data: data, meta: meta}
	return id, nil
}

func (f *fakeBlobs) Fetch(ctx context.Context, id string) (*storage.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &storage.Object{
		Body:        io.NopCloser(bytes.NewReader(b.data)),
		Filename:    b.filename,
		ContentType: storage.ContentTypeFor(b.filename),
		Size:        int64(len(b.data)),
	}, nil
}

func (f *fakeBlobs) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, id)
	return nil
}

var errBoom = errors.New("boom")

// seedProject stores a video project with the given scene ids.
func seedProject(t *testing.T, store *memstore.Store, status models.ProjectStatus, sceneIDs ...string) *models.Project {
	t.Helper()
	p := &models.Project{Kind: models.ProjectKindVideo, Status: status}
	for _, id := range sceneIDs {
		p.Scenes = append(p.Scenes, models.Scene{ID: id, Description: "scene " + id, Duration: 5, Status: models.UnitStatusPending})
	}
	if err := store.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

// seedUnit records a generation and, when status is terminal, completes it.
func seedUnit(t *testing.T, store *memstore.Store, projectID uuid.UUID, unitType models.UnitType, sceneID, requestID string, status models.UnitStatus, output string) {
	t.Helper()
	ctx := context.Background()
	gen := &models.Generation{RequestID: requestID, ProjectID: projectID, Type: unitType, Status: models.UnitStatusPending}
	if sceneID != "" {
		gen.SceneID = &sceneID
	}
	if err := store.CreateGeneration(ctx, gen); err != nil {
		t.Fatalf("CreateGeneration: %v", err)
	}
	if status.IsTerminal() {
		var out json.RawMessage
		if output != "" {
			out = json.RawMessage(output)
		}
		if _, err := store.CompleteGeneration(ctx, unitType, requestID, status, out, nil); err != nil {
			t.Fatalf("CompleteGeneration: %v", err)
		}
	}
}
