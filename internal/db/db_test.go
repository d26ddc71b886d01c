package db

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bobarin/clipsa/internal/models"
)

func TestJSONParam(t *testing.T) {
	if jsonParam(nil) != nil {
		t.Error("nil raw should map to NULL")
	}
	if got := jsonParam([]byte(`{"a":1}`)); got != `{"a":1}` {
		t.Errorf("jsonParam = %v", got)
	}
}

func TestStatusStrings(t *testing.T) {
	got := statusStrings([]models.ProjectStatus{models.ProjectStatusCreated, models.ProjectStatusProcessing})
	if len(got) != 2 || got[0] != "created" || got[1] != "processing" {
		t.Errorf("statusStrings = %v", got)
	}
}

// openTestDB connects to TEST_DATABASE_URL; tests skip when it is unset.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	database, err := New(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func TestPostgresStitchTransitionIsExclusive(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	p := &models.Project{
		Kind:   models.ProjectKindVideo,
		Status: models.ProjectStatusProcessing,
		Scenes: []models.Scene{{ID: "a", Duration: 5, Motion: "static", Transition: "fade", Status: models.UnitStatusPending}},
	}
	if err := database.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := database.TransitionProjectStatus(ctx, p.ID, models.ProjectStatusStitching,
				models.ProjectStatusCreated, models.ProjectStatusProcessing)
			if err != nil {
				t.Errorf("transition: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected one winner, got %d", wins.Load())
	}
}

func TestPostgresCompleteGenerationIdempotent(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	p := &models.Project{
		Kind:   models.ProjectKindVideo,
		Status: models.ProjectStatusProcessing,
		Scenes: []models.Scene{{ID: "a", Duration: 5, Motion: "static", Transition: "fade", Status: models.UnitStatusPending}},
	}
	if err := database.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	sceneID := "a"
	reqID := "req-" + p.ID.String()
	if err := database.CreateGeneration(ctx, &models.Generation{
		RequestID: reqID, ProjectID: p.ID, SceneID: &sceneID,
		Type: models.UnitTypeVideo, Status: models.UnitStatusPending,
	}); err != nil {
		t.Fatalf("CreateGeneration: %v", err)
	}

	output := json.RawMessage(`{"video":{"url":"http://x/a.mp4"}}`)
	out, err := database.CompleteGeneration(ctx, models.UnitTypeVideo, reqID, models.UnitStatusSucceeded, output, nil)
	if err != nil || out != models.CompletionApplied {
		t.Fatalf("first completion: %v %v", out, err)
	}
	out, err = database.CompleteGeneration(ctx, models.UnitTypeVideo, reqID, models.UnitStatusFailed, nil, nil)
	if err != nil || out != models.CompletionDuplicate {
		t.Fatalf("second completion: %v %v", out, err)
	}

	tally, err := database.TallyGenerations(ctx, p.ID)
	if err != nil {
		t.Fatalf("TallyGenerations: %v", err)
	}
	if tally.TotalScenes != 1 || tally.ScenesSucceeded != 1 || tally.ScenesFailed != 0 {
		t.Errorf("tally = %+v", tally)
	}
}

func TestPostgresCompleteProjectOnlyFromStitching(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	p := &models.Project{
		Kind:   models.ProjectKindVideo,
		Status: models.ProjectStatusStitching,
		Scenes: []models.Scene{{ID: "a", Duration: 5, Motion: "static", Transition: "fade", Status: models.UnitStatusSucceeded}},
	}
	if err := database.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := database.FailProject(ctx, p.ID, "mux exited 1", models.ProjectStatusStitching); err != nil {
		t.Fatalf("FailProject: %v", err)
	}

	ok, err := database.CompleteProject(ctx, p.ID, models.ProjectAssets{FinalAssetID: "f1", FinalAssetURL: "u"}, models.ProjectStatusStitching)
	if err != nil || ok {
		t.Fatalf("CompleteProject on a failed project = %v, %v", ok, err)
	}

	got, err := database.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Status != models.ProjectStatusFailed || got.ErrorMessage == nil || got.Assets != nil {
		t.Errorf("failed project changed: %+v", got)
	}
}
