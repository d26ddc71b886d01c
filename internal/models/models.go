package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// Enums
type ProjectStatus string

const (
	ProjectStatusCreated    ProjectStatus = "created"
	ProjectStatusProcessing ProjectStatus = "processing"
	ProjectStatusStitching  ProjectStatus = "stitching"
	ProjectStatusCompleted  ProjectStatus = "completed"
	ProjectStatusFailed     ProjectStatus = "failed"
)

// IsTerminal reports whether no further transitions are expected.
func (s ProjectStatus) IsTerminal() bool {
	return s == ProjectStatusCompleted || s == ProjectStatusFailed
}

// UnitStatus is shared by generation units, the embedded scene entries and
// the project's audio track.
type UnitStatus string

const (
	UnitStatusPending    UnitStatus = "pending"
	UnitStatusProcessing UnitStatus = "processing"
	UnitStatusSucceeded  UnitStatus = "succeeded"
	UnitStatusFailed     UnitStatus = "failed"
)

func (s UnitStatus) IsTerminal() bool {
	return s == UnitStatusSucceeded || s == UnitStatusFailed
}

// NormalizeProviderStatus maps a provider webhook status onto a unit status.
// Unknown values pass through unchanged.
func NormalizeProviderStatus(raw string) UnitStatus {
	switch raw {
	case "OK", "COMPLETED":
		return UnitStatusSucceeded
	case "ERROR":
		return UnitStatusFailed
	default:
		return UnitStatus(raw)
	}
}

type UnitType string

const (
	UnitTypeVideo UnitType = "video"
	UnitTypeAudio UnitType = "audio"
	UnitTypeImage UnitType = "image"
)

// ParseUnitType validates the unit type carried on a callback URL.
func ParseUnitType(s string) (UnitType, bool) {
	switch UnitType(s) {
	case UnitTypeVideo, UnitTypeAudio, UnitTypeImage:
		return UnitType(s), true
	}
	return "", false
}

type ProjectKind string

const (
	ProjectKindVideo ProjectKind = "video"
	ProjectKindImage ProjectKind = "image"
)

// Models

// Scene is one entry of a project's timeline. Its position in Project.Scenes
// is the only ordering the stitcher uses.
type Scene struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	Duration      float64    `json:"duration"`
	Motion        string     `json:"motion"`
	Transition    string     `json:"transition"`
	InputImageID  *string    `json:"inputImageId,omitempty"`
	InputImageURL *string    `json:"inputImageUrl,omitempty"`
	Status        UnitStatus `json:"status"`
}

type AudioSettings struct {
	Narration string `json:"narration,omitempty"`
	Mood      string `json:"mood,omitempty"`
	Voice     string `json:"voice,omitempty"`
}

type VideoSettings struct {
	TotalDuration float64 `json:"totalDuration,omitempty"`
	AspectRatio   string  `json:"aspectRatio,omitempty"`
}

// ProjectAssets is set only once the project is completed.
type ProjectAssets struct {
	FinalAssetID  string `json:"finalAssetId"`
	FinalAssetURL string `json:"finalAssetUrl"`
}

type Project struct {
	ID            uuid.UUID      `json:"id"`
	Kind          ProjectKind    `json:"kind"`
	Prompt        *string        `json:"prompt,omitempty"`
	Scenes        []Scene        `json:"scenes"`
	AudioSettings AudioSettings  `json:"audioSettings"`
	VideoSettings VideoSettings  `json:"videoSettings"`
	Status        ProjectStatus  `json:"status"`
	AudioStatus   *UnitStatus    `json:"audioStatus,omitempty"`
	Assets        *ProjectAssets `json:"assets,omitempty"`
	ErrorMessage  *string        `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Generation is one outstanding provider request. RequestID is the
// provider's id and the key incoming webhooks are matched on.
type Generation struct {
	RequestID string          `json:"requestId"`
	ProjectID uuid.UUID       `json:"projectId"`
	SceneID   *string         `json:"sceneId,omitempty"`
	Type      UnitType        `json:"type"`
	Status    UnitStatus      `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// CompletionOutcome describes what a webhook update did to a generation.
type CompletionOutcome int

const (
	// CompletionApplied means the unit was updated.
	CompletionApplied CompletionOutcome = iota
	// CompletionDuplicate means the unit was already terminal; nothing changed.
	CompletionDuplicate
	// CompletionMissing means no unit matched the request id.
	CompletionMissing
)

func (o CompletionOutcome) String() string {
	switch o {
	case CompletionApplied:
		return "applied"
	case CompletionDuplicate:
		return "duplicate"
	case CompletionMissing:
		return "missing"
	}
	return "unknown"
}

// GenerationTally is the aggregate the completion check works from.
// ScenesSucceeded counts distinct scene ids, so redelivered units never
// over-count. ScenesFailed counts failed units; any one of them fails the project.
type GenerationTally struct {
	TotalScenes     int
	ScenesSucceeded int
	ScenesFailed    int
	AudioSucceeded  bool
}

// Complete reports whether every scene and the soundtrack have succeeded.
func (t GenerationTally) Complete() bool {
	return t.TotalScenes > 0 && t.ScenesSucceeded == t.TotalScenes && t.AudioSucceeded
}

// Asset indexes a blob stored in an external object store.
type Asset struct {
	ID          string            `json:"id"`
	Filename    string            `json:"filename"`
	StoragePath string            `json:"storagePath"`
	ContentType string            `json:"contentType"`
	ByteSize    int64             `json:"byteSize"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}
