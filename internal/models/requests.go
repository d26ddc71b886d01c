package models

// API request/response types

type SceneRequest struct {
	ID          string   `json:"id,omitempty"`
	Description string   `json:"description,omitempty"`
	Text        string   `json:"text,omitempty"` // alias of description
	Duration    *float64 `json:"duration,omitempty"`
	Motion      string   `json:"motion,omitempty"`
	Transition  string   `json:"transition,omitempty"`
	// InputImageID refers to an uploaded media blob.
	InputImageID  *string `json:"inputImageId,omitempty"`
	InputImageURL *string `json:"inputImageUrl,omitempty"`
}

type CreateProjectRequest struct {
	Scenes        []SceneRequest `json:"scenes"`
	AudioSettings AudioSettings  `json:"audioSettings"`
	VideoSettings VideoSettings  `json:"videoSettings"`
}

type CreateImageRequest struct {
	Prompt string `json:"prompt"`
}

type DispatchResponse struct {
	MessageID string `json:"messageId"`
	Local     bool   `json:"local"`
}

type CreateProjectResponse struct {
	ProjectID string           `json:"projectId"`
	Status    ProjectStatus    `json:"status"`
	Dispatch  DispatchResponse `json:"dispatch"`
}

type SceneResponse struct {
	Scene
	OutputURL string `json:"outputUrl,omitempty"`
}

type UnitResponse struct {
	Status    UnitStatus `json:"status"`
	OutputURL string     `json:"outputUrl,omitempty"`
}

// ProjectResponse overlays live unit state on the stored project.
type ProjectResponse struct {
	Project
	Scenes []SceneResponse `json:"scenes"`
	Audio  *UnitResponse   `json:"audio"`
}

type MediaResponse struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}
