package models

import "github.com/google/uuid"

// Job payloads carried inside the dispatch envelope. Field names are part of
// the wire format shared with the relay.

type SceneInput struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Image    string  `json:"image,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

type StartVideoGenerationPayload struct {
	ProjectID     uuid.UUID     `json:"projectId"`
	Scenes        []SceneInput  `json:"scenes"`
	AudioSettings AudioSettings `json:"audioSettings"`
	VideoSettings VideoSettings `json:"videoSettings"`
}

type SceneVideoPayload struct {
	ProjectID uuid.UUID `json:"projectId"`
	SceneID   string    `json:"sceneId"`
	Prompt    string    `json:"prompt"`
	ImageURL  string    `json:"imageUrl,omitempty"`
}

type AudioPayload struct {
	ProjectID uuid.UUID `json:"projectId"`
	Prompt    string    `json:"prompt"`
	Duration  int       `json:"duration,omitempty"`
}

type ImagePayload struct {
	ProjectID uuid.UUID `json:"projectId"`
	Prompt    string    `json:"prompt"`
}

type StitchPayload struct {
	ProjectID uuid.UUID `json:"projectId"`
}

// SceneInputs converts the project's timeline into fan-out inputs,
// preserving order.
func (p *Project) SceneInputs() []SceneInput {
	inputs := make([]SceneInput, 0, len(p.Scenes))
	for _, s := range p.Scenes {
		in := SceneInput{ID: s.ID, Text: s.Description, Duration: s.Duration}
		if s.InputImageURL != nil {
			in.Image = *s.InputImageURL
		}
		inputs = append(inputs, in)
	}
	return inputs
}
