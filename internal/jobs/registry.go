package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Job names. They travel inside the dispatch envelope, so they are wire values.
const (
	JobStartVideoGeneration = "start-video-generation"
	JobProcessSceneVideo    = "process-scene-video"
	JobProcessAudio         = "process-audio"
	JobProcessImage         = "process-image"
	JobStitchVideo          = "stitch-video"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrInvalidPayload  = errors.New("invalid job payload")
	ErrMissingUnit     = errors.New("missing generation unit")
	ErrUnresolvedAsset = errors.New("unresolved asset")
)

// Handler runs one job. Handlers may run concurrently with themselves and
// must be safe to re-run for the same payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Registry maps job names to handlers. It holds no other state.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register stores h under name. Re-registering replaces the previous handler.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		log.Warnf("[Jobs] Handler %q registered twice, replacing", name)
	}
	r.handlers[name] = h
}

func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return h, nil
}

// Run executes the named job synchronously.
func (r *Registry) Run(ctx context.Context, name string, payload json.RawMessage) error {
	h, err := r.Lookup(name)
	if err != nil {
		return err
	}
	return h(ctx, payload)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
