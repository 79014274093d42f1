package adapter

import (
	"fmt"
	"sync"

	"github.com/notewell/attend/pkg/models"
)

// Registry maps platforms to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Platform]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.Platform]Adapter)}
}

// Register installs an adapter for its platform, replacing any previous
// registration.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Platform()] = a
}

// ForPlatform returns the adapter for a platform.
func (r *Registry) ForPlatform(platform models.Platform) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", platform)
	}
	return a, nil
}

// DefaultRegistry builds the production registry: every platform is
// served by a helper process speaking the NDJSON event protocol.
func DefaultRegistry(helperBinary string) *Registry {
	r := NewRegistry()
	for _, platform := range []models.Platform{
		models.PlatformZoomNative,
		models.PlatformZoomWeb,
		models.PlatformGoogleMeet,
		models.PlatformTeams,
		models.PlatformZoomRTMS,
	} {
		r.Register(NewExecAdapter(platform, helperBinary))
	}
	return r
}
