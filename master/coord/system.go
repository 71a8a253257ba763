// Package coord provides the master's view of the distributed system: the scene, the worker pool,
// worker registration and the coordination of frames.
package coord

import (
	"sync"

	"github.com/cp-cp/Computer-Graphics/master/pool"
	"github.com/cp-cp/Computer-Graphics/shared/state"
)

// System represents the whole distributed system as the master sees it.
type System struct {
	mu    sync.RWMutex // Used to protect the scene's state.
	scene *state.Environment

	Workers *pool.Pool
}

// NewSystem creates a system around scene and a pool of workers.
func NewSystem(scene *state.Environment, workers *pool.Pool) *System {
	return &System{scene: scene, Workers: workers}
}

// Scene returns the current scene.
// The scene is never modified in place, so it may be used after the lock is released.
func (s *System) Scene() *state.Environment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scene
}

// Update applies f to the scene's per-frame state and returns the new state.
func (s *System) Update(f func(m *state.EnvMutables)) state.EnvMutables {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.scene.Mutables()
	f(&m)
	s.scene = s.scene.WithMutables(m)
	return m
}
