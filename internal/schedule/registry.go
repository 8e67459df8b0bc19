package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/permitdesk/staffsec/internal/staff"
)

// Effect applies a due transition inside the sweep transaction. The effect
// owns its audit entry. Returning an error rolls back the claim so the
// transition stays pending for the next tick.
type Effect func(ctx context.Context, tx staff.Tx, t staff.ScheduledTransition, now time.Time) error

// Registry maps each transition kind to its effect.
type Registry struct {
	mu      sync.RWMutex
	effects map[staff.TransitionKind]Effect
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{effects: make(map[staff.TransitionKind]Effect)}
}

// Register binds an effect to kind. Registering an unknown kind or the same
// kind twice is a programming error and panics.
func (r *Registry) Register(kind staff.TransitionKind, effect Effect) {
	if !kind.Valid() {
		panic(fmt.Sprintf("schedule: unknown transition kind %q", kind))
	}
	if effect == nil {
		panic(fmt.Sprintf("schedule: nil effect for %q", kind))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.effects[kind]; dup {
		panic(fmt.Sprintf("schedule: effect for %q already registered", kind))
	}
	r.effects[kind] = effect
}

// Lookup returns the effect bound to kind.
func (r *Registry) Lookup(kind staff.TransitionKind) (Effect, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.effects[kind]
	return e, ok
}
