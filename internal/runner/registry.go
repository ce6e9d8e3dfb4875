package runner

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"audiobookd/pkg/types"
)

// AssignmentStore persists engine-to-runner assignments across restarts.
type AssignmentStore interface {
	SaveAssignment(engine, runnerID string) error
	ListAssignments() (map[string]string, error)
	DeleteAssignmentsForRunner(runnerID string) (int64, error)
}

// Registry maps runner ids to Runner instances and engine names to their
// assigned runner. Unknown runner ids fall back to local with a warning so
// a stale assignment never fails the caller; unavailable hosts fail fast
// instead.
type Registry struct {
	log zerolog.Logger
	st  AssignmentStore

	mu          sync.RWMutex
	runners     map[string]Runner
	assignments map[string]string
	available   func(hostID string) bool
}

// NewRegistry builds a registry seeded with the local runner.
func NewRegistry(log zerolog.Logger, st AssignmentStore, local Runner) *Registry {
	return &Registry{
		log:         log.With().Str("component", "registry").Logger(),
		st:          st,
		runners:     map[string]Runner{local.ID(): local},
		assignments: map[string]string{},
	}
}

// SetAvailabilityCheck installs the connectivity monitor's gate. The
// function must return true for hosts it does not track.
func (g *Registry) SetAvailabilityCheck(fn func(hostID string) bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.available = fn
}

// Register adds or replaces a runner.
func (g *Registry) Register(r Runner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runners[r.ID()] = r
	g.log.Info().Str("runner", r.ID()).Msg("runner registered")
}

// Unregister removes a runner and clears assignments pointing at it. The
// local runner cannot be removed.
func (g *Registry) Unregister(runnerID string) error {
	if runnerID == types.LocalRunnerID {
		return fmt.Errorf("the local runner cannot be unregistered")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.runners[runnerID]; !ok {
		return fmt.Errorf("runner %s not registered", runnerID)
	}
	delete(g.runners, runnerID)
	for engine, id := range g.assignments {
		if id == runnerID {
			delete(g.assignments, engine)
		}
	}
	if g.st != nil {
		if n, err := g.st.DeleteAssignmentsForRunner(runnerID); err != nil {
			return err
		} else if n > 0 {
			g.log.Info().Str("runner", runnerID).Int64("cleared", n).Msg("assignments cleared")
		}
	}
	g.log.Info().Str("runner", runnerID).Msg("runner unregistered")
	return nil
}

// LoadAssignments restores persisted assignments at startup.
func (g *Registry) LoadAssignments() error {
	if g.st == nil {
		return nil
	}
	m, err := g.st.ListAssignments()
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.assignments = m
	return nil
}

// Assign pins an engine name to a runner and persists the choice.
func (g *Registry) Assign(engine, runnerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.runners[runnerID]; !ok {
		return fmt.Errorf("runner %s not registered", runnerID)
	}
	if g.st != nil {
		if err := g.st.SaveAssignment(engine, runnerID); err != nil {
			return err
		}
	}
	g.assignments[engine] = runnerID
	g.log.Info().Str("engine", engine).Str("runner", runnerID).Msg("engine assigned to runner")
	return nil
}

// RunnerIDFor returns the assigned runner id for an engine name, default
// local.
func (g *Registry) RunnerIDFor(engine string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if id, ok := g.assignments[engine]; ok {
		return id
	}
	return types.LocalRunnerID
}

// VariantFor resolves a bare engine name to its assigned variant.
func (g *Registry) VariantFor(engine string) types.Variant {
	return types.Variant{Engine: engine, RunnerID: g.RunnerIDFor(engine)}
}

// Resolve returns the Runner for a variant. A down host is an error; an
// unknown runner id falls back to local with a warning.
func (g *Registry) Resolve(v types.Variant) (Runner, error) {
	g.mu.RLock()
	available := g.available
	r, ok := g.runners[v.RunnerID]
	local := g.runners[types.LocalRunnerID]
	g.mu.RUnlock()

	if available != nil && !available(v.HostID()) {
		return nil, &HostUnavailableError{HostID: v.HostID()}
	}
	if !ok {
		g.log.Warn().Str("variant", v.String()).Str("runner", v.RunnerID).Msg("unknown runner id, falling back to local")
		return local, nil
	}
	return r, nil
}

// Runner returns a registered runner by id.
func (g *Registry) Runner(id string) (Runner, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.runners[id]
	return r, ok
}

// RunnerIDs lists registered runner ids, sorted.
func (g *Registry) RunnerIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.runners))
	for id := range g.runners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
