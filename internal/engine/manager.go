package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"audiobookd/internal/runner"
	"audiobookd/pkg/types"
)

// Store is the slice of persistence the manager reads engine records from.
type Store interface {
	GetEngine(variantID string) (types.EngineRecord, error)
	ListEnginesByCategory(cat types.Category) ([]types.EngineRecord, error)
}

// Manager owns the runtime state of every variant in one category:
// status, loaded model, last activity. State is touched only under the
// manager's lock; slow work (starts, HTTP calls) happens outside it.
type Manager struct {
	category   types.Category
	log        zerolog.Logger
	reg        *runner.Registry
	st         Store
	client     *Client
	inactivity time.Duration
	onChange   func()

	mu     sync.Mutex
	states map[string]*variantState
}

type variantState struct {
	status       types.EngineStatus
	model        string
	endpoint     types.Endpoint
	lastActivity time.Time
	keepRunning  bool
	hotswap      bool
	busy         int
}

// NewManager builds the lifecycle manager for one category. inactivity of 0
// disables the auto-stop sweep.
func NewManager(category types.Category, log zerolog.Logger, reg *runner.Registry, st Store, client *Client, inactivity time.Duration) *Manager {
	return &Manager{
		category:   category,
		log:        log.With().Str("component", "engine").Str("category", string(category)).Logger(),
		reg:        reg,
		st:         st,
		client:     client,
		inactivity: inactivity,
		states:     map[string]*variantState{},
	}
}

// SetOnChange installs a hook fired after every status transition, used to
// trigger an immediate status broadcast.
func (m *Manager) SetOnChange(fn func()) { m.onChange = fn }

// Category returns the category this manager owns.
func (m *Manager) Category() types.Category { return m.category }

func (m *Manager) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}

func (m *Manager) state(variantID string) *variantState {
	st, ok := m.states[variantID]
	if !ok {
		st = &variantState{status: types.EngineStopped}
		m.states[variantID] = st
	}
	return st
}

func (m *Manager) setStatus(variantID string, status types.EngineStatus) {
	m.mu.Lock()
	m.state(variantID).status = status
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) touch(variantID string) {
	m.mu.Lock()
	m.state(variantID).lastActivity = time.Now()
	m.mu.Unlock()
}

// EnsureReady is idempotent: a variant already serving the requested model
// is a no-op. Otherwise it starts the engine via its runner, waits for
// health and loads the model. An empty model means the record's default.
func (m *Manager) EnsureReady(ctx context.Context, v types.Variant, model string) error {
	return m.ensure(ctx, v, model, true)
}

func (m *Manager) ensure(ctx context.Context, v types.Variant, model string, loadModel bool) error {
	key := v.String()
	rec, err := m.st.GetEngine(key)
	if err != nil {
		return ErrClientInvalid("unknown engine variant " + key)
	}
	if !rec.Enabled {
		return ErrClientInvalid("engine variant " + key + " is disabled")
	}
	if model == "" {
		model = rec.DefaultModel
	}

	run, err := m.reg.Resolve(v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	st := m.state(key)
	running := st.status == types.EngineRunning && run.IsRunning(v)
	sameModel := st.model == model || model == ""
	hotswap := st.hotswap
	m.mu.Unlock()

	if running && sameModel {
		m.touch(key)
		return nil
	}
	if running && !sameModel && loadModel {
		if hotswap {
			if err := m.loadWithRetry(ctx, key, model); err != nil {
				return err
			}
			m.mu.Lock()
			m.state(key).model = model
			m.mu.Unlock()
			m.touch(key)
			m.log.Info().Str("variant", key).Str("model", model).Msg("model hotswapped")
			return nil
		}
		// no hotswap support: full restart under the new model
		if err := m.StopVariant(ctx, v); err != nil {
			return err
		}
	}

	// Recognition, segmentation and analysis run at most one variant at a
	// time; synthesis variants may run in parallel.
	if m.category != types.CategorySynthesis {
		m.stopOthers(ctx, key)
	}

	m.setStatus(key, types.EngineStarting)
	endpoint, err := run.Start(ctx, rec)
	if err != nil {
		m.setStatus(key, types.EngineError)
		return err
	}
	engineStartsTotal.WithLabelValues(string(m.category)).Inc()

	m.mu.Lock()
	st = m.state(key)
	st.endpoint = endpoint
	st.keepRunning = rec.KeepRunning
	st.hotswap = rec.Manifest != nil && rec.Manifest.BoolCapability("supports_model_hotswap")
	m.mu.Unlock()

	if loadModel && model != "" {
		if err := m.loadWithRetry(ctx, key, model); err != nil {
			m.setStatus(key, types.EngineError)
			return err
		}
	}

	m.mu.Lock()
	st = m.state(key)
	st.status = types.EngineRunning
	if loadModel {
		st.model = model
	}
	st.lastActivity = time.Now()
	m.mu.Unlock()
	m.notify()
	m.log.Info().Str("variant", key).Str("model", model).Msg("engine ready")
	return nil
}

// loadWithRetry tolerates 503 while the engine imports its runtime; other
// failures surface immediately.
func (m *Manager) loadWithRetry(ctx context.Context, variantID, model string) error {
	m.mu.Lock()
	baseURL := m.state(variantID).endpoint.BaseURL
	m.mu.Unlock()
	for {
		err := m.client.LoadModel(ctx, baseURL, model)
		if err == nil {
			return nil
		}
		if !IsLoading(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(loadingRetryDelay):
		}
	}
}

// stopOthers enforces category exclusivity before a new variant starts.
func (m *Manager) stopOthers(ctx context.Context, exceptKey string) {
	m.mu.Lock()
	var others []string
	for id, st := range m.states {
		if id != exceptKey && (st.status == types.EngineRunning || st.status == types.EngineStarting) {
			others = append(others, id)
		}
	}
	m.mu.Unlock()
	for _, id := range others {
		v, err := types.ParseVariant(id)
		if err != nil {
			continue
		}
		m.log.Info().Str("stopping", id).Str("for", exceptKey).Msg("category allows one running variant")
		if err := m.StopVariant(ctx, v); err != nil {
			m.log.Warn().Err(err).Str("variant", id).Msg("exclusivity stop failed")
		}
	}
}

// StopVariant shuts an engine down: a polite shutdown request, then the
// runner terminates the substrate.
func (m *Manager) StopVariant(ctx context.Context, v types.Variant) error {
	key := v.String()
	m.mu.Lock()
	st := m.state(key)
	baseURL := st.endpoint.BaseURL
	wasActive := st.status == types.EngineRunning || st.status == types.EngineStarting
	m.mu.Unlock()
	if !wasActive {
		return nil
	}
	m.setStatus(key, types.EngineStopping)

	if baseURL != "" {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = m.client.Shutdown(sctx, baseURL)
		cancel()
	}
	run, err := m.reg.Resolve(v)
	if err == nil {
		if stopErr := run.Stop(ctx, v); stopErr != nil {
			m.setStatus(key, types.EngineError)
			return stopErr
		}
	}

	m.mu.Lock()
	st = m.state(key)
	st.status = types.EngineStopped
	st.model = ""
	st.endpoint = types.Endpoint{}
	m.mu.Unlock()
	engineStopsTotal.WithLabelValues(string(m.category)).Inc()
	m.notify()
	m.log.Info().Str("variant", key).Msg("engine stopped")
	return nil
}

// Invoke runs the category verb against a ready engine, applying the retry
// taxonomy: client mistakes and dead hosts surface untouched, loading waits,
// a server fault restarts the engine and retries once.
func (m *Manager) Invoke(ctx context.Context, v types.Variant, model string, payload, out interface{}) error {
	if err := m.EnsureReady(ctx, v, model); err != nil {
		return err
	}
	key := v.String()
	verb := m.category.Verb()

	restarted := false
	for {
		m.mu.Lock()
		baseURL := m.state(key).endpoint.BaseURL
		m.state(key).busy++
		m.mu.Unlock()
		m.notify()

		err := m.client.Invoke(ctx, baseURL, verb, payload, out)

		m.mu.Lock()
		m.state(key).busy--
		m.mu.Unlock()
		m.notify()

		switch {
		case err == nil:
			m.touch(key)
			return nil
		case IsClientInvalid(err) || runner.IsHostUnavailable(err) || ctx.Err() != nil:
			return err
		case IsLoading(err):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(loadingRetryDelay):
			}
		case IsServerFault(err) && !restarted:
			m.log.Warn().Err(err).Str("variant", key).Msg("engine fault, restarting once")
			restarted = true
			if stopErr := m.StopVariant(ctx, v); stopErr != nil {
				return err
			}
			if startErr := m.EnsureReady(ctx, v, model); startErr != nil {
				return startErr
			}
		default:
			m.setStatus(key, types.EngineError)
			return err
		}
	}
}

// DiscoverModels starts the engine without loading a model and asks it for
// its model list. The idle sweep reclaims the engine later.
func (m *Manager) DiscoverModels(ctx context.Context, v types.Variant) ([]string, error) {
	if err := m.ensure(ctx, v, "", false); err != nil {
		return nil, err
	}
	m.mu.Lock()
	baseURL := m.state(v.String()).endpoint.BaseURL
	m.mu.Unlock()
	models, err := m.client.Models(ctx, baseURL)
	if err != nil {
		return nil, err
	}
	m.touch(v.String())
	return models, nil
}

// IsRunning reports live state for a variant.
func (m *Manager) IsRunning(v types.Variant) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[v.String()]
	return ok && (st.status == types.EngineRunning || st.busy > 0)
}

// Endpoint returns the variant's endpoint while running.
func (m *Manager) Endpoint(v types.Variant) (types.Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[v.String()]
	if !ok || st.status != types.EngineRunning {
		return types.Endpoint{}, false
	}
	return st.endpoint, true
}

// SecondsUntilAutoStop reports how long until the idle sweep would stop the
// variant. 0 means not running, exempt, or the sweep is disabled.
func (m *Manager) SecondsUntilAutoStop(variantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[variantID]
	if !ok || st.status != types.EngineRunning || st.keepRunning || m.inactivity <= 0 {
		return 0
	}
	remaining := m.inactivity - time.Since(st.lastActivity)
	if remaining < 0 {
		return 0
	}
	return int(remaining / time.Second)
}

// Statuses renders the broadcast rows for every known variant of this
// category.
func (m *Manager) Statuses() []types.EngineStatusEntry {
	recs, err := m.st.ListEnginesByCategory(m.category)
	if err != nil {
		m.log.Error().Err(err).Msg("list engines for status")
		return nil
	}
	out := make([]types.EngineStatusEntry, 0, len(recs))
	for _, rec := range recs {
		m.mu.Lock()
		st, ok := m.states[rec.VariantID]
		status := types.EngineStopped
		busy := 0
		if ok {
			status = st.status
			busy = st.busy
		}
		m.mu.Unlock()
		out = append(out, types.EngineStatusEntry{
			VariantID:            rec.VariantID,
			IsEnabled:            rec.Enabled,
			IsRunning:            status == types.EngineRunning || busy > 0,
			Status:               status,
			SecondsUntilAutoStop: m.SecondsUntilAutoStop(rec.VariantID),
		})
	}
	return out
}

// SweepIdle stops every running variant that is past the inactivity
// threshold, is not mid-call and is not flagged keep_running.
func (m *Manager) SweepIdle(ctx context.Context) {
	if m.inactivity <= 0 {
		return
	}
	m.mu.Lock()
	var idle []string
	for id, st := range m.states {
		if st.status == types.EngineRunning && !st.keepRunning && st.busy == 0 &&
			time.Since(st.lastActivity) > m.inactivity {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()
	for _, id := range idle {
		v, err := types.ParseVariant(id)
		if err != nil {
			continue
		}
		m.log.Info().Str("variant", id).Dur("idle_threshold", m.inactivity).Msg("stopping idle engine")
		if err := m.StopVariant(ctx, v); err != nil {
			m.log.Warn().Err(err).Str("variant", id).Msg("idle stop failed")
		}
	}
}

// RunSweeper ticks the idle sweep until the context ends. No-op when the
// sweep is disabled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if m.inactivity <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepIdle(ctx)
		}
	}
}

// RestartKeepRunning brings keep_running variants back up at daemon
// startup.
func (m *Manager) RestartKeepRunning(ctx context.Context) {
	recs, err := m.st.ListEnginesByCategory(m.category)
	if err != nil {
		m.log.Error().Err(err).Msg("list engines for keep_running restart")
		return
	}
	for _, rec := range recs {
		if !rec.KeepRunning || !rec.Enabled {
			continue
		}
		v, err := types.ParseVariant(rec.VariantID)
		if err != nil {
			continue
		}
		m.log.Info().Str("variant", rec.VariantID).Msg("restarting keep_running engine")
		if err := m.EnsureReady(ctx, v, ""); err != nil {
			m.log.Warn().Err(err).Str("variant", rec.VariantID).Msg("keep_running restart failed")
		}
	}
}
