package hostmon

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"audiobookd/pkg/types"
)

const (
	initialBackoff = time.Second
	pingTimeout    = 15 * time.Second
)

// Pinger is the slice of the Docker client the monitor needs.
type Pinger interface {
	Ping(ctx context.Context) error
	// HasNvidiaRuntime reports whether the daemon advertises the nvidia
	// runtime.
	HasNvidiaRuntime(ctx context.Context) (bool, error)
}

// AvailabilityStore persists reachability transitions.
type AvailabilityStore interface {
	SetHostAvailability(id string, available, hasGPU bool, lastErr string) error
}

// Broadcaster receives availability transitions as they happen.
type Broadcaster interface {
	PublishHostAvailability(types.HostAvailability)
}

// Monitor runs one goroutine per watched host: an initial probe, then a
// fixed heartbeat while healthy, and exponential backoff (1s doubling to a
// cap) while down. Transitions are persisted and broadcast.
type Monitor struct {
	log        zerolog.Logger
	st         AvailabilityStore
	events     Broadcaster
	heartbeat  time.Duration
	backoffCap time.Duration
	dial       func(host types.HostRecord) (Pinger, error)

	mu    sync.RWMutex
	hosts map[string]*hostState
	wg    sync.WaitGroup
}

type hostState struct {
	available bool
	hasGPU    bool
	probed    bool
	cancel    context.CancelFunc
}

// New builds a monitor. dial creates a (cheap, reusable) client for one
// host; it is called once per watch.
func New(log zerolog.Logger, st AvailabilityStore, events Broadcaster, heartbeat time.Duration, dial func(types.HostRecord) (Pinger, error)) *Monitor {
	return &Monitor{
		log:        log.With().Str("component", "hostmon").Logger(),
		st:         st,
		events:     events,
		heartbeat:  heartbeat,
		backoffCap: 30 * time.Second,
		dial:       dial,
		hosts:      map[string]*hostState{},
	}
}

// Watch starts monitoring a host. Watching an already-watched host restarts
// its loop.
func (m *Monitor) Watch(ctx context.Context, host types.HostRecord) {
	m.Unwatch(host.ID)
	loopCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.hosts[host.ID] = &hostState{cancel: cancel}
	m.mu.Unlock()
	m.wg.Add(1)
	go m.run(loopCtx, host)
}

// Unwatch stops monitoring a host.
func (m *Monitor) Unwatch(hostID string) {
	m.mu.Lock()
	st, ok := m.hosts[hostID]
	delete(m.hosts, hostID)
	m.mu.Unlock()
	if ok {
		st.cancel()
	}
}

// Available reports reachability. Unknown hosts are treated as available so
// the registry gate never blocks local substrates.
func (m *Monitor) Available(hostID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.hosts[hostID]
	if !ok {
		return true
	}
	// before the first probe completes, err on the side of refusing
	return st.probed && st.available
}

// Wait blocks until every watch loop has exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, host types.HostRecord) {
	defer m.wg.Done()
	log := m.log.With().Str("host", host.ID).Logger()

	cli, err := m.dial(host)
	if err != nil {
		log.Error().Err(err).Msg("host client construction failed")
		m.transition(host.ID, false, false, err.Error())
		return
	}

	backoff := initialBackoff
	for {
		available, hasGPU, probeErr := m.probe(ctx, cli)
		if ctx.Err() != nil {
			return
		}
		errMsg := ""
		if probeErr != nil {
			errMsg = probeErr.Error()
		}
		m.transition(host.ID, available, hasGPU, errMsg)

		var wait time.Duration
		if available {
			backoff = initialBackoff
			wait = m.heartbeat
		} else {
			log.Warn().Err(probeErr).Dur("retry_in", backoff).Msg("host unreachable")
			wait = backoff
			backoff = NextBackoff(backoff, m.backoffCap)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (m *Monitor) probe(ctx context.Context, cli Pinger) (available, hasGPU bool, err error) {
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := cli.Ping(pctx); err != nil {
		return false, false, err
	}
	gpu, err := cli.HasNvidiaRuntime(pctx)
	if err != nil {
		// reachable but info failed; availability still stands
		return true, false, nil
	}
	return true, gpu, nil
}

// transition records the probe result, persisting and broadcasting only on
// change (or on the very first probe).
func (m *Monitor) transition(hostID string, available, hasGPU bool, errMsg string) {
	m.mu.Lock()
	st, ok := m.hosts[hostID]
	if !ok {
		m.mu.Unlock()
		return
	}
	changed := !st.probed || st.available != available || st.hasGPU != hasGPU
	st.probed = true
	st.available = available
	st.hasGPU = hasGPU
	m.mu.Unlock()

	if !changed {
		return
	}
	state := "down"
	if available {
		state = "up"
	}
	hostTransitionsTotal.WithLabelValues(state).Inc()
	m.log.Info().Str("host", hostID).Bool("available", available).Bool("gpu", hasGPU).Msg("host availability changed")
	if m.st != nil {
		if err := m.st.SetHostAvailability(hostID, available, hasGPU, errMsg); err != nil {
			m.log.Error().Err(err).Str("host", hostID).Msg("persist availability")
		}
	}
	if m.events != nil {
		m.events.PublishHostAvailability(types.HostAvailability{
			HostID:    hostID,
			Available: available,
			HasGPU:    hasGPU,
			Error:     errMsg,
		})
	}
}

// NextBackoff doubles the delay up to cap.
func NextBackoff(cur, cap time.Duration) time.Duration {
	next := cur * 2
	if next > cap {
		return cap
	}
	return next
}
