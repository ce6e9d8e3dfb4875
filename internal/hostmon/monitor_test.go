package hostmon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"audiobookd/pkg/types"
)

func TestNextBackoffSequence(t *testing.T) {
	cap := 30 * time.Second
	got := []time.Duration{initialBackoff}
	cur := initialBackoff
	for i := 0; i < 6; i++ {
		cur = NextBackoff(cur, cap)
		got = append(got, cur)
	}
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backoff step %d = %v, want %v (full: %v)", i, got[i], want[i], got)
		}
	}
}

type flakyPinger struct {
	mu   sync.Mutex
	up   bool
	gpu  bool
	errs int
}

func (p *flakyPinger) setUp(up bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.up = up
}

func (p *flakyPinger) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.up {
		p.errs++
		return errors.New("connection refused")
	}
	return nil
}

func (p *flakyPinger) HasNvidiaRuntime(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gpu, nil
}

type recordingSink struct {
	mu     sync.Mutex
	stored []types.HostAvailability
	events []types.HostAvailability
}

func (r *recordingSink) SetHostAvailability(id string, available, hasGPU bool, lastErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = append(r.stored, types.HostAvailability{HostID: id, Available: available, HasGPU: hasGPU, Error: lastErr})
	return nil
}

func (r *recordingSink) PublishHostAvailability(ev types.HostAvailability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) snapshot() []types.HostAvailability {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.HostAvailability, len(r.events))
	copy(out, r.events)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestMonitorTransitionsAndGate(t *testing.T) {
	pinger := &flakyPinger{up: true, gpu: true}
	sink := &recordingSink{}
	m := New(zerolog.Nop(), sink, sink, 20*time.Millisecond, func(types.HostRecord) (Pinger, error) {
		return pinger, nil
	})
	m.backoffCap = 40 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	host := types.HostRecord{ID: "docker:gpu-box", Address: "10.0.0.5"}

	// an unprobed tracked host is refused; untracked hosts pass
	if !m.Available("local") {
		t.Fatal("untracked host must be available")
	}
	m.Watch(ctx, host)
	waitFor(t, time.Second, func() bool { return m.Available("docker:gpu-box") })

	evs := sink.snapshot()
	if len(evs) == 0 || !evs[0].Available || !evs[0].HasGPU {
		t.Fatalf("first event = %+v", evs)
	}

	// host goes down: the gate must flip within one heartbeat
	pinger.setUp(false)
	waitFor(t, time.Second, func() bool { return !m.Available("docker:gpu-box") })

	// host comes back: backoff retries pick it up
	pinger.setUp(true)
	waitFor(t, time.Second, func() bool { return m.Available("docker:gpu-box") })

	evs = sink.snapshot()
	if len(evs) < 3 {
		t.Fatalf("expected up/down/up events, got %+v", evs)
	}
	if evs[1].Available || evs[1].Error == "" {
		t.Fatalf("down event = %+v", evs[1])
	}
	if !evs[2].Available {
		t.Fatalf("recovery event = %+v", evs[2])
	}

	m.Unwatch("docker:gpu-box")
	m.Wait()
	if !m.Available("docker:gpu-box") {
		t.Fatal("unwatched host should no longer be gated")
	}
}

func TestMonitorSteadyStateDoesNotRebroadcast(t *testing.T) {
	pinger := &flakyPinger{up: true}
	sink := &recordingSink{}
	m := New(zerolog.Nop(), sink, sink, 10*time.Millisecond, func(types.HostRecord) (Pinger, error) {
		return pinger, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Watch(ctx, types.HostRecord{ID: "docker:gpu-box"})
	waitFor(t, time.Second, func() bool { return m.Available("docker:gpu-box") })
	time.Sleep(100 * time.Millisecond)
	if evs := sink.snapshot(); len(evs) != 1 {
		t.Fatalf("steady state should emit once, got %d events", len(evs))
	}
	cancel()
	m.Wait()
}

func TestMonitorDialFailureMarksUnavailable(t *testing.T) {
	sink := &recordingSink{}
	m := New(zerolog.Nop(), sink, sink, 10*time.Millisecond, func(types.HostRecord) (Pinger, error) {
		return nil, errors.New("no identity file")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Watch(ctx, types.HostRecord{ID: "docker:gpu-box"})
	waitFor(t, time.Second, func() bool { return len(sink.snapshot()) == 1 })
	if ev := sink.snapshot()[0]; ev.Available || ev.Error == "" {
		t.Fatalf("event = %+v", ev)
	}
	if m.Available("docker:gpu-box") {
		t.Fatal("host with failed client must be unavailable")
	}
	m.Wait()
}
