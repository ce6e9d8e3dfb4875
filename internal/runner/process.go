package runner

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"audiobookd/pkg/types"
)

// ProcessRunner launches engines as local child processes, one python
// server per variant inside the engine's own virtualenv.
type ProcessRunner struct {
	log           zerolog.Logger
	portMin       int
	portMax       int
	healthTimeout time.Duration
	httpClient    *http.Client

	mu    sync.Mutex
	procs map[string]*proc
	locks map[string]*sync.Mutex
}

type proc struct {
	cmd     *exec.Cmd
	baseURL string
	pid     int
	stderr  *bytes.Buffer
	// waitCh carries the single cmd.Wait result; every reader selects on
	// it rather than waiting on the process again.
	waitCh chan error
}

// NewProcessRunner builds the runner behind the "local" id.
func NewProcessRunner(log zerolog.Logger, portMin, portMax int, healthTimeout time.Duration) *ProcessRunner {
	// Timeout=0 on purpose: every call carries a context deadline.
	return &ProcessRunner{
		log:           log.With().Str("component", "runner").Str("runner", types.LocalRunnerID).Logger(),
		portMin:       portMin,
		portMax:       portMax,
		healthTimeout: healthTimeout,
		httpClient:    &http.Client{Timeout: 0},
		procs:         make(map[string]*proc),
		locks:         make(map[string]*sync.Mutex),
	}
}

func (r *ProcessRunner) ID() string { return types.LocalRunnerID }

// variantLock serializes start/stop per variant. Different variants proceed
// in parallel.
func (r *ProcessRunner) variantLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

func (r *ProcessRunner) Start(ctx context.Context, rec types.EngineRecord) (types.Endpoint, error) {
	key := rec.VariantID
	lock := r.variantLock(key)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	existing := r.procs[key]
	r.mu.Unlock()
	if existing != nil {
		if r.isHealthy(ctx, existing.baseURL, time.Second) {
			return types.Endpoint{BaseURL: existing.baseURL}, nil
		}
		r.log.Warn().Str("variant", key).Msg("tracked process unhealthy, restarting")
		r.stopLocked(key)
	}

	if rec.Path == "" {
		return types.Endpoint{}, fmt.Errorf("engine %s has no install path", key)
	}
	if !rec.Installed {
		return types.Endpoint{}, fmt.Errorf("engine %s is not installed", key)
	}

	port, err := pickPortInRange("127.0.0.1", r.portMin, r.portMax)
	if err != nil {
		return types.Endpoint{}, err
	}
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	python := filepath.Join(rec.Path, "venv", "bin", "python")
	script := filepath.Join(rec.Path, "server.py")
	cmd := exec.Command(python, script, "--host", "127.0.0.1", "--port", fmt.Sprint(port))
	cmd.Dir = rec.Path
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return types.Endpoint{}, fmt.Errorf("start engine %s: %w", key, err)
	}
	r.log.Info().Str("variant", key).Int("pid", cmd.Process.Pid).Int("port", port).Msg("engine process started")

	p := &proc{cmd: cmd, baseURL: baseURL, pid: cmd.Process.Pid, stderr: &stderr, waitCh: make(chan error, 1)}
	go func() { p.waitCh <- cmd.Wait() }()
	r.mu.Lock()
	r.procs[key] = p
	r.mu.Unlock()

	deadline := time.Now().Add(r.healthTimeout)
	for {
		if time.Now().After(deadline) || ctx.Err() != nil {
			r.stopLocked(key)
			return types.Endpoint{}, &StartTimeoutError{VariantID: key}
		}
		// Surface early exit before the health deadline.
		select {
		case werr := <-p.waitCh:
			r.mu.Lock()
			delete(r.procs, key)
			r.mu.Unlock()
			tail := stderr.String()
			if len(tail) > 4096 {
				tail = tail[len(tail)-4096:]
			}
			r.log.Error().Str("variant", key).AnErr("wait", werr).Msg("engine process exited before ready")
			return types.Endpoint{}, &StartTimeoutError{VariantID: key, Detail: fmt.Sprintf("exited early: %v; stderr tail: %s", werr, tail)}
		default:
		}
		if r.isHealthy(ctx, baseURL, time.Second) {
			r.log.Info().Str("variant", key).Str("url", baseURL).Msg("engine ready")
			return types.Endpoint{BaseURL: baseURL}, nil
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func (r *ProcessRunner) Stop(ctx context.Context, v types.Variant) error {
	key := v.String()
	lock := r.variantLock(key)
	lock.Lock()
	defer lock.Unlock()
	r.stopLocked(key)
	return nil
}

// stopLocked sends SIGTERM, waits briefly, then kills.
func (r *ProcessRunner) stopLocked(key string) {
	r.mu.Lock()
	p := r.procs[key]
	delete(r.procs, key)
	r.mu.Unlock()
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.waitCh:
	case <-time.After(3 * time.Second):
		_ = p.cmd.Process.Kill()
		<-p.waitCh
	}
	r.log.Info().Str("variant", key).Int("pid", p.pid).Msg("engine process stopped")
}

func (r *ProcessRunner) IsRunning(v types.Variant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[v.String()] != nil
}

func (r *ProcessRunner) Endpoint(v types.Variant) (types.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.procs[v.String()]
	if p == nil {
		return types.Endpoint{}, false
	}
	return types.Endpoint{BaseURL: p.baseURL}, true
}

// StopAll terminates every tracked process. Best effort, used at shutdown.
func (r *ProcessRunner) StopAll() {
	r.mu.Lock()
	keys := make([]string, 0, len(r.procs))
	for k := range r.procs {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	for _, k := range keys {
		r.stopLocked(k)
	}
}

func (r *ProcessRunner) isHealthy(ctx context.Context, baseURL string, timeout time.Duration) bool {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(hctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, p))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}
