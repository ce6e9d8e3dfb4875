package runner

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"audiobookd/pkg/types"
)

// ContainerRunner launches engines as Docker containers, locally or on a
// remote host depending on the client it is built with. The container binds
// the same port inside and out and is told which one via the PORT env var.
type ContainerRunner struct {
	id            string
	cli           client.APIClient
	log           zerolog.Logger
	engineHost    string
	portMin       int
	portMax       int
	healthTimeout time.Duration
	useGPU        bool
	httpClient    *http.Client

	mu         sync.Mutex
	containers map[string]containerInfo
	locks      map[string]*sync.Mutex
}

type containerInfo struct {
	containerID string
	baseURL     string
}

// NewContainerRunner builds a container-backed runner. engineHost is the
// address engines are reached at: 127.0.0.1 for the local daemon, the
// host's address for a remote one.
func NewContainerRunner(id string, cli client.APIClient, engineHost string, log zerolog.Logger, portMin, portMax int, healthTimeout time.Duration, useGPU bool) *ContainerRunner {
	return &ContainerRunner{
		id:            id,
		cli:           cli,
		log:           log.With().Str("component", "runner").Str("runner", id).Logger(),
		engineHost:    engineHost,
		portMin:       portMin,
		portMax:       portMax,
		healthTimeout: healthTimeout,
		useGPU:        useGPU,
		httpClient:    &http.Client{Timeout: 0},
		containers:    make(map[string]containerInfo),
		locks:         make(map[string]*sync.Mutex),
	}
}

func (r *ContainerRunner) ID() string { return r.id }

func (r *ContainerRunner) variantLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

func containerName(engine string) string {
	return "audiobook-" + engine
}

func (r *ContainerRunner) Start(ctx context.Context, rec types.EngineRecord) (types.Endpoint, error) {
	key := rec.VariantID
	lock := r.variantLock(key)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	existing, tracked := r.containers[key]
	r.mu.Unlock()
	if tracked {
		if r.isHealthy(ctx, existing.baseURL, time.Second) {
			return types.Endpoint{BaseURL: existing.baseURL, ContainerID: existing.containerID}, nil
		}
		r.log.Warn().Str("variant", key).Msg("tracked container unhealthy, recreating")
		_ = r.removeContainer(ctx, existing.containerID)
		r.mu.Lock()
		delete(r.containers, key)
		r.mu.Unlock()
	}

	if rec.Image == "" {
		return types.Endpoint{}, fmt.Errorf("engine %s has no image reference", key)
	}

	v, err := types.ParseVariant(key)
	if err != nil {
		return types.Endpoint{}, err
	}
	name := containerName(v.Engine)

	// One container per engine name on a given daemon. Recreate anything
	// stale under that name.
	if err := r.removeByName(ctx, name); err != nil {
		return types.Endpoint{}, err
	}

	port, err := r.freePort(ctx)
	if err != nil {
		return types.Endpoint{}, err
	}
	baseURL := fmt.Sprintf("http://%s:%d", r.engineHost, port)

	portKey := nat.Port(fmt.Sprintf("%d/tcp", port))
	cfg := &container.Config{
		Image: rec.Image,
		Env:   []string{fmt.Sprintf("PORT=%d", port)},
		ExposedPorts: nat.PortSet{
			portKey: struct{}{},
		},
	}
	hostCfg := &container.HostConfig{
		AutoRemove: true,
		PortBindings: nat.PortMap{
			portKey: []nat.PortBinding{{HostPort: fmt.Sprint(port)}},
		},
	}
	if r.useGPU {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{
			{Driver: "nvidia", Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return types.Endpoint{}, fmt.Errorf("create container for %s: %w", key, err)
	}
	if err := r.cli.ContainerStart(ctx, created.ID, dockertypes.ContainerStartOptions{}); err != nil {
		_ = r.removeContainer(ctx, created.ID)
		return types.Endpoint{}, fmt.Errorf("start container for %s: %w", key, err)
	}
	r.log.Info().Str("variant", key).Str("container", shortID(created.ID)).Int("port", port).Msg("engine container started")

	r.mu.Lock()
	r.containers[key] = containerInfo{containerID: created.ID, baseURL: baseURL}
	r.mu.Unlock()

	deadline := time.Now().Add(r.healthTimeout)
	for {
		if time.Now().After(deadline) || ctx.Err() != nil {
			_ = r.removeContainer(ctx, created.ID)
			r.mu.Lock()
			delete(r.containers, key)
			r.mu.Unlock()
			return types.Endpoint{}, &StartTimeoutError{VariantID: key}
		}
		if r.isHealthy(ctx, baseURL, 2*time.Second) {
			r.log.Info().Str("variant", key).Str("url", baseURL).Msg("engine ready")
			return types.Endpoint{BaseURL: baseURL, ContainerID: created.ID}, nil
		}
		time.Sleep(time.Second)
	}
}

func (r *ContainerRunner) Stop(ctx context.Context, v types.Variant) error {
	key := v.String()
	lock := r.variantLock(key)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	info, ok := r.containers[key]
	delete(r.containers, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	timeout := 10
	if err := r.cli.ContainerStop(ctx, info.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		// AutoRemove may have raced the stop
		r.log.Debug().Str("variant", key).Err(err).Msg("container stop")
	}
	r.log.Info().Str("variant", key).Str("container", shortID(info.containerID)).Msg("engine container stopped")
	return nil
}

func (r *ContainerRunner) IsRunning(v types.Variant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.containers[v.String()]
	return ok
}

func (r *ContainerRunner) Endpoint(v types.Variant) (types.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.containers[v.String()]
	if !ok {
		return types.Endpoint{}, false
	}
	return types.Endpoint{BaseURL: info.baseURL, ContainerID: info.containerID}, true
}

// StopAll stops every tracked container. Best effort, used at shutdown.
func (r *ContainerRunner) StopAll(ctx context.Context) {
	r.mu.Lock()
	keys := make([]string, 0, len(r.containers))
	for k := range r.containers {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	for _, k := range keys {
		if v, err := types.ParseVariant(k); err == nil {
			_ = r.Stop(ctx, v)
		}
	}
}

// freePort picks the first port in range not bound by another audiobook
// container on this daemon.
func (r *ContainerRunner) freePort(ctx context.Context) (int, error) {
	used := map[int]bool{}
	list, err := r.cli.ContainerList(ctx, dockertypes.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "audiobook-")),
	})
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}
	for _, c := range list {
		for _, p := range c.Ports {
			used[int(p.PublicPort)] = true
		}
	}
	for p := r.portMin; p <= r.portMax; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no free port in range %d-%d", r.portMin, r.portMax)
}

func (r *ContainerRunner) removeByName(ctx context.Context, name string) error {
	list, err := r.cli.ContainerList(ctx, dockertypes.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, c := range list {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == name {
				r.log.Info().Str("container", shortID(c.ID)).Str("name", name).Msg("removing stale container")
				if err := r.removeContainer(ctx, c.ID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *ContainerRunner) removeContainer(ctx context.Context, id string) error {
	err := r.cli.ContainerRemove(ctx, id, dockertypes.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", shortID(id), err)
	}
	return nil
}

func (r *ContainerRunner) isHealthy(ctx context.Context, baseURL string, timeout time.Duration) bool {
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

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
