package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"audiobookd/pkg/types"
)

const (
	probePortMin = 18000
	probePortMax = 18100
	// ML engines can spend tens of seconds importing their runtime
	probeHealthTimeout = 90 * time.Second
)

// ContainerAPI is the slice of the Docker client image probing needs.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options dockertypes.ContainerStartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options dockertypes.ContainerRemoveOptions) error
}

// ImageProber launches an image ephemerally, reads its /info
// self-description, validates it, and always tears the container down.
type ImageProber struct {
	log        zerolog.Logger
	httpClient *http.Client
}

// NewImageProber builds a prober.
func NewImageProber(log zerolog.Logger) *ImageProber {
	return &ImageProber{
		log:        log.With().Str("component", "discovery").Logger(),
		httpClient: &http.Client{Timeout: 0},
	}
}

// ProbeSpec names what to probe and where.
type ProbeSpec struct {
	// HostID is the runner/host id the resulting record is placed on.
	HostID string
	// ProbeAddr is where the bound port is reachable from here
	// (127.0.0.1 for the local daemon, the host's address otherwise).
	ProbeAddr string
	Image     string
}

// Probe runs the image, validates its self-description and returns the
// engine record it describes. The container is stopped and removed on
// every exit path.
func (p *ImageProber) Probe(ctx context.Context, cli ContainerAPI, spec ProbeSpec) (types.EngineRecord, error) {
	port, err := freeProbePort()
	if err != nil {
		return types.EngineRecord{}, err
	}

	portKey := nat.Port(fmt.Sprintf("%d/tcp", port))
	created, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          []string{fmt.Sprintf("PORT=%d", port)},
			ExposedPorts: nat.PortSet{portKey: struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{portKey: []nat.PortBinding{{HostPort: fmt.Sprint(port)}}},
		},
		nil, nil, "")
	if err != nil {
		return types.EngineRecord{}, fmt.Errorf("create probe container for %s: %w", spec.Image, err)
	}
	// unconditional teardown, whatever happens below
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := cli.ContainerRemove(rctx, created.ID, dockertypes.ContainerRemoveOptions{Force: true}); err != nil {
			p.log.Warn().Err(err).Str("container", created.ID).Msg("probe container cleanup failed")
		}
	}()

	if err := cli.ContainerStart(ctx, created.ID, dockertypes.ContainerStartOptions{}); err != nil {
		return types.EngineRecord{}, fmt.Errorf("start probe container for %s: %w", spec.Image, err)
	}
	p.log.Info().Str("image", spec.Image).Int("port", port).Msg("probe container started")

	baseURL := fmt.Sprintf("http://%s:%d", spec.ProbeAddr, port)
	if err := p.waitHealthy(ctx, baseURL); err != nil {
		return types.EngineRecord{}, err
	}

	m, err := p.fetchInfo(ctx, baseURL)
	if err != nil {
		return types.EngineRecord{}, err
	}
	if err := m.Validate(); err != nil {
		return types.EngineRecord{}, fmt.Errorf("image %s self-description invalid: %w", spec.Image, err)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return types.EngineRecord{}, err
	}
	sum := sha256.Sum256(raw)
	variantID := types.Variant{Engine: m.Name, RunnerID: spec.HostID}.String()
	return types.EngineRecord{
		VariantID:    variantID,
		Name:         m.Name,
		DisplayName:  m.DisplayName,
		Version:      m.Version,
		Category:     m.Category,
		HostID:       spec.HostID,
		Enabled:      true,
		Installed:    true,
		DefaultModel: m.DefaultModel,
		Image:        spec.Image,
		ManifestHash: hex.EncodeToString(sum[:]),
		Manifest:     &m,
		UpdatedAt:    time.Now().UTC(),
	}, nil
}

func (p *ImageProber) waitHealthy(ctx context.Context, baseURL string) error {
	deadline := time.Now().Add(probeHealthTimeout)
	for {
		if time.Now().After(deadline) || ctx.Err() != nil {
			return fmt.Errorf("probe at %s never became healthy", baseURL)
		}
		hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		req, _ := http.NewRequestWithContext(hctx, http.MethodGet, baseURL+"/health", nil)
		resp, err := p.httpClient.Do(req)
		cancel()
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (p *ImageProber) fetchInfo(ctx context.Context, baseURL string) (types.Manifest, error) {
	ictx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ictx, http.MethodGet, baseURL+"/info", nil)
	if err != nil {
		return types.Manifest{}, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return types.Manifest{}, fmt.Errorf("fetch self-description: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.Manifest{}, fmt.Errorf("self-description endpoint returned %d", resp.StatusCode)
	}
	var m types.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return types.Manifest{}, fmt.Errorf("decode self-description: %w", err)
	}
	return m, nil
}

func freeProbePort() (int, error) {
	for p := probePortMin; p <= probePortMax; p++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free probe port in range %d-%d", probePortMin, probePortMax)
}
