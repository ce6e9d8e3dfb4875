package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"audiobookd/internal/common/fsutil"
	"audiobookd/internal/config"
	"audiobookd/internal/discovery"
	"audiobookd/internal/engine"
	"audiobookd/internal/events"
	"audiobookd/internal/hostmon"
	"audiobookd/internal/httpapi"
	"audiobookd/internal/jobs"
	"audiobookd/internal/runner"
	"audiobookd/internal/store"
	"audiobookd/pkg/types"
)

func main() {
	var (
		cfgPath    string
		addr       string
		dataDir    string
		enginesDir string
		logLevel   string
	)

	root := &cobra.Command{
		Use:           "audiobookd",
		Short:         "Audiobook engine orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", os.Getenv("AUDIOBOOKD_CONFIG"), "config file (.toml/.yaml/.json)")
	root.PersistentFlags().StringVar(&addr, "addr", os.Getenv("AUDIOBOOKD_ADDR"), "HTTP listen address")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", os.Getenv("AUDIOBOOKD_DATA_DIR"), "state directory")
	root.PersistentFlags().StringVar(&enginesDir, "engines-dir", os.Getenv("AUDIOBOOKD_ENGINES_DIR"), "locally installed engines directory")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(logLevel)
			cfg, err := loadConfig(cfgPath, addr, dataDir, enginesDir)
			if err != nil {
				return err
			}
			return run(log, cfg)
		},
	}
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "audiobookd:", err)
		os.Exit(1)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

func loadConfig(path, addr, dataDir, enginesDir string) (config.Config, error) {
	cfg := config.Config{}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if enginesDir != "" {
		cfg.EnginesDir = enginesDir
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func run(log zerolog.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataDir, err := fsutil.ExpandHome(cfg.DataDir)
	if err != nil {
		return err
	}
	if err := fsutil.EnsureDir(dataDir); err != nil {
		return err
	}

	st, err := store.Open(filepath.Join(dataDir, "audiobookd.db"), log)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.EnsureBuiltinHosts(); err != nil {
		return err
	}

	keys, err := hostmon.NewKeyService(dataDir, log)
	if err != nil {
		return err
	}

	bus := events.NewBus(log)
	monitor := hostmon.New(log, st, bus, cfg.HeartbeatInterval(), hostmon.DockerDialer(keys))

	proc := runner.NewProcessRunner(log, cfg.PortMin, cfg.PortMax, cfg.HealthTimeout())
	reg := runner.NewRegistry(log, st, proc)
	reg.SetAvailabilityCheck(monitor.Available)
	if err := reg.LoadAssignments(); err != nil {
		return err
	}

	// The local Docker daemon is optional: process engines work without it.
	if cli, err := runner.NewLocalDockerClient(); err == nil {
		hasGPU := localDaemonHasGPU(ctx, cli)
		reg.Register(runner.NewContainerRunner(types.DockerLocalRunnerID, cli, "127.0.0.1",
			log, cfg.PortMin, cfg.PortMax, cfg.HealthTimeout(), hasGPU))
		if err := st.SetHostAvailability(types.DockerLocalRunnerID, true, hasGPU, ""); err != nil {
			log.Warn().Err(err).Msg("record local docker availability")
		}
	} else {
		log.Warn().Err(err).Msg("local docker unavailable, container engines disabled")
		if serr := st.SetHostAvailability(types.DockerLocalRunnerID, false, false, err.Error()); serr != nil {
			log.Warn().Err(serr).Msg("record local docker availability")
		}
	}

	hosts := &hostRunners{log: log, cfg: cfg, st: st, keys: keys, reg: reg,
		prober: discovery.NewImageProber(log), clients: map[string]*dockerclient.Client{}}

	stored, err := st.ListHosts()
	if err != nil {
		return err
	}
	for _, h := range stored {
		// built-in hosts are not reached over SSH and are not watched
		if h.ID == types.LocalRunnerID || h.ID == types.DockerLocalRunnerID {
			continue
		}
		if err := hosts.AddHost(h); err != nil {
			log.Warn().Err(err).Str("host", h.ID).Msg("host runner setup failed")
			continue
		}
		monitor.Watch(ctx, h)
	}

	managers := engine.Set{}
	client := engine.NewClient()
	for _, cat := range types.Categories {
		managers[cat] = engine.NewManager(cat, log, reg, st, client, cfg.InactivityTimeout())
	}

	broadcaster := events.NewStatusBroadcaster(log, bus, managers, cfg.StatusInterval())
	for _, m := range managers {
		m.SetOnChange(broadcaster.BroadcastNow)
	}

	if recs, err := discovery.NewLocal(log, cfg.EnginesDir, st).Discover(); err != nil {
		log.Warn().Err(err).Msg("local engine discovery failed")
	} else {
		log.Info().Int("engines", len(recs)).Msg("local engines discovered")
	}

	go managers.RestartKeepRunning(ctx)
	for _, m := range managers {
		go m.RunSweeper(ctx, time.Minute)
	}
	go broadcaster.Run(ctx)

	jobSvc := jobs.NewService(log, st, bus, cfg.JobRetention)
	worker := jobs.NewWorker(log, st, managers, bus, cfg.RequestTimeout())
	go worker.Run(ctx)

	api := httpapi.NewServer(log, httpapi.Deps{
		Store:   st,
		Engines: managers,
		Jobs:    jobSvc,
		Reg:     reg,
		Keys:    keys,
		Watcher: monitor,
		Hosts:   hosts,
		Images:  hosts,
		Bus:     bus,
		BaseCtx: ctx,
		Notify:  broadcaster.BroadcastNow,
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: api.Routes()}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("data_dir", dataDir).Msg("audiobookd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	// Child engine processes die with the daemon; stop them cleanly first.
	// Containers are left to their runners' auto-remove semantics.
	proc.StopAll()
	monitor.Wait()
	return nil
}

func localDaemonHasGPU(ctx context.Context, cli *dockerclient.Client) bool {
	ictx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	info, err := cli.Info(ictx)
	if err != nil {
		return false
	}
	_, ok := info.Runtimes["nvidia"]
	return ok
}

// hostRunners builds per-host Docker clients: container runners for the
// registry and probe clients for image discovery.
type hostRunners struct {
	log    zerolog.Logger
	cfg    config.Config
	st     *store.Store
	keys   *hostmon.KeyService
	reg    *runner.Registry
	prober *discovery.ImageProber

	mu      sync.Mutex
	clients map[string]*dockerclient.Client
}

func (h *hostRunners) clientFor(host types.HostRecord) (*dockerclient.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cli, ok := h.clients[host.ID]; ok {
		return cli, nil
	}
	cli, err := runner.NewSSHDockerClient(hostmon.SSHURL(host), runner.SSHOptions{
		IdentityFile:   h.keys.PrivateKeyPath(host.ID),
		KnownHostsFile: h.keys.KnownHostsPath(),
	})
	if err != nil {
		return nil, err
	}
	h.clients[host.ID] = cli
	return cli, nil
}

func (h *hostRunners) AddHost(host types.HostRecord) error {
	cli, err := h.clientFor(host)
	if err != nil {
		return err
	}
	h.reg.Register(runner.NewContainerRunner(host.ID, cli, host.Address, h.log,
		h.cfg.PortMin, h.cfg.PortMax, h.cfg.HealthTimeout(), host.HasGPU))
	return nil
}

func (h *hostRunners) RemoveHost(hostID string) {
	h.mu.Lock()
	cli, ok := h.clients[hostID]
	delete(h.clients, hostID)
	h.mu.Unlock()
	if ok {
		_ = cli.Close()
	}
}

func (h *hostRunners) DiscoverImage(ctx context.Context, hostID, image string) (types.EngineRecord, error) {
	var cli discovery.ContainerAPI
	probeAddr := "127.0.0.1"
	if hostID == types.DockerLocalRunnerID {
		local, err := runner.NewLocalDockerClient()
		if err != nil {
			return types.EngineRecord{}, err
		}
		defer local.Close()
		cli = local
	} else {
		host, err := h.st.GetHost(hostID)
		if err != nil {
			return types.EngineRecord{}, err
		}
		remote, err := h.clientFor(host)
		if err != nil {
			return types.EngineRecord{}, err
		}
		cli = remote
		probeAddr = host.Address
	}
	return h.prober.Probe(ctx, cli, discovery.ProbeSpec{
		HostID:    hostID,
		ProbeAddr: probeAddr,
		Image:     image,
	})
}
