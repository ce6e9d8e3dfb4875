// Package httpapi exposes the orchestration core to the CRUD layer: engine
// lifecycle, host management, jobs and the SSE event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"audiobookd/internal/engine"
	"audiobookd/internal/events"
	"audiobookd/internal/jobs"
	"audiobookd/internal/runner"
	"audiobookd/internal/store"
	"audiobookd/pkg/types"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes int64 = 1 << 20

const hostKeyScanTimeout = 10 * time.Second

// KeyManager is the slice of the SSH key service the API needs.
type KeyManager interface {
	EnsureKeyPair(hostID string) (string, error)
	InstallCommand(publicKey string) string
	ScanHostKey(addr string, timeout time.Duration) (string, error)
	DeleteKeyPair(hostID, addr string) error
}

// HostWatcher is the slice of the connectivity monitor the API needs.
type HostWatcher interface {
	Watch(ctx context.Context, host types.HostRecord)
	Unwatch(hostID string)
}

// HostProvisioner wires and unwires a host's container runner. Implemented
// in main where the Docker clients are built.
type HostProvisioner interface {
	AddHost(host types.HostRecord) error
	RemoveHost(hostID string)
}

// ImageDiscoverer probes a container image on a host and returns the engine
// record it describes.
type ImageDiscoverer interface {
	DiscoverImage(ctx context.Context, hostID, image string) (types.EngineRecord, error)
}

// Deps collects everything the API server talks to.
type Deps struct {
	Store   *store.Store
	Engines engine.Set
	Jobs    *jobs.Service
	Reg     *runner.Registry
	Keys    KeyManager
	Watcher HostWatcher
	Hosts   HostProvisioner
	Images  ImageDiscoverer
	Bus     *events.Bus
	// BaseCtx outlives requests; host monitors launched from handlers run
	// on it.
	BaseCtx context.Context
	// Notify triggers an immediate status broadcast after state changes.
	Notify func()
	// Ready gates /readyz. Nil means always ready.
	Ready func() bool
}

// Server bundles the daemon's subsystems behind the HTTP surface.
type Server struct {
	log  zerolog.Logger
	deps Deps
}

// NewServer builds the API server.
func NewServer(log zerolog.Logger, deps Deps) *Server {
	if deps.BaseCtx == nil {
		deps.BaseCtx = context.Background()
	}
	if deps.Notify == nil {
		deps.Notify = func() {}
	}
	if deps.Ready == nil {
		deps.Ready = func() bool { return true }
	}
	return &Server{
		log:  log.With().Str("component", "http").Logger(),
		deps: deps,
	}
}

// Routes assembles the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(s.requestLogger)
	r.Use(MetricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/engines", func(r chi.Router) {
			r.Get("/", s.listEngines)
			r.Route("/{variant}", func(r chi.Router) {
				r.Get("/", s.getEngine)
				r.Post("/start", s.startEngine)
				r.Post("/stop", s.stopEngine)
				r.Post("/models/discover", s.discoverModels)
				r.Put("/runner", s.setRunner)
				r.Put("/settings", s.updateEngineSettings)
			})
		})
		r.Route("/hosts", func(r chi.Router) {
			r.Get("/", s.listHosts)
			r.Post("/", s.createHost)
			r.Post("/discover-image", s.discoverImage)
			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", s.deleteHost)
				r.Post("/keys", s.regenerateKeys)
				r.Get("/install-command", s.installCommand)
			})
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/", s.createJob)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.deleteJob)
				r.Post("/cancel", s.cancelJob)
				r.Post("/resume", s.resumeJob)
			})
		})
		r.Get("/events", s.streamEvents)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func (s *Server) managerFor(variantID string) (*engine.Manager, types.Variant, error) {
	v, err := types.ParseVariant(variantID)
	if err != nil {
		return nil, types.Variant{}, engine.ErrClientInvalid(err.Error())
	}
	rec, err := s.deps.Store.GetEngine(v.String())
	if err != nil {
		return nil, types.Variant{}, err
	}
	mgr, ok := s.deps.Engines.For(rec.Category)
	if !ok {
		return nil, types.Variant{}, engine.ErrClientInvalid("unknown category " + string(rec.Category))
	}
	return mgr, v, nil
}

func (s *Server) listEngines(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Store.ListEngines()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) getEngine(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.GetEngine(chi.URLParam(r, "variant"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) startEngine(w http.ResponseWriter, r *http.Request) {
	var req types.StartEngineRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	mgr, v, err := s.managerFor(chi.URLParam(r, "variant"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := mgr.EnsureReady(r.Context(), v, req.Model); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Notify()
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) stopEngine(w http.ResponseWriter, r *http.Request) {
	mgr, v, err := s.managerFor(chi.URLParam(r, "variant"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := mgr.StopVariant(r.Context(), v); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Notify()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) discoverModels(w http.ResponseWriter, r *http.Request) {
	mgr, v, err := s.managerFor(chi.URLParam(r, "variant"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	models, err := mgr.DiscoverModels(r.Context(), v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{VariantID: v.String(), Models: models})
}

func (s *Server) setRunner(w http.ResponseWriter, r *http.Request) {
	var req types.SetRunnerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	v, err := types.ParseVariant(chi.URLParam(r, "variant"))
	if err != nil {
		s.writeError(w, r, engine.ErrClientInvalid(err.Error()))
		return
	}
	if err := s.deps.Reg.Assign(v.Engine, req.RunnerID); err != nil {
		s.writeError(w, r, engine.ErrClientInvalid(err.Error()))
		return
	}
	s.deps.Notify()
	writeJSON(w, http.StatusOK, map[string]string{"engine": v.Engine, "runner_id": req.RunnerID})
}

type engineSettingsRequest struct {
	Enabled     *bool `json:"enabled,omitempty"`
	KeepRunning *bool `json:"keep_running,omitempty"`
}

func (s *Server) updateEngineSettings(w http.ResponseWriter, r *http.Request) {
	var req engineSettingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	variantID := chi.URLParam(r, "variant")
	if _, err := s.deps.Store.GetEngine(variantID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Enabled != nil {
		if err := s.deps.Store.SetEngineEnabled(variantID, *req.Enabled); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.KeepRunning != nil {
		if err := s.deps.Store.SetKeepRunning(variantID, *req.KeepRunning); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	rec, err := s.deps.Store.GetEngine(variantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Notify()
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.deps.Store.ListHosts()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hosts)
}

func (s *Server) createHost(w http.ResponseWriter, r *http.Request) {
	var req types.CreateHostRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || strings.TrimSpace(req.Address) == "" {
		s.writeError(w, r, engine.ErrClientInvalid("name and address are required"))
		return
	}
	host := types.HostRecord{
		ID:      "docker:" + name,
		Name:    name,
		Address: strings.TrimSpace(req.Address),
		SSHUser: req.SSHUser,
		SSHPort: req.SSHPort,
	}
	if host.SSHPort == 0 {
		host.SSHPort = 22
	}
	if err := s.deps.Store.CreateHost(host); err != nil {
		s.writeError(w, r, err)
		return
	}
	publicKey, err := s.deps.Keys.EnsureKeyPair(host.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Hosts.AddHost(host); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Watcher.Watch(s.deps.BaseCtx, host)
	writeJSON(w, http.StatusCreated, types.InstallCommandResponse{
		HostID:    host.ID,
		PublicKey: publicKey,
		Command:   s.deps.Keys.InstallCommand(publicKey),
	})
}

func (s *Server) deleteHost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == types.LocalRunnerID || id == types.DockerLocalRunnerID {
		s.writeError(w, r, engine.ErrClientInvalid("built-in hosts cannot be removed"))
		return
	}
	host, err := s.deps.Store.GetHost(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Watcher.Unwatch(id)
	s.deps.Hosts.RemoveHost(id)
	if err := s.deps.Reg.Unregister(id); err != nil {
		s.log.Warn().Err(err).Str("host", id).Msg("runner unregister on host delete")
	}
	if _, err := s.deps.Store.DeleteEnginesForHost(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Store.DeleteHost(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Keys.DeleteKeyPair(host.ID, sshAddr(host)); err != nil {
		s.log.Warn().Err(err).Str("host", id).Msg("key cleanup on host delete")
	}
	s.deps.Notify()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) regenerateKeys(w http.ResponseWriter, r *http.Request) {
	host, err := s.deps.Store.GetHost(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	publicKey, err := s.deps.Keys.EnsureKeyPair(host.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if fp, err := s.deps.Keys.ScanHostKey(sshAddr(host), hostKeyScanTimeout); err != nil {
		s.log.Warn().Err(err).Str("host", host.ID).Msg("host key scan failed")
	} else {
		s.log.Info().Str("host", host.ID).Str("fingerprint", fp).Msg("host key pinned")
	}
	writeJSON(w, http.StatusOK, types.InstallCommandResponse{
		HostID:    host.ID,
		PublicKey: publicKey,
		Command:   s.deps.Keys.InstallCommand(publicKey),
	})
}

func (s *Server) installCommand(w http.ResponseWriter, r *http.Request) {
	host, err := s.deps.Store.GetHost(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	publicKey, err := s.deps.Keys.EnsureKeyPair(host.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.InstallCommandResponse{
		HostID:    host.ID,
		PublicKey: publicKey,
		Command:   s.deps.Keys.InstallCommand(publicKey),
	})
}

func (s *Server) discoverImage(w http.ResponseWriter, r *http.Request) {
	var req types.DiscoverImageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Image == "" {
		s.writeError(w, r, engine.ErrClientInvalid("image is required"))
		return
	}
	hostID := req.HostID
	if hostID == "" {
		hostID = types.DockerLocalRunnerID
	}
	rec, err := s.deps.Images.DiscoverImage(r.Context(), hostID, req.Image)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Store.UpsertEngine(rec); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Notify()
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Jobs.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req types.CreateJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	job, err := s.deps.Jobs.Create(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Jobs.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Resume(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Jobs.Delete(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func sshAddr(host types.HostRecord) string {
	port := host.SSHPort
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(host.Address, strconv.Itoa(port))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
