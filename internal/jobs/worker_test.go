package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"audiobookd/internal/engine"
	"audiobookd/internal/events"
	"audiobookd/internal/runner"
	"audiobookd/internal/store"
	"audiobookd/pkg/types"
)

// fakeEngine serves the engine process contract and records every segment
// it was asked to generate.
type fakeEngine struct {
	mu       sync.Mutex
	segments []string
	speakers map[string]string
	// refLeaks counts generate payloads that carried the speaker_refs blob
	refLeaks int
	// failSegments answer 400 for these segment ids
	failSegments map[string]bool
	// onGenerate runs inside the verb handler, before answering
	onGenerate func(segmentID string)
	srv        *httptest.Server
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	f := &fakeEngine{failSegments: map[string]bool{}, speakers: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/load", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/speakers", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method == http.MethodPost {
			var body struct {
				SpeakerID   string `json:"speaker_id"`
				AudioBase64 string `json:"audio_base64"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.speakers[body.SpeakerID] = body.AudioBase64
			w.WriteHeader(http.StatusOK)
			return
		}
		ids := make([]string, 0, len(f.speakers))
		for id := range f.speakers {
			ids = append(ids, id)
		}
		_ = json.NewEncoder(w).Encode(map[string][]string{"speakers": ids})
	})
	mux.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		id, _ := payload["segment_id"].(string)
		f.mu.Lock()
		hook := f.onGenerate
		fail := f.failSegments[id]
		if _, ok := payload["speaker_refs"]; ok {
			f.refLeaks++
		}
		if !fail {
			f.segments = append(f.segments, id)
		}
		f.mu.Unlock()
		if hook != nil {
			hook(id)
		}
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "bad segment"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"audio": "ZmFrZQ=="})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEngine) generated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.segments...)
}

// endpointRunner hands out a fixed endpoint instead of launching anything.
type endpointRunner struct {
	id      string
	baseURL string
	mu      sync.Mutex
	up      map[string]bool
}

func newEndpointRunner(id, baseURL string) *endpointRunner {
	return &endpointRunner{id: id, baseURL: baseURL, up: map[string]bool{}}
}

func (r *endpointRunner) ID() string { return r.id }

func (r *endpointRunner) Start(_ context.Context, rec types.EngineRecord) (types.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.up[rec.VariantID] = true
	return types.Endpoint{BaseURL: r.baseURL}, nil
}

func (r *endpointRunner) Stop(_ context.Context, v types.Variant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.up, v.String())
	return nil
}

func (r *endpointRunner) IsRunning(v types.Variant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.up[v.String()]
}

func (r *endpointRunner) Endpoint(v types.Variant) (types.Endpoint, bool) {
	if r.IsRunning(v) {
		return types.Endpoint{BaseURL: r.baseURL}, true
	}
	return types.Endpoint{}, false
}

type workerFixture struct {
	st      *store.Store
	svc     *Service
	worker  *Worker
	eng     *fakeEngine
	reg     *runner.Registry
	bus     *events.Bus
	variant string
}

func newWorkerFixture(t *testing.T, variantID string) *workerFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eng := newFakeEngine(t)
	v := types.MustParseVariant(variantID)
	require.NoError(t, st.UpsertEngine(types.EngineRecord{
		VariantID:    variantID,
		Name:         v.Engine,
		Category:     types.CategorySynthesis,
		HostID:       v.HostID(),
		Enabled:      true,
		Installed:    true,
		DefaultModel: "base",
	}))

	reg := runner.NewRegistry(zerolog.Nop(), st, newEndpointRunner(types.LocalRunnerID, eng.srv.URL))
	if v.RunnerID != types.LocalRunnerID {
		reg.Register(newEndpointRunner(v.RunnerID, eng.srv.URL))
	}
	managers := engine.Set{
		types.CategorySynthesis: engine.NewManager(types.CategorySynthesis, zerolog.Nop(), reg, st, engine.NewClient(), time.Hour),
	}
	bus := events.NewBus(zerolog.Nop())
	return &workerFixture{
		st:      st,
		svc:     NewService(zerolog.Nop(), st, bus, 50),
		worker:  NewWorker(zerolog.Nop(), st, managers, bus, 10*time.Second),
		eng:     eng,
		reg:     reg,
		bus:     bus,
		variant: variantID,
	}
}

func (f *workerFixture) claim(t *testing.T) *types.Job {
	t.Helper()
	job, err := f.st.ClaimNextPending()
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestWorkerCompletesJob(t *testing.T) {
	f := newWorkerFixture(t, "xtts:local")
	created, err := f.svc.Create(types.CreateJobRequest{
		Kind:      types.JobSynthesis,
		VariantID: f.variant,
		ItemIDs:   []string{"seg-1", "seg-2", "seg-3"},
	})
	require.NoError(t, err)

	f.worker.poll = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.worker.Run(ctx)

	require.Eventually(t, func() bool {
		job, err := f.st.GetJob(created.ID)
		return err == nil && job.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	job, err := f.st.GetJob(created.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, job.Status)
	require.Equal(t, 3, job.Processed)
	require.Equal(t, 0, job.Failed)
	require.Equal(t, job.Total, job.Processed+job.Failed)
	for _, it := range job.Items {
		require.Equal(t, types.ItemCompleted, it.Status)
	}
	require.Equal(t, []string{"seg-1", "seg-2", "seg-3"}, f.eng.generated())
	require.NotNil(t, job.CompletedAt)
}

func TestWorkerCancelAndResume(t *testing.T) {
	f := newWorkerFixture(t, "xtts:local")
	created, err := f.svc.Create(types.CreateJobRequest{
		Kind:      types.JobSynthesis,
		VariantID: f.variant,
		ItemIDs:   []string{"a", "b", "c", "d", "e"},
	})
	require.NoError(t, err)

	// cancel mid-run, from inside the second item's engine call
	f.eng.onGenerate = func(segmentID string) {
		if segmentID == "b" {
			_, err := f.svc.Cancel(created.ID)
			require.NoError(t, err)
		}
	}
	f.worker.runJob(context.Background(), f.claim(t))

	job, err := f.st.GetJob(created.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobCancelled, job.Status)
	require.Equal(t, 2, job.Processed)
	statuses := map[types.ItemStatus]int{}
	for _, it := range job.Items {
		statuses[it.Status]++
	}
	require.Equal(t, 2, statuses[types.ItemCompleted])
	require.Equal(t, 3, statuses[types.ItemPending])

	// resume narrows the work list to the unfinished items
	f.eng.onGenerate = nil
	resumed, err := f.svc.Resume(created.ID)
	require.NoError(t, err)
	require.Equal(t, 3, resumed.Total)

	f.worker.runJob(context.Background(), f.claim(t))

	job, err = f.st.GetJob(created.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, job.Status)
	require.Equal(t, 3, job.Processed)
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, f.eng.generated())
}

func TestWorkerParksJobWhenHostDrops(t *testing.T) {
	f := newWorkerFixture(t, "xtts:docker:gpu-box")
	created, err := f.svc.Create(types.CreateJobRequest{
		Kind:      types.JobSynthesis,
		VariantID: f.variant,
		ItemIDs:   []string{"a", "b", "c", "d"},
	})
	require.NoError(t, err)

	var hostDown bool
	var mu sync.Mutex
	f.reg.SetAvailabilityCheck(func(hostID string) bool {
		mu.Lock()
		defer mu.Unlock()
		return !(hostDown && hostID == "docker:gpu-box")
	})
	f.eng.onGenerate = func(segmentID string) {
		if segmentID == "b" {
			mu.Lock()
			hostDown = true
			mu.Unlock()
		}
	}

	f.worker.runJob(context.Background(), f.claim(t))

	job, err := f.st.GetJob(created.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobCancelled, job.Status)
	require.NotEmpty(t, job.Error)
	require.Equal(t, 2, job.Processed)
	require.Equal(t, 0, job.Failed)
	statuses := map[types.ItemStatus]int{}
	for _, it := range job.Items {
		statuses[it.Status]++
	}
	require.Equal(t, 2, statuses[types.ItemPending])

	// the parked job resumes once the host is back
	mu.Lock()
	hostDown = false
	mu.Unlock()
	_, err = f.svc.Resume(created.ID)
	require.NoError(t, err)
	f.worker.runJob(context.Background(), f.claim(t))

	job, err = f.st.GetJob(created.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, job.Status)
}

func TestWorkerSyncsSpeakerRefs(t *testing.T) {
	f := newWorkerFixture(t, "xtts:local")
	f.eng.mu.Lock()
	f.eng.speakers["narrator"] = "already-there"
	f.eng.mu.Unlock()

	created, err := f.svc.Create(types.CreateJobRequest{
		Kind:      types.JobSynthesis,
		VariantID: f.variant,
		Params: map[string]interface{}{
			"language": "en",
			"speaker_refs": map[string]interface{}{
				"narrator": "bmV3",
				"villain":  "dmlsbGFpbg==",
			},
		},
		ItemIDs: []string{"seg-1", "seg-2"},
	})
	require.NoError(t, err)

	f.worker.runJob(context.Background(), f.claim(t))

	job, err := f.st.GetJob(created.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, job.Status)

	f.eng.mu.Lock()
	defer f.eng.mu.Unlock()
	// the held reference is untouched, the missing one is uploaded
	require.Equal(t, "already-there", f.eng.speakers["narrator"])
	require.Equal(t, "dmlsbGFpbg==", f.eng.speakers["villain"])
	require.Zero(t, f.eng.refLeaks)
}

func TestWorkerRecordsFailedItems(t *testing.T) {
	f := newWorkerFixture(t, "xtts:local")
	f.eng.failSegments["seg-2"] = true
	created, err := f.svc.Create(types.CreateJobRequest{
		Kind:      types.JobSynthesis,
		VariantID: f.variant,
		ItemIDs:   []string{"seg-1", "seg-2", "seg-3"},
	})
	require.NoError(t, err)

	f.worker.runJob(context.Background(), f.claim(t))

	job, err := f.st.GetJob(created.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, job.Status)
	require.Equal(t, 2, job.Processed)
	require.Equal(t, 1, job.Failed)
	require.Equal(t, job.Total, job.Processed+job.Failed)
	require.Equal(t, types.ItemFailed, job.Items[1].Status)
}

func TestWorkerFailsJobForUnknownVariant(t *testing.T) {
	f := newWorkerFixture(t, "xtts:local")
	created, err := f.svc.Create(types.CreateJobRequest{
		Kind:      types.JobSynthesis,
		VariantID: "ghost:local",
		ItemIDs:   []string{"seg-1"},
	})
	require.NoError(t, err)

	f.worker.runJob(context.Background(), f.claim(t))

	job, err := f.st.GetJob(created.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobFailed, job.Status)
	require.Contains(t, job.Error, "unknown engine variant")
	require.Equal(t, 0, job.Processed)
}

func TestCreateValidation(t *testing.T) {
	f := newWorkerFixture(t, "xtts:local")

	_, err := f.svc.Create(types.CreateJobRequest{Kind: "mixing", VariantID: f.variant, ItemIDs: []string{"x"}})
	require.True(t, engine.IsClientInvalid(err))

	_, err = f.svc.Create(types.CreateJobRequest{Kind: types.JobSynthesis, VariantID: f.variant})
	require.True(t, engine.IsClientInvalid(err))

	_, err = f.svc.Create(types.CreateJobRequest{Kind: types.JobSynthesis, VariantID: "docker:", ItemIDs: []string{"x"}})
	require.True(t, engine.IsClientInvalid(err))
}

func TestJobProgressEventsReachSubscribers(t *testing.T) {
	f := newWorkerFixture(t, "xtts:local")
	sub := f.bus.Subscribe(events.TopicJobs)
	defer f.bus.Unsubscribe(sub)

	created, err := f.svc.Create(types.CreateJobRequest{
		Kind:      types.JobSynthesis,
		VariantID: f.variant,
		ItemIDs:   []string{"seg-1", "seg-2"},
	})
	require.NoError(t, err)
	f.worker.runJob(context.Background(), f.claim(t))

	var last types.JobProgress
	count := 0
	for done := false; !done; {
		select {
		case ev := <-sub.C():
			last = ev.Data.(types.JobProgress)
			count++
		case <-time.After(200 * time.Millisecond):
			done = true
		}
	}
	// create + start + one per item + finish
	require.GreaterOrEqual(t, count, 4)
	require.Equal(t, created.ID, last.JobID)
	require.Equal(t, types.JobCompleted, last.Status)
	require.Equal(t, 2, last.Processed)
}
