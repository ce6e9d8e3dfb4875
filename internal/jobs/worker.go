package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"audiobookd/internal/engine"
	"audiobookd/internal/events"
	"audiobookd/internal/store"
	"audiobookd/pkg/types"
)

const defaultPollInterval = time.Second

// Worker is the single global job loop. It claims the oldest pending job,
// walks its items in order through the relevant lifecycle manager, and
// persists after every item so a crash loses at most the in-flight one.
type Worker struct {
	log            zerolog.Logger
	st             *store.Store
	managers       engine.Set
	bus            *events.Bus
	poll           time.Duration
	requestTimeout time.Duration
}

// NewWorker builds the worker. requestTimeout bounds each per-item engine
// call; zero means no bound.
func NewWorker(log zerolog.Logger, st *store.Store, managers engine.Set, bus *events.Bus, requestTimeout time.Duration) *Worker {
	return &Worker{
		log:            log.With().Str("component", "jobs").Logger(),
		st:             st,
		managers:       managers,
		bus:            bus,
		poll:           defaultPollInterval,
		requestTimeout: requestTimeout,
	}
}

// Run polls for pending jobs until the context ends. Jobs are processed
// strictly one at a time.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			job, err := w.st.ClaimNextPending()
			if err != nil {
				w.log.Error().Err(err).Msg("claim pending job")
				break
			}
			if job == nil {
				break
			}
			w.runJob(ctx, job)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (w *Worker) runJob(ctx context.Context, job *types.Job) {
	w.log.Info().Str("job_id", job.ID).Str("variant", job.VariantID).
		Int("items", job.Total).Msg("job started")
	w.publish(job, "", "")

	cat, err := categoryForKind(job.Kind)
	if err != nil {
		w.finish(job, types.JobFailed, err.Error())
		return
	}
	mgr, ok := w.managers.For(cat)
	if !ok {
		w.finish(job, types.JobFailed, fmt.Sprintf("no manager for category %s", cat))
		return
	}
	v, err := types.ParseVariant(job.VariantID)
	if err != nil {
		w.finish(job, types.JobFailed, err.Error())
		return
	}

	// Bring the engine up once before the item loop so a bad variant or a
	// dead host fails the job without touching any item.
	if err := mgr.EnsureReady(ctx, v, job.Model); err != nil {
		switch {
		case engine.IsHostUnavailable(err):
			w.park(job, err.Error())
		case ctx.Err() != nil:
			w.park(job, "daemon shutting down")
		default:
			w.finish(job, types.JobFailed, err.Error())
		}
		return
	}

	if refs := speakerRefs(job.Params); len(refs) > 0 {
		uploaded, err := mgr.SyncSpeakers(ctx, v, refs)
		if err != nil {
			if engine.IsHostUnavailable(err) {
				w.park(job, err.Error())
			} else {
				w.finish(job, types.JobFailed, "speaker sync: "+err.Error())
			}
			return
		}
		w.log.Info().Str("job_id", job.ID).Int("uploaded", len(uploaded)).Msg("speaker references synced")
	}

	for i := range job.Items {
		if job.Items[i].Status != types.ItemPending {
			continue
		}
		status, err := w.st.JobStatus(job.ID)
		if err != nil {
			w.log.Error().Err(err).Str("job_id", job.ID).Msg("read job status")
			return
		}
		if status == types.JobCancelling {
			w.finish(job, types.JobCancelled, "")
			return
		}
		if ctx.Err() != nil {
			w.park(job, "daemon shutting down")
			return
		}

		itemErr := w.invokeItem(ctx, mgr, v, job, job.Items[i].ID)
		switch {
		case itemErr == nil:
			job.Items[i].Status = types.ItemCompleted
			job.Processed++
			jobItemsTotal.WithLabelValues("completed").Inc()
		case engine.IsHostUnavailable(itemErr):
			w.park(job, itemErr.Error())
			return
		case errors.Is(itemErr, context.Canceled):
			w.park(job, "daemon shutting down")
			return
		default:
			job.Items[i].Status = types.ItemFailed
			job.Failed++
			jobItemsTotal.WithLabelValues("failed").Inc()
			w.log.Warn().Err(itemErr).Str("job_id", job.ID).
				Str("item_id", job.Items[i].ID).Msg("item failed")
		}
		if err := w.st.UpdateJobProgress(*job); err != nil {
			w.log.Error().Err(err).Str("job_id", job.ID).Msg("persist progress")
		}
		w.publish(job, job.Items[i].ID, errMsg(itemErr))
	}

	w.finish(job, types.JobCompleted, "")
}

func (w *Worker) invokeItem(ctx context.Context, mgr *engine.Manager, v types.Variant, job *types.Job, itemID string) error {
	payload := map[string]interface{}{"segment_id": itemID}
	for k, val := range job.Params {
		if k == speakerRefsParam {
			continue
		}
		payload[k] = val
	}
	ictx := ctx
	if w.requestTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, w.requestTimeout)
		defer cancel()
	}
	var out map[string]interface{}
	return mgr.Invoke(ictx, v, job.Model, payload, &out)
}

// park records a terminal cancelled state while the unfinished items stay
// pending, so the job can be resumed once the host is back.
func (w *Worker) park(job *types.Job, reason string) {
	w.log.Warn().Str("job_id", job.ID).Str("reason", reason).Msg("job parked")
	w.finishAs(job, types.JobCancelled, reason)
}

func (w *Worker) finish(job *types.Job, status types.JobStatus, errMsg string) {
	w.log.Info().Str("job_id", job.ID).Str("status", string(status)).
		Int("processed", job.Processed).Int("failed", job.Failed).Msg("job finished")
	w.finishAs(job, status, errMsg)
}

func (w *Worker) finishAs(job *types.Job, status types.JobStatus, errText string) {
	if err := w.st.FinishJob(*job, status, errText); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("finish job")
		return
	}
	job.Status = status
	job.Error = errText
	w.publish(job, "", errText)
}

func (w *Worker) publish(job *types.Job, itemID, errText string) {
	w.bus.PublishJobProgress(types.JobProgress{
		JobID:     job.ID,
		Status:    job.Status,
		Total:     job.Total,
		Processed: job.Processed,
		Failed:    job.Failed,
		ItemID:    itemID,
		Error:     errText,
	})
}

// speakerRefsParam carries voice reference audio (id -> base64) in a job's
// params. The refs are synced to the engine up front, not sent per item.
const speakerRefsParam = "speaker_refs"

// speakerRefs extracts the reference map from job params. JSON decoding
// yields map[string]interface{}; direct construction may use map[string]string.
func speakerRefs(params map[string]interface{}) map[string]string {
	raw, ok := params[speakerRefsParam]
	if !ok {
		return nil
	}
	switch m := raw.(type) {
	case map[string]string:
		return m
	case map[string]interface{}:
		refs := make(map[string]string, len(m))
		for id, val := range m {
			s, ok := val.(string)
			if !ok {
				continue
			}
			refs[id] = s
		}
		return refs
	default:
		return nil
	}
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
