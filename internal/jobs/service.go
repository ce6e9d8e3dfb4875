// Package jobs persists batched engine work and drives it through a single
// worker loop.
package jobs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"audiobookd/internal/engine"
	"audiobookd/internal/events"
	"audiobookd/internal/store"
	"audiobookd/pkg/types"
)

// Service is the job API surface: create, inspect, cancel, resume, delete.
// The worker loop picks up what the service persists.
type Service struct {
	log       zerolog.Logger
	st        *store.Store
	bus       *events.Bus
	retention int
}

// NewService builds the job service. retention bounds how many terminal
// jobs are kept around after each create.
func NewService(log zerolog.Logger, st *store.Store, bus *events.Bus, retention int) *Service {
	return &Service{
		log:       log.With().Str("component", "jobs").Logger(),
		st:        st,
		bus:       bus,
		retention: retention,
	}
}

func categoryForKind(kind types.JobKind) (types.Category, error) {
	switch kind {
	case types.JobSynthesis:
		return types.CategorySynthesis, nil
	case types.JobAnalysis:
		return types.CategoryAnalysis, nil
	}
	return "", engine.ErrClientInvalid(fmt.Sprintf("unknown job kind %q", kind))
}

// Create validates the request, persists a pending job and prunes old
// terminal jobs past the retention limit.
func (s *Service) Create(req types.CreateJobRequest) (types.Job, error) {
	if _, err := categoryForKind(req.Kind); err != nil {
		return types.Job{}, err
	}
	if _, err := types.ParseVariant(req.VariantID); err != nil {
		return types.Job{}, engine.ErrClientInvalid(err.Error())
	}
	if len(req.ItemIDs) == 0 {
		return types.Job{}, engine.ErrClientInvalid("job needs at least one item")
	}
	items := make([]types.JobItem, len(req.ItemIDs))
	for i, id := range req.ItemIDs {
		if id == "" {
			return types.Job{}, engine.ErrClientInvalid("empty item id")
		}
		items[i] = types.JobItem{ID: id, Status: types.ItemPending}
	}
	job := types.Job{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		Status:    types.JobPending,
		VariantID: req.VariantID,
		Model:     req.Model,
		Params:    req.Params,
		Items:     items,
		Total:     len(items),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.st.CreateJob(job); err != nil {
		return types.Job{}, err
	}
	if pruned, err := s.st.PruneTerminalJobs(s.retention); err != nil {
		s.log.Warn().Err(err).Msg("prune terminal jobs")
	} else if pruned > 0 {
		s.log.Debug().Int64("pruned", pruned).Msg("old jobs removed")
	}
	s.log.Info().Str("job_id", job.ID).Str("variant", job.VariantID).
		Int("items", job.Total).Msg("job created")
	s.bus.PublishJobProgress(types.JobProgress{
		JobID: job.ID, Status: job.Status, Total: job.Total,
	})
	return job, nil
}

// Get returns one job.
func (s *Service) Get(id string) (types.Job, error) { return s.st.GetJob(id) }

// List returns all jobs, newest first.
func (s *Service) List() ([]types.Job, error) { return s.st.ListJobs() }

// Cancel requests cancellation. A pending job cancels immediately; a
// running one stops after the in-flight item.
func (s *Service) Cancel(id string) (types.JobStatus, error) {
	status, err := s.st.RequestCancel(id)
	if err != nil {
		return "", err
	}
	s.log.Info().Str("job_id", id).Str("status", string(status)).Msg("cancel requested")
	if status == types.JobCancelled {
		job, err := s.st.GetJob(id)
		if err == nil {
			s.bus.PublishJobProgress(types.JobProgress{
				JobID: id, Status: job.Status, Total: job.Total,
				Processed: job.Processed, Failed: job.Failed,
			})
		}
	}
	return status, nil
}

// Resume re-queues a cancelled job, restricted to its unfinished items.
func (s *Service) Resume(id string) (types.Job, error) {
	job, err := s.st.ResumeJob(id)
	if err != nil {
		return types.Job{}, err
	}
	s.log.Info().Str("job_id", id).Int("items", job.Total).Msg("job resumed")
	s.bus.PublishJobProgress(types.JobProgress{
		JobID: job.ID, Status: job.Status, Total: job.Total,
	})
	return job, nil
}

// Delete removes a terminal job.
func (s *Service) Delete(id string) error { return s.st.DeleteJob(id) }
