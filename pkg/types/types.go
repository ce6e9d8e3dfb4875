package types

import "time"

// EngineStatus is the lifecycle state of one engine variant.
type EngineStatus string

const (
	EngineStopped  EngineStatus = "stopped"
	EngineStarting EngineStatus = "starting"
	EngineRunning  EngineStatus = "running"
	EngineStopping EngineStatus = "stopping"
	EngineError    EngineStatus = "error"
)

// EngineRecord is the persisted view of a discovered engine variant.
type EngineRecord struct {
	VariantID    string    `json:"variant_id"`
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name"`
	Version      string    `json:"version"`
	Category     Category  `json:"category"`
	HostID       string    `json:"host_id"`
	Enabled      bool      `json:"enabled"`
	Installed    bool      `json:"installed"`
	KeepRunning  bool      `json:"keep_running"`
	DefaultModel string    `json:"default_model,omitempty"`
	Image        string    `json:"image,omitempty"`
	Path         string    `json:"path,omitempty"`
	ManifestHash string    `json:"manifest_hash"`
	Manifest     *Manifest `json:"manifest,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HostRecord describes a container host the daemon can place engines on.
// The synthetic "local" and "docker:local" hosts are seeded at daemon
// startup; the local process host is always available.
type HostRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	SSHUser   string    `json:"ssh_user,omitempty"`
	SSHPort   int       `json:"ssh_port,omitempty"`
	Available bool      `json:"available"`
	HasGPU    bool      `json:"has_gpu"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobRunning    JobStatus = "running"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelling JobStatus = "cancelling"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions except
// an explicit resume.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ItemStatus is the per-item state inside a job's ordered item list.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// JobItem is one entry of a job's ordered work list. The id is opaque to
// the orchestrator; callers use it to correlate results.
type JobItem struct {
	ID     string     `json:"id"`
	Status ItemStatus `json:"status"`
}

// JobKind selects which engine category a job drives.
type JobKind string

const (
	JobSynthesis JobKind = "synthesis"
	JobAnalysis  JobKind = "analysis"
)

// Job is a persisted batch of per-item engine work, processed in order by a
// single worker.
type Job struct {
	ID          string                 `json:"id"`
	Kind        JobKind                `json:"kind"`
	Status      JobStatus              `json:"status"`
	VariantID   string                 `json:"variant_id"`
	Model       string                 `json:"model,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Items       []JobItem              `json:"items"`
	Total       int                    `json:"total"`
	Processed   int                    `json:"processed"`
	Failed      int                    `json:"failed"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// PendingItems returns the items that have not completed. Resume uses this
// to narrow the work list.
func (j *Job) PendingItems() []JobItem {
	var out []JobItem
	for _, it := range j.Items {
		if it.Status == ItemPending || it.Status == ItemProcessing {
			out = append(out, JobItem{ID: it.ID, Status: ItemPending})
		}
	}
	return out
}

// Endpoint is where a started engine can be reached. ContainerID is empty
// for process-backed engines.
type Endpoint struct {
	BaseURL     string `json:"base_url"`
	ContainerID string `json:"container_id,omitempty"`
}
