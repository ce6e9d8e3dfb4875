package types

// ErrorResponse is the consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// StartEngineRequest is the body of POST /api/engines/{variant}/start.
type StartEngineRequest struct {
	Model  string                 `json:"model,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// SetRunnerRequest is the body of PUT /api/engines/{variant}/runner.
type SetRunnerRequest struct {
	RunnerID string `json:"runner_id"`
}

// CreateHostRequest is the body of POST /api/hosts.
type CreateHostRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	SSHUser string `json:"ssh_user,omitempty"`
	SSHPort int    `json:"ssh_port,omitempty"`
}

// InstallCommandResponse carries the shell one-liner that installs the
// daemon's public key on a remote host.
type InstallCommandResponse struct {
	HostID    string `json:"host_id"`
	PublicKey string `json:"public_key"`
	Command   string `json:"command"`
}

// DiscoverImageRequest is the body of POST /api/hosts/discover-image.
type DiscoverImageRequest struct {
	HostID string `json:"host_id"`
	Image  string `json:"image"`
}

// CreateJobRequest is the body of POST /api/jobs. Item payload lookup is
// the caller's concern; the orchestrator only tracks ids and order.
type CreateJobRequest struct {
	Kind      JobKind                `json:"kind"`
	VariantID string                 `json:"variant_id"`
	Model     string                 `json:"model,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
	ItemIDs   []string               `json:"item_ids"`
}

// EngineStatusEntry is one engine's row in a status broadcast.
type EngineStatusEntry struct {
	VariantID            string       `json:"variantId"`
	IsEnabled            bool         `json:"isEnabled"`
	IsRunning            bool         `json:"isRunning"`
	Status               EngineStatus `json:"status"`
	SecondsUntilAutoStop int          `json:"secondsUntilAutoStop"`
}

// StatusBroadcast is the periodic engine status payload pushed to event
// subscribers every tick and on demand.
type StatusBroadcast struct {
	Synthesis    []EngineStatusEntry `json:"synthesis"`
	Recognition  []EngineStatusEntry `json:"recognition"`
	Segmentation []EngineStatusEntry `json:"segmentation"`
	Analysis     []EngineStatusEntry `json:"analysis"`

	HasSynthesisEngine    bool `json:"hasSynthesisEngine"`
	HasRecognitionEngine  bool `json:"hasRecognitionEngine"`
	HasSegmentationEngine bool `json:"hasSegmentationEngine"`
	HasAnalysisEngine     bool `json:"hasAnalysisEngine"`
}

// JobProgress is the payload broadcast while a job advances.
type JobProgress struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	ItemID    string    `json:"itemId,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// HostAvailability is the payload broadcast when a host's reachability
// changes.
type HostAvailability struct {
	HostID    string `json:"hostId"`
	Available bool   `json:"available"`
	HasGPU    bool   `json:"hasGpu"`
	Error     string `json:"error,omitempty"`
}

// ModelsResponse wraps a model list returned by model discovery.
type ModelsResponse struct {
	VariantID string   `json:"variant_id"`
	Models    []string `json:"models"`
}
