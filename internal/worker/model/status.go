package model

// Status describes where a job is in its lifecycle.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusRunning  Status = "Running"
	StatusFinished Status = "Finished"
	StatusFailed   Status = "Failed"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Timestamps are unix seconds; zero means "not reached yet".
type Timestamps struct {
	ReceivedAt int64 `json:"received_at"`
	StartedAt  int64 `json:"started_at,omitempty"`
	FinishedAt int64 `json:"finished_at,omitempty"`
}

// ArtifactInfo describes one collected build output.
type ArtifactInfo struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	// StorageKey is the object key under the artifact bucket.
	StorageKey string `json:"storage_key"`
}

// JobStatusResponse is the externally visible job state, cached in Redis
// and served over the worker HTTP API.
type JobStatusResponse struct {
	JobID        string         `json:"job_id"`
	Status       Status         `json:"status"`
	ChrootName   string         `json:"chroot_name,omitempty"`
	Machine      string         `json:"machine,omitempty"`
	Artifacts    []ArtifactInfo `json:"artifacts,omitempty"`
	LogKey       string         `json:"log_key,omitempty"`
	ErrorCode    int            `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Timestamps   Timestamps     `json:"timestamps"`
}

// StatusEventFinal marks an event carrying a terminal job status.
const StatusEventFinal = "final"

// StatusEvent is the message published when a job reaches a terminal
// state, consumed by the archiver and any interested downstreams.
type StatusEvent struct {
	Type      string            `json:"type"`
	Status    JobStatusResponse `json:"status"`
	CreatedAt int64             `json:"created_at"`
}
