package contextkey

// Key is the type used for context values set by this project.
type Key string

const (
	// TraceID identifies one request or one consumed message end to end.
	TraceID Key = "trace_id"
	// JobID identifies the build job a log line or error belongs to.
	JobID Key = "job_id"
)
