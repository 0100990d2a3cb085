package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Auth errors
// 12000-12999: Job intake & validation errors
// 13000-13999: Sandbox & chroot errors
// 14000-14999: Build step errors
// 15000-15999: Artifact & storage errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError  ErrorCode = 10100
	RecordNotFound ErrorCode = 10101

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	RequiredFieldEmpty ErrorCode = 10303

	// Queue errors (10400-10499)
	QueueError     ErrorCode = 10400
	QueueFull      ErrorCode = 10401
	PublishFailed  ErrorCode = 10402
	MessageExpired ErrorCode = 10403

	// ========== Auth Errors (11000-11999) ==========

	TokenExpired ErrorCode = 11003
	TokenInvalid ErrorCode = 11004

	// ========== Job Intake Errors (12000-12999) ==========

	JobNotFound       ErrorCode = 12000
	JobInvalid        ErrorCode = 12001
	JobAlreadyRunning ErrorCode = 12002
	JobPoolFull       ErrorCode = 12003
	JobCanceled       ErrorCode = 12004

	// ========== Sandbox & Chroot Errors (13000-13999) ==========

	ChrootNotFound      ErrorCode = 13000
	ChrootAcquireFailed ErrorCode = 13001
	ChrootReleaseFailed ErrorCode = 13002
	ChrootExecFailed    ErrorCode = 13003
	ChrootCopyFailed    ErrorCode = 13004
	ScriptWriteFailed   ErrorCode = 13005

	// ========== Build Step Errors (14000-14999) ==========

	BuildSystemError   ErrorCode = 14000
	BuildSetupFailed   ErrorCode = 14001
	BuildScriptFailed  ErrorCode = 14002
	WorkspaceError     ErrorCode = 14003
	RunnerUnconfigured ErrorCode = 14004

	// ========== Artifact & Storage Errors (15000-15999) ==========

	ArtifactMissing    ErrorCode = 15000
	ChecksumMismatch   ErrorCode = 15001
	ManifestInvalid    ErrorCode = 15002
	UploadFailed       ErrorCode = 15003
	LogArchiveFailed   ErrorCode = 15004
	StorageUnavailable ErrorCode = 15005
	CollectFailed      ErrorCode = 15006
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized",
	Forbidden:           "Forbidden",
	ServiceUnavailable:  "Service unavailable",
	Timeout:             "Operation timed out",

	DatabaseError:  "Database error",
	RecordNotFound: "Record not found",

	CacheError: "Cache error",
	CacheMiss:  "Cache miss",

	ValidationFailed:   "Validation failed",
	RequiredFieldEmpty: "Required field is empty",

	QueueError:     "Message queue error",
	QueueFull:      "Message queue is full",
	PublishFailed:  "Publish message failed",
	MessageExpired: "Message expired",

	TokenExpired: "Token expired",
	TokenInvalid: "Token invalid",

	JobNotFound:       "Job not found",
	JobInvalid:        "Job descriptor is invalid",
	JobAlreadyRunning: "Job is already running",
	JobPoolFull:       "Worker pool is full",
	JobCanceled:       "Job canceled",

	ChrootNotFound:      "Chroot environment not found",
	ChrootAcquireFailed: "Acquire chroot session failed",
	ChrootReleaseFailed: "Release chroot session failed",
	ChrootExecFailed:    "Execute command in chroot failed",
	ChrootCopyFailed:    "Copy file into chroot failed",
	ScriptWriteFailed:   "Write command script failed",

	BuildSystemError:   "Build system error",
	BuildSetupFailed:   "Build environment setup failed",
	BuildScriptFailed:  "Build script failed",
	WorkspaceError:     "Workspace error",
	RunnerUnconfigured: "Runner is not configured",

	ArtifactMissing:    "Expected artifact is missing",
	ChecksumMismatch:   "Artifact checksum mismatch",
	ManifestInvalid:    "Checksum manifest is invalid",
	UploadFailed:       "Artifact upload failed",
	LogArchiveFailed:   "Log archive failed",
	StorageUnavailable: "Object storage unavailable",
	CollectFailed:      "Artifact collection failed",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == JobNotFound, c == RecordNotFound:
		return 404
	case c == ServiceUnavailable, c == StorageUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == JobInvalid:
		return 400
	default:
		return 500
	}
}
