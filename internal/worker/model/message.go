package model

// Job data keys understood by the ISO runner. The data mapping is otherwise
// opaque: recipe-specific parameters pass through untouched.
const (
	DataKeySuite        = "suite"
	DataKeyLiveBuildGit = "liveBuildGit"
	DataKeyFlavor       = "flavor"
)

// BuildMessage is the Kafka payload for one build job. It is the wire form
// of the job descriptor handed to a runner.
type BuildMessage struct {
	JobID        string            `json:"job_id"`
	Kind         string            `json:"kind"`
	Architecture string            `json:"architecture"`
	Data         map[string]string `json:"data"`
	Priority     int               `json:"priority"`
}

// KindISOImage selects the live-build ISO runner variant.
const KindISOImage = "iso-image"

// BuildJob is the validated, in-process job descriptor.
type BuildJob struct {
	JobID        string
	Architecture string
	Data         map[string]string
}

// FromMessage converts a wire message into a job descriptor.
func FromMessage(msg BuildMessage) *BuildJob {
	return &BuildJob{
		JobID:        msg.JobID,
		Architecture: msg.Architecture,
		Data:         msg.Data,
	}
}
