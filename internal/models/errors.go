package models

import "errors"

// Error taxonomy shared by the gateway, worker and HTTP layer.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("job not found")
	ErrNotReady            = errors.New("job not ready")
	ErrJobFailed           = errors.New("job failed")
	ErrStoreUnavailable    = errors.New("job store unavailable")
	ErrBrokerUnavailable   = errors.New("broker unavailable")
	ErrArtifactUnavailable = errors.New("artifact store unavailable")
	ErrDetectorUnavailable = errors.New("face detector unavailable")
)

// FailedError carries the recorded error detail of a failed job.
type FailedError struct {
	JobID  string
	Detail string
}

func (e *FailedError) Error() string {
	return "job " + e.JobID + " failed: " + e.Detail
}

func (e *FailedError) Unwrap() error { return ErrJobFailed }
