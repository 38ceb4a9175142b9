package checkpoint

import "errors"

// Sentinel errors for the checkpoint protocol.
var (
	// ErrUnknownGroup is returned when an operation names a thread group
	// that was never created.
	ErrUnknownGroup = errors.New("unknown thread group")

	// ErrUnknownThread is returned when an operation names a thread that is
	// not a member of the group.
	ErrUnknownThread = errors.New("unknown thread")

	// ErrDuplicateThread is returned when a thread is registered twice.
	ErrDuplicateThread = errors.New("thread already registered")

	// ErrGroupExists is returned when a group identifier is created twice.
	ErrGroupExists = errors.New("thread group already exists")

	// ErrRoundActive rejects an operation that would overlap an in-flight
	// checkpoint round for the same group. Safe to retry once the round
	// finishes.
	ErrRoundActive = errors.New("checkpoint round already in flight")

	// ErrProtocolViolation marks a broken internal contract (an arrival past
	// the expected count, a checkpoint entry with no pending request).
	// It indicates corrupted round state and is not recoverable.
	ErrProtocolViolation = errors.New("checkpoint protocol violation")
)

// Status classifies the outcome of one checkpoint round.
type Status int

// Round outcomes.
const (
	// StatusSuccess means the barrier completed and the snapshot was
	// captured and handed to the sink.
	StatusSuccess Status = iota

	// StatusTimedOut means not every thread reached the barrier in time;
	// the round was aborted and every thread restored. No snapshot exists.
	// This is a distinct, non-fatal outcome: the request may be retried.
	StatusTimedOut

	// StatusError means the barrier completed but a capture step failed;
	// completed steps were reverted and every thread restored.
	StatusError
)

// statusNames maps statuses to their display names.
var statusNames = map[Status]string{
	StatusSuccess:  "success",
	StatusTimedOut: "timed_out",
	StatusError:    "error",
}

// String returns the display name of the status.
func (s Status) String() string {
	name, ok := statusNames[s]
	if !ok {
		return "unknown"
	}

	return name
}
