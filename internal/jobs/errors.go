package jobs

import "errors"

// ErrNotFound indicates a status query for an unknown or expired job id.
var ErrNotFound = errors.New("job not found")

// ErrAlreadyOwned indicates a claim attempt against a job that is already
// STARTED under a different claim epoch. The caller must abort without
// mutating the record.
var ErrAlreadyOwned = errors.New("job already owned by another claim")

// ErrInvalidRecord indicates a write was rejected because the record would
// violate a state-machine or progress invariant.
var ErrInvalidRecord = errors.New("invalid job record")
