package phenotype

import (
	"errors"
)

// ErrSourceUnavailable marks a failure to reach the event store or the
// observation period lookup. Fatal for the run; nothing is written.
var ErrSourceUnavailable = errors.New("event source unavailable")

// ErrMalformedRule marks an invalid cohort definition: an inclusion rule
// referencing an undefined code set, an inverted window, or a rule set that
// does not fit the mask width. Detected at pipeline construction time.
var ErrMalformedRule = errors.New("malformed cohort definition")

// ErrSinkWriteFailure marks a failed cohort replacement. The transaction is
// rolled back, so the prior cohort contents remain authoritative.
var ErrSinkWriteFailure = errors.New("cohort sink write failed")

var ErrNilEventSource = errors.New("event source must not be nil")
var ErrNilPeriodLookup = errors.New("period lookup must not be nil")
var ErrNilCohortSink = errors.New("cohort sink must not be nil")
var ErrInvalidWorkerCount = errors.New("worker count must be positive")
