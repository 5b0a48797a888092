package domain

// Status is the lifecycle state of a job, and the aggregate state of a stage
// or pipeline.
type Status string

// Job status constants.
const (
	StatusNone               Status = ""
	StatusCreated            Status = "created"
	StatusWaitingForResource Status = "waiting_for_resource"
	StatusPreparing          Status = "preparing"
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusSuccess            Status = "success"
	StatusFailed             Status = "failed"
	StatusCanceled           Status = "canceled"
	StatusSkipped            Status = "skipped"
	StatusManual             Status = "manual"
	StatusScheduled          Status = "scheduled"
)

// AllStatuses lists every valid job status.
var AllStatuses = []Status{
	StatusCreated,
	StatusWaitingForResource,
	StatusPreparing,
	StatusPending,
	StatusRunning,
	StatusSuccess,
	StatusFailed,
	StatusCanceled,
	StatusSkipped,
	StatusManual,
	StatusScheduled,
}

// Valid reports whether s is a known job status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsCompleted reports whether s is terminal: success, failed, canceled or skipped.
func (s Status) IsCompleted() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled, StatusSkipped:
		return true
	}
	return false
}

// IsActive reports whether a job in status s is queued or executing.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusRunning, StatusWaitingForResource, StatusPreparing:
		return true
	}
	return false
}

// IsBlocked reports whether s waits on a human or a timer.
func (s Status) IsBlocked() bool {
	return s == StatusManual || s == StatusScheduled
}

// IsStopped reports whether s is completed or blocked. A stopped job may
// later become alive again through an external action.
func (s Status) IsStopped() bool {
	return s.IsCompleted() || s.IsBlocked()
}

// ParseStatus converts a string to a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return StatusNone, ErrValidation("unknown status %q", s)
	}
	return st, nil
}

type compositeKind int

const (
	kindCreated compositeKind = iota
	kindWaitingForResource
	kindPreparing
	kindPending
	kindRunning
	kindSuccess
	kindFailed
	kindCanceled
	kindSkipped
	kindManual
	kindScheduled
	// kindWarnings counts failed or canceled jobs that are allowed to fail.
	kindWarnings
	// kindIgnored counts manual jobs that are allowed to fail.
	kindIgnored
	numKinds
)

var kindOfStatus = map[Status]compositeKind{
	StatusCreated:            kindCreated,
	StatusWaitingForResource: kindWaitingForResource,
	StatusPreparing:          kindPreparing,
	StatusPending:            kindPending,
	StatusRunning:            kindRunning,
	StatusSuccess:            kindSuccess,
	StatusFailed:             kindFailed,
	StatusCanceled:           kindCanceled,
	StatusSkipped:            kindSkipped,
	StatusManual:             kindManual,
	StatusScheduled:          kindScheduled,
}

func classify(status Status, allowFailure bool) (compositeKind, bool) {
	if allowFailure {
		switch status {
		case StatusFailed, StatusCanceled:
			return kindWarnings, true
		case StatusManual:
			return kindIgnored, true
		}
	}
	k, ok := kindOfStatus[status]
	return k, ok
}

// Composite folds a multiset of job statuses into one aggregate status. It
// is a counter, so members can be added and removed in O(1) and the fold is
// independent of the order in which members were added.
//
// The zero value is an empty stage-mode composite.
type Composite struct {
	dag    bool
	counts [numKinds]int
	total  int
}

// NewComposite returns an empty Composite. In dag mode any skipped or
// ignored member makes the whole set skipped, because a job whose need never
// ran must not run either.
func NewComposite(dag bool) Composite {
	return Composite{dag: dag}
}

// FoldStatuses folds plain statuses (no allow-failure) in stage mode.
func FoldStatuses(statuses ...Status) Status {
	c := NewComposite(false)
	for _, s := range statuses {
		c.Add(s, false)
	}
	return c.Status()
}

// Add includes one job status in the composite. Unknown statuses are ignored.
func (c *Composite) Add(status Status, allowFailure bool) {
	k, ok := classify(status, allowFailure)
	if !ok {
		return
	}
	c.counts[k]++
	c.total++
}

// Remove takes one previously added job status out of the composite.
func (c *Composite) Remove(status Status, allowFailure bool) {
	k, ok := classify(status, allowFailure)
	if !ok || c.counts[k] == 0 {
		return
	}
	c.counts[k]--
	c.total--
}

// Merge adds every member of o to c.
func (c *Composite) Merge(o Composite) {
	for k := range c.counts {
		c.counts[k] += o.counts[k]
	}
	c.total += o.total
}

// Len returns the number of members.
func (c *Composite) Len() int { return c.total }

// HasWarnings reports whether a member failed but was allowed to.
func (c *Composite) HasWarnings() bool { return c.counts[kindWarnings] > 0 }

func (c *Composite) any(kinds ...compositeKind) bool {
	for _, k := range kinds {
		if c.counts[k] > 0 {
			return true
		}
	}
	return false
}

func (c *Composite) only(kinds ...compositeKind) bool {
	n := 0
	for _, k := range kinds {
		n += c.counts[k]
	}
	return n == c.total
}

// Status returns the aggregate status, or StatusNone for an empty set. The
// rules are evaluated in order and the first match wins; for mixed completed
// statuses this yields failed > canceled > success > skipped.
func (c *Composite) Status() Status {
	switch {
	case c.total == 0:
		return StatusNone
	case c.dag && c.any(kindSkipped, kindIgnored):
		return StatusSkipped
	case c.only(kindSkipped, kindIgnored):
		return StatusSkipped
	case c.only(kindSuccess, kindSkipped, kindWarnings, kindIgnored):
		return StatusSuccess
	case c.only(kindCreated, kindWarnings, kindIgnored):
		return StatusCreated
	case c.only(kindPreparing, kindWarnings, kindIgnored):
		return StatusPreparing
	case c.only(kindCanceled, kindSuccess, kindSkipped, kindWarnings, kindIgnored):
		return StatusCanceled
	case c.only(kindPending, kindCreated, kindSkipped, kindWarnings, kindIgnored):
		return StatusPending
	case c.any(kindRunning, kindPending):
		return StatusRunning
	case c.any(kindWaitingForResource):
		return StatusWaitingForResource
	case c.any(kindManual):
		return StatusManual
	case c.any(kindScheduled):
		return StatusScheduled
	case c.any(kindPreparing):
		return StatusPreparing
	case c.any(kindCreated):
		return StatusRunning
	default:
		return StatusFailed
	}
}
