package state

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timeout"
)

// Terminal reports whether no further transition can happen from s.
func (s Status) Terminal() bool {
	return s != StatusPending && s != ""
}

// RequestRecord is one submitted request. Result is non-empty only when
// Status is StatusCompleted.
type RequestRecord struct {
	ID          string
	Status      Status
	Filename    string
	Result      string
	SubmittedAt time.Time
	FinishedAt  time.Time
}

// RetentionStart is the instant the retention window is measured from: the
// terminal transition, or submission when no transition was recorded.
func (r RequestRecord) RetentionStart() time.Time {
	if !r.FinishedAt.IsZero() {
		return r.FinishedAt
	}
	return r.SubmittedAt
}

// RecordPatch is a partial update applied atomically by Registry.UpdateMerge.
type RecordPatch struct {
	Status     Status
	Result     string
	FinishedAt time.Time
	// From, when set, restricts the merge to records whose current status is
	// one of the listed values.
	From []Status
}

func (p RecordPatch) allows(current Status) bool {
	if len(p.From) == 0 {
		return true
	}
	for _, s := range p.From {
		if s == current {
			return true
		}
	}
	return false
}

func (p RecordPatch) apply(rec RequestRecord) RequestRecord {
	if p.Status != "" {
		if p.Status == StatusPending && rec.Status.Terminal() {
			return rec
		}
		rec.Status = p.Status
	}
	if rec.Status != StatusCompleted {
		rec.Result = ""
	} else if p.Result != "" {
		rec.Result = p.Result
	}
	if rec.Status.Terminal() && rec.FinishedAt.IsZero() {
		rec.FinishedAt = p.FinishedAt
	}
	return rec
}
