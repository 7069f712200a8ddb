package runner

import (
	"time"

	"github.com/x-dm-automation/pkg/messaging"
)

type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "not_started"
}

// Statistics counts dispatch outcomes for one run. Errors also counts
// iteration-level failures that never reached a profile, so TotalAttempts
// may be smaller than the sum of all counters.
type Statistics struct {
	TotalAttempts        int
	SuccessCount         int
	VerificationRequired int
	Protected            int
	Blocked              int
	NoButton             int
	InputFailures        int
	SendFailures         int
	Errors               int
	StartTime            time.Time
}

func (s *Statistics) count(kind messaging.OutcomeKind) {
	s.TotalAttempts++
	switch kind {
	case messaging.Success:
		s.SuccessCount++
	case messaging.VerificationRequired:
		s.VerificationRequired++
	case messaging.Protected:
		s.Protected++
	case messaging.Blocked:
		s.Blocked++
	case messaging.NoButton:
		s.NoButton++
	case messaging.InputFailure:
		s.InputFailures++
	case messaging.SendFailure:
		s.SendFailures++
	default:
		s.Errors++
	}
}

func (s Statistics) Failures() int {
	return s.VerificationRequired + s.Protected + s.Blocked + s.NoButton + s.InputFailures + s.SendFailures + s.Errors
}

// VisitedSet holds profiles finished in the current run. Entries are never
// removed.
type VisitedSet struct {
	seen  map[string]struct{}
	order []string
}

func NewVisitedSet() *VisitedSet {
	return &VisitedSet{seen: make(map[string]struct{})}
}

func (v *VisitedSet) Has(profile string) bool {
	_, ok := v.seen[profile]
	return ok
}

func (v *VisitedSet) Add(profile string) {
	if v.Has(profile) {
		return
	}
	v.seen[profile] = struct{}{}
	v.order = append(v.order, profile)
}

func (v *VisitedSet) Len() int {
	return len(v.order)
}

// List returns the profiles in the order they were added.
func (v *VisitedSet) List() []string {
	out := make([]string, len(v.order))
	copy(out, v.order)
	return out
}
