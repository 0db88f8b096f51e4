package coordinator

import (
	"fmt"
	"time"

	"github.com/crossval/crossval/internal/compare"
)

// arrival is one participant's submission for the live sync point.
type arrival struct {
	instanceID  int32
	fingerprint string
}

// slot accumulates fingerprints for the current sync point. Exactly one
// slot is live; a submission bearing a new sync-point id resets it, which
// discards any partial round (participants are assumed to progress through
// the same id sequence).
type slot struct {
	syncPoint uint32
	arrivals  []arrival
	startedAt time.Time
}

func newSlot(n int) *slot {
	return &slot{arrivals: make([]arrival, 0, n)}
}

// observe records one submission, resetting the slot first if the id moved
// on. It reports whether the barrier is now full for n participants.
func (s *slot) observe(instanceID int32, syncPoint uint32, fingerprint string, n int) bool {
	if s.syncPoint != syncPoint {
		s.syncPoint = syncPoint
		s.arrivals = s.arrivals[:0]
	}
	if len(s.arrivals) == 0 {
		s.startedAt = time.Now()
	}
	s.arrivals = append(s.arrivals, arrival{instanceID: instanceID, fingerprint: fingerprint})
	return len(s.arrivals) == n
}

// verdict is the outcome of a full barrier.
type verdict struct {
	passed  bool
	details string // human-readable first-failing-pair report
}

// evaluate compares arrival 0 against every other arrival and reports the
// first failing pair.
func (s *slot) evaluate() verdict {
	first := s.arrivals[0]
	for _, other := range s.arrivals[1:] {
		r := compare.Fingerprints(first.fingerprint, other.fingerprint)
		if !r.Match {
			return verdict{
				passed: false,
				details: fmt.Sprintf("Sync point %d: Instance %d='%s' vs Instance %d='%s'",
					s.syncPoint, first.instanceID, first.fingerprint,
					other.instanceID, other.fingerprint),
			}
		}
	}
	return verdict{passed: true}
}

// peerFingerprint returns the fingerprint submitted by the participant
// other than instanceID. Only meaningful for two-participant rounds.
func (s *slot) peerFingerprint(instanceID int32) string {
	for _, a := range s.arrivals {
		if a.instanceID != instanceID {
			return a.fingerprint
		}
	}
	return ""
}

// dump renders every arrival of the round for the mismatch log.
func (s *slot) dump() string {
	out := ""
	for i, a := range s.arrivals {
		if i > 0 {
			out += "; "
		}
		out += fmt.Sprintf("instance %d='%s'", a.instanceID, a.fingerprint)
	}
	return out
}
