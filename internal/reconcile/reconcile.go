// Package reconcile decides what, if anything, to write to a target
// service for one book. The decision is a pure function of the source
// record, the target's live progress and the sync policy, which keeps
// every rule unit-testable without any I/O.
package reconcile

import (
	"fmt"
	"math"
	"time"

	"github.com/shelfsync/shelfsync/internal/models"
	"github.com/shelfsync/shelfsync/internal/target"
)

// Action names one verdict kind. The values are persisted in sync
// records and exposed through the API, so they are part of the stable
// surface.
type Action string

const (
	ActionSkipBelowThreshold Action = "skip_below_threshold"
	ActionSkipNoMapping      Action = "skip_no_mapping"
	ActionSkipNoChange       Action = "skip_no_change"
	ActionUpdate             Action = "update"
	ActionMarkFinished       Action = "mark_finished"
	ActionError              Action = "error"
)

// Decision is the verdict for one (book, service) pair in one run.
// Percent is only meaningful for ActionUpdate and ActionMarkFinished.
type Decision struct {
	Action  Action
	Percent int
	Reason  string
}

// Write reports whether the decision requires a call to the target
// service.
func (d Decision) Write() bool {
	return d.Action == ActionUpdate || d.Action == ActionMarkFinished
}

// Policy carries the run-scoped knobs the reconciler needs. Passing it
// explicitly keeps decisions deterministic under test.
type Policy struct {
	// MinListenTime is how long a book must have been listened to
	// before its progress is propagated. A book at exactly the
	// threshold qualifies. Finished books always qualify.
	MinListenTime time.Duration
}

// SourcePercent converts the source record's progress into the integer
// percentage written to target services. Rounding is half-up, the
// result is clamped to [0,100], and a finished book is always 100.
func SourcePercent(book models.Audiobook) int {
	if book.Finished {
		return 100
	}
	if book.TotalDuration <= 0 {
		return 0
	}
	pct := int(math.Floor(100*float64(book.ListenedDuration)/float64(book.TotalDuration) + 0.5))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Decide returns the verdict for one book against the target's current
// progress. current must be read live from the service at call time,
// never from a cache, since targets are writable outside this system.
// Progress only ever moves forward: no decision lowers a target's
// percentage or regresses finished to unfinished.
func Decide(book models.Audiobook, current target.Progress, policy Policy) Decision {
	if book.TotalDuration <= 0 {
		return Decision{
			Action: ActionSkipBelowThreshold,
			Reason: "total duration unknown, cannot compute progress",
		}
	}

	if !book.Finished && book.ListenedDuration < policy.MinListenTime {
		return Decision{
			Action: ActionSkipBelowThreshold,
			Reason: fmt.Sprintf("listened %s below threshold %s", book.ListenedDuration, policy.MinListenTime),
		}
	}

	if book.Finished && !current.Finished {
		return Decision{
			Action:  ActionMarkFinished,
			Percent: 100,
			Reason:  "finished in source library",
		}
	}

	if current.Finished {
		return Decision{
			Action: ActionSkipNoChange,
			Reason: "already finished on target",
		}
	}

	srcPct := SourcePercent(book)
	if srcPct <= current.Percent {
		return Decision{
			Action: ActionSkipNoChange,
			Reason: fmt.Sprintf("target already at %d%%, source at %d%%", current.Percent, srcPct),
		}
	}

	return Decision{
		Action:  ActionUpdate,
		Percent: srcPct,
		Reason:  fmt.Sprintf("advancing %d%% -> %d%%", current.Percent, srcPct),
	}
}
