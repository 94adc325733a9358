package metrics

import "time"

// Rolling window sizes for the stats snapshots.
const (
	shortWindow = 5 * time.Minute
	longWindow  = 30 * time.Minute
)

// timestampedOutcome is one processed message inside the rolling windows.
type timestampedOutcome struct {
	at      time.Time
	success bool
}

// outcomeWindow keeps recent outcomes for rolling success rates. Appends
// arrive in chronological order, so entries that aged out of the long
// window are pruned from the front on every record.
type outcomeWindow struct {
	outcomes []timestampedOutcome
}

func (w *outcomeWindow) record(at time.Time, success bool) {
	w.prune(at)
	w.outcomes = append(w.outcomes, timestampedOutcome{at: at, success: success})
}

func (w *outcomeWindow) prune(now time.Time) {
	cutoff := now.Add(-longWindow)
	drop := 0
	for drop < len(w.outcomes) && !w.outcomes[drop].at.After(cutoff) {
		drop++
	}
	if drop > 0 {
		w.outcomes = append(w.outcomes[:0], w.outcomes[drop:]...)
	}
}

// windowCounts tallies outcomes inside the short and long windows.
type windowCounts struct {
	shortSucceeded int64
	shortFailed    int64
	longSucceeded  int64
	longFailed     int64
}

func (w *outcomeWindow) counts(now time.Time) windowCounts {
	shortCutoff := now.Add(-shortWindow)
	longCutoff := now.Add(-longWindow)

	var c windowCounts
	for _, o := range w.outcomes {
		if !o.at.After(longCutoff) {
			continue
		}
		if o.success {
			c.longSucceeded++
			if o.at.After(shortCutoff) {
				c.shortSucceeded++
			}
		} else {
			c.longFailed++
			if o.at.After(shortCutoff) {
				c.shortFailed++
			}
		}
	}
	return c
}

// successRatio treats an empty window as fully healthy.
func successRatio(succeeded, total int64) float64 {
	if total == 0 {
		return 1.0
	}
	return float64(succeeded) / float64(total)
}
