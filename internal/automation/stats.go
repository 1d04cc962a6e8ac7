package automation

import "time"

// PassStats counts the outcome of one scheduler pass. Processed items that were
// resolved elsewhere in the meantime count as neither succeeded nor errors.
type PassStats struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Errors    int `json:"errors"`
}

// outcome is the result of handling one automation in a pass.
type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSucceeded
	outcomeFailed
)

// record folds one item's outcome into the pass counters.
func (p PassStats) record(o outcome) PassStats {
	p.Processed++
	switch o {
	case outcomeSucceeded:
		p.Succeeded++
	case outcomeFailed:
		p.Errors++
	}
	return p
}

// Add sums two pass counters.
func (p PassStats) Add(o PassStats) PassStats {
	return PassStats{
		Processed: p.Processed + o.Processed,
		Succeeded: p.Succeeded + o.Succeeded,
		Errors:    p.Errors + o.Errors,
	}
}

// TickStats summarizes one ExecuteCRMAutomations call.
type TickStats struct {
	Responses  PassStats     `json:"responses"`
	Dispatches PassStats     `json:"dispatches"`
	Timeouts   PassStats     `json:"timeouts"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Total sums the three passes.
func (t TickStats) Total() PassStats {
	return t.Responses.Add(t.Dispatches).Add(t.Timeouts)
}
