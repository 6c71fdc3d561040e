package observability

import (
	"sync"

	"github.com/codeclash/exec-engine/internal/domain"
)

// shedOrder lists priorities from first-shed to last-shed.
var shedOrder = []domain.Priority{domain.PriorityLow, domain.PriorityNormal, domain.PriorityHigh}

// LoadShedder rejects incoming submissions when the queue depth crosses a
// threshold, dropping the lowest priority first and widening the shed set as
// depth grows. Acceptance resumes once depth falls to the recovery watermark.
type LoadShedder struct {
	threshold int64
	recovery  int64

	mu       sync.Mutex
	depth    int64
	shedding bool
}

// NewLoadShedder builds a shedder with the given threshold and recovery
// watermark. recovery must be below threshold; it is clamped otherwise.
func NewLoadShedder(threshold, recovery int64) *LoadShedder {
	if recovery >= threshold {
		recovery = threshold / 2
	}
	return &LoadShedder{threshold: threshold, recovery: recovery}
}

// ObserveDepth feeds the latest queue depth into the shedder.
func (ls *LoadShedder) ObserveDepth(depth int64) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.depth = depth
	if ls.shedding {
		if depth <= ls.recovery {
			ls.shedding = false
		}
	} else if depth >= ls.threshold {
		ls.shedding = true
	}
}

// Allow reports whether a submission of the given priority is accepted.
// While shedding, each full threshold-width above the threshold widens the
// shed set by one priority tier.
func (ls *LoadShedder) Allow(p domain.Priority) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if !ls.shedding {
		return true
	}
	tiers := 1 + int((ls.depth-ls.threshold)/ls.threshold)
	if tiers > len(shedOrder) {
		tiers = len(shedOrder)
	}
	for i := 0; i < tiers; i++ {
		if shedOrder[i] == p {
			LoadShedTotal.WithLabelValues(string(p)).Inc()
			return false
		}
	}
	return true
}

// Shedding reports whether the shedder is currently rejecting any tier.
func (ls *LoadShedder) Shedding() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.shedding
}
