package redisstream

import (
	"sync"
	"time"
)

// AdaptivePoller adjusts the claim interval to the observed stream load:
// a full batch halves the interval down to base/2, an empty claim grows it by
// 1.5x up to the ceiling, and errors back off exponentially to the ceiling.
type AdaptivePoller struct {
	mu       sync.Mutex
	base     time.Duration
	max      time.Duration
	interval time.Duration
	errStep  int
}

// NewAdaptivePoller creates a poller starting at base.
func NewAdaptivePoller(base, max time.Duration) *AdaptivePoller {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = 10 * base
	}
	return &AdaptivePoller{base: base, max: max, interval: base}
}

// Interval returns the current claim interval.
func (p *AdaptivePoller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// RecordBatch feeds the size of the last claim relative to the requested max.
func (p *AdaptivePoller) RecordBatch(claimed, requested int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errStep = 0
	switch {
	case requested > 0 && claimed >= requested:
		p.interval /= 2
		if floor := p.base / 2; p.interval < floor {
			p.interval = floor
		}
	case claimed == 0:
		p.interval = time.Duration(float64(p.interval) * 1.5)
		if p.interval > p.max {
			p.interval = p.max
		}
	default:
		// Partial batch: hold the current interval.
	}
}

// RecordError backs the interval off exponentially from base to the ceiling.
func (p *AdaptivePoller) RecordError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errStep++
	d := p.base
	for i := 1; i < p.errStep; i++ {
		d *= 2
		if d >= p.max {
			d = p.max
			break
		}
	}
	p.interval = d
}
