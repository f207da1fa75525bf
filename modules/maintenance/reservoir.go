package maintenance

import (
	"math"
	"math/rand"
	"sort"
	"sync"
)

const reservoirSize = 512

// reservoir keeps a uniform sample of observed latencies (algorithm R)
// plus exact running totals for the mean.
type reservoir struct {
	mtx     sync.Mutex
	samples []float64
	seen    uint64
	sum     float64
	rng     *rand.Rand
}

func newReservoir(seed int64) *reservoir {
	return &reservoir{
		samples: make([]float64, 0, reservoirSize),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (r *reservoir) observe(v float64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.seen++
	r.sum += v
	if len(r.samples) < reservoirSize {
		r.samples = append(r.samples, v)
		return
	}
	if i := r.rng.Int63n(int64(r.seen)); i < reservoirSize {
		r.samples[i] = v
	}
}

func (r *reservoir) mean() float64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.seen == 0 {
		return 0
	}
	return r.sum / float64(r.seen)
}

// p95 is estimated over the sample, exact while fewer than the
// reservoir size have been observed.
func (r *reservoir) p95() float64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if len(r.samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), r.samples...)
	sort.Float64s(sorted)

	idx := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func (r *reservoir) count() uint64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.seen
}
