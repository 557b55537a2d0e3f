package chunked

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrPoolExhausted is returned when every chunk a Pool may hand out is already rented.
	ErrPoolExhausted = errors.New("chunked: pool exhausted")

	// ErrInvalidPoolSize is returned by NewPool for a non-positive chunk limit.
	ErrInvalidPoolSize = errors.New("chunked: pool size must be positive")
)

// Pool hands out fixed-width chunks and takes them back for reuse. Chunks are identified by
// their slot number, never by the slice itself, so a chunk can only be returned through the
// slot it was rented from.
//
// A Pool is not safe for concurrent use.
type Pool struct {
	chunks    [][]uint32
	free      []int
	maxChunks int

	inUse     prometheus.Gauge
	rents     prometheus.Counter
	exhausted prometheus.Counter
	fallbacks prometheus.Counter
}

// NewPool creates a pool that allocates at most maxChunks chunks, lazily. Metrics are
// registered with reg if it is not nil.
func NewPool(maxChunks int, reg prometheus.Registerer) (*Pool, error) {
	if maxChunks <= 0 {
		return nil, errors.Wrapf(ErrInvalidPoolSize, "got %d", maxChunks)
	}

	f := promauto.With(reg)
	return &Pool{
		maxChunks: maxChunks,
		inUse: f.NewGauge(prometheus.GaugeOpts{
			Name: "hll_chunk_pool_chunks_in_use",
			Help: "Number of pooled chunks currently rented.",
		}),
		rents: f.NewCounter(prometheus.CounterOpts{
			Name: "hll_chunk_pool_rents_total",
			Help: "Total number of chunks rented from the pool.",
		}),
		exhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "hll_chunk_pool_exhausted_total",
			Help: "Total number of rents refused because the pool was exhausted.",
		}),
		fallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "hll_chunk_pool_fallbacks_total",
			Help: "Total number of chunks allocated outside the pool after it was exhausted.",
		}),
	}, nil
}

// Rent returns a zeroed chunk and the slot it must be freed through.
func (p *Pool) Rent() (int, []uint32, error) {
	var slot int
	switch {
	case len(p.free) > 0:
		slot = p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
	case len(p.chunks) < p.maxChunks:
		slot = len(p.chunks)
		p.chunks = append(p.chunks, make([]uint32, ChunkWidth))
	default:
		p.exhausted.Inc()
		return -1, nil, ErrPoolExhausted
	}

	p.rents.Inc()
	p.inUse.Inc()
	return slot, p.chunks[slot], nil
}

// Free zeroes the first used elements of the chunk in slot and makes it available again.
// Freeing a slot twice, or using a chunk after freeing it, is a caller error and is not detected.
func (p *Pool) Free(slot, used int) {
	used = max(0, min(used, ChunkWidth))
	clear(p.chunks[slot][:used])
	p.free = append(p.free, slot)
	p.inUse.Dec()
}

// InUse returns the number of chunks currently rented.
func (p *Pool) InUse() int {
	return len(p.chunks) - len(p.free)
}

// Allocated returns the number of chunks the pool has created so far.
func (p *Pool) Allocated() int {
	return len(p.chunks)
}

// MaxChunks returns the pool's chunk limit.
func (p *Pool) MaxChunks() int {
	return p.maxChunks
}
