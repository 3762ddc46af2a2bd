package stream

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNoAvailableStreams = errors.New("no available streams")
	ErrStreamNotAllocated = errors.New("stream not allocated")
)

// DefaultSize matches the number of hardware work queues on Hyper-Q devices
const DefaultSize = 32

// Allocation tracks a single stream handed to a queue
type Allocation struct {
	QueueID     int
	AllocatedAt time.Time
	ReleasedAt  *time.Time // nil if still in use
}

// Pool hands out device stream ids to execution queues so that concurrent
// queues never share a stream.
type Pool struct {
	mu          sync.Mutex
	size        int
	allocations map[int]*Allocation
}

// NewPool creates a pool of streams 0..size-1
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{
		size:        size,
		allocations: make(map[int]*Allocation),
	}
}

// Size is the number of streams in the pool
func (p *Pool) Size() int {
	return p.size
}

// Allocate reserves the lowest free stream for the given queue
func (p *Pool) Allocate(queueID int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for stream := 0; stream < p.size; stream++ {
		alloc, exists := p.allocations[stream]
		if !exists || alloc.ReleasedAt != nil {
			p.allocations[stream] = &Allocation{
				QueueID:     queueID,
				AllocatedAt: time.Now(),
			}
			return stream, nil
		}
	}

	return 0, ErrNoAvailableStreams
}

// Release returns a stream to the pool
func (p *Pool) Release(stream int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	alloc, exists := p.allocations[stream]
	if !exists || alloc.ReleasedAt != nil {
		return ErrStreamNotAllocated
	}

	now := time.Now()
	alloc.ReleasedAt = &now
	return nil
}

// GetAllocation returns the current allocation of a stream
func (p *Pool) GetAllocation(stream int) (*Allocation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	alloc, exists := p.allocations[stream]
	if !exists {
		return nil, false
	}
	snapshot := *alloc
	return &snapshot, true
}

// AvailableCount returns the number of streams not currently held
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for stream := 0; stream < p.size; stream++ {
		alloc, exists := p.allocations[stream]
		if !exists || alloc.ReleasedAt != nil {
			count++
		}
	}
	return count
}
