package queue

import (
	"fmt"
	"strings"

	"github.com/elastic-maximizer/maximizer/internal/domain"
)

// ExecutionQueue holds kernels that run one after another while other queues
// run alongside. Kernels are referenced, not owned. The budget is the share of
// the device the queue was granted; Admit draws it down.
type ExecutionQueue struct {
	id        int
	limits    domain.ResourceLimits
	remaining domain.ResourceLimits
	kernels   []domain.ElasticKernel
}

// New creates an empty queue with the given budget
func New(id int, limits domain.ResourceLimits) *ExecutionQueue {
	return &ExecutionQueue{
		id:        id,
		limits:    limits,
		remaining: limits,
	}
}

func (q *ExecutionQueue) ID() int                       { return q.id }
func (q *ExecutionQueue) Limits() domain.ResourceLimits { return q.limits }
func (q *ExecutionQueue) Len() int                      { return len(q.kernels) }

// Remaining is the part of the budget not yet taken by admitted kernels
func (q *ExecutionQueue) Remaining() domain.ResourceLimits {
	return q.remaining
}

// Kernels returns the queued kernels in order
func (q *ExecutionQueue) Kernels() []domain.ElasticKernel {
	out := make([]domain.ElasticKernel, len(q.kernels))
	copy(out, q.kernels)
	return out
}

// Push appends a kernel without charging the budget
func (q *ExecutionQueue) Push(k domain.ElasticKernel) {
	q.kernels = append(q.kernels, k)
}

// Charge deducts an admitted kernel's aggregate usage from the budget
func (q *ExecutionQueue) Charge(usage domain.ResourceLimits) {
	q.remaining = q.remaining.Sub(usage)
}

// SetLimits replaces the granted budget and resets what remains of it
func (q *ExecutionQueue) SetLimits(limits domain.ResourceLimits) {
	q.limits = limits
	q.remaining = limits
}

func (q *ExecutionQueue) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "queue %d limits{blocks=%d smem=%d threads=%d regs=%d}",
		q.id, q.limits.Blocks, q.limits.SharedMem, q.limits.Threads, q.limits.Registers)
	for _, k := range q.kernels {
		fmt.Fprintf(&b, "\n  %s %s %s", k.Name(), k.Kind(), k.LaunchConfig())
	}
	return b.String()
}
