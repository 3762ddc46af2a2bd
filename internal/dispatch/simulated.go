// Package dispatch holds the executors that turn a tuned kernel launch into
// device work: a simulated executor that models duration from the launch
// shape, and a container executor that runs a workload image.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elastic-maximizer/maximizer/internal/domain"
)

var ErrNotAdmitted = errors.New("kernel has no admitted blocks")

// Per-element cost of each workload kind on one thread
var elementCost = map[domain.WorkloadKind]time.Duration{
	domain.KindVectorAdd:     2 * time.Nanosecond,
	domain.KindMatrixMult:    4 * time.Nanosecond,
	domain.KindChunking:      8 * time.Nanosecond,
	domain.KindBlackScholes:  40 * time.Nanosecond,
	domain.KindScalarProduct: 3 * time.Nanosecond,
}

const defaultElementCost = 4 * time.Nanosecond

// SimulatedExecutor models a kernel's duration as the work per active
// thread times a per-kind element cost. Active threads are capped by what
// the whole device can hold at once.
type SimulatedExecutor struct {
	device domain.DeviceProfile
	// TimeScale > 0 makes Dispatch sleep for the modeled duration times scale
	TimeScale float64
}

func NewSimulatedExecutor(device domain.DeviceProfile) *SimulatedExecutor {
	return &SimulatedExecutor{device: device}
}

// Work is the element count a kernel processes; dense matrix products are
// cubic in their dimension.
func Work(kind domain.WorkloadKind, size int64) int64 {
	if kind == domain.KindMatrixMult {
		return size * size * size
	}
	return size
}

// Model returns the modeled duration of a launch
func (e *SimulatedExecutor) Model(req domain.DispatchRequest) (time.Duration, error) {
	if err := req.Launch.Validate(); err != nil {
		return 0, err
	}
	if !req.Launch.Admitted() {
		return 0, fmt.Errorf("%w: %s", ErrNotAdmitted, req.Name)
	}

	capacity := int64(e.device.SMCount * e.device.MaxThreadsPerSM)
	threads := min(int64(req.Launch.ThreadsPerBlock)*int64(req.Launch.BlocksPerGrid), capacity)
	work := Work(req.Kind, req.WorkloadSize)
	perThread := (work + threads - 1) / threads

	cost, ok := elementCost[req.Kind]
	if !ok {
		cost = defaultElementCost
	}
	return time.Duration(perThread) * cost, nil
}

// Dispatch models the launch and, when scaled, waits that long
func (e *SimulatedExecutor) Dispatch(ctx context.Context, req domain.DispatchRequest) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d, err := e.Model(req)
	if err != nil {
		return 0, err
	}
	if e.TimeScale <= 0 {
		return d, nil
	}

	timer := time.NewTimer(time.Duration(float64(d) * e.TimeScale))
	defer timer.Stop()
	select {
	case <-timer.C:
		return d, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

var _ domain.Executor = (*SimulatedExecutor)(nil)
