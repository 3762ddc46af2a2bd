package scheduler

import (
	"slices"

	"github.com/samber/lo"

	"github.com/elastic-maximizer/maximizer/internal/domain"
	"github.com/elastic-maximizer/maximizer/internal/occupancy"
)

// onePerKernel gives every kernel a queue of its own
func onePerKernel(_ domain.DeviceProfile, kernels []domain.ElasticKernel) [][]domain.ElasticKernel {
	return lo.Map(kernels, func(k domain.ElasticKernel, _ int) []domain.ElasticKernel {
		return []domain.ElasticKernel{k}
	})
}

// minimumQueues finds the smallest queue count whose queues each hold a
// combined static footprint the device can cover. A kernel's static footprint
// is its registered geometry admitted against the whole device.
func minimumQueues(dev domain.DeviceProfile, kernels []domain.ElasticKernel) [][]domain.ElasticKernel {
	footprints := lo.Map(kernels, func(k domain.ElasticKernel, _ int) domain.ResourceLimits {
		return staticFootprint(dev, k)
	})
	for q := 1; q <= len(kernels); q++ {
		if groups, ok := packInto(dev.Limits(), kernels, footprints, q); ok {
			return groups
		}
	}
	return onePerKernel(dev, kernels)
}

func staticFootprint(dev domain.DeviceProfile, k domain.ElasticKernel) domain.ResourceLimits {
	admitted, err := occupancy.Admit(dev, k.Profile(), k.LaunchConfig(), dev.Limits())
	if err != nil {
		return domain.ResourceLimits{}
	}
	return occupancy.Usage(dev, k.Profile(), admitted.ThreadsPerBlock).Footprint(admitted.BlocksPerGrid)
}

// packInto runs first-fit decreasing over at most q bins of the given
// capacity. Kernels are ordered by dominant share, largest first. Each bin is
// returned in registration order.
func packInto(capacity domain.ResourceLimits, kernels []domain.ElasticKernel, footprints []domain.ResourceLimits, q int) ([][]domain.ElasticKernel, bool) {
	order := lo.Range(len(kernels))
	slices.SortStableFunc(order, func(a, b int) int {
		sa, sb := capacity.DominantShare(footprints[a]), capacity.DominantShare(footprints[b])
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		}
		return 0
	})

	var used []domain.ResourceLimits
	var bins [][]int
	for _, i := range order {
		placed := false
		for b := range bins {
			if next := used[b].Add(footprints[i]); capacity.Covers(next) {
				used[b] = next
				bins[b] = append(bins[b], i)
				placed = true
				break
			}
		}
		if placed {
			continue
		}
		if len(bins) == q {
			return nil, false
		}
		used = append(used, footprints[i])
		bins = append(bins, []int{i})
	}

	return lo.Map(bins, func(bin []int, _ int) []domain.ElasticKernel {
		slices.Sort(bin)
		return lo.Map(bin, func(i int, _ int) domain.ElasticKernel { return kernels[i] })
	}), true
}

// maximumConcurrency opens the largest number of queues m, at most one per
// kernel, for which every kernel still admits one block under a 1/m share of
// the device. Kernels are dealt out round-robin in registration order.
func maximumConcurrency(dev domain.DeviceProfile, kernels []domain.ElasticKernel) [][]domain.ElasticKernel {
	if len(kernels) == 0 {
		return nil
	}
	blocks := lo.Map(kernels, func(k domain.ElasticKernel, _ int) domain.ResourceLimits {
		return occupancy.Usage(dev, k.Profile(), k.LaunchConfig().ThreadsPerBlock).Footprint(1)
	})

	queues := len(kernels)
	for ; queues > 1; queues-- {
		share := dev.Limits().Divide(queues)
		if lo.EveryBy(blocks, share.Covers) {
			break
		}
	}

	groups := make([][]domain.ElasticKernel, queues)
	for i, k := range kernels {
		groups[i%queues] = append(groups[i%queues], k)
	}
	return groups
}
