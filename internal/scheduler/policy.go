package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/elastic-maximizer/maximizer/internal/domain"
)

var ErrUnknownPolicy = errors.New("unknown optimization policy")

// Policy selects how the kernel pool is split into queues and how the device
// budget is shared between them.
type Policy string

const (
	Native                        Policy = "NATIVE"
	Fair                          Policy = "FAIR"
	FairMaximumOccupancy          Policy = "FAIR_MAXIMUM_OCCUPANCY"
	MinimumQueues                 Policy = "MINIMUM_QUEUES"
	MinimumQueuesMaximumOccupancy Policy = "MINIMUM_QUEUES_MAXIMUM_OCCUPANCY"
	MaximumConcurrency            Policy = "MAXIMUM_CONCURRENCY"
)

// Policies lists every policy in reporting order
func Policies() []Policy {
	return []Policy{
		Native,
		Fair,
		FairMaximumOccupancy,
		MinimumQueues,
		MinimumQueuesMaximumOccupancy,
		MaximumConcurrency,
	}
}

// ParsePolicy accepts policy names in any case, with '-' or '_' separators
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	if _, ok := policyTable[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
	return p, nil
}

// queueFormation partitions schedulable kernels into queues
type queueFormation func(dev domain.DeviceProfile, kernels []domain.ElasticKernel) [][]domain.ElasticKernel

// limitDivision computes the budget granted to each queue
type limitDivision func(dev domain.DeviceProfile, queues, registered int) domain.ResourceLimits

type policyConfig struct {
	form   queueFormation
	divide limitDivision
	// retune moves each kernel to the block size with the best occupancy
	// that still fits its queue budget before admission
	retune bool
}

// Every policy admits against its queue budget. NATIVE's budget is the whole
// device, so its grids are only clipped to what the device keeps resident.
var policyTable = map[Policy]policyConfig{
	Native:                        {form: onePerKernel, divide: fullDevice},
	Fair:                          {form: onePerKernel, divide: perRegisteredKernel},
	FairMaximumOccupancy:          {form: onePerKernel, divide: perRegisteredKernel, retune: true},
	MinimumQueues:                 {form: minimumQueues, divide: perQueue},
	MinimumQueuesMaximumOccupancy: {form: minimumQueues, divide: perQueue, retune: true},
	MaximumConcurrency:            {form: maximumConcurrency, divide: perQueue},
}

func lookupPolicy(p Policy) (policyConfig, error) {
	cfg, ok := policyTable[p]
	if !ok {
		return policyConfig{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, p)
	}
	return cfg, nil
}

func fullDevice(dev domain.DeviceProfile, _, _ int) domain.ResourceLimits {
	return dev.Limits()
}

func perRegisteredKernel(dev domain.DeviceProfile, _, registered int) domain.ResourceLimits {
	return dev.Limits().Divide(registered)
}

func perQueue(dev domain.DeviceProfile, queues, _ int) domain.ResourceLimits {
	return dev.Limits().Divide(queues)
}
