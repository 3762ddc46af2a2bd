package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic-maximizer/maximizer/internal/device"
	"github.com/elastic-maximizer/maximizer/internal/domain"
	"github.com/elastic-maximizer/maximizer/internal/kernel"
	"github.com/elastic-maximizer/maximizer/internal/scheduler"
)

func TestPrintPolicyTable(t *testing.T) {
	var buf bytes.Buffer

	PrintPolicyTable(&buf, []PolicyRow{
		{Policy: scheduler.Fair, Utilization: domain.Utilization{
			AverageComputeOccupancy: 0.9375,
			AverageStorageOccupancy: 0.0125,
			Kernels:                 4,
			Queues:                  4,
		}},
	})

	out := buf.String()
	assert.Contains(t, out, "GPU occupancy per policy")
	assert.Contains(t, out, "FAIR")
	assert.Contains(t, out, "93.75%")
	assert.Contains(t, out, "1.25%")
}

func TestPrintQueues_ShowsLaunchesAndRejections(t *testing.T) {
	dev, err := device.Preset(device.DefaultPreset)
	require.NoError(t, err)
	s, err := scheduler.New(dev)
	require.NoError(t, err)
	kernels, err := kernel.Build(kernel.DefaultRegistry(), []kernel.Spec{
		{Name: "VECTOR_ADD__1", Kind: domain.KindVectorAdd, Threads: 256, Blocks: 2, Size: 1024},
	})
	require.NoError(t, err)
	require.NoError(t, s.AddKernel(kernels[0]))
	_, err = s.GetGPUOccupancyForPolicy(scheduler.Native)
	require.NoError(t, err)

	var buf bytes.Buffer
	PrintQueues(&buf, scheduler.Native, s.Queues(), []scheduler.Rejection{
		{Kernel: "MATRIX_MULT__9", Kind: "MATRIX_MULT", Reason: "no grid fits the queue budget"},
	})

	out := buf.String()
	assert.Contains(t, out, "Queues for NATIVE (1)")
	assert.Contains(t, out, "VECTOR_ADD__1")
	assert.Contains(t, out, "<<<2, 256>>>")
	assert.Contains(t, out, "Not schedulable (1)")
	assert.Contains(t, out, "MATRIX_MULT__9")
}

func TestPrintOptimalTable_MarksInfeasible(t *testing.T) {
	var buf bytes.Buffer

	PrintOptimalTable(&buf, []OptimalRow{
		{Kind: domain.KindVectorAdd, BlockSize: 1024, SMOccupancy: 1},
		{Kind: domain.KindMatrixMult, BlockSize: 0},
	})

	out := buf.String()
	assert.Contains(t, out, "100.00%")
	assert.Contains(t, out, "infeasible")
}

func TestRunSummary_Mean(t *testing.T) {
	s := RunSummary{Policy: scheduler.Native, Makespans: []time.Duration{time.Second, 3 * time.Second}}

	assert.Equal(t, 2*time.Second, s.Mean())
	assert.Zero(t, RunSummary{}.Mean())
}

func TestPrintDevice(t *testing.T) {
	dev, err := device.Preset(device.DefaultPreset)
	require.NoError(t, err)
	var buf bytes.Buffer

	PrintDevice(&buf, dev)

	assert.Contains(t, buf.String(), "GeForce GTX TITAN")
	assert.Contains(t, buf.String(), "3.5")
	assert.Contains(t, buf.String(), "6.0 GiB")
}
