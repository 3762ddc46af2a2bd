package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/elastic-maximizer/maximizer/internal/domain"
	"github.com/elastic-maximizer/maximizer/internal/queue"
	"github.com/elastic-maximizer/maximizer/internal/scheduler"
)

// PolicyRow is one line of the per-policy occupancy table
type PolicyRow struct {
	Policy      scheduler.Policy
	Utilization domain.Utilization
}

// OptimalRow is the optimal block size of one workload kind
type OptimalRow struct {
	Kind        domain.WorkloadKind
	Profile     domain.KernelProfile
	BlockSize   int
	SMOccupancy float64
}

// RunSummary aggregates the makespans of repeated runs of one policy
type RunSummary struct {
	Policy    scheduler.Policy
	Makespans []time.Duration
}

// Mean is the average makespan
func (s RunSummary) Mean() time.Duration {
	if len(s.Makespans) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range s.Makespans {
		total += d
	}
	return total / time.Duration(len(s.Makespans))
}

// PrintHeader prints a section header
func PrintHeader(w io.Writer, title string) {
	fmt.Fprintf(w, "\n=== %s ===\n", title)
}

// PrintField prints a labeled field
func PrintField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %-22s %s\n", label+":", value)
}

// PrintDevice displays the device profile
func PrintDevice(w io.Writer, dev domain.DeviceProfile) {
	PrintHeader(w, "Device")
	PrintField(w, "Name", dev.Name)
	PrintField(w, "Compute capability", fmt.Sprintf("%d.%d", dev.ComputeMajor, dev.ComputeMinor))
	PrintField(w, "SMs", fmt.Sprint(dev.SMCount))
	PrintField(w, "Threads/SM", fmt.Sprint(dev.MaxThreadsPerSM))
	PrintField(w, "Blocks/SM", fmt.Sprint(dev.MaxBlocksPerSM))
	PrintField(w, "Shared memory/SM", fmt.Sprintf("%d B", dev.SharedMemPerSM))
	PrintField(w, "Registers/SM", fmt.Sprint(dev.RegistersPerSM))
	PrintField(w, "Global memory", fmt.Sprintf("%.1f GiB", float64(dev.TotalGlobalMemory)/(1<<30)))
}

// PrintPolicyTable displays average occupancy for each policy
func PrintPolicyTable(w io.Writer, rows []PolicyRow) {
	PrintHeader(w, "GPU occupancy per policy")

	fmt.Fprintf(w, "  %-34s %-9s %-9s %-7s %-7s %-7s\n", "Policy", "Compute", "Storage", "Queues", "Kernels", "Skipped")
	fmt.Fprintf(w, "  %-34s %-9s %-9s %-7s %-7s %-7s\n",
		strings.Repeat("-", 34), strings.Repeat("-", 9), strings.Repeat("-", 9),
		strings.Repeat("-", 7), strings.Repeat("-", 7), strings.Repeat("-", 7))

	for _, r := range rows {
		u := r.Utilization
		fmt.Fprintf(w, "  %-34s %-9s %-9s %-7d %-7d %-7d\n",
			r.Policy, percent(u.AverageComputeOccupancy), percent(u.AverageStorageOccupancy),
			u.Queues, u.Kernels, u.NonSchedulable)
	}
}

// PrintQueues displays every queue with its budget and tuned launches
func PrintQueues(w io.Writer, policy scheduler.Policy, queues []*queue.ExecutionQueue, rejected []scheduler.Rejection) {
	PrintHeader(w, fmt.Sprintf("Queues for %s (%d)", policy, len(queues)))

	if len(queues) == 0 {
		fmt.Fprintln(w, "  (no kernels admitted)")
	}
	for _, q := range queues {
		l := q.Limits()
		fmt.Fprintf(w, "  Queue %d  blocks=%d threads=%d registers=%d smem=%d\n",
			q.ID(), l.Blocks, l.Threads, l.Registers, l.SharedMem)
		for _, k := range q.Kernels() {
			fmt.Fprintf(w, "    %-24s %-15s %s\n", truncate(k.Name(), 24), k.Kind(), k.LaunchConfig())
		}
	}

	if len(rejected) > 0 {
		PrintHeader(w, fmt.Sprintf("Not schedulable (%d)", len(rejected)))
		for _, r := range rejected {
			fmt.Fprintf(w, "  %-24s %-15s %s\n", truncate(r.Kernel, 24), r.Kind, r.Reason)
		}
	}
}

// PrintOptimalTable displays the optimal block size per workload kind
func PrintOptimalTable(w io.Writer, rows []OptimalRow) {
	PrintHeader(w, "Optimal block size per kind")

	fmt.Fprintf(w, "  %-15s %-9s %-9s %-10s %-9s\n", "Kind", "Regs/thr", "Smem/blk", "Block", "SM occ.")
	fmt.Fprintf(w, "  %-15s %-9s %-9s %-10s %-9s\n",
		strings.Repeat("-", 15), strings.Repeat("-", 9), strings.Repeat("-", 9),
		strings.Repeat("-", 10), strings.Repeat("-", 9))

	for _, r := range rows {
		block := fmt.Sprint(r.BlockSize)
		if r.BlockSize == 0 {
			block = "infeasible"
		}
		fmt.Fprintf(w, "  %-15s %-9d %-9d %-10s %-9s\n",
			r.Kind, r.Profile.RegistersPerThread, r.Profile.SharedMemPerBlock, block, percent(r.SMOccupancy))
	}
}

// PrintRunSummaries displays the mean makespan per policy
func PrintRunSummaries(w io.Writer, summaries []RunSummary) {
	PrintHeader(w, "Run makespan per policy")

	fmt.Fprintf(w, "  %-34s %-8s %-14s\n", "Policy", "Samples", "Mean")
	fmt.Fprintf(w, "  %-34s %-8s %-14s\n", strings.Repeat("-", 34), strings.Repeat("-", 8), strings.Repeat("-", 14))

	for _, s := range summaries {
		fmt.Fprintf(w, "  %-34s %-8d %-14s\n", s.Policy, len(s.Makespans), s.Mean())
	}
}

func percent(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
