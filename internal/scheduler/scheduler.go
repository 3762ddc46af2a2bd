// Package scheduler turns a pool of elastic kernels into concurrent execution
// queues under one optimization policy, tunes every kernel's launch geometry
// to its queue's share of the device, and either evaluates the resulting
// occupancy statically or dispatches the queues.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/elastic-maximizer/maximizer/internal/domain"
	"github.com/elastic-maximizer/maximizer/internal/occupancy"
	"github.com/elastic-maximizer/maximizer/internal/queue"
	"github.com/elastic-maximizer/maximizer/internal/stream"
)

var (
	ErrNoKernels        = errors.New("no kernels registered")
	ErrAlreadyScheduled = errors.New("scheduler already scheduled; use a new scheduler per run")
	ErrNotScheduled     = errors.New("scheduler has not been scheduled")
)

// State is the lifecycle stage of one scheduler run
type State int

const (
	StateEmpty State = iota
	StatePopulated
	StateScheduled
	StateEvaluated
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StatePopulated:
		return "Populated"
	case StateScheduled:
		return "Scheduled"
	case StateEvaluated:
		return "Evaluated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Recorder receives the outcome of each evaluated policy
type Recorder interface {
	RecordUtilization(policy string, u domain.Utilization)
	RecordRun(policy string, score time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordUtilization(string, domain.Utilization) {}
func (noopRecorder) RecordRun(string, time.Duration)              {}

// Rejection explains why a kernel was left out of the schedule
type Rejection struct {
	Kernel string `json:"kernel"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger; the run id is attached to every record
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStreamPool sets the streams queues are dispatched on
func WithStreamPool(pool *stream.Pool) Option {
	return func(s *Scheduler) {
		if pool != nil {
			s.streams = pool
		}
	}
}

// WithRecorder reports utilization and run scores, e.g. to Prometheus
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.recorder = r
		}
	}
}

// Scheduler owns one run over a kernel pool. It is not safe for concurrent
// use and cannot be reset; create a new one per run.
type Scheduler struct {
	device   domain.DeviceProfile
	runID    string
	logger   *slog.Logger
	streams  *stream.Pool
	recorder Recorder

	state          State
	policy         Policy
	kernels        []domain.ElasticKernel
	queues         []*queue.ExecutionQueue
	nonSchedulable []Rejection
	utilization    domain.Utilization
}

// New creates a scheduler for one device. The device profile is read once
// and held for the whole run.
func New(device domain.DeviceProfile, opts ...Option) (*Scheduler, error) {
	if err := device.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		device:   device,
		runID:    shortuuid.New(),
		logger:   slog.Default(),
		streams:  stream.NewPool(stream.DefaultSize),
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("run", s.runID)
	return s, nil
}

func (s *Scheduler) RunID() string                { return s.runID }
func (s *Scheduler) State() State                 { return s.state }
func (s *Scheduler) Policy() Policy               { return s.policy }
func (s *Scheduler) Device() domain.DeviceProfile { return s.device }

// Kernels returns the registered pool in registration order
func (s *Scheduler) Kernels() []domain.ElasticKernel {
	return append([]domain.ElasticKernel(nil), s.kernels...)
}

// Queues returns the queues formed by the last schedule
func (s *Scheduler) Queues() []*queue.ExecutionQueue {
	return append([]*queue.ExecutionQueue(nil), s.queues...)
}

// NonSchedulable lists the kernels excluded from the last schedule
func (s *Scheduler) NonSchedulable() []Rejection {
	return append([]Rejection(nil), s.nonSchedulable...)
}

// Utilization is the result of the last evaluation
func (s *Scheduler) Utilization() (domain.Utilization, error) {
	if s.state < StateScheduled {
		return domain.Utilization{}, ErrNotScheduled
	}
	return s.utilization, nil
}

// AddKernel registers a kernel with the pending pool. No resource arithmetic
// happens here.
func (s *Scheduler) AddKernel(k domain.ElasticKernel) error {
	if s.state >= StateScheduled {
		return ErrAlreadyScheduled
	}
	if err := k.Profile().Validate(); err != nil {
		return fmt.Errorf("kernel %s: %w", k.Name(), err)
	}
	if err := k.LaunchConfig().Validate(); err != nil {
		return fmt.Errorf("kernel %s: %w", k.Name(), err)
	}
	s.kernels = append(s.kernels, k)
	s.state = StatePopulated
	return nil
}

// GetGPUOccupancyForPolicy schedules the pool under policy without running
// anything and averages compute and storage occupancy over the admitted
// kernels.
func (s *Scheduler) GetGPUOccupancyForPolicy(policy Policy) (domain.Utilization, error) {
	if err := s.schedule(policy); err != nil {
		return domain.Utilization{}, err
	}
	return s.utilization, nil
}

// RunKernels schedules the pool under policy and dispatches it through exec.
// Queues run concurrently, each on its own stream; kernels within a queue run
// in order. The score is the makespan: the longest queue's summed kernel
// durations.
func (s *Scheduler) RunKernels(ctx context.Context, policy Policy, exec domain.Executor) (time.Duration, error) {
	if err := s.schedule(policy); err != nil {
		return 0, err
	}

	start := time.Now()
	spans := make([]time.Duration, len(s.queues))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.streams.Size())
	for i, q := range s.queues {
		i, q := i, q
		g.Go(func() error {
			span, err := s.runQueue(gctx, q, exec)
			spans[i] = span
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("failed to run kernels: %w", err)
	}

	score := lo.Max(spans)
	s.state = StateEvaluated
	s.recorder.RecordRun(string(policy), score)
	s.logger.Info("Kernels dispatched",
		"policy", policy,
		"queues", len(s.queues),
		"makespan", score,
		"wall", time.Since(start))
	return score, nil
}

func (s *Scheduler) runQueue(ctx context.Context, q *queue.ExecutionQueue, exec domain.Executor) (time.Duration, error) {
	streamID, err := s.streams.Allocate(q.ID())
	if err != nil {
		return 0, fmt.Errorf("queue %d: %w", q.ID(), err)
	}
	defer func() { _ = s.streams.Release(streamID) }()

	var span time.Duration
	for _, k := range q.Kernels() {
		d, err := k.Execute(ctx, exec, streamID)
		if err != nil {
			return span, fmt.Errorf("kernel %s on stream %d: %w", k.Name(), streamID, err)
		}
		s.logger.Debug("Kernel finished", "kernel", k.Name(), "queue", q.ID(), "stream", streamID, "duration", d)
		span += d
	}
	return span, nil
}

// schedule performs the Scheduled transition: drop kernels that cannot run
// at all, form queues, divide the device and admit every kernel against its
// queue's remaining budget, retuning block sizes inside each grant when the
// policy asks.
func (s *Scheduler) schedule(policy Policy) error {
	cfg, err := lookupPolicy(policy)
	if err != nil {
		return err
	}
	switch s.state {
	case StateEmpty:
		return ErrNoKernels
	case StateScheduled, StateEvaluated:
		return ErrAlreadyScheduled
	}
	s.policy = policy

	schedulable := make([]domain.ElasticKernel, 0, len(s.kernels))
	for _, k := range s.kernels {
		if reason, ok := s.prepare(k); !ok {
			s.reject(k, reason)
			continue
		}
		schedulable = append(schedulable, k)
	}

	groups := cfg.form(s.device, schedulable)
	limits := cfg.divide(s.device, len(groups), len(s.kernels))
	for i, group := range groups {
		q := queue.New(i, limits)
		s.admitQueue(q, group, cfg.retune)
		if q.Len() > 0 {
			s.queues = append(s.queues, q)
		}
	}

	s.utilization = s.evaluate()
	s.state = StateScheduled
	s.recorder.RecordUtilization(string(policy), s.utilization)
	if len(s.nonSchedulable) > 0 {
		s.logger.Warn("Kernels not schedulable",
			"policy", policy,
			"count", len(s.nonSchedulable),
			"reasons", lo.CountValuesBy(s.nonSchedulable, func(r Rejection) string { return r.Reason }))
	}
	s.logger.Info("Kernels scheduled",
		"policy", policy,
		"kernels", len(s.kernels),
		"queues", len(s.queues),
		"nonSchedulable", len(s.nonSchedulable),
		"computeOccupancy", s.utilization.AverageComputeOccupancy,
		"storageOccupancy", s.utilization.AverageStorageOccupancy)
	return nil
}

// prepare checks that a kernel fits device memory and can keep one block of
// its registered size resident.
func (s *Scheduler) prepare(k domain.ElasticKernel) (string, bool) {
	kp := k.Profile()
	if !occupancy.FitsGlobalMemory(s.device, k.MemoryFootprint()) {
		return fmt.Sprintf("memory footprint %d exceeds device memory %d", k.MemoryFootprint(), s.device.TotalGlobalMemory), false
	}
	if occupancy.MaxResidentBlocksPerSM(s.device, kp, 1) == 0 {
		return "profile cannot keep a single block resident", false
	}
	if tpb := k.LaunchConfig().ThreadsPerBlock; occupancy.MaxResidentBlocksPerSM(s.device, kp, tpb) == 0 {
		return fmt.Sprintf("block size %d cannot be resident", tpb), false
	}
	return "", true
}

// admitQueue admits kernels against the queue budget. Grants are computed
// first at registered geometry. Retuning then happens inside each kernel's own
// grant, so it never takes room from another kernel; kernels granted nothing
// get one retuned attempt at whatever the queue still has left. Kernels stay
// in registration order.
func (s *Scheduler) admitQueue(q *queue.ExecutionQueue, group []domain.ElasticKernel, retune bool) {
	grants := s.grant(q.Limits(), group)

	remaining := q.Limits()
	for _, g := range grants {
		remaining = remaining.Sub(g)
	}

	used := make([]domain.ResourceLimits, len(group))
	for i, k := range group {
		if grants[i].Blocks == 0 {
			continue
		}
		if retune {
			s.retune(k, grants[i])
		}
		used[i] = s.admitWithin(k, grants[i])
		remaining = remaining.Add(grants[i].Sub(used[i]))
	}
	if retune {
		for i, k := range group {
			if grants[i].Blocks > 0 {
				continue
			}
			s.retune(k, remaining)
			used[i] = s.admitWithin(k, remaining)
			remaining = remaining.Sub(used[i])
		}
	}

	for i, k := range group {
		if used[i].Blocks == 0 {
			s.reject(k, "no grid fits the queue budget")
			continue
		}
		q.Push(k)
		q.Charge(used[i])
		s.logger.Debug("Kernel admitted", "kernel", k.Name(), "queue", q.ID(), "launch", k.LaunchConfig().String())
	}
}

// grant admits kernels in order against what the queue has left and returns
// each kernel's footprint, zero for kernels that got no block. Each kernel
// leaves room for one block of every kernel behind it when the budget allows,
// so early kernels cannot starve later ones.
func (s *Scheduler) grant(limits domain.ResourceLimits, group []domain.ElasticKernel) []domain.ResourceLimits {
	reserve := make([]domain.ResourceLimits, len(group)+1)
	for i := len(group) - 1; i >= 0; i-- {
		k := group[i]
		block := occupancy.Usage(s.device, k.Profile(), k.LaunchConfig().ThreadsPerBlock).Footprint(1)
		reserve[i] = reserve[i+1].Add(block)
	}

	grants := make([]domain.ResourceLimits, len(group))
	remaining := limits
	for i, k := range group {
		budget := remaining
		if budget.Covers(reserve[i+1]) {
			budget = budget.Sub(reserve[i+1])
		}
		cfg, err := occupancy.Admit(s.device, k.Profile(), k.LaunchConfig(), budget)
		if err != nil || !cfg.Admitted() {
			continue
		}
		grants[i] = occupancy.Usage(s.device, k.Profile(), cfg.ThreadsPerBlock).Footprint(cfg.BlocksPerGrid)
		remaining = remaining.Sub(grants[i])
	}
	return grants
}

// admitWithin shrinks k's grid to fit budget and returns the footprint it
// takes; zero when not even one block fits.
func (s *Scheduler) admitWithin(k domain.ElasticKernel, budget domain.ResourceLimits) domain.ResourceLimits {
	cfg, err := occupancy.Admit(s.device, k.Profile(), k.LaunchConfig(), budget)
	if err != nil || !cfg.Admitted() {
		return domain.ResourceLimits{}
	}
	k.SetLaunchConfig(cfg)
	return occupancy.Usage(s.device, k.Profile(), cfg.ThreadsPerBlock).Footprint(cfg.BlocksPerGrid)
}

// retune moves k to the block size with the highest occupancy among those
// whose single block fits budget, keeping its total thread count. The
// registered size is kept on ties and when no size fits.
func (s *Scheduler) retune(k domain.ElasticKernel, budget domain.ResourceLimits) {
	kp := k.Profile()
	cfg := k.LaunchConfig()

	opt := occupancy.OptimalWithin(s.device, kp, budget)
	if opt.BlockSize == 0 || opt.BlockSize == cfg.ThreadsPerBlock {
		return
	}
	registeredFits := budget.Covers(occupancy.Usage(s.device, kp, cfg.ThreadsPerBlock).Footprint(1))
	if registeredFits && opt.SMOccupancy <= occupancy.ComputeOccupancy(s.device, kp, cfg) {
		return
	}

	total := cfg.ThreadsPerBlock * cfg.BlocksPerGrid
	k.SetLaunchConfig(domain.LaunchConfig{
		ThreadsPerBlock: opt.BlockSize,
		BlocksPerGrid:   (total + opt.BlockSize - 1) / opt.BlockSize,
	})
}

func (s *Scheduler) reject(k domain.ElasticKernel, reason string) {
	cfg := k.LaunchConfig()
	cfg.BlocksPerGrid = 0
	k.SetLaunchConfig(cfg)

	s.nonSchedulable = append(s.nonSchedulable, Rejection{
		Kernel: k.Name(),
		Kind:   string(k.Kind()),
		Reason: reason,
	})
	s.logger.Debug("Kernel not schedulable", "kernel", k.Name(), "kind", k.Kind(), "reason", reason)
}

func (s *Scheduler) evaluate() domain.Utilization {
	admitted := lo.FlatMap(s.queues, func(q *queue.ExecutionQueue, _ int) []domain.ElasticKernel {
		return q.Kernels()
	})

	u := domain.Utilization{
		Kernels:        len(s.kernels),
		NonSchedulable: len(s.nonSchedulable),
		Queues:         len(s.queues),
	}
	if len(admitted) == 0 {
		return u
	}

	compute := lo.SumBy(admitted, func(k domain.ElasticKernel) float64 {
		return occupancy.ComputeOccupancy(s.device, k.Profile(), k.LaunchConfig())
	})
	storage := lo.SumBy(admitted, func(k domain.ElasticKernel) float64 {
		return occupancy.StorageOccupancy(s.device, k.MemoryFootprint())
	})
	u.AverageComputeOccupancy = compute / float64(len(admitted))
	u.AverageStorageOccupancy = storage / float64(len(admitted))
	return u
}
