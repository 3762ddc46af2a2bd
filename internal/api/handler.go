package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/elastic-maximizer/maximizer/internal/domain"
	"github.com/elastic-maximizer/maximizer/internal/queue"
	"github.com/elastic-maximizer/maximizer/internal/scheduler"
)

// PolicyUtilization is one row of GET /occupancy
type PolicyUtilization struct {
	Policy      scheduler.Policy   `json:"policy"`
	RunID       string             `json:"runId"`
	Utilization domain.Utilization `json:"utilization"`
}

// QueueView is one execution queue in GET /queues
type QueueView struct {
	ID      int                   `json:"id"`
	Limits  domain.ResourceLimits `json:"limits"`
	Kernels []KernelView          `json:"kernels"`
}

// KernelView is a kernel with its tuned launch
type KernelView struct {
	Name   string              `json:"name"`
	Kind   domain.WorkloadKind `json:"kind"`
	Launch domain.LaunchConfig `json:"launch"`
}

// QueuesResponse is returned by GET /queues
type QueuesResponse struct {
	Policy         scheduler.Policy      `json:"policy"`
	RunID          string                `json:"runId"`
	Queues         []QueueView           `json:"queues"`
	NonSchedulable []scheduler.Rejection `json:"nonSchedulable"`
}

// RunResponse is returned by POST /run
type RunResponse struct {
	Policy          scheduler.Policy   `json:"policy"`
	RunID           string             `json:"runId"`
	MakespanSeconds float64            `json:"makespanSeconds"`
	Utilization     domain.Utilization `json:"utilization"`
}

// ErrorResponse for error cases
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// SchedulerInterface defines operations needed from one scheduler run
type SchedulerInterface interface {
	RunID() string
	GetGPUOccupancyForPolicy(policy scheduler.Policy) (domain.Utilization, error)
	RunKernels(ctx context.Context, policy scheduler.Policy, exec domain.Executor) (time.Duration, error)
	Utilization() (domain.Utilization, error)
	Queues() []*queue.ExecutionQueue
	NonSchedulable() []scheduler.Rejection
}

// SchedulerFactory returns a fresh scheduler holding a fresh kernel pool.
// Every request gets its own because a scheduler cannot be reset.
type SchedulerFactory func() (SchedulerInterface, error)

// MaximizerHandler serves occupancy reports and runs over HTTP
type MaximizerHandler struct {
	newScheduler SchedulerFactory
	executor     domain.Executor
	device       domain.DeviceProfile
}

// NewMaximizerHandler creates a new handler
func NewMaximizerHandler(factory SchedulerFactory, executor domain.Executor, device domain.DeviceProfile) *MaximizerHandler {
	return &MaximizerHandler{
		newScheduler: factory,
		executor:     executor,
		device:       device,
	}
}

// Register mounts every route on mux
func (h *MaximizerHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/occupancy", h.HandleOccupancy)
	mux.HandleFunc("/queues", h.HandleQueues)
	mux.HandleFunc("/run", h.HandleRun)
	mux.HandleFunc("/device", h.HandleDevice)
	mux.HandleFunc("/health", h.HandleHealth)
}

// HandleOccupancy handles GET /occupancy[?policy=P]. Without a policy every
// policy is evaluated in table order.
func (h *MaximizerHandler) HandleOccupancy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	policies := scheduler.Policies()
	if name := r.URL.Query().Get("policy"); name != "" {
		p, err := scheduler.ParsePolicy(name)
		if err != nil {
			h.writeSchedulerError(w, err)
			return
		}
		policies = []scheduler.Policy{p}
	}

	rows := make([]PolicyUtilization, 0, len(policies))
	for _, p := range policies {
		s, err := h.newScheduler()
		if err != nil {
			h.writeSchedulerError(w, err)
			return
		}
		u, err := s.GetGPUOccupancyForPolicy(p)
		if err != nil {
			h.writeSchedulerError(w, err)
			return
		}
		rows = append(rows, PolicyUtilization{Policy: p, RunID: s.RunID(), Utilization: u})
	}

	h.writeJSON(w, http.StatusOK, rows)
}

// HandleQueues handles GET /queues?policy=P
func (h *MaximizerHandler) HandleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	p, ok := h.requirePolicy(w, r)
	if !ok {
		return
	}
	s, err := h.newScheduler()
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	if _, err := s.GetGPUOccupancyForPolicy(p); err != nil {
		h.writeSchedulerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, QueuesResponse{
		Policy:         p,
		RunID:          s.RunID(),
		Queues:         queueViews(s.Queues()),
		NonSchedulable: s.NonSchedulable(),
	})
}

// HandleRun handles POST /run?policy=P
func (h *MaximizerHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	p, ok := h.requirePolicy(w, r)
	if !ok {
		return
	}
	s, err := h.newScheduler()
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	score, err := s.RunKernels(r.Context(), p, h.executor)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	u, _ := s.Utilization()

	h.writeJSON(w, http.StatusOK, RunResponse{
		Policy:          p,
		RunID:           s.RunID(),
		MakespanSeconds: score.Seconds(),
		Utilization:     u,
	})
}

// HandleDevice handles GET /device
func (h *MaximizerHandler) HandleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	h.writeJSON(w, http.StatusOK, h.device)
}

// HandleHealth handles GET /health
func (h *MaximizerHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *MaximizerHandler) requirePolicy(w http.ResponseWriter, r *http.Request) (scheduler.Policy, bool) {
	name := r.URL.Query().Get("policy")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "policy query param required", "MISSING_POLICY")
		return "", false
	}
	p, err := scheduler.ParsePolicy(name)
	if err != nil {
		h.writeSchedulerError(w, err)
		return "", false
	}
	return p, true
}

func queueViews(queues []*queue.ExecutionQueue) []QueueView {
	views := make([]QueueView, 0, len(queues))
	for _, q := range queues {
		kernels := q.Kernels()
		v := QueueView{ID: q.ID(), Limits: q.Limits(), Kernels: make([]KernelView, 0, len(kernels))}
		for _, k := range kernels {
			v.Kernels = append(v.Kernels, KernelView{Name: k.Name(), Kind: k.Kind(), Launch: k.LaunchConfig()})
		}
		views = append(views, v)
	}
	return views
}

// writeSchedulerError maps scheduler errors to status codes
func (h *MaximizerHandler) writeSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrUnknownPolicy):
		h.writeError(w, http.StatusBadRequest, err.Error(), "UNKNOWN_POLICY")
	case errors.Is(err, scheduler.ErrNoKernels):
		h.writeError(w, http.StatusConflict, "kernel pool is empty", "NO_KERNELS")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusServiceUnavailable, err.Error(), "RUN_CANCELLED")
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}

// writeJSON writes a JSON response
func (h *MaximizerHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (h *MaximizerHandler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// Compile-time interface check
var _ SchedulerInterface = (*scheduler.Scheduler)(nil)
