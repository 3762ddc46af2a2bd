package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elastic-maximizer/maximizer/internal/adapters/mtls"
	"github.com/elastic-maximizer/maximizer/internal/adapters/nvml"
	"github.com/elastic-maximizer/maximizer/internal/api"
	"github.com/elastic-maximizer/maximizer/internal/cli"
	"github.com/elastic-maximizer/maximizer/internal/config"
	"github.com/elastic-maximizer/maximizer/internal/container"
	"github.com/elastic-maximizer/maximizer/internal/dispatch"
	"github.com/elastic-maximizer/maximizer/internal/domain"
	"github.com/elastic-maximizer/maximizer/internal/kernel"
	"github.com/elastic-maximizer/maximizer/internal/metrics"
	"github.com/elastic-maximizer/maximizer/internal/occupancy"
	"github.com/elastic-maximizer/maximizer/internal/scheduler"
	"github.com/elastic-maximizer/maximizer/internal/services"
	"github.com/elastic-maximizer/maximizer/internal/setup"
	"github.com/elastic-maximizer/maximizer/internal/stream"
)

const usage = `Usage: maximizer [flags] <command>

Commands:
  device      print the modeled GPU
  occupancy   GPU occupancy of every policy (or -policy)
  queues      execution queues formed by -policy
  optimal     optimal block size of every workload kind
  run         dispatch the pool under every policy (or -policy) and report makespans
  serve       serve the HTTP API, /snapshot and /metrics
  preflight   check the host tools the container executor needs

Flags:
`

// app carries what every command needs. Kernels are rebuilt from specs for
// each scheduler since scheduling rewrites their launch configs.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	device   domain.DeviceProfile
	registry *kernel.Registry
	specs    []kernel.Spec
	recorder scheduler.Recorder
}

func main() {
	configPath := flag.String("config", "", "YAML config file")
	policyName := flag.String("policy", "", "Scheduling policy (default: all policies)")
	poolFile := flag.String("pool", "", "YAML kernel pool (default: built-in pool)")
	preset := flag.String("preset", "", "Device preset, overrides the config device")
	deviceIndex := flag.Int("device", -1, "NVML device index, switches the device source to nvml")
	samples := flag.Int("samples", 0, "Fresh runs averaged per policy by run")
	executorKind := flag.String("executor", "", "Executor for run and serve: simulated or container")
	listenAddr := flag.String("addr", "", "HTTP listen address for serve")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn or error")
	remote := flag.String("remote", "", "Base URL of a running serve, e.g. http://gpu-host:8080")
	token := flag.String("token", os.Getenv("MAXIMIZER_TOKEN"), "Bearer token sent with -remote requests")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *poolFile != "" {
		cfg.PoolFile = *poolFile
	}
	if *preset != "" {
		cfg.Device.Source = config.SourcePreset
		cfg.Device.Preset = *preset
	}
	if *deviceIndex >= 0 {
		cfg.Device.Source = config.SourceNVML
		cfg.Device.Index = *deviceIndex
	}
	if *samples > 0 {
		cfg.Samples = *samples
	}
	if *executorKind != "" {
		cfg.Executor.Kind = *executorKind
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	var policies []scheduler.Policy
	if *policyName != "" {
		p, err := scheduler.ParsePolicy(*policyName)
		if err != nil {
			log.Fatalf("%v", err)
		}
		policies = []scheduler.Policy{p}
	} else {
		policies = scheduler.Policies()
	}

	if *remote != "" {
		client := cli.NewClient(*remote, *token)
		if cfg.TLS.Enabled() {
			tlsConfig, err := mtls.ClientConfig(cfg.TLS)
			if err != nil {
				log.Fatalf("Failed to load client TLS: %v", err)
			}
			client.WithTLSConfig(tlsConfig)
		}
		if err := runRemote(client, command, *policyName, policies, cfg.Samples); err != nil {
			log.Fatalf("%s failed: %v", command, err)
		}
		return
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	switch command {
	case "device":
		cli.PrintDevice(os.Stdout, a.device)
	case "occupancy":
		err = a.occupancy(policies)
	case "queues":
		if *policyName == "" {
			log.Fatal("queues requires -policy")
		}
		err = a.queues(policies[0])
	case "optimal":
		err = a.optimal()
	case "run":
		err = a.run(policies)
	case "serve":
		err = a.serve()
	case "preflight":
		result := setup.NewChecker().Run(context.Background(), setup.ContainerTools)
		result.Print(os.Stdout)
		err = result.Err()
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

// runRemote answers a command from a remote serve instead of the local model
func runRemote(c *cli.Client, command, policyName string, policies []scheduler.Policy, samples int) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "device":
		dev, err := c.Device(ctx)
		if err != nil {
			return err
		}
		cli.PrintDevice(os.Stdout, dev)
	case "occupancy":
		var policy scheduler.Policy
		if policyName != "" {
			policy = policies[0]
		}
		rows, err := c.Occupancy(ctx, policy)
		if err != nil {
			return err
		}
		table := make([]cli.PolicyRow, 0, len(rows))
		for _, r := range rows {
			table = append(table, cli.PolicyRow{Policy: r.Policy, Utilization: r.Utilization})
		}
		cli.PrintPolicyTable(os.Stdout, table)
	case "queues":
		if policyName == "" {
			return errors.New("queues requires -policy")
		}
		resp, err := c.Queues(ctx, policies[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	case "run":
		summaries := make([]cli.RunSummary, 0, len(policies))
		for _, p := range policies {
			summary := cli.RunSummary{Policy: p}
			for i := 0; i < samples; i++ {
				resp, err := c.Run(ctx, p)
				if err != nil {
					return fmt.Errorf("%s sample %d: %w", p, i+1, err)
				}
				summary.Makespans = append(summary.Makespans, time.Duration(resp.MakespanSeconds*float64(time.Second)))
			}
			summaries = append(summaries, summary)
		}
		cli.PrintRunSummaries(os.Stdout, summaries)
	default:
		return fmt.Errorf("command %q is not available with -remote", command)
	}
	return nil
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	dev, err := resolveDevice(cfg)
	if err != nil {
		return nil, err
	}
	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	specs, err := kernel.LoadPool(cfg.PoolFile)
	if err != nil {
		return nil, err
	}
	logger.Info("device resolved", "name", dev.Name, "sms", dev.SMCount, "kernels", len(specs))
	return &app{
		cfg:      cfg,
		logger:   logger,
		device:   dev,
		registry: reg,
		specs:    specs,
	}, nil
}

// resolveDevice reads the device from NVML when asked to, falling back to the
// configured preset when no NVIDIA driver is present
func resolveDevice(cfg config.Config) (domain.DeviceProfile, error) {
	if cfg.Device.Source != config.SourceNVML {
		return cfg.StaticDevice()
	}

	var provider domain.DeviceProvider
	realNVML := nvml.NewNVMLProvider()
	if err := realNVML.Init(); err != nil {
		log.Printf("Warning: NVML not available (%v), using preset %s", err, cfg.Device.Preset)
		mock, err := nvml.NewPresetProvider(cfg.Device.Preset)
		if err != nil {
			return domain.DeviceProfile{}, err
		}
		provider = mock
		if err := provider.Init(); err != nil {
			return domain.DeviceProfile{}, err
		}
	} else {
		provider = realNVML
	}
	defer provider.Shutdown()

	index := cfg.Device.Index
	if _, ok := provider.(*nvml.MockDeviceProvider); ok {
		index = 0
	}
	p, err := provider.DeviceProfile(index)
	if err != nil {
		return domain.DeviceProfile{}, err
	}
	return cfg.ApplyOverrides(p), nil
}

// newScheduler builds a scheduler populated with a fresh copy of the pool
func (a *app) newScheduler() (*scheduler.Scheduler, error) {
	opts := []scheduler.Option{
		scheduler.WithLogger(a.logger),
		scheduler.WithStreamPool(stream.NewPool(a.cfg.Streams)),
	}
	if a.recorder != nil {
		opts = append(opts, scheduler.WithRecorder(a.recorder))
	}
	s, err := scheduler.New(a.device, opts...)
	if err != nil {
		return nil, err
	}
	kernels, err := kernel.Build(a.registry, a.specs)
	if err != nil {
		return nil, err
	}
	for _, k := range kernels {
		if err := s.AddKernel(k); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (a *app) occupancy(policies []scheduler.Policy) error {
	rows := make([]cli.PolicyRow, 0, len(policies))
	for _, p := range policies {
		s, err := a.newScheduler()
		if err != nil {
			return err
		}
		u, err := s.GetGPUOccupancyForPolicy(p)
		if err != nil {
			return err
		}
		rows = append(rows, cli.PolicyRow{Policy: p, Utilization: u})
	}
	cli.PrintDevice(os.Stdout, a.device)
	cli.PrintPolicyTable(os.Stdout, rows)
	return nil
}

func (a *app) queues(policy scheduler.Policy) error {
	s, err := a.newScheduler()
	if err != nil {
		return err
	}
	if _, err := s.GetGPUOccupancyForPolicy(policy); err != nil {
		return err
	}
	cli.PrintQueues(os.Stdout, policy, s.Queues(), s.NonSchedulable())
	return nil
}

func (a *app) optimal() error {
	kinds := a.registry.Kinds()
	rows := make([]cli.OptimalRow, 0, len(kinds))
	for _, kind := range kinds {
		kp, err := a.registry.Profile(kind)
		if err != nil {
			return err
		}
		opt, err := occupancy.FeasibleOptimal(a.device, kp)
		if err != nil {
			a.logger.Warn("no block size keeps a block resident", "kind", kind, "error", err)
		}
		rows = append(rows, cli.OptimalRow{
			Kind:        kind,
			Profile:     kp,
			BlockSize:   opt.BlockSize,
			SMOccupancy: opt.SMOccupancy,
		})
	}
	cli.PrintDevice(os.Stdout, a.device)
	cli.PrintOptimalTable(os.Stdout, rows)
	return nil
}

func (a *app) run(policies []scheduler.Policy) error {
	exec, closeExec, err := a.executor()
	if err != nil {
		return err
	}
	defer closeExec()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summaries := make([]cli.RunSummary, 0, len(policies))
	for _, p := range policies {
		summary := cli.RunSummary{Policy: p}
		for i := 0; i < a.cfg.Samples; i++ {
			s, err := a.newScheduler()
			if err != nil {
				return err
			}
			score, err := s.RunKernels(ctx, p, exec)
			if err != nil {
				return fmt.Errorf("%s sample %d: %w", p, i+1, err)
			}
			summary.Makespans = append(summary.Makespans, score)
		}
		summaries = append(summaries, summary)
	}
	cli.PrintRunSummaries(os.Stdout, summaries)
	return nil
}

// executor builds the configured executor and its cleanup
func (a *app) executor() (domain.Executor, func(), error) {
	switch a.cfg.Executor.Kind {
	case config.ExecutorContainer:
		if err := setup.NewChecker().Run(context.Background(), setup.ContainerTools).Err(); err != nil {
			a.logger.Warn("container preflight failed", "error", err)
		}
		dockerService, err := container.NewDockerService()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize Docker service: %w", err)
		}
		exec := dispatch.NewContainerExecutor(dockerService, dispatch.ContainerOptions{
			Image:       a.cfg.Executor.Image,
			GPUDeviceID: a.cfg.Executor.GPUDeviceID,
			MemoryLimit: a.cfg.MemoryLimitBytes(),
		})
		return exec, func() {
			if err := dockerService.Close(); err != nil {
				log.Printf("Docker client close error: %v", err)
			}
		}, nil
	default:
		exec := dispatch.NewSimulatedExecutor(a.device)
		exec.TimeScale = a.cfg.Executor.TimeScale
		return exec, func() {}, nil
	}
}

func (a *app) serve() error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewRecorder(registry, a.device.Name)
	if err != nil {
		return err
	}
	a.recorder = recorder

	exec, closeExec, err := a.executor()
	if err != nil {
		return err
	}
	defer closeExec()

	handler := api.NewMaximizerHandler(func() (api.SchedulerInterface, error) {
		s, err := a.newScheduler()
		if err != nil {
			return nil, err
		}
		return s, nil
	}, exec, a.device)

	// Re-evaluate every policy in the background so /metrics stays fresh
	daemon := services.NewOccupancyDaemon(func() (services.Evaluator, error) {
		s, err := a.newScheduler()
		if err != nil {
			return nil, err
		}
		return s, nil
	}, a.device.Name, a.cfg.SampleInterval.Duration)
	go daemon.Start()

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/snapshot", daemon)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	server := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listen := server.ListenAndServe
	if a.cfg.TLS.Enabled() {
		tlsConfig, err := mtls.ServerConfig(a.cfg.TLS)
		if err != nil {
			return err
		}
		server.TLSConfig = tlsConfig
		listen = func() error { return server.ListenAndServeTLS("", "") }
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting maximizer API on %s (mTLS: %t)", a.cfg.ListenAddr, a.cfg.TLS.Enabled())
		if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Println("Shutting down...")
	daemon.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("API server shutdown error: %v", err)
	}
	log.Println("Shutdown complete")
	return nil
}
