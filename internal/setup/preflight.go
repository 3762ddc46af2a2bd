// Package setup checks that a host can run the container executor.
package setup

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Tool is a host binary the container executor relies on
type Tool struct {
	Name string
	Args []string
	// Required tools fail the preflight when missing
	Required bool
}

// ContainerTools are checked before dispatching kernels as containers
var ContainerTools = []Tool{
	{Name: "docker", Args: []string{"version", "--format", "{{.Server.Version}}"}, Required: true},
	{Name: "nvidia-smi", Args: []string{"--query-gpu=driver_version", "--format=csv,noheader"}, Required: true},
	{Name: "nvidia-ctk", Args: []string{"--version"}},
}

// ToolStatus is the installation status of one tool
type ToolStatus struct {
	Name      string
	Required  bool
	Installed bool
	Version   string
}

// PreflightResult contains the results of the preflight check
type PreflightResult struct {
	Tools     []ToolStatus
	OSId      string // "ubuntu", "debian", etc.
	OSVersion string // "22.04", "12", etc.
	GPUFound  bool
	GPUName   string
}

// Runner runs a binary and returns its stdout
type Runner interface {
	LookPath(name string) (string, error)
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) LookPath(name string) (string, error) { return exec.LookPath(name) }

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Checker runs preflight checks
type Checker struct {
	runner    Runner
	osRelease string
	timeout   time.Duration
}

// NewChecker creates a checker that executes host binaries
func NewChecker() *Checker {
	return NewCheckerWithRunner(execRunner{}, "/etc/os-release")
}

// NewCheckerWithRunner creates a checker with a custom runner (for testing)
func NewCheckerWithRunner(runner Runner, osRelease string) *Checker {
	return &Checker{runner: runner, osRelease: osRelease, timeout: 10 * time.Second}
}

// Run checks every tool plus OS and GPU info
func (c *Checker) Run(ctx context.Context, tools []Tool) *PreflightResult {
	result := &PreflightResult{}
	result.OSId, result.OSVersion = c.detectOS()
	result.GPUFound, result.GPUName = c.detectGPU(ctx)
	for _, t := range tools {
		result.Tools = append(result.Tools, c.checkTool(ctx, t))
	}
	return result
}

// Missing returns the names of required tools that are not installed
func (r *PreflightResult) Missing() []string {
	var missing []string
	for _, t := range r.Tools {
		if t.Required && !t.Installed {
			missing = append(missing, t.Name)
		}
	}
	return missing
}

// Err reports missing required tools
func (r *PreflightResult) Err() error {
	if missing := r.Missing(); len(missing) > 0 {
		return fmt.Errorf("missing required tools: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Print writes the preflight check results
func (r *PreflightResult) Print(w io.Writer) {
	for _, t := range r.Tools {
		switch {
		case t.Installed:
			fmt.Fprintf(w, "  ✓ %s: %s\n", t.Name, t.Version)
		case t.Required:
			fmt.Fprintf(w, "  ✗ %s: NOT INSTALLED\n", t.Name)
		default:
			fmt.Fprintf(w, "  - %s: not installed (optional)\n", t.Name)
		}
	}
	fmt.Fprintf(w, "  OS: %s %s\n", r.OSId, r.OSVersion)
	if r.GPUFound {
		fmt.Fprintf(w, "  GPU: %s\n", r.GPUName)
	}
}

func (c *Checker) checkTool(ctx context.Context, t Tool) ToolStatus {
	ts := ToolStatus{Name: t.Name, Required: t.Required}
	if _, err := c.runner.LookPath(t.Name); err != nil {
		return ts
	}
	ts.Installed = true

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.runner.Output(ctx, t.Name, t.Args...)
	if err != nil {
		// Binary exists but version command failed
		ts.Version = "(version unknown)"
		return ts
	}
	ts.Version = firstLine(out)
	if len(ts.Version) > 60 {
		ts.Version = ts.Version[:60]
	}
	return ts
}

func (c *Checker) detectOS() (id, version string) {
	f, err := os.Open(c.osRelease)
	if err != nil {
		return "unknown", ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "ID="); ok {
			id = strings.Trim(v, "\"")
		}
		if v, ok := strings.CutPrefix(line, "VERSION_ID="); ok {
			version = strings.Trim(v, "\"")
		}
	}
	return id, version
}

func (c *Checker) detectGPU(ctx context.Context) (found bool, name string) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.runner.Output(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	if err != nil {
		return false, ""
	}
	name = firstLine(out)
	return name != "", name
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}
