package setup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	installed map[string]bool
	outputs   map[string]string
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.installed[name] {
		return "/usr/bin/" + name, nil
	}
	return "", errors.New("not found")
}

func (f *fakeRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	key := strings.TrimSpace(name + " " + strings.Join(args, " "))
	out, ok := f.outputs[key]
	if !ok {
		return nil, errors.New("exit status 1")
	}
	return []byte(out), nil
}

func writeOSRelease(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "os-release")
	require.NoError(t, os.WriteFile(path, []byte("NAME=\"Ubuntu\"\nID=ubuntu\nVERSION_ID=\"22.04\"\n"), 0644))
	return path
}

func TestChecker_AllInstalled(t *testing.T) {
	runner := &fakeRunner{
		installed: map[string]bool{"docker": true, "nvidia-smi": true, "nvidia-ctk": true},
		outputs: map[string]string{
			"docker version --format {{.Server.Version}}":                 "28.0.0\n",
			"nvidia-smi --query-gpu=driver_version --format=csv,noheader": "535.129.03\n535.129.03\n",
			"nvidia-smi --query-gpu=name --format=csv,noheader":           "NVIDIA GeForce GTX TITAN\n",
			"nvidia-ctk --version":                                        "NVIDIA Container Toolkit CLI version 1.14.3\ncommit: abc",
		},
	}
	c := NewCheckerWithRunner(runner, writeOSRelease(t))

	result := c.Run(context.Background(), ContainerTools)

	assert.Equal(t, "ubuntu", result.OSId)
	assert.Equal(t, "22.04", result.OSVersion)
	assert.True(t, result.GPUFound)
	assert.Equal(t, "NVIDIA GeForce GTX TITAN", result.GPUName)
	require.Len(t, result.Tools, 3)
	assert.Equal(t, "28.0.0", result.Tools[0].Version)
	assert.Equal(t, "535.129.03", result.Tools[1].Version)
	assert.Equal(t, "NVIDIA Container Toolkit CLI version 1.14.3", result.Tools[2].Version)
	assert.Empty(t, result.Missing())
	assert.NoError(t, result.Err())
}

func TestChecker_MissingRequired(t *testing.T) {
	runner := &fakeRunner{
		installed: map[string]bool{"docker": true},
		outputs:   map[string]string{},
	}
	c := NewCheckerWithRunner(runner, filepath.Join(t.TempDir(), "missing"))

	result := c.Run(context.Background(), ContainerTools)

	assert.Equal(t, "unknown", result.OSId)
	assert.False(t, result.GPUFound)
	assert.True(t, result.Tools[0].Installed)
	assert.Equal(t, "(version unknown)", result.Tools[0].Version)
	assert.Equal(t, []string{"nvidia-smi"}, result.Missing())

	err := result.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nvidia-smi")
}

func TestPreflightResult_Print(t *testing.T) {
	result := &PreflightResult{
		Tools: []ToolStatus{
			{Name: "docker", Required: true, Installed: true, Version: "28.0.0"},
			{Name: "nvidia-smi", Required: true},
			{Name: "nvidia-ctk"},
		},
		OSId:      "debian",
		OSVersion: "12",
		GPUFound:  true,
		GPUName:   "Tesla V100",
	}

	var buf bytes.Buffer
	result.Print(&buf)
	out := buf.String()

	assert.Contains(t, out, "docker: 28.0.0")
	assert.Contains(t, out, "nvidia-smi: NOT INSTALLED")
	assert.Contains(t, out, "nvidia-ctk: not installed (optional)")
	assert.Contains(t, out, "OS: debian 12")
	assert.Contains(t, out, "GPU: Tesla V100")
}
