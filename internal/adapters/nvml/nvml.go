//go:build !nonvml
// +build !nonvml

package nvml

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/elastic-maximizer/maximizer/internal/device"
	"github.com/elastic-maximizer/maximizer/internal/domain"
)

// NVMLProvider reads the device-specific values (name, compute capability,
// SM count, memory) from NVML and fills in the per-SM limits from the
// architecture table.
type NVMLProvider struct{}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Init() error {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) Shutdown() error {
	ret := nvml.Shutdown()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) DeviceCount() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get device count: %v", nvml.ErrorString(ret))
	}
	return count, nil
}

func (p *NVMLProvider) DeviceProfile(index int) (domain.DeviceProfile, error) {
	dev, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return domain.DeviceProfile{}, fmt.Errorf("failed to get device %d: %v", index, nvml.ErrorString(ret))
	}

	name, ret := dev.GetName()
	if ret != nvml.SUCCESS {
		return domain.DeviceProfile{}, fmt.Errorf("failed to get device name: %v", nvml.ErrorString(ret))
	}
	major, minor, ret := dev.GetCudaComputeCapability()
	if ret != nvml.SUCCESS {
		return domain.DeviceProfile{}, fmt.Errorf("failed to get compute capability: %v", nvml.ErrorString(ret))
	}
	attrs, ret := dev.GetAttributes()
	if ret != nvml.SUCCESS {
		return domain.DeviceProfile{}, fmt.Errorf("failed to get device attributes: %v", nvml.ErrorString(ret))
	}
	memInfo, ret := dev.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return domain.DeviceProfile{}, fmt.Errorf("failed to get memory info: %v", nvml.ErrorString(ret))
	}

	return device.NewProfile(name, major, minor, int(attrs.MultiprocessorCount), int64(memInfo.Total))
}

// Compile-time interface check
var _ domain.DeviceProvider = (*NVMLProvider)(nil)
