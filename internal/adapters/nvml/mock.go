package nvml

import (
	"fmt"

	"github.com/elastic-maximizer/maximizer/internal/device"
	"github.com/elastic-maximizer/maximizer/internal/domain"
)

// MockDeviceProvider serves fixed device profiles, for tests and for hosts
// without a GPU.
type MockDeviceProvider struct {
	Profiles []domain.DeviceProfile
	InitErr  error
}

func NewMockDeviceProvider(profiles ...domain.DeviceProfile) *MockDeviceProvider {
	return &MockDeviceProvider{Profiles: profiles}
}

// NewPresetProvider serves a single named preset
func NewPresetProvider(preset string) (*MockDeviceProvider, error) {
	p, err := device.Preset(preset)
	if err != nil {
		return nil, err
	}
	return NewMockDeviceProvider(p), nil
}

func (p *MockDeviceProvider) Init() error {
	return p.InitErr
}

func (p *MockDeviceProvider) Shutdown() error {
	return nil
}

func (p *MockDeviceProvider) DeviceCount() (int, error) {
	return len(p.Profiles), nil
}

func (p *MockDeviceProvider) DeviceProfile(index int) (domain.DeviceProfile, error) {
	if index < 0 || index >= len(p.Profiles) {
		return domain.DeviceProfile{}, fmt.Errorf("device index %d out of range (%d devices)", index, len(p.Profiles))
	}
	return p.Profiles[index], nil
}

// Compile-time interface check
var _ domain.DeviceProvider = (*MockDeviceProvider)(nil)
