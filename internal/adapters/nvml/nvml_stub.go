//go:build nonvml
// +build nonvml

package nvml

import (
	"errors"

	"github.com/elastic-maximizer/maximizer/internal/domain"
)

var errNVMLUnavailable = errors.New("NVML not available (built with nonvml tag)")

// NVMLProvider stub - used when building without NVIDIA libraries
type NVMLProvider struct{}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Init() error {
	return errNVMLUnavailable
}

func (p *NVMLProvider) Shutdown() error {
	return nil
}

func (p *NVMLProvider) DeviceCount() (int, error) {
	return 0, errNVMLUnavailable
}

func (p *NVMLProvider) DeviceProfile(int) (domain.DeviceProfile, error) {
	return domain.DeviceProfile{}, errNVMLUnavailable
}

// Compile-time interface check
var _ domain.DeviceProvider = (*NVMLProvider)(nil)
