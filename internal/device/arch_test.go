package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic-maximizer/maximizer/internal/domain"
)

func TestLookupArch_ExactMatch(t *testing.T) {
	a, err := LookupArch(3, 5)

	require.NoError(t, err)
	assert.Equal(t, 2048, a.MaxThreadsPerSM)
	assert.Equal(t, 16, a.MaxBlocksPerSM)
	assert.Equal(t, 65536, a.RegistersPerSM)
	assert.Equal(t, 49152, a.SharedMemPerSM)
}

func TestLookupArch_FallsBackToLowerMinor(t *testing.T) {
	a, err := LookupArch(8, 7)

	require.NoError(t, err)
	assert.Equal(t, archTable[capability{8, 6}], a)
}

func TestLookupArch_UnknownMajor(t *testing.T) {
	_, err := LookupArch(1, 3)

	assert.ErrorIs(t, err, ErrUnknownArch)
}

func TestPreset_GTXTitanMatchesScenarioDevice(t *testing.T) {
	p, err := Preset("gtx-titan")

	require.NoError(t, err)
	assert.Equal(t, 14, p.SMCount)
	assert.Equal(t, 2048, p.MaxThreadsPerSM)
	assert.Equal(t, 32, p.WarpSize)
	assert.Equal(t, 49152, p.SharedMemPerSM)
	assert.Equal(t, 65536, p.RegistersPerSM)
	assert.Equal(t, 6*gib, p.TotalGlobalMemory)
}

func TestPreset_Unknown(t *testing.T) {
	_, err := Preset("voodoo2")

	assert.ErrorIs(t, err, ErrUnknownPreset)
}

func TestPresetNames_AllResolve(t *testing.T) {
	for _, name := range PresetNames() {
		_, err := Preset(name)
		assert.NoError(t, err, name)
	}
}

func TestNewProfile_RejectsZeroSMs(t *testing.T) {
	_, err := NewProfile("broken", 3, 5, 0, gib)

	assert.ErrorIs(t, err, domain.ErrInvalidDevice)
}
