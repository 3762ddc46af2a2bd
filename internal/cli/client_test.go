package cli

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic-maximizer/maximizer/internal/api"
	"github.com/elastic-maximizer/maximizer/internal/device"
	"github.com/elastic-maximizer/maximizer/internal/domain"
	"github.com/elastic-maximizer/maximizer/internal/kernel"
	"github.com/elastic-maximizer/maximizer/internal/scheduler"
)

type fixedExecutor struct{}

func (fixedExecutor) Dispatch(context.Context, domain.DispatchRequest) (time.Duration, error) {
	return 10 * time.Millisecond, nil
}

func newTestServer(t *testing.T, specs []kernel.Spec) *httptest.Server {
	t.Helper()
	dev, err := device.Preset(device.DefaultPreset)
	require.NoError(t, err)

	handler := api.NewMaximizerHandler(func() (api.SchedulerInterface, error) {
		s, err := scheduler.New(dev)
		if err != nil {
			return nil, err
		}
		kernels, err := kernel.Build(kernel.DefaultRegistry(), specs)
		if err != nil {
			return nil, err
		}
		for _, k := range kernels {
			if err := s.AddKernel(k); err != nil {
				return nil, err
			}
		}
		return s, nil
	}, fixedExecutor{}, dev)

	mux := http.NewServeMux()
	handler.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

var clientPool = []kernel.Spec{
	{Name: "va", Kind: domain.KindVectorAdd, Threads: 256, Blocks: 2, Size: 1 << 20},
	{Name: "sp", Kind: domain.KindScalarProduct, Threads: 128, Blocks: 4, Size: 1 << 20},
}

func TestClient_Occupancy(t *testing.T) {
	srv := newTestServer(t, clientPool)
	c := NewClient(srv.URL, "")

	rows, err := c.Occupancy(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, rows, len(scheduler.Policies()))
	assert.Equal(t, scheduler.Native, rows[0].Policy)
	assert.Equal(t, 2, rows[0].Utilization.Kernels)

	rows, err = c.Occupancy(context.Background(), scheduler.Fair)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, scheduler.Fair, rows[0].Policy)
	assert.NotEmpty(t, rows[0].RunID)
}

func TestClient_QueuesAndRun(t *testing.T) {
	srv := newTestServer(t, clientPool)
	c := NewClient(srv.URL, "")

	q, err := c.Queues(context.Background(), scheduler.Native)
	require.NoError(t, err)
	assert.Len(t, q.Queues, 2)

	run, err := c.Run(context.Background(), scheduler.Native)
	require.NoError(t, err)
	assert.InDelta(t, 0.010, run.MakespanSeconds, 1e-9)
}

func TestClient_DeviceAndHealth(t *testing.T) {
	srv := newTestServer(t, clientPool)
	c := NewClient(srv.URL, "")

	require.NoError(t, c.Health(context.Background()))
	dev, err := c.Device(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 14, dev.SMCount)
}

func TestClient_APIErrors(t *testing.T) {
	srv := newTestServer(t, nil)
	c := NewClient(srv.URL, "")

	_, err := c.Queues(context.Background(), scheduler.Native)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "NO_KERNELS", apiErr.Code)

	_, err = c.Queues(context.Background(), "")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "MISSING_POLICY", apiErr.Code)
}

func TestClient_SendsBearerToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewClient(srv.URL, "secret").Health(context.Background()))
	assert.Equal(t, "Bearer secret", got)
}
