package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/leased/internal/logging"
)

func TestGetIsSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestCounters(t *testing.T) {
	r := Get()
	before := testutil.ToFloat64(r.ARPProbes.WithLabelValues("eth9"))
	r.ARPProbes.WithLabelValues("eth9").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(r.ARPProbes.WithLabelValues("eth9")))
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	Get().ARPOutcomes.WithLabelValues("eth9", "free").Inc()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, ln, logging.New(logging.Config{Output: io.Discard})) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "leased_arp_outcomes_total")

	cancel()
	assert.NoError(t, <-errCh)
}
