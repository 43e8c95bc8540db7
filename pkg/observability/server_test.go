package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerEndpoints(t *testing.T) {
	m := NewMetrics()
	ready := true
	ts := httptest.NewServer(Handler(m, func() bool { return ready }))
	defer ts.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, _ := get("/healthz")
	assert.Equal(t, http.StatusOK, code)

	code, _ = get("/ready")
	assert.Equal(t, http.StatusOK, code)
	ready = false
	code, _ = get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	m.PublishTotal.WithLabelValues("accepted", "AUTH", "host-a").Inc()
	m.QueueDepth.Set(7)
	code, body := get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "bus_publish_total"))
	assert.True(t, strings.Contains(body, "bus_queue_depth 7"))
}
