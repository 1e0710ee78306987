package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlgrid/sqlgrid/pkg/util/flagext"
)

func TestNewCoordinatorClientFallsBackToLogging(t *testing.T) {
	var cfg CoordinatorConfig
	flagext.DefaultValues(&cfg)

	c := NewCoordinatorClient(cfg, log.NewNopLogger())
	require.NoError(t, c.ReportStatus(context.Background(), nil))
	require.NoError(t, c.ReportTerminal(context.Background(), FragmentTerminal{}))
}

func TestHTTPCoordinatorReports(t *testing.T) {
	type received struct {
		path string
		body []byte
	}
	got := make(chan received, 2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		buf, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		got <- received{path: r.URL.Path, body: buf}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var cfg CoordinatorConfig
	flagext.DefaultValues(&cfg)
	require.NoError(t, cfg.URL.Set(srv.URL))

	c := NewCoordinatorClient(cfg, log.NewNopLogger())

	statuses := []FragmentStatus{{Handle: MakeFragmentHandle(4, 1, 2), State: "Runnable", RowsProcessed: 10}}
	require.NoError(t, c.ReportStatus(context.Background(), statuses))

	r := <-got
	assert.Equal(t, "/api/v1/executor/status", r.path)
	var decoded []FragmentStatus
	require.NoError(t, json.Unmarshal(r.body, &decoded))
	assert.Equal(t, statuses, decoded)

	term := FragmentTerminal{Handle: MakeFragmentHandle(4, 1, 2), State: "Failed", Reason: "resource_exhausted"}
	require.NoError(t, c.ReportTerminal(context.Background(), term))

	r = <-got
	assert.Equal(t, "/api/v1/executor/terminal", r.path)
}

func TestHTTPCoordinatorRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "coordinator restarting", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var cfg CoordinatorConfig
	flagext.DefaultValues(&cfg)
	require.NoError(t, cfg.URL.Set(srv.URL))

	c := NewCoordinatorClient(cfg, log.NewNopLogger())
	err := c.ReportStatus(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 503")
}

func TestCoordinatorConfigValidate(t *testing.T) {
	var cfg CoordinatorConfig
	flagext.DefaultValues(&cfg)
	require.NoError(t, cfg.Validate())

	cfg.Timeout = -time.Second
	require.Error(t, cfg.Validate())
}

func TestClusterConfig(t *testing.T) {
	var cfg ClusterConfig
	flagext.DefaultValues(&cfg)
	require.NoError(t, cfg.Validate())

	// Default topology knows the local node, so load reporting works.
	ci := cfg.ClusterInfo()
	cores, err := ci.AverageExecutorCores()
	require.NoError(t, err)
	assert.Greater(t, cores, int64(0))
	assert.Equal(t, 1, ci.ExecutorNodeCount())

	// Unknown topology fails load reporting instead of dividing by zero.
	cfg.ExecutorNodes = 0
	ci = cfg.ClusterInfo()
	_, err = ci.AverageExecutorCores()
	require.ErrorIs(t, err, ErrNoExecutorNodes)
}
