package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/sqlgrid/sqlgrid/pkg/util/flagext"
)

// CoordinatorConfig selects how fragment reports leave the node.
type CoordinatorConfig struct {
	URL     flagext.URLValue `yaml:"url"`
	Timeout time.Duration    `yaml:"timeout"`
}

// RegisterFlags registers the flags.
func (cfg *CoordinatorConfig) RegisterFlags(f *flag.FlagSet) {
	f.Var(&cfg.URL, "coordinator.url", "Base URL of the coordinator that fragment status and terminal reports are delivered to. Empty means reports are only logged.")
	f.DurationVar(&cfg.Timeout, "coordinator.timeout", 10*time.Second, "Timeout for one report request to the coordinator.")
}

// Validate the config.
func (cfg *CoordinatorConfig) Validate() error {
	if cfg.Timeout <= 0 {
		return errors.New("invalid coordinator.timeout: must be greater than 0")
	}
	return nil
}

// NewCoordinatorClient builds the client reports go through: an HTTP client
// when a coordinator URL is configured, a logging stub otherwise.
func NewCoordinatorClient(cfg CoordinatorConfig, logger log.Logger) CoordinatorClient {
	if cfg.URL.URL == nil {
		return NewLogCoordinator(logger)
	}

	return &httpCoordinator{
		url: cfg.URL.URL,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// httpCoordinator posts JSON reports to the coordinator's executor callback
// endpoints.
type httpCoordinator struct {
	url    *url.URL
	client *http.Client
}

func (c *httpCoordinator) ReportStatus(ctx context.Context, statuses []FragmentStatus) error {
	return c.post(ctx, "/api/v1/executor/status", statuses)
}

func (c *httpCoordinator) ReportTerminal(ctx context.Context, terminal FragmentTerminal) error {
	return c.post(ctx, "/api/v1/executor/terminal", terminal)
}

func (c *httpCoordinator) post(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal coordinator report")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url.String()+path, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "build coordinator request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "deliver coordinator report")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return errors.Errorf("coordinator returned HTTP %d for %s", resp.StatusCode, path)
	}
	return nil
}
