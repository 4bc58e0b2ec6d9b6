package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/secinv-io/secinv-mcp/internal/api"
	"github.com/secinv-io/secinv-mcp/internal/registry"
	"github.com/secinv-io/secinv-mcp/internal/resources"
	"github.com/secinv-io/secinv-mcp/internal/usage"
)

type gatewayOptions struct {
	API    apiOptions
	Scheme string
	Usage  *usage.DriverOptions
	Logger *slog.Logger
	// RequireBackend fails construction when the backend URL or token is
	// missing. Listing commands leave it off.
	RequireBackend bool
}

// gateway is everything built at startup: a sealed registry, its metrics
// and the optional usage store.
type gateway struct {
	registry *registry.Registry
	metrics  *prometheus.Registry
	store    *usage.Store
	stats    *usage.Stats
	logger   *slog.Logger
}

func newGateway(opts gatewayOptions) (*gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var backend resources.Backend
	client, err := api.New(api.Config{
		BaseURL: opts.API.BaseURL,
		Token:   opts.API.Token,
		Version: resolveVersion(),
	})
	switch {
	case err == nil:
		backend = client
	case !opts.RequireBackend && errors.Is(err, api.ErrConfigurationMissing):
		backend = unavailableBackend{err: err}
	default:
		return nil, err
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom, err := usage.NewPrometheus(metrics)
	if err != nil {
		return nil, err
	}

	gw := &gateway{metrics: metrics, logger: logger}
	observers := []registry.Observer{prom}
	if opts.Usage != nil && opts.Usage.Enabled() {
		store, err := usage.Open(*opts.Usage)
		if err != nil {
			return nil, fmt.Errorf("open usage store: %w", err)
		}
		gw.store = store
		gw.stats = usage.NewStats(store, usage.WithStatsLogger(logger))
		observers = append(observers, gw.stats)
		logger.Info("usage tracking enabled", "driver", store.DriverName, "table", store.TableName)
	}

	scheme := opts.Scheme
	if scheme == "" {
		scheme = registry.DefaultScheme
	}
	gw.registry = registry.New(
		registry.WithScheme(scheme),
		registry.WithObserver(usage.Multi(observers...)),
		registry.WithLogger(logger),
	)
	if err := resources.Register(gw.registry, backend); err != nil {
		gw.Close()
		return nil, err
	}
	gw.registry.Seal()

	return gw, nil
}

func (g *gateway) server() *mcpServer {
	return &mcpServer{registry: g.registry, logger: g.logger}
}

// Close flushes pending usage writes and releases the store.
func (g *gateway) Close() {
	if g.stats != nil {
		g.stats.Close()
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Warn("close usage store", "error", err)
		}
	}
}

// unavailableBackend stands in for the client when only the catalogue is
// needed.
type unavailableBackend struct {
	err error
}

func (b unavailableBackend) Get(context.Context, string, map[string]any) (any, error) {
	return nil, b.err
}
