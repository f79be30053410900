// Package metrics exposes OpenTelemetry instruments for the daemon's
// supervision activity: spawns, restarts, health checks, and current
// worker counts by status.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	meterName      = "github.com/steveyegge/mabd/daemon"
	serviceName    = "mabd"
	serviceVersion = "0.1.0"
)

// Daemon holds OTel instruments for the supervisor. All methods are
// nil-safe so callers don't need to guard against disabled telemetry.
// A real SDK MeterProvider backs the instruments (resource-tagged, with
// an in-process manual reader) rather than the no-op global provider.
// daemon.status does not read these instruments; it queries the store.
type Daemon struct {
	provider *sdkmetric.MeterProvider
	reader   sdkmetric.Reader

	spawnTotal   metric.Int64Counter
	restartTotal metric.Int64Counter
	healthChecks metric.Int64Counter

	mu              sync.RWMutex
	workersByStatus map[string]int64
}

// New builds a resource-tagged SDK MeterProvider, installs it as the
// global provider, and registers all daemon instruments against it.
// Returns an error if resource detection or instrument registration
// fails.
func New(ctx context.Context) (*Daemon, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
		resource.WithHost(),
		resource.WithOS(),
	)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(provider)

	m := provider.Meter(meterName)
	d := &Daemon{provider: provider, reader: reader, workersByStatus: make(map[string]int64)}

	d.spawnTotal, err = m.Int64Counter("mabd.worker.spawn.total",
		metric.WithDescription("Total number of worker spawn attempts"))
	if err != nil {
		return nil, err
	}

	d.restartTotal, err = m.Int64Counter("mabd.worker.restart.total",
		metric.WithDescription("Total number of worker respawns issued by the restart supervisor"))
	if err != nil {
		return nil, err
	}

	d.healthChecks, err = m.Int64Counter("mabd.health.check.total",
		metric.WithDescription("Total number of health-monitor check cycles"))
	if err != nil {
		return nil, err
	}

	statusGauge, err := m.Int64ObservableGauge("mabd.worker.count",
		metric.WithDescription("Current worker count by status"))
	if err != nil {
		return nil, err
	}

	_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		for status, count := range d.workersByStatus {
			o.ObserveInt64(statusGauge, count, metric.WithAttributes(attribute.String("status", status)))
		}
		return nil
	}, statusGauge)
	if err != nil {
		return nil, err
	}

	return d, nil
}

// RecordSpawn increments the spawn counter, labeled by role.
func (d *Daemon) RecordSpawn(ctx context.Context, role string, ok bool) {
	if d == nil {
		return
	}
	d.spawnTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role), attribute.Bool("ok", ok)))
}

// RecordRestart increments the restart counter, labeled by role.
func (d *Daemon) RecordRestart(ctx context.Context, role string) {
	if d == nil {
		return
	}
	d.restartTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordHealthCheck increments the health-check cycle counter.
func (d *Daemon) RecordHealthCheck(ctx context.Context) {
	if d == nil {
		return
	}
	d.healthChecks.Add(ctx, 1)
}

// SetWorkerCounts replaces the observed worker-count-by-status snapshot
// reported the next time the manual reader collects.
func (d *Daemon) SetWorkerCounts(counts map[string]int64) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workersByStatus = counts
}

// Shutdown flushes and releases the underlying MeterProvider. Safe to
// call on a nil Daemon.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if d == nil || d.provider == nil {
		return nil
	}
	return d.provider.Shutdown(ctx)
}
