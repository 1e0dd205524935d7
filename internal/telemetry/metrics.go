package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/tenantdb"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Resolve metrics
	ResolveTotal metric.Int64Counter

	// Connection source metrics
	SourcesCreatedTotal metric.Int64Counter
	SourceErrorsTotal   metric.Int64Counter
	SourcesCached       metric.Int64UpDownCounter

	// Migration metrics
	MigrationsAppliedTotal metric.Int64Counter
	MigrationErrorsTotal   metric.Int64Counter
	MigrationDuration      metric.Float64Histogram

	// Connection metrics
	ConnectionsAcquiredTotal metric.Int64Counter
	ConnectionsActive        metric.Int64UpDownCounter
	AcquireErrorsTotal       metric.Int64Counter
	AcquireDuration          metric.Float64Histogram
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.ResolveTotal, _ = meter.Int64Counter(
		"tenantdb.resolve.total",
		metric.WithDescription("Total number of tenant connection source lookups by result (hit, miss, error)"),
		metric.WithUnit("{lookup}"),
	)

	m.SourcesCreatedTotal, _ = meter.Int64Counter(
		"tenantdb.sources.created.total",
		metric.WithDescription("Total number of tenant connection sources created and migrated"),
		metric.WithUnit("{source}"),
	)

	m.SourceErrorsTotal, _ = meter.Int64Counter(
		"tenantdb.sources.errors.total",
		metric.WithDescription("Total number of failed connection source builds"),
		metric.WithUnit("{error}"),
	)

	m.SourcesCached, _ = meter.Int64UpDownCounter(
		"tenantdb.sources.cached",
		metric.WithDescription("Number of connection sources held in the cache"),
		metric.WithUnit("{source}"),
	)

	m.MigrationsAppliedTotal, _ = meter.Int64Counter(
		"tenantdb.migrations.applied.total",
		metric.WithDescription("Total number of migration scripts applied to tenant databases"),
		metric.WithUnit("{migration}"),
	)

	m.MigrationErrorsTotal, _ = meter.Int64Counter(
		"tenantdb.migrations.errors.total",
		metric.WithDescription("Total number of failed tenant migration runs"),
		metric.WithUnit("{error}"),
	)

	m.MigrationDuration, _ = meter.Float64Histogram(
		"tenantdb.migrations.duration",
		metric.WithDescription("Duration of tenant migration runs"),
		metric.WithUnit("ms"),
	)

	m.ConnectionsAcquiredTotal, _ = meter.Int64Counter(
		"tenantdb.connections.acquired.total",
		metric.WithDescription("Total number of connections handed out by the router"),
		metric.WithUnit("{connection}"),
	)

	m.ConnectionsActive, _ = meter.Int64UpDownCounter(
		"tenantdb.connections.active",
		metric.WithDescription("Number of routed connections currently acquired"),
		metric.WithUnit("{connection}"),
	)

	m.AcquireErrorsTotal, _ = meter.Int64Counter(
		"tenantdb.connections.acquire_errors.total",
		metric.WithDescription("Total number of failed connection acquisitions"),
		metric.WithUnit("{error}"),
	)

	m.AcquireDuration, _ = meter.Float64Histogram(
		"tenantdb.connections.acquire.duration",
		metric.WithDescription("Time spent waiting for a routed connection"),
		metric.WithUnit("ms"),
	)

	return m
}
