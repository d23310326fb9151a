package observability

import (
	"context"
	"fmt"

	promexporter "go.opentelemetry.io/otel/exporters/prometheus"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics installs a global OTel meter provider backed by the Prometheus
// exporter, so the engine's counters surface on the default registry scraped
// via /metrics. The returned shutdown function flushes the provider; call it
// in a defer from main().
func InitMetrics() (func(context.Context) error, error) {
	exp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("op=observability.InitMetrics: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}
