package observability

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// RuntimeCollector exposes event-loop and control-surface metrics for the
// live binaries and the sweep runner.
type RuntimeCollector struct {
	gatherer prometheus.Gatherer

	PendingEvents prometheus.Gauge
	RunDurations  *prometheus.HistogramVec
	RPCRequests   *prometheus.CounterVec
}

// NewRuntimeCollector registers runtime metrics against the provided registerer.
func NewRuntimeCollector(reg prometheus.Registerer) (*RuntimeCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tdma_scheduler_pending_events",
		Help: "Live timers and deliveries queued on the event loop.",
	}), "tdma_scheduler_pending_events")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tdma_run_duration_seconds",
		Help:    "Wall-clock duration of simulation runs, labeled by kind (scenario or sweep).",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"kind"})
	durations, err = registerHistogramVec(reg, durations, "tdma_run_duration_seconds")
	if err != nil {
		return nil, err
	}

	rpcs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tdma_rpc_requests_total",
		Help: "Handled control-surface RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"})
	rpcs, err = registerCounterVec(reg, rpcs, "tdma_rpc_requests_total")
	if err != nil {
		return nil, err
	}

	return &RuntimeCollector{
		gatherer:      gatherer,
		PendingEvents: pending,
		RunDurations:  durations,
		RPCRequests:   rpcs,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RuntimeCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// SetPendingEvents updates the event queue depth gauge.
func (c *RuntimeCollector) SetPendingEvents(n int) {
	if c == nil || c.PendingEvents == nil {
		return
	}
	c.PendingEvents.Set(float64(n))
}

// ObserveRun records the wall-clock duration of a run.
func (c *RuntimeCollector) ObserveRun(kind string, d time.Duration) {
	if c == nil || c.RunDurations == nil {
		return
	}
	c.RunDurations.WithLabelValues(kind).Observe(d.Seconds())
}

// UnaryServerInterceptor counts unary RPCs by service, method and status code.
func (c *RuntimeCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)

		if c == nil || c.RPCRequests == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}
