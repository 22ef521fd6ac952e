package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ProtocolCollector bundles Prometheus metrics for identifier acquisition and
// slotted data traffic. It implements Recorder.
type ProtocolCollector struct {
	gatherer prometheus.Gatherer

	RequestsSent       prometheus.Counter
	RequestRetries     prometheus.Counter
	MalformedResponses prometheus.Counter
	Acquisitions       *prometheus.CounterVec
	AcquisitionLatency prometheus.Histogram
	IdentifiersHeld    prometheus.Gauge
	DataSentTotal      prometheus.Counter
	DataReceivedTotal  prometheus.Counter
	BytesReceived      prometheus.Counter
	Drops              *prometheus.CounterVec
	StateTransitions   *prometheus.CounterVec
}

// NewProtocolCollector registers protocol metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewProtocolCollector(reg prometheus.Registerer) (*ProtocolCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tdma_identifier_requests_total",
		Help: "Identifier requests sent by stations, including retries.",
	}), "tdma_identifier_requests_total")
	if err != nil {
		return nil, err
	}
	retries, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tdma_identifier_request_retries_total",
		Help: "Identifier requests resent after a timeout or malformed response.",
	}), "tdma_identifier_request_retries_total")
	if err != nil {
		return nil, err
	}
	malformed, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tdma_malformed_responses_total",
		Help: "Identifier responses that did not decode to a positive identifier.",
	}), "tdma_malformed_responses_total")
	if err != nil {
		return nil, err
	}

	acquisitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tdma_acquisitions_total",
		Help: "Completed identifier acquisitions, labeled by result (ok or failed).",
	}, []string{"result"})
	acquisitions, err = registerCounterVec(reg, acquisitions, "tdma_acquisitions_total")
	if err != nil {
		return nil, err
	}

	latency, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tdma_acquisition_latency_seconds",
		Help:    "Time from link-up to identifier assignment, in simulation seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 4, 8},
	}), "tdma_acquisition_latency_seconds")
	if err != nil {
		return nil, err
	}

	held, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tdma_identifiers_held",
		Help: "Identifiers currently held by the coordinator registry.",
	}), "tdma_identifiers_held")
	if err != nil {
		return nil, err
	}

	dataSent, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tdma_data_packets_sent_total",
		Help: "Data packets transmitted by stations in their slots.",
	}), "tdma_data_packets_sent_total")
	if err != nil {
		return nil, err
	}
	dataRx, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tdma_data_packets_received_total",
		Help: "Data packets received by the coordinator sink.",
	}), "tdma_data_packets_received_total")
	if err != nil {
		return nil, err
	}
	rxBytes, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tdma_data_bytes_received_total",
		Help: "Payload bytes received by the coordinator sink.",
	}), "tdma_data_bytes_received_total")
	if err != nil {
		return nil, err
	}

	drops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tdma_drops_total",
		Help: "Frames dropped on the receive path, labeled by channel and reason.",
	}, []string{"channel", "reason"})
	drops, err = registerCounterVec(reg, drops, "tdma_drops_total")
	if err != nil {
		return nil, err
	}

	states := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tdma_station_state_transitions_total",
		Help: "Station state machine transitions, labeled by the state entered.",
	}, []string{"state"})
	states, err = registerCounterVec(reg, states, "tdma_station_state_transitions_total")
	if err != nil {
		return nil, err
	}

	return &ProtocolCollector{
		gatherer:           gatherer,
		RequestsSent:       requests,
		RequestRetries:     retries,
		MalformedResponses: malformed,
		Acquisitions:       acquisitions,
		AcquisitionLatency: latency,
		IdentifiersHeld:    held,
		DataSentTotal:      dataSent,
		DataReceivedTotal:  dataRx,
		BytesReceived:      rxBytes,
		Drops:              drops,
		StateTransitions:   states,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ProtocolCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ProtocolCollector) Handler() http.Handler {
	gatherer := c.Gatherer()
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *ProtocolCollector) RequestSent() {
	if c == nil || c.RequestsSent == nil {
		return
	}
	c.RequestsSent.Inc()
}

func (c *ProtocolCollector) RequestRetried() {
	if c == nil || c.RequestRetries == nil {
		return
	}
	c.RequestRetries.Inc()
}

func (c *ProtocolCollector) ResponseMalformed() {
	if c == nil || c.MalformedResponses == nil {
		return
	}
	c.MalformedResponses.Inc()
}

func (c *ProtocolCollector) AcquisitionSucceeded(latency time.Duration) {
	if c == nil {
		return
	}
	if c.Acquisitions != nil {
		c.Acquisitions.WithLabelValues("ok").Inc()
	}
	if c.AcquisitionLatency != nil {
		c.AcquisitionLatency.Observe(latency.Seconds())
	}
}

func (c *ProtocolCollector) AcquisitionFailed() {
	if c == nil || c.Acquisitions == nil {
		return
	}
	c.Acquisitions.WithLabelValues("failed").Inc()
}

func (c *ProtocolCollector) IdentifierAssigned(held int) {
	if c == nil || c.IdentifiersHeld == nil {
		return
	}
	c.IdentifiersHeld.Set(float64(held))
}

func (c *ProtocolCollector) DataSent() {
	if c == nil || c.DataSentTotal == nil {
		return
	}
	c.DataSentTotal.Inc()
}

func (c *ProtocolCollector) DataReceived(bytes int) {
	if c == nil {
		return
	}
	if c.DataReceivedTotal != nil {
		c.DataReceivedTotal.Inc()
	}
	if c.BytesReceived != nil {
		c.BytesReceived.Add(float64(bytes))
	}
}

func (c *ProtocolCollector) Dropped(channel, reason string) {
	if c == nil || c.Drops == nil {
		return
	}
	c.Drops.WithLabelValues(channel, reason).Inc()
}

func (c *ProtocolCollector) StateEntered(state string) {
	if c == nil || c.StateTransitions == nil {
		return
	}
	c.StateTransitions.WithLabelValues(state).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
