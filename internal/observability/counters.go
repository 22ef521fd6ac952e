package observability

import (
	"fmt"
	"sync"
	"time"
)

// Counters tracks in-memory protocol counters for one run.
// All counters are concurrency-safe.
type Counters struct {
	mu sync.Mutex

	requestsSent        uint64
	requestRetries      uint64
	malformedResponses  uint64
	acquisitions        uint64
	acquisitionFailures uint64

	// acquisitionLatency is the sum over successful acquisitions.
	acquisitionLatency time.Duration
	identifiersHeld    int

	dataSent      uint64
	dataReceived  uint64
	bytesReceived uint64

	drops  map[string]uint64 // keyed by channel
	states map[string]uint64
}

// NewCounters creates a Counters instance with all counters at zero.
func NewCounters() *Counters {
	return &Counters{
		drops:  make(map[string]uint64),
		states: make(map[string]uint64),
	}
}

func (c *Counters) RequestSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsSent++
}

func (c *Counters) RequestRetried() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestRetries++
}

func (c *Counters) ResponseMalformed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.malformedResponses++
}

func (c *Counters) AcquisitionSucceeded(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquisitions++
	c.acquisitionLatency += latency
}

func (c *Counters) AcquisitionFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquisitionFailures++
}

func (c *Counters) IdentifierAssigned(held int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identifiersHeld = held
}

func (c *Counters) DataSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataSent++
}

func (c *Counters) DataReceived(bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataReceived++
	c.bytesReceived += uint64(bytes)
}

func (c *Counters) Dropped(channel, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drops[channel]++
}

func (c *Counters) StateEntered(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[state]++
}

// CountersSnapshot is a point-in-time copy of Counters.
type CountersSnapshot struct {
	RequestsSent        uint64            `json:"requests_sent" yaml:"requests_sent"`
	RequestRetries      uint64            `json:"request_retries" yaml:"request_retries"`
	MalformedResponses  uint64            `json:"malformed_responses" yaml:"malformed_responses"`
	Acquisitions        uint64            `json:"acquisitions" yaml:"acquisitions"`
	AcquisitionFailures uint64            `json:"acquisition_failures" yaml:"acquisition_failures"`
	MeanAcquisition     time.Duration     `json:"mean_acquisition" yaml:"mean_acquisition"`
	IdentifiersHeld     int               `json:"identifiers_held" yaml:"identifiers_held"`
	DataSent            uint64            `json:"data_sent" yaml:"data_sent"`
	DataReceived        uint64            `json:"data_received" yaml:"data_received"`
	BytesReceived       uint64            `json:"bytes_received" yaml:"bytes_received"`
	Drops               map[string]uint64 `json:"drops" yaml:"drops"`
	StateEntries        map[string]uint64 `json:"state_entries" yaml:"state_entries"`
}

// Snapshot returns a copy of the current values.
func (c *Counters) Snapshot() CountersSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := CountersSnapshot{
		RequestsSent:        c.requestsSent,
		RequestRetries:      c.requestRetries,
		MalformedResponses:  c.malformedResponses,
		Acquisitions:        c.acquisitions,
		AcquisitionFailures: c.acquisitionFailures,
		IdentifiersHeld:     c.identifiersHeld,
		DataSent:            c.dataSent,
		DataReceived:        c.dataReceived,
		BytesReceived:       c.bytesReceived,
		Drops:               make(map[string]uint64, len(c.drops)),
		StateEntries:        make(map[string]uint64, len(c.states)),
	}
	if c.acquisitions > 0 {
		snap.MeanAcquisition = c.acquisitionLatency / time.Duration(c.acquisitions)
	}
	for k, v := range c.drops {
		snap.Drops[k] = v
	}
	for k, v := range c.states {
		snap.StateEntries[k] = v
	}
	return snap
}

// String returns a one-line summary.
func (c *Counters) String() string {
	snap := c.Snapshot()
	var drops uint64
	for _, v := range snap.Drops {
		drops += v
	}
	return fmt.Sprintf("protocol: requests=%d retries=%d malformed=%d acquired=%d failed=%d held=%d data_tx=%d data_rx=%d rx_bytes=%d drops=%d",
		snap.RequestsSent,
		snap.RequestRetries,
		snap.MalformedResponses,
		snap.Acquisitions,
		snap.AcquisitionFailures,
		snap.IdentifiersHeld,
		snap.DataSent,
		snap.DataReceived,
		snap.BytesReceived,
		drops,
	)
}
