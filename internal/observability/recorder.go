// Package observability holds the protocol metrics recorders (in-memory
// counters and Prometheus collectors) and the tracing bootstrap.
package observability

import "time"

// Drop reasons reported by the transport layer.
const (
	DropCollision  = "collision"
	DropLoss       = "loss"
	DropLinkDown   = "link_down"
	DropNoEndpoint = "no_endpoint"
)

// Recorder receives protocol events from stations, the coordinator and the
// transport. Components take a Recorder explicitly; there is no global one.
// Implementations must be safe for concurrent use.
type Recorder interface {
	RequestSent()
	RequestRetried()
	ResponseMalformed()
	AcquisitionSucceeded(latency time.Duration)
	AcquisitionFailed()
	// IdentifierAssigned is called by the coordinator with the number of
	// identifiers held after the assignment.
	IdentifierAssigned(held int)
	DataSent()
	DataReceived(bytes int)
	Dropped(channel, reason string)
	StateEntered(state string)
}

// Nop returns a Recorder that discards everything.
func Nop() Recorder { return nopRecorder{} }

type nopRecorder struct{}

func (nopRecorder) RequestSent()                       {}
func (nopRecorder) RequestRetried()                    {}
func (nopRecorder) ResponseMalformed()                 {}
func (nopRecorder) AcquisitionSucceeded(time.Duration) {}
func (nopRecorder) AcquisitionFailed()                 {}
func (nopRecorder) IdentifierAssigned(int)             {}
func (nopRecorder) DataSent()                          {}
func (nopRecorder) DataReceived(int)                   {}
func (nopRecorder) Dropped(string, string)             {}
func (nopRecorder) StateEntered(string)                {}

// Multi fans every event out to each non-nil recorder in order.
func Multi(recorders ...Recorder) Recorder {
	out := make(multiRecorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	switch len(out) {
	case 0:
		return Nop()
	case 1:
		return out[0]
	}
	return out
}

type multiRecorder []Recorder

func (m multiRecorder) RequestSent() {
	for _, r := range m {
		r.RequestSent()
	}
}

func (m multiRecorder) RequestRetried() {
	for _, r := range m {
		r.RequestRetried()
	}
}

func (m multiRecorder) ResponseMalformed() {
	for _, r := range m {
		r.ResponseMalformed()
	}
}

func (m multiRecorder) AcquisitionSucceeded(latency time.Duration) {
	for _, r := range m {
		r.AcquisitionSucceeded(latency)
	}
}

func (m multiRecorder) AcquisitionFailed() {
	for _, r := range m {
		r.AcquisitionFailed()
	}
}

func (m multiRecorder) IdentifierAssigned(held int) {
	for _, r := range m {
		r.IdentifierAssigned(held)
	}
}

func (m multiRecorder) DataSent() {
	for _, r := range m {
		r.DataSent()
	}
}

func (m multiRecorder) DataReceived(bytes int) {
	for _, r := range m {
		r.DataReceived(bytes)
	}
}

func (m multiRecorder) Dropped(channel, reason string) {
	for _, r := range m {
		r.Dropped(channel, reason)
	}
}

func (m multiRecorder) StateEntered(state string) {
	for _, r := range m {
		r.StateEntered(state)
	}
}
