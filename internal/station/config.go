package station

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/signalsfoundry/tdma-simulator/internal/protocol"
)

var (
	// ErrAcquisitionFailed is reported when every identifier request went
	// unanswered (or was answered with garbage).
	ErrAcquisitionFailed = errors.New("identifier acquisition failed")
	// ErrInvalidConfig wraps station configuration errors.
	ErrInvalidConfig = errors.New("invalid station config")
	// ErrNoDataEndpoint is returned when a separate data channel is
	// configured without a data endpoint.
	ErrNoDataEndpoint = errors.New("separate data channel requires a data endpoint")
)

const (
	DefaultRetryTimeout  = 2 * time.Second
	DefaultRetryBound    = 3
	DefaultSlotDuration  = 10 * time.Millisecond
	DefaultCycleLength   = time.Second
	DefaultPacketsToSend = 2
	DefaultProbeSpacing  = time.Millisecond
)

// Config parameterises one station. The same type serves combined and
// separate control/data channel deployments.
type Config struct {
	// Name labels the station in logs.
	Name string
	// Ordinal is the station's 0-based creation order; probing starts at
	// Ordinal*ProbeSpacing after Start to desynchronise requests.
	Ordinal      int
	ProbeSpacing time.Duration

	// CoordinatorAddr receives identifier requests.
	CoordinatorAddr netip.AddrPort
	// SinkAddr receives data packets.
	SinkAddr netip.AddrPort
	// SeparateDataChannel sends data on a second channel that must be
	// associated after the identifier is known.
	SeparateDataChannel bool

	Codec       protocol.Codec
	RequestSize int
	PacketSize  int

	// RetryTimeout is the wait for a response before resending.
	RetryTimeout time.Duration
	// RetryBound is the number of resends after the first request.
	RetryBound int
	// FinalGrace is the wait after the last resend before giving up.
	FinalGrace time.Duration

	SlotDuration  time.Duration
	CycleLength   time.Duration
	PacketsToSend int
	RepeatPolicy  RepeatPolicy
	// Epoch aligns cycle boundaries across stations.
	Epoch time.Time
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	cfg := Config{RetryBound: DefaultRetryBound}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in zero-valued fields. RetryBound and FinalGrace are
// left alone since zero is meaningful for both.
func (c *Config) ApplyDefaults() {
	if c.ProbeSpacing == 0 {
		c.ProbeSpacing = DefaultProbeSpacing
	}
	if c.Codec == nil {
		c.Codec = protocol.TextCodec{}
	}
	if c.RequestSize == 0 {
		c.RequestSize = protocol.DefaultRequestSize
	}
	if c.PacketSize == 0 {
		c.PacketSize = protocol.DefaultPacketSize
	}
	if c.RetryTimeout == 0 {
		c.RetryTimeout = DefaultRetryTimeout
	}
	if c.SlotDuration == 0 {
		c.SlotDuration = DefaultSlotDuration
	}
	if c.CycleLength == 0 {
		c.CycleLength = DefaultCycleLength
	}
	if c.PacketsToSend == 0 {
		c.PacketsToSend = DefaultPacketsToSend
	}
}

// Validate checks the config for values the state machine cannot run with.
func (c Config) Validate() error {
	switch {
	case !c.CoordinatorAddr.IsValid():
		return fmt.Errorf("%w: coordinator address is required", ErrInvalidConfig)
	case !c.SinkAddr.IsValid():
		return fmt.Errorf("%w: sink address is required", ErrInvalidConfig)
	case c.Ordinal < 0:
		return fmt.Errorf("%w: ordinal must be >= 0, got %d", ErrInvalidConfig, c.Ordinal)
	case c.ProbeSpacing < 0:
		return fmt.Errorf("%w: probe spacing must be >= 0", ErrInvalidConfig)
	case c.RetryTimeout <= 0:
		return fmt.Errorf("%w: retry timeout must be > 0", ErrInvalidConfig)
	case c.RetryBound < 0:
		return fmt.Errorf("%w: retry bound must be >= 0", ErrInvalidConfig)
	case c.FinalGrace < 0:
		return fmt.Errorf("%w: final grace must be >= 0", ErrInvalidConfig)
	case c.PacketsToSend <= 0:
		return fmt.Errorf("%w: packets to send must be > 0", ErrInvalidConfig)
	case c.Codec == nil:
		return fmt.Errorf("%w: codec is required", ErrInvalidConfig)
	}
	if err := protocol.ValidateSize(c.RequestSize); err != nil {
		return fmt.Errorf("%w: request size: %v", ErrInvalidConfig, err)
	}
	if err := protocol.ValidateSize(c.PacketSize); err != nil {
		return fmt.Errorf("%w: packet size: %v", ErrInvalidConfig, err)
	}
	if _, err := ParseRepeatPolicy(c.RepeatPolicy.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.cycle().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// AcquisitionDeadline is the longest a station waits between link-up and
// reporting ErrAcquisitionFailed.
func (c Config) AcquisitionDeadline() time.Duration {
	return time.Duration(c.RetryBound)*c.RetryTimeout + c.FinalGrace
}

func (c Config) cycle() CycleController {
	return CycleController{Epoch: c.Epoch, Cycle: c.CycleLength, Slot: c.SlotDuration}
}
