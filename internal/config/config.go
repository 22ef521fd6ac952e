// Package config defines a simulation scenario and loads it from YAML, JSON
// or Lua files.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/signalsfoundry/tdma-simulator/internal/coordinator"
	"github.com/signalsfoundry/tdma-simulator/internal/protocol"
	"github.com/signalsfoundry/tdma-simulator/internal/station"
	"github.com/signalsfoundry/tdma-simulator/internal/transport"
)

var (
	// ErrInvalid wraps every validation failure other than slot overlap.
	ErrInvalid = errors.New("invalid scenario")
	// ErrSlotOverlap is station.ErrSlotOverlap, re-exported so callers that
	// only load scenarios can match it.
	ErrSlotOverlap = station.ErrSlotOverlap
)

// Scenario defaults.
const (
	DefaultStations  = 10
	DefaultStartTime = time.Second
	DefaultStopTime  = 200 * time.Second
	DefaultEndTime   = 201 * time.Second
)

// Medium holds the simulated channel parameters of a scenario.
type Medium struct {
	DataRate          float64       `json:"data_rate" yaml:"data_rate"`
	PropagationDelay  time.Duration `json:"propagation_delay" yaml:"propagation_delay"`
	LossProbability   float64       `json:"loss_probability" yaml:"loss_probability"`
	AssociationDelay  time.Duration `json:"association_delay" yaml:"association_delay"`
	AssociationJitter time.Duration `json:"association_jitter" yaml:"association_jitter"`
	Seed              uint64        `json:"seed" yaml:"seed"`
}

// Scenario is one simulation run: a coordinator and Stations stations
// sharing a medium. Times are offsets from the start of the run.
type Scenario struct {
	Name     string `json:"name" yaml:"name"`
	Stations int    `json:"stations" yaml:"stations"`

	PacketsToSend int `json:"packets_to_send" yaml:"packets_to_send"`
	PacketSize    int `json:"packet_size" yaml:"packet_size"`
	RequestSize   int `json:"request_size" yaml:"request_size"`

	SlotDuration time.Duration `json:"slot_duration" yaml:"slot_duration"`
	CycleLength  time.Duration `json:"cycle_length" yaml:"cycle_length"`
	RepeatPolicy string        `json:"repeat_policy" yaml:"repeat_policy"`

	RetryTimeout time.Duration `json:"retry_timeout" yaml:"retry_timeout"`
	RetryBound   int           `json:"retry_bound" yaml:"retry_bound"`
	FinalGrace   time.Duration `json:"final_grace" yaml:"final_grace"`
	ProbeSpacing time.Duration `json:"probe_spacing" yaml:"probe_spacing"`

	StartTime time.Duration `json:"start_time" yaml:"start_time"`
	StopTime  time.Duration `json:"stop_time" yaml:"stop_time"`
	EndTime   time.Duration `json:"end_time" yaml:"end_time"`

	Codec               string `json:"codec" yaml:"codec"`
	Sticky              bool   `json:"sticky" yaml:"sticky"`
	SeparateDataChannel bool   `json:"separate_data_channel" yaml:"separate_data_channel"`

	Medium Medium `json:"medium" yaml:"medium"`
}

// Default returns the reference scenario: ten stations sending two 200-byte
// packets in 10ms slots of a 1s cycle over a lossless 6 Mb/s medium.
func Default() Scenario {
	mc := transport.DefaultMediumConfig()
	return Scenario{
		Name:          "default",
		Stations:      DefaultStations,
		PacketsToSend: station.DefaultPacketsToSend,
		PacketSize:    protocol.DefaultPacketSize,
		RequestSize:   protocol.DefaultRequestSize,
		SlotDuration:  station.DefaultSlotDuration,
		CycleLength:   station.DefaultCycleLength,
		RepeatPolicy:  station.SlotInCycle.String(),
		RetryTimeout:  station.DefaultRetryTimeout,
		RetryBound:    station.DefaultRetryBound,
		ProbeSpacing:  station.DefaultProbeSpacing,
		StartTime:     DefaultStartTime,
		StopTime:      DefaultStopTime,
		EndTime:       DefaultEndTime,
		Codec:         protocol.CodecText,
		Medium: Medium{
			DataRate:         mc.DataRate,
			PropagationDelay: mc.PropagationDelay,
			AssociationDelay: mc.AssociationDelay,
			Seed:             mc.Seed,
		},
	}
}

// ApplyDefaults fills fields whose zero value is never meaningful. Retry
// bound, final grace, loss, jitter and start time are left alone.
func (s *Scenario) ApplyDefaults() {
	d := Default()
	if s.Stations == 0 {
		s.Stations = d.Stations
	}
	if s.PacketsToSend == 0 {
		s.PacketsToSend = d.PacketsToSend
	}
	if s.PacketSize == 0 {
		s.PacketSize = d.PacketSize
	}
	if s.RequestSize == 0 {
		s.RequestSize = d.RequestSize
	}
	if s.SlotDuration == 0 {
		s.SlotDuration = d.SlotDuration
	}
	if s.CycleLength == 0 {
		s.CycleLength = d.CycleLength
	}
	if s.RepeatPolicy == "" {
		s.RepeatPolicy = d.RepeatPolicy
	}
	if s.RetryTimeout == 0 {
		s.RetryTimeout = d.RetryTimeout
	}
	if s.ProbeSpacing == 0 {
		s.ProbeSpacing = d.ProbeSpacing
	}
	if s.StopTime == 0 {
		s.StopTime = d.StopTime
	}
	if s.EndTime == 0 {
		s.EndTime = s.StopTime + time.Second
	}
	if s.Codec == "" {
		s.Codec = d.Codec
	}
	if s.Medium.Seed == 0 {
		s.Medium.Seed = d.Medium.Seed
	}
}

// Validate checks the scenario. Slot overlap is reported as ErrSlotOverlap,
// everything else as ErrInvalid.
func (s Scenario) Validate() error {
	if s.Stations < 1 {
		return fmt.Errorf("%w: stations must be >= 1, got %d", ErrInvalid, s.Stations)
	}
	if limit := transport.DefaultControlPlan().Capacity() - 1; s.Stations > limit {
		return fmt.Errorf("%w: at most %d stations fit the address plan, got %d", ErrInvalid, limit, s.Stations)
	}
	if s.PacketsToSend < 0 {
		return fmt.Errorf("%w: packets_to_send must be >= 0, got %d", ErrInvalid, s.PacketsToSend)
	}
	if err := protocol.ValidateSize(s.PacketSize); err != nil {
		return fmt.Errorf("%w: packet_size: %v", ErrInvalid, err)
	}
	if err := protocol.ValidateSize(s.RequestSize); err != nil {
		return fmt.Errorf("%w: request_size: %v", ErrInvalid, err)
	}
	if s.SlotDuration <= 0 || s.CycleLength <= 0 {
		return fmt.Errorf("%w: slot_duration and cycle_length must be > 0", ErrInvalid)
	}
	if _, err := station.ParseRepeatPolicy(s.RepeatPolicy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if s.RetryTimeout <= 0 {
		return fmt.Errorf("%w: retry_timeout must be > 0, got %v", ErrInvalid, s.RetryTimeout)
	}
	if s.RetryBound < 0 || s.FinalGrace < 0 || s.ProbeSpacing < 0 {
		return fmt.Errorf("%w: retry_bound, final_grace and probe_spacing must be >= 0", ErrInvalid)
	}
	if s.StartTime < 0 || s.StopTime <= s.StartTime || s.EndTime < s.StopTime {
		return fmt.Errorf("%w: need 0 <= start_time < stop_time <= end_time, got %v/%v/%v",
			ErrInvalid, s.StartTime, s.StopTime, s.EndTime)
	}
	codec, err := protocol.CodecByName(s.Codec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if limit := codec.MaxIdentifier(); limit > 0 && uint64(s.Stations) > uint64(limit) {
		return fmt.Errorf("%w: codec %s carries identifiers up to %d, got %d stations",
			ErrInvalid, codec.Name(), limit, s.Stations)
	}
	if err := s.MediumConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return station.CheckSlotBudget(s.Stations, s.SlotDuration, s.CycleLength)
}

// MediumConfig returns the transport parameters of the scenario.
func (s Scenario) MediumConfig() transport.MediumConfig {
	return transport.MediumConfig{
		DataRate:          s.Medium.DataRate,
		PropagationDelay:  s.Medium.PropagationDelay,
		LossProbability:   s.Medium.LossProbability,
		AssociationDelay:  s.Medium.AssociationDelay,
		AssociationJitter: s.Medium.AssociationJitter,
		Seed:              s.Medium.Seed,
	}
}

// CoordinatorConfig returns the coordinator configuration.
func (s Scenario) CoordinatorConfig() (coordinator.Config, error) {
	codec, err := protocol.CodecByName(s.Codec)
	if err != nil {
		return coordinator.Config{}, err
	}
	return coordinator.Config{Codec: codec, Sticky: s.Sticky}, nil
}

// StationConfig returns the configuration of the station with the given
// ordinal. epoch aligns every station's cycles.
func (s Scenario) StationConfig(ordinal int, epoch time.Time, coord, sink netip.AddrPort) (station.Config, error) {
	codec, err := protocol.CodecByName(s.Codec)
	if err != nil {
		return station.Config{}, err
	}
	policy, err := station.ParseRepeatPolicy(s.RepeatPolicy)
	if err != nil {
		return station.Config{}, err
	}
	return station.Config{
		Name:                fmt.Sprintf("sta-%d", ordinal),
		Ordinal:             ordinal,
		ProbeSpacing:        s.ProbeSpacing,
		CoordinatorAddr:     coord,
		SinkAddr:            sink,
		SeparateDataChannel: s.SeparateDataChannel,
		Codec:               codec,
		RequestSize:         s.RequestSize,
		PacketSize:          s.PacketSize,
		RetryTimeout:        s.RetryTimeout,
		RetryBound:          s.RetryBound,
		FinalGrace:          s.FinalGrace,
		SlotDuration:        s.SlotDuration,
		CycleLength:         s.CycleLength,
		PacketsToSend:       s.PacketsToSend,
		RepeatPolicy:        policy,
		Epoch:               epoch,
	}, nil
}

// ExpectedPackets is the number of data packets the stations try to send.
func (s Scenario) ExpectedPackets() int {
	return s.Stations * s.PacketsToSend
}
