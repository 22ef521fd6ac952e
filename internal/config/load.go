package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"
	"gopkg.in/yaml.v3"
)

// Scenario file formats.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
	FormatLua  = "lua"
)

// ErrUnknownFormat is returned for a file extension or format name that no
// decoder handles.
var ErrUnknownFormat = errors.New("unknown scenario format")

// On-disk shapes. Durations are strings ("10ms") in every format; fields
// missing from a file keep the value they had before decoding. Lua keys are
// snake_case and mapped onto the Go field names.
type scenarioFile struct {
	Name                string     `json:"name" yaml:"name"`
	Stations            int        `json:"stations" yaml:"stations"`
	PacketsToSend       int        `json:"packets_to_send" yaml:"packets_to_send"`
	PacketSize          int        `json:"packet_size" yaml:"packet_size"`
	RequestSize         int        `json:"request_size" yaml:"request_size"`
	SlotDuration        string     `json:"slot_duration" yaml:"slot_duration"`
	CycleLength         string     `json:"cycle_length" yaml:"cycle_length"`
	RepeatPolicy        string     `json:"repeat_policy" yaml:"repeat_policy"`
	RetryTimeout        string     `json:"retry_timeout" yaml:"retry_timeout"`
	RetryBound          int        `json:"retry_bound" yaml:"retry_bound"`
	FinalGrace          string     `json:"final_grace" yaml:"final_grace"`
	ProbeSpacing        string     `json:"probe_spacing" yaml:"probe_spacing"`
	StartTime           string     `json:"start_time" yaml:"start_time"`
	StopTime            string     `json:"stop_time" yaml:"stop_time"`
	EndTime             string     `json:"end_time" yaml:"end_time"`
	Codec               string     `json:"codec" yaml:"codec"`
	Sticky              bool       `json:"sticky" yaml:"sticky"`
	SeparateDataChannel bool       `json:"separate_data_channel" yaml:"separate_data_channel"`
	Medium              mediumFile `json:"medium" yaml:"medium"`
}

type mediumFile struct {
	DataRate          float64 `json:"data_rate" yaml:"data_rate"`
	PropagationDelay  string  `json:"propagation_delay" yaml:"propagation_delay"`
	LossProbability   float64 `json:"loss_probability" yaml:"loss_probability"`
	AssociationDelay  string  `json:"association_delay" yaml:"association_delay"`
	AssociationJitter string  `json:"association_jitter" yaml:"association_jitter"`
	Seed              uint64  `json:"seed" yaml:"seed"`
}

func toFile(s Scenario) scenarioFile {
	return scenarioFile{
		Name:                s.Name,
		Stations:            s.Stations,
		PacketsToSend:       s.PacketsToSend,
		PacketSize:          s.PacketSize,
		RequestSize:         s.RequestSize,
		SlotDuration:        s.SlotDuration.String(),
		CycleLength:         s.CycleLength.String(),
		RepeatPolicy:        s.RepeatPolicy,
		RetryTimeout:        s.RetryTimeout.String(),
		RetryBound:          s.RetryBound,
		FinalGrace:          s.FinalGrace.String(),
		ProbeSpacing:        s.ProbeSpacing.String(),
		StartTime:           s.StartTime.String(),
		StopTime:            s.StopTime.String(),
		EndTime:             s.EndTime.String(),
		Codec:               s.Codec,
		Sticky:              s.Sticky,
		SeparateDataChannel: s.SeparateDataChannel,
		Medium: mediumFile{
			DataRate:          s.Medium.DataRate,
			PropagationDelay:  s.Medium.PropagationDelay.String(),
			LossProbability:   s.Medium.LossProbability,
			AssociationDelay:  s.Medium.AssociationDelay.String(),
			AssociationJitter: s.Medium.AssociationJitter.String(),
			Seed:              s.Medium.Seed,
		},
	}
}

func (f scenarioFile) scenario() (Scenario, error) {
	s := Scenario{
		Name:                f.Name,
		Stations:            f.Stations,
		PacketsToSend:       f.PacketsToSend,
		PacketSize:          f.PacketSize,
		RequestSize:         f.RequestSize,
		RepeatPolicy:        f.RepeatPolicy,
		RetryBound:          f.RetryBound,
		Codec:               f.Codec,
		Sticky:              f.Sticky,
		SeparateDataChannel: f.SeparateDataChannel,
		Medium: Medium{
			DataRate:        f.Medium.DataRate,
			LossProbability: f.Medium.LossProbability,
			Seed:            f.Medium.Seed,
		},
	}
	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"slot_duration", f.SlotDuration, &s.SlotDuration},
		{"cycle_length", f.CycleLength, &s.CycleLength},
		{"retry_timeout", f.RetryTimeout, &s.RetryTimeout},
		{"final_grace", f.FinalGrace, &s.FinalGrace},
		{"probe_spacing", f.ProbeSpacing, &s.ProbeSpacing},
		{"start_time", f.StartTime, &s.StartTime},
		{"stop_time", f.StopTime, &s.StopTime},
		{"end_time", f.EndTime, &s.EndTime},
		{"medium.propagation_delay", f.Medium.PropagationDelay, &s.Medium.PropagationDelay},
		{"medium.association_delay", f.Medium.AssociationDelay, &s.Medium.AssociationDelay},
		{"medium.association_jitter", f.Medium.AssociationJitter, &s.Medium.AssociationJitter},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.in) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.in))
		if err != nil {
			return Scenario{}, fmt.Errorf("%w: %s: %v", ErrInvalid, d.name, err)
		}
		*d.out = v
	}
	return s, nil
}

// FormatFromPath maps a file extension to a format name.
func FormatFromPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".lua":
		return FormatLua, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
	}
}

// Load reads a scenario file, choosing the decoder by extension. Values the
// file does not set come from Default. The result is validated.
func Load(path string) (Scenario, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return Scenario{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}
	s, err := Decode(bytes.NewReader(data), format)
	if err != nil {
		return Scenario{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Decode reads a scenario in the given format on top of Default and
// validates it.
func Decode(r io.Reader, format string) (Scenario, error) {
	f := toFile(Default())

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return Scenario{}, fmt.Errorf("decode yaml scenario: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return Scenario{}, fmt.Errorf("decode json scenario: %w", err)
		}
	case FormatLua:
		src, err := io.ReadAll(r)
		if err != nil {
			return Scenario{}, fmt.Errorf("read lua scenario: %w", err)
		}
		if err := decodeLua(string(src), &f); err != nil {
			return Scenario{}, err
		}
	default:
		return Scenario{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	s, err := f.scenario()
	if err != nil {
		return Scenario{}, err
	}
	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

// decodeLua runs src, which must return a table, and maps the table onto f.
func decodeLua(src string, f *scenarioFile) error {
	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(src); err != nil {
		return fmt.Errorf("run lua scenario: %w", err)
	}
	table, ok := L.Get(-1).(*lua.LTable)
	if !ok {
		return fmt.Errorf("%w: lua scenario did not return a table", ErrInvalid)
	}
	if err := gluamapper.Map(table, f); err != nil {
		return fmt.Errorf("map lua scenario: %w", err)
	}
	return nil
}

// MarshalYAML writes durations as strings so the output loads back.
func (s Scenario) MarshalYAML() (interface{}, error) {
	return toFile(s), nil
}
