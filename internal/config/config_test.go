package config

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/tdma-simulator/internal/protocol"
	"github.com/signalsfoundry/tdma-simulator/internal/station"
)

func TestDefaultIsValid(t *testing.T) {
	s := Default()
	if err := s.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if s.ExpectedPackets() != 20 {
		t.Fatalf("ExpectedPackets() = %d, want 20", s.ExpectedPackets())
	}
	if s.StartTime != time.Second || s.StopTime != 200*time.Second || s.EndTime != 201*time.Second {
		t.Fatalf("run window = %v/%v/%v", s.StartTime, s.StopTime, s.EndTime)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Scenario)
		wantErr error
	}{
		{"hundred stations fill the cycle", func(s *Scenario) { s.Stations = 100 }, nil},
		{"slot overlap", func(s *Scenario) { s.Stations = 101 }, ErrSlotOverlap},
		{"no stations", func(s *Scenario) { s.Stations = 0 }, ErrInvalid},
		{"oversized packet", func(s *Scenario) { s.PacketSize = protocol.MaxDatagramSize + 1 }, ErrInvalid},
		{"unknown codec", func(s *Scenario) { s.Codec = "base64" }, ErrInvalid},
		{"byte codec too small", func(s *Scenario) {
			s.Codec = protocol.CodecByte
			s.Stations = 300
			s.SlotDuration = time.Millisecond
		}, ErrInvalid},
		{"unknown repeat policy", func(s *Scenario) { s.RepeatPolicy = "random" }, ErrInvalid},
		{"negative retry bound", func(s *Scenario) { s.RetryBound = -1 }, ErrInvalid},
		{"zero retry bound", func(s *Scenario) { s.RetryBound = 0 }, nil},
		{"stop before start", func(s *Scenario) { s.StopTime = s.StartTime }, ErrInvalid},
		{"end before stop", func(s *Scenario) { s.EndTime = s.StopTime - time.Second }, ErrInvalid},
		{"loss above one", func(s *Scenario) { s.Medium.LossProbability = 1.5 }, ErrInvalid},
		{"too many stations for the address plan", func(s *Scenario) {
			s.Stations = 5000
			s.SlotDuration = time.Microsecond
		}, ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSlotOverlapMatchesStationSentinel(t *testing.T) {
	s := Default()
	s.Stations = 101
	if err := s.Validate(); !errors.Is(err, station.ErrSlotOverlap) {
		t.Fatalf("Validate() = %v, want station.ErrSlotOverlap", err)
	}
}

func TestApplyDefaultsKeepsMeaningfulZeros(t *testing.T) {
	s := Scenario{StopTime: 50 * time.Second}
	s.ApplyDefaults()
	if s.RetryBound != 0 || s.FinalGrace != 0 || s.StartTime != 0 {
		t.Fatalf("zero-meaningful fields changed: bound=%d grace=%v start=%v", s.RetryBound, s.FinalGrace, s.StartTime)
	}
	if s.EndTime != 51*time.Second {
		t.Fatalf("EndTime = %v, want stop+1s", s.EndTime)
	}
	if s.Stations != DefaultStations || s.Codec != protocol.CodecText {
		t.Fatalf("defaults not applied: %+v", s)
	}
}

func TestDecodeYAML(t *testing.T) {
	src := `
name: dense
stations: 50
slot_duration: 5ms
cycle_length: 500ms
retry_bound: 0
codec: byte
repeat_policy: fixed-gap
separate_data_channel: true
medium:
  loss_probability: 0.1
  association_jitter: 3ms
`
	s, err := Decode(strings.NewReader(src), FormatYAML)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s.Name != "dense" || s.Stations != 50 || s.SlotDuration != 5*time.Millisecond || s.CycleLength != 500*time.Millisecond {
		t.Fatalf("decoded %+v", s)
	}
	if s.RetryBound != 0 {
		t.Fatalf("RetryBound = %d, want explicit 0", s.RetryBound)
	}
	if !s.SeparateDataChannel || s.Codec != protocol.CodecByte || s.RepeatPolicy != "fixed-gap" {
		t.Fatalf("decoded %+v", s)
	}
	if s.Medium.LossProbability != 0.1 || s.Medium.AssociationJitter != 3*time.Millisecond {
		t.Fatalf("medium = %+v", s.Medium)
	}
	// Unset fields come from Default.
	if s.PacketSize != protocol.DefaultPacketSize || s.RetryTimeout != 2*time.Second || s.Medium.DataRate != 6e6 {
		t.Fatalf("defaults lost: %+v", s)
	}
}

func TestDecodeYAMLRejectsUnknownField(t *testing.T) {
	_, err := Decode(strings.NewReader("stations: 3\nslots: 4\n"), FormatYAML)
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestDecodeJSON(t *testing.T) {
	src := `{"stations": 4, "packets_to_send": 5, "retry_timeout": "500ms", "medium": {"data_rate": 0}}`
	s, err := Decode(strings.NewReader(src), FormatJSON)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s.Stations != 4 || s.PacketsToSend != 5 || s.RetryTimeout != 500*time.Millisecond {
		t.Fatalf("decoded %+v", s)
	}
	if s.Medium.DataRate != 0 {
		t.Fatalf("DataRate = %v, want explicit 0", s.Medium.DataRate)
	}
}

func TestDecodeBadDuration(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"slot_duration": "ten"}`), FormatJSON)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Decode() = %v, want ErrInvalid", err)
	}
}

func TestDecodeLua(t *testing.T) {
	src := `
local n = 20
return {
  name = "lua-" .. n,
  stations = n,
  packets_to_send = 3,
  slot_duration = "20ms",
  sticky = true,
  medium = {
    data_rate = 1e6,
    seed = 42,
  },
}
`
	s, err := Decode(strings.NewReader(src), FormatLua)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s.Name != "lua-20" || s.Stations != 20 || s.PacketsToSend != 3 || s.SlotDuration != 20*time.Millisecond {
		t.Fatalf("decoded %+v", s)
	}
	if !s.Sticky || s.Medium.DataRate != 1e6 || s.Medium.Seed != 42 {
		t.Fatalf("decoded %+v", s)
	}
	if s.CycleLength != time.Second {
		t.Fatalf("CycleLength = %v, want default 1s", s.CycleLength)
	}
}

func TestDecodeLuaMustReturnTable(t *testing.T) {
	_, err := Decode(strings.NewReader(`return 7`), FormatLua)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Decode() = %v, want ErrInvalid", err)
	}
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.yaml": "stations: 3\n",
		"b.yml":  "stations: 3\n",
		"c.json": `{"stations": 3}`,
		"d.lua":  `return { stations = 3 }`,
	}
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		s, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%s): %v", name, err)
		}
		if s.Stations != 3 {
			t.Fatalf("Load(%s).Stations = %d, want 3", name, s.Stations)
		}
	}

	if _, err := Load(filepath.Join(dir, "e.toml")); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("Load(.toml) = %v, want ErrUnknownFormat", err)
	}
}

func TestMarshalYAMLLoadsBack(t *testing.T) {
	in := Default()
	in.Stations = 7
	in.FinalGrace = 250 * time.Millisecond
	out, err := yaml.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(out), "final_grace: 250ms") {
		t.Fatalf("durations not written as strings:\n%s", out)
	}
	back, err := Decode(strings.NewReader(string(out)), FormatYAML)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back != in {
		t.Fatalf("round trip changed scenario:\n got %+v\nwant %+v", back, in)
	}
}

func TestStationConfig(t *testing.T) {
	s := Default()
	s.RepeatPolicy = "fixed-gap"
	s.SeparateDataChannel = true
	epoch := time.Unix(1, 0)
	coord := netip.MustParseAddrPort("192.168.0.1:9996")
	sink := netip.MustParseAddrPort("10.1.0.1:9998")

	cfg, err := s.StationConfig(4, epoch, coord, sink)
	if err != nil {
		t.Fatalf("StationConfig: %v", err)
	}
	if cfg.Ordinal != 4 || cfg.Name != "sta-4" || !cfg.Epoch.Equal(epoch) {
		t.Fatalf("identity fields = %+v", cfg)
	}
	if cfg.RepeatPolicy != station.FixedGap || !cfg.SeparateDataChannel {
		t.Fatalf("policy fields = %+v", cfg)
	}
	if cfg.CoordinatorAddr != coord || cfg.SinkAddr != sink {
		t.Fatalf("addresses = %v %v", cfg.CoordinatorAddr, cfg.SinkAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("station config invalid: %v", err)
	}
}
