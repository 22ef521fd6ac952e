package sim

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/tdma-simulator/internal/config"
	"github.com/signalsfoundry/tdma-simulator/internal/coordinator"
	"github.com/signalsfoundry/tdma-simulator/internal/observability"
	"github.com/signalsfoundry/tdma-simulator/internal/station"
	"github.com/signalsfoundry/tdma-simulator/internal/transport"
)

// StationResult is one station's outcome.
type StationResult struct {
	Ordinal     int           `json:"ordinal" yaml:"ordinal"`
	Name        string        `json:"name" yaml:"name"`
	Address     string        `json:"address" yaml:"address"`
	Identifier  uint32        `json:"identifier" yaml:"identifier"`
	State       string        `json:"state" yaml:"state"`
	Attempts    int           `json:"attempts" yaml:"attempts"`
	PacketsSent int           `json:"packets_sent" yaml:"packets_sent"`
	FirstSend   time.Duration `json:"first_send,omitempty" yaml:"first_send,omitempty"`
	Error       string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report summarises one run. Drops are frames addressed to the sink that
// the medium lost; DropPercent relates them to the packets the stations
// were configured to send.
type Report struct {
	RunID    string          `json:"run_id" yaml:"run_id"`
	Scenario config.Scenario `json:"scenario" yaml:"scenario"`

	Identifiers []uint32 `json:"identifiers" yaml:"identifiers"`
	// UniqueIdentifiers is false if two stations hold the same identifier.
	UniqueIdentifiers bool `json:"unique_identifiers" yaml:"unique_identifiers"`
	// ContiguousIdentifiers is true when the held identifiers are exactly 1..k.
	ContiguousIdentifiers bool `json:"contiguous_identifiers" yaml:"contiguous_identifiers"`
	Acquired              int  `json:"acquired" yaml:"acquired"`
	Failed                int  `json:"failed" yaml:"failed"`

	Expected    int     `json:"expected_packets" yaml:"expected_packets"`
	Sent        int     `json:"sent_packets" yaml:"sent_packets"`
	Received    uint64  `json:"rx_packets" yaml:"rx_packets"`
	RxBytes     uint64  `json:"rx_bytes" yaml:"rx_bytes"`
	Drops       uint64  `json:"drops" yaml:"drops"`
	DropPercent float64 `json:"drop_percent" yaml:"drop_percent"`

	Counters observability.CountersSnapshot `json:"counters" yaml:"counters"`
	Stations []StationResult                `json:"stations" yaml:"stations"`
	WallTime time.Duration                  `json:"wall_time" yaml:"wall_time"`
}

func buildReport(scn config.Scenario, stations []*station.Station, coord *coordinator.Coordinator, medium *transport.Medium, topo topology, counters *observability.Counters) *Report {
	stats := coord.Stats()
	rep := &Report{
		Scenario:    scn,
		Identifiers: coord.Registry().Assigned(),
		Expected:    scn.ExpectedPackets(),
		Received:    stats.RxPackets,
		RxBytes:     stats.RxBytes,
		Drops:       medium.DropsAt(topo.sinkChannel, topo.sink),
		Counters:    counters.Snapshot(),
		Stations:    make([]StationResult, 0, len(stations)),
	}
	rep.DropPercent = DropPercent(rep.Drops, rep.Expected)
	rep.ContiguousIdentifiers = contiguous(rep.Identifiers)

	controlPlan := transport.DefaultControlPlan()
	seen := make(map[uint32]bool, len(stations))
	rep.UniqueIdentifiers = true
	for _, st := range stations {
		cfg := st.Config()
		res := StationResult{
			Ordinal:     cfg.Ordinal,
			Name:        cfg.Name,
			Identifier:  st.ID(),
			State:       st.State().String(),
			Attempts:    st.Attempts(),
			PacketsSent: st.PacketsSent(),
		}
		if addr, err := controlPlan.Station(cfg.Ordinal); err == nil {
			res.Address = addr.String()
		}
		if first := st.FirstSendAt(); !first.IsZero() {
			res.FirstSend = first.Sub(Origin)
		}
		if err := st.Err(); err != nil {
			res.Error = err.Error()
			rep.Failed++
		}
		if id := st.ID(); id != 0 {
			rep.Acquired++
			if seen[id] {
				rep.UniqueIdentifiers = false
			}
			seen[id] = true
		}
		rep.Sent += res.PacketsSent
		rep.Stations = append(rep.Stations, res)
	}
	sort.Slice(rep.Stations, func(i, j int) bool { return rep.Stations[i].Ordinal < rep.Stations[j].Ordinal })
	return rep
}

// DropPercent is drops / expected * 100, or 0 when nothing was expected.
func DropPercent(drops uint64, expected int) float64 {
	if expected <= 0 {
		return 0
	}
	return float64(drops) / float64(expected) * 100
}

func contiguous(ids []uint32) bool {
	for i, id := range ids {
		if id != uint32(i+1) {
			return false
		}
	}
	return true
}

// WriteText writes a human-readable summary followed by a per-station table.
func (r *Report) WriteText(w io.Writer) error {
	s := r.Scenario
	fmt.Fprintf(w, "scenario %q: %d stations, slot %v, cycle %v, %d packets of %d bytes\n",
		s.Name, s.Stations, s.SlotDuration, s.CycleLength, s.PacketsToSend, s.PacketSize)
	fmt.Fprintf(w, "identifiers: acquired=%d failed=%d unique=%v contiguous=%v\n",
		r.Acquired, r.Failed, r.UniqueIdentifiers, r.ContiguousIdentifiers)
	fmt.Fprintf(w, "%d Total Rx packets (%d bytes), %d/%d sent\n", r.Received, r.RxBytes, r.Sent, r.Expected)
	fmt.Fprintf(w, "%d Dropped packets at sink (%.2f%%)\n", r.Drops, r.DropPercent)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDINAL\tADDRESS\tID\tSTATE\tATTEMPTS\tSENT\tFIRST SEND\tERROR")
	for _, st := range r.Stations {
		first := "-"
		if st.FirstSend > 0 {
			first = st.FirstSend.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%d\t%d\t%s\t%s\n",
			st.Ordinal, st.Address, st.Identifier, st.State, st.Attempts, st.PacketsSent, first, st.Error)
	}
	return tw.Flush()
}

// WriteYAML writes the report as YAML.
func (r *Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return enc.Close()
}
