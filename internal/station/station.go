// Package station implements the station side of the protocol: identifier
// acquisition through the coordinator followed by slotted periodic data.
//
// A Station is driven entirely by its event scheduler. Start, link-up
// notifications, received datagrams and timer expiries are all dispatched
// to the handler for the current state; nothing blocks.
package station

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/tdma-simulator/internal/events"
	"github.com/signalsfoundry/tdma-simulator/internal/logging"
	"github.com/signalsfoundry/tdma-simulator/internal/observability"
	"github.com/signalsfoundry/tdma-simulator/internal/protocol"
	"github.com/signalsfoundry/tdma-simulator/internal/transport"
)

// State is a station's association state.
type State int

const (
	Idle State = iota
	AwaitingLinkUp
	RequestSent
	Associated
	Active
	Failed
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case AwaitingLinkUp:
		return "AwaitingLinkUp"
	case RequestSent:
		return "RequestSent"
	case Associated:
		return "Associated"
	case Active:
		return "Active"
	case Failed:
		return "Failed"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type eventKind int

const (
	evStart eventKind = iota
	evLinkUp
	evResponse
	evRetryTimeout
	evGiveUp
)

type event struct {
	kind    eventKind
	channel transport.Channel
	payload []byte
}

// Option customises a Station.
type Option func(*Station)

// WithRecorder sets the metrics recorder.
func WithRecorder(rec observability.Recorder) Option {
	return func(s *Station) {
		if rec != nil {
			s.rec = rec
		}
	}
}

// WithLogger sets the base logger; station and ordinal fields are added.
func WithLogger(log logging.Logger) Option {
	return func(s *Station) {
		if log != nil {
			s.log = log
		}
	}
}

// WithFailureHandler is called once if acquisition fails.
func WithFailureHandler(fn func(error)) Option {
	return func(s *Station) { s.onFailure = fn }
}

// WithStateHook is called on every state entry.
func WithStateHook(fn func(State)) Option {
	return func(s *Station) { s.onState = fn }
}

// Station runs the association state machine and, once active, the slot
// scheduler. It is not safe for concurrent use: all calls and callbacks
// must happen on the event loop.
type Station struct {
	cfg     Config
	sched   events.EventScheduler
	control transport.Endpoint
	data    transport.Endpoint
	link    transport.LinkLayer
	rec     observability.Recorder
	log     logging.Logger

	onFailure func(error)
	onState   func(State)

	state    State
	id       uint32
	attempts int
	linkUpAt time.Time
	err      error

	probeTimer     timer
	requestTimer   timer
	dataProbeTimer timer
	slots          *SlotScheduler

	request []byte
	packet  []byte
}

// New builds a station. data may be nil unless cfg.SeparateDataChannel is
// set. The station owns its endpoints and closes them on Stop.
func New(cfg Config, sched events.EventScheduler, control, data transport.Endpoint, link transport.LinkLayer, opts ...Option) (*Station, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if control == nil || link == nil {
		return nil, fmt.Errorf("%w: control endpoint and link layer are required", ErrInvalidConfig)
	}
	if cfg.SeparateDataChannel && data == nil {
		return nil, ErrNoDataEndpoint
	}
	if !cfg.SeparateDataChannel {
		data = nil
	}

	request, err := protocol.NewRequest(cfg.RequestSize)
	if err != nil {
		return nil, err
	}
	packet, err := protocol.NewDataPacket(cfg.PacketSize)
	if err != nil {
		return nil, err
	}

	s := &Station{
		cfg:            cfg,
		sched:          sched,
		control:        control,
		data:           data,
		link:           link,
		rec:            observability.Nop(),
		log:            logging.Noop(),
		probeTimer:     timer{sched: sched},
		requestTimer:   timer{sched: sched},
		dataProbeTimer: timer{sched: sched},
		request:        request,
		packet:         packet,
	}
	for _, opt := range opts {
		opt(s)
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("sta-%d", cfg.Ordinal)
	}
	s.log = s.log.With(logging.String("station", name), logging.Int("ordinal", cfg.Ordinal))
	return s, nil
}

// Start begins association. It is a no-op unless the station is Idle.
func (s *Station) Start() { s.dispatch(event{kind: evStart}) }

// Stop cancels every pending timer, detaches handlers and closes the
// endpoints, in that order. It is idempotent.
func (s *Station) Stop() {
	if s.state == Stopped {
		return
	}
	s.cancelTimers()
	if s.slots != nil {
		s.slots.Stop()
	}

	s.link.SetLinkUpCallback(transport.ControlChannel, nil)
	s.link.SetLinkUpCallback(transport.DataChannel, nil)
	s.control.SetReceiveHandler(nil)
	if err := s.control.Close(); err != nil {
		s.log.Warn(context.Background(), "close control endpoint", logging.Err(err))
	}
	if s.data != nil {
		s.data.SetReceiveHandler(nil)
		if err := s.data.Close(); err != nil {
			s.log.Warn(context.Background(), "close data endpoint", logging.Err(err))
		}
	}
	s.enter(Stopped)
}

// ID returns the assigned identifier, or 0 if none.
func (s *Station) ID() uint32 { return s.id }

// State returns the current state.
func (s *Station) State() State { return s.state }

// Attempts returns the number of identifier requests sent.
func (s *Station) Attempts() int { return s.attempts }

// Err returns the acquisition error, if the station failed.
func (s *Station) Err() error { return s.err }

// Config returns the effective configuration.
func (s *Station) Config() Config { return s.cfg }

// PacketsSent returns the number of data packets sent.
func (s *Station) PacketsSent() int {
	if s.slots == nil {
		return 0
	}
	return s.slots.Sent()
}

// FirstSendAt returns when the first data packet was scheduled; zero before
// the station became active.
func (s *Station) FirstSendAt() time.Time {
	if s.slots == nil {
		return time.Time{}
	}
	return s.slots.FirstSend()
}

func (s *Station) dispatch(ev event) {
	switch s.state {
	case Idle:
		s.onIdle(ev)
	case AwaitingLinkUp:
		s.onAwaitingLinkUp(ev)
	case RequestSent:
		s.onRequestSent(ev)
	case Associated:
		s.onAssociated(ev)
	case Active:
		s.onActive(ev)
	}
	// Failed and Stopped are terminal.
}

func (s *Station) onIdle(ev event) {
	if ev.kind != evStart {
		return
	}
	s.link.SetLinkUpCallback(transport.ControlChannel, func() {
		s.dispatch(event{kind: evLinkUp, channel: transport.ControlChannel})
	})
	s.control.SetReceiveHandler(func(dg transport.Datagram) {
		s.dispatch(event{kind: evResponse, payload: dg.Payload})
	})
	s.enter(AwaitingLinkUp)

	delay := time.Duration(s.cfg.Ordinal) * s.cfg.ProbeSpacing
	s.probeTimer.arm(s.sched.Now().Add(delay), func() {
		if err := s.link.EnableProbing(transport.ControlChannel); err != nil {
			s.fail(fmt.Errorf("enable probing on control channel: %w", err))
		}
	})
}

func (s *Station) onAwaitingLinkUp(ev event) {
	if ev.kind != evLinkUp || ev.channel != transport.ControlChannel {
		return
	}
	s.linkUpAt = s.sched.Now()
	s.enter(RequestSent)
	s.sendRequest()
}

func (s *Station) onRequestSent(ev event) {
	switch ev.kind {
	case evRetryTimeout:
		s.sendRequest()
	case evGiveUp:
		s.fail(fmt.Errorf("%w after %d requests", ErrAcquisitionFailed, s.attempts))
	case evResponse:
		id, err := s.cfg.Codec.DecodeIdentifier(ev.payload)
		if err != nil {
			s.rec.ResponseMalformed()
			s.log.Warn(context.Background(), "malformed identifier response",
				logging.Int("attempt", s.attempts),
				logging.Err(err),
			)
			if s.attempts <= s.cfg.RetryBound {
				s.sendRequest()
			}
			return
		}
		s.associate(id)
	}
}

func (s *Station) onAssociated(ev event) {
	if ev.kind == evLinkUp && ev.channel == transport.DataChannel {
		s.activate()
	}
	// Late or duplicate responses are ignored: the identifier is immutable.
}

func (s *Station) onActive(event) {}

// sendRequest sends one identifier request and arms either the retry
// timeout or, after the last permitted retry, the give-up timer.
func (s *Station) sendRequest() {
	s.attempts++
	if s.attempts > 1 {
		s.rec.RequestRetried()
	}
	s.rec.RequestSent()
	if err := s.control.SendTo(s.cfg.CoordinatorAddr, s.request); err != nil {
		s.log.Warn(context.Background(), "identifier request not sent",
			logging.Int("attempt", s.attempts),
			logging.Err(err),
		)
	} else {
		s.log.Debug(context.Background(), "identifier request sent", logging.Int("attempt", s.attempts))
	}

	now := s.sched.Now()
	if s.attempts <= s.cfg.RetryBound {
		s.requestTimer.arm(now.Add(s.cfg.RetryTimeout), func() {
			s.dispatch(event{kind: evRetryTimeout})
		})
		return
	}
	s.requestTimer.arm(now.Add(s.cfg.FinalGrace), func() {
		s.dispatch(event{kind: evGiveUp})
	})
}

func (s *Station) associate(id uint32) {
	s.requestTimer.stop()
	s.id = id
	s.rec.AcquisitionSucceeded(s.sched.Now().Sub(s.linkUpAt))
	s.log.Info(context.Background(), "identifier acquired",
		logging.Uint("identifier", uint64(id)),
		logging.Int("attempts", s.attempts),
		logging.Duration("latency", s.sched.Now().Sub(s.linkUpAt)),
	)
	s.enter(Associated)

	if s.data == nil {
		s.activate()
		return
	}

	s.link.SetLinkUpCallback(transport.DataChannel, func() {
		s.dispatch(event{kind: evLinkUp, channel: transport.DataChannel})
	})
	at := s.sched.Now().Add(s.cfg.cycle().SlotOffset(id))
	s.dataProbeTimer.arm(at, func() {
		if err := s.link.EnableProbing(transport.DataChannel); err != nil {
			s.log.Error(context.Background(), "enable probing on data channel", logging.Err(err))
		}
	})
}

func (s *Station) activate() {
	s.enter(Active)
	out := s.control
	if s.data != nil {
		out = s.data
	}
	s.slots = NewSlotScheduler(s.sched, s.cfg.cycle(), s.cfg.RepeatPolicy, s.id, s.cfg.PacketsToSend, func() {
		if err := out.SendTo(s.cfg.SinkAddr, s.packet); err != nil {
			s.log.Warn(context.Background(), "data packet not sent", logging.Err(err))
			return
		}
		s.rec.DataSent()
	})
	s.slots.Start()
	s.log.Debug(context.Background(), "slot scheduler started",
		logging.Uint("identifier", uint64(s.id)),
		logging.Time("first_send", s.slots.FirstSend()),
	)
}

func (s *Station) fail(err error) {
	s.cancelTimers()
	s.err = err
	s.rec.AcquisitionFailed()
	s.log.Warn(context.Background(), "identifier acquisition failed",
		logging.Int("attempts", s.attempts),
		logging.Err(err),
	)
	s.enter(Failed)
	if s.onFailure != nil {
		s.onFailure(err)
	}
}

func (s *Station) cancelTimers() {
	s.probeTimer.stop()
	s.requestTimer.stop()
	s.dataProbeTimer.stop()
}

func (s *Station) enter(st State) {
	s.state = st
	s.rec.StateEntered(st.String())
	if s.onState != nil {
		s.onState(st)
	}
}
