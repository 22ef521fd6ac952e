// Command coordinator runs the identifier-assigning access point over real
// UDP sockets. It exposes Prometheus metrics and a gRPC health service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/signalsfoundry/tdma-simulator/internal/coordinator"
	"github.com/signalsfoundry/tdma-simulator/internal/events"
	"github.com/signalsfoundry/tdma-simulator/internal/logging"
	"github.com/signalsfoundry/tdma-simulator/internal/observability"
	"github.com/signalsfoundry/tdma-simulator/internal/protocol"
	"github.com/signalsfoundry/tdma-simulator/internal/registry"
	"github.com/signalsfoundry/tdma-simulator/internal/transport"
	"github.com/signalsfoundry/tdma-simulator/timectrl"
)

// healthService is the name reported to gRPC health checks.
const healthService = "tdma.Coordinator"

// Config is the parsed command line.
type Config struct {
	ControlAddr string
	SinkAddr    string
	GRPCAddr    string
	MetricsAddr string
	Codec       string
	Sticky      bool
	PcapPath    string
	Tick        time.Duration
}

func main() {
	cfg := Config{}
	flag.StringVar(&cfg.ControlAddr, "control-addr", fmt.Sprintf(":%d", transport.DefaultControlPort), "UDP address for identifier requests")
	flag.StringVar(&cfg.SinkAddr, "sink-addr", fmt.Sprintf(":%d", transport.DefaultDataPort), "UDP address of the data sink")
	flag.StringVar(&cfg.GRPCAddr, "grpc-addr", ":50051", "TCP address the gRPC health server listens on")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics")
	flag.StringVar(&cfg.Codec, "codec", protocol.CodecText, "identifier response codec (text or byte)")
	flag.BoolVar(&cfg.Sticky, "sticky", false, "answer repeated requests with the identifier already granted")
	flag.StringVar(&cfg.PcapPath, "pcap", "", "write every datagram to this pcap file")
	flag.DurationVar(&cfg.Tick, "tick", time.Millisecond, "event loop tick")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfigFromEnvWithDefault("tdma-coordinator"), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	srv, err := start(ctx, cfg, log)
	if err != nil {
		log.Error(ctx, "failed to start coordinator", logging.Err(err))
		observability.ShutdownWithTimeout(context.Background(), shutdown, log)
		os.Exit(1)
	}
	srv.serve(ctx)
}

// server is a running coordinator with its control surfaces.
type server struct {
	log       logging.Logger
	tc        *timectrl.TimeController
	sched     events.EventScheduler
	coord     *coordinator.Coordinator
	grpc      *grpc.Server
	grpcLis   net.Listener
	health    *health.Server
	metrics   *http.Server
	collector *observability.ProtocolCollector
	tap       *transport.PcapTap
}

// start binds every socket and installs the handlers; serve drives it.
func start(ctx context.Context, cfg Config, log logging.Logger) (_ *server, err error) {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Millisecond
	}
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	s := &server{log: log}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	reg := prometheus.NewRegistry()
	s.collector, err = observability.NewProtocolCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("init protocol metrics: %w", err)
	}
	runtime, err := observability.NewRuntimeCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("init runtime metrics: %w", err)
	}
	s.metrics, err = observability.ServeMetrics(cfg.MetricsAddr, s.collector.Handler(), log)
	if err != nil {
		return nil, fmt.Errorf("serve metrics: %w", err)
	}

	s.tc = timectrl.NewTimeController(time.Now(), cfg.Tick, timectrl.RealTime)
	s.sched = events.NewEventScheduler(s.tc)
	s.tc.AddListener(func(time.Time) { runtime.SetPendingEvents(s.sched.Pending()) })

	var taps []transport.Tap
	if cfg.PcapPath != "" {
		s.tap, err = transport.CreatePcapFile(cfg.PcapPath)
		if err != nil {
			return nil, err
		}
		taps = append(taps, s.tap)
	}

	control, err := transport.ListenUDP(transport.ControlChannel, cfg.ControlAddr, s.sched, log, taps...)
	if err != nil {
		return nil, err
	}
	sink, err := transport.ListenUDP(transport.DataChannel, cfg.SinkAddr, s.sched, log, taps...)
	if err != nil {
		control.Close()
		return nil, err
	}
	s.coord, err = coordinator.New(coordinator.Config{Codec: codec, Sticky: cfg.Sticky}, control, sink, registry.NewIdentifierRegistry(),
		coordinator.WithRecorder(s.collector),
		coordinator.WithLogger(log),
	)
	if err != nil {
		control.Close()
		sink.Close()
		return nil, err
	}
	s.coord.Start()

	s.grpcLis, err = net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return nil, fmt.Errorf("listen for gRPC on %s: %w", cfg.GRPCAddr, err)
	}
	s.grpc = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(runtime.UnaryServerInterceptor()),
	)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := s.grpc.Serve(s.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error(context.Background(), "gRPC server exited", logging.Err(err))
		}
	}()

	log.Info(ctx, "coordinator listening",
		logging.String("control", s.coord.ControlAddr().String()),
		logging.String("sink", s.coord.SinkAddr().String()),
		logging.String("grpc", s.grpcLis.Addr().String()),
	)
	return s, nil
}

// serve runs the event loop until ctx is done, then shuts everything down.
func (s *server) serve(ctx context.Context) {
	events.DriveRealTime(ctx, s.tc, s.sched)

	s.log.Info(context.Background(), "shutting down coordinator")
	stats := s.coord.Stats()
	s.close()
	s.log.Info(context.Background(), "coordinator stopped",
		logging.Uint("requests", stats.Requests),
		logging.Int("assigned", stats.Assigned),
		logging.Uint("rx_packets", stats.RxPackets),
		logging.Uint("rx_bytes", stats.RxBytes),
	)
}

func (s *server) close() {
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpc != nil {
		s.grpc.GracefulStop()
	} else if s.grpcLis != nil {
		s.grpcLis.Close()
	}
	if s.coord != nil {
		if err := s.coord.Stop(); err != nil {
			s.log.Warn(context.Background(), "closing sockets failed", logging.Err(err))
		}
	}
	if s.tap != nil {
		if err := s.tap.Close(); err != nil {
			s.log.Warn(context.Background(), "closing pcap failed", logging.Err(err))
		}
	}
	observability.ShutdownServer(s.metrics, s.log)
}
