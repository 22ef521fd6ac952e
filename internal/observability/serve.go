package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/signalsfoundry/tdma-simulator/internal/logging"
)

// ServeMetrics serves h at /metrics on addr in the background. An empty addr
// disables the server and returns nil.
func ServeMetrics(addr string, h http.Handler, log logging.Logger) (*http.Server, error) {
	if addr == "" || h == nil {
		return nil, nil
	}
	if log == nil {
		log = logging.Noop()
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{
		Addr:              lis.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", srv.Addr))
	return srv, nil
}

// ShutdownServer stops srv with a bounded timeout. A nil srv is a no-op.
func ShutdownServer(srv *http.Server, log logging.Logger) {
	if srv == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn(ctx, "metrics server shutdown failed", logging.Err(err))
	}
}
