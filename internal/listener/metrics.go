package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/collabhub/pushgate/internal/config"
	"github.com/collabhub/pushgate/internal/metrics"
)

// MetricsServer runs the /metrics endpoint on its own listener, separate from the main Fiber app, so it can be
// exposed on a different port or Unix socket (or left internal-only) independently of the WebSocket surface.
type MetricsServer struct {
	srv *http.Server
	ln  net.Listener
	log zerolog.Logger
}

// StartMetricsServer binds the metrics listener and begins serving in the background. It returns nil, nil if no
// metrics address is configured.
func StartMetricsServer(cfg *config.Config, m *metrics.Metrics, log zerolog.Logger) (*MetricsServer, error) {
	if cfg.MetricsPort == 0 && cfg.MetricsSocketPath == "" {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	network := "tcp"
	addr := ":" + strconv.Itoa(cfg.MetricsPort)
	if cfg.MetricsSocketPath != "" {
		network = "unix"
		addr = cfg.MetricsSocketPath
	}

	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLSCert != "" {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	m2 := &MetricsServer{srv: srv, ln: ln, log: log.With().Str("component", "metrics-listener").Logger()}

	go func() {
		var serveErr error
		if cfg.TLSCert != "" {
			serveErr = srv.ServeTLS(ln, cfg.TLSCert, cfg.TLSKey)
		} else {
			serveErr = srv.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			m2.log.Error().Err(serveErr).Msg("metrics listener stopped")
		}
	}()

	m2.log.Info().Str("network", network).Str("addr", addr).Msg("metrics listening")
	return m2, nil
}

// Shutdown gracefully stops the metrics listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
