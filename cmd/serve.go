package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/otherjamesbrown/penf-transcribe/pkg/buildinfo"
	"github.com/otherjamesbrown/penf-transcribe/pkg/logging"
	"github.com/otherjamesbrown/penf-transcribe/pkg/worker"
)

// consumerStatus is the part of worker.Consumer the status endpoints read.
type consumerStatus interface {
	Healthy() bool
	Stats() worker.Stats
}

type healthResponse struct {
	Status       string    `json:"status"`
	State        string    `json:"state"`
	Processed    int64     `json:"processed"`
	Failed       int64     `json:"failed"`
	Malformed    int64     `json:"malformed"`
	Reconnects   int64     `json:"reconnects"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// newStatusMux serves /metrics, /healthz and /version.
func newStatusMux(serviceName string, started time.Time, reg *prometheus.Registry, consumer consumerStatus) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/version", buildinfo.Handler(serviceName, started))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		stats := consumer.Stats()
		resp := healthResponse{
			Status:       "ok",
			State:        string(stats.State),
			Processed:    stats.Processed,
			Failed:       stats.Failed,
			Malformed:    stats.Malformed,
			Reconnects:   stats.Reconnects,
			LastActivity: stats.LastActivity,
		}
		code := http.StatusOK
		if !consumer.Healthy() {
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}

// serveHTTP runs srv until ctx is done, then shuts it down.
func serveHTTP(ctx context.Context, srv *http.Server, logger logging.Logger) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info("status server listening", logging.F("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// serveGRPCHealth runs a grpc.health.v1 server that reports SERVING while the
// consumer is healthy, polling every interval.
func serveGRPCHealth(ctx context.Context, addr, serviceName string, consumer consumerStatus, interval time.Duration, logger logging.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc health: listen %s: %w", addr, err)
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	errc := make(chan error, 1)
	go func() {
		logger.Info("grpc health server listening", logging.F("addr", addr))
		errc <- srv.Serve(lis)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if consumer.Healthy() {
			status = healthpb.HealthCheckResponse_SERVING
		}
		if status != last {
			hs.SetServingStatus("", status)
			hs.SetServingStatus(serviceName, status)
			last = status
		}

		select {
		case err := <-errc:
			return fmt.Errorf("grpc health: %w", err)
		case <-ctx.Done():
			hs.Shutdown()
			srv.GracefulStop()
			return nil
		case <-ticker.C:
		}
	}
}
