package observability

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthChecker manages health checks for both gRPC and HTTP
type HealthChecker struct {
	grpcHealth *health.Server
	httpServer *http.Server
	logger     *zap.Logger
	mu         sync.RWMutex
	ready      bool
	kafkaReady bool
	usesKafka  bool
	queueReady bool
	usesQueue  bool
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		grpcHealth: health.NewServer(),
		logger:     logger,
		ready:      true,
	}
}

// RegisterGRPC registers the health service with the gRPC server
func (h *HealthChecker) RegisterGRPC(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, h.grpcHealth)
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
}

// Handler returns the /healthz and /metrics routes
func (h *HealthChecker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// StartHTTPServer starts the HTTP health check server
func (h *HealthChecker) StartHTTPServer(addr string) error {
	h.httpServer = &http.Server{
		Addr:    addr,
		Handler: h.Handler(),
	}

	h.logger.Info("starting HTTP health server", zap.String("addr", addr))
	return h.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the health checker
func (h *HealthChecker) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.ready = false
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	h.mu.Unlock()

	if h.httpServer != nil {
		return h.httpServer.Shutdown(ctx)
	}
	return nil
}

// SetKafkaReady sets the Kafka client readiness status
func (h *HealthChecker) SetKafkaReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kafkaReady = ready
	h.usesKafka = true
}

// SetQueueReady sets the job queue readiness status
func (h *HealthChecker) SetQueueReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queueReady = ready
	h.usesQueue = true
}

// Ready reports whether every registered dependency is up
func (h *HealthChecker) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready && (!h.usesKafka || h.kafkaReady) && (!h.usesQueue || h.queueReady)
}

func (h *HealthChecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.Ready() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT_READY"))
	}
}
