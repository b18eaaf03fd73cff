package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vara-network/vara-core/pkg/gearlog"
)

// RuntimeInterface is the subset of the running node's state the
// monitoring service samples on CollectInterval. cmd/varanode supplies the
// real implementation, wrapping the Processor/queue/program.Store it drives.
type RuntimeInterface interface {
	BlockHeight() uint32
	QueueDepth() int
	WaitlistSize() int
	MailboxSize() int
	ActivePrograms() int
}

// Config holds configuration for the monitoring service.
type Config struct {
	MetricsPort     int
	HealthPort      int
	MetricsPath     string
	HealthPath      string
	LogLevel        gearlog.Level
	LogJSON         bool
	LogFile         string
	CollectInterval time.Duration
}

// DefaultConfig returns default monitoring configuration.
func DefaultConfig() *Config {
	return &Config{
		MetricsPort:     9090,
		HealthPort:      8080,
		MetricsPath:     "/metrics",
		HealthPath:      "/health",
		LogLevel:        gearlog.INFO,
		LogJSON:         false,
		CollectInterval: 5 * time.Second,
	}
}

// Service runs the metrics/health HTTP surface and periodically samples a
// RuntimeInterface into Metrics.
type Service struct {
	mu sync.RWMutex

	logger  *gearlog.Logger
	metrics *Metrics
	runtime RuntimeInterface
	config  *Config

	ctx    context.Context
	cancel context.CancelFunc

	metricsServer *http.Server
	healthServer  *http.Server
}

// NewService creates a monitoring service and starts its background
// sampling loop. runtime may be nil (metrics then only reflect whatever
// RecordDispatch/RecordLazyPageFault calls the caller makes directly).
func NewService(config *Config, runtime RuntimeInterface) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	log := gearlog.New(&gearlog.Config{
		Level:   config.LogLevel,
		Service: "monitoring",
		UseJSON: config.LogJSON,
		LogFile: config.LogFile,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		logger:  log,
		metrics: NewMetrics(),
		runtime: runtime,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}

	go s.startBackgroundSampling()
	return s
}

func (s *Service) startBackgroundSampling() {
	ticker := time.NewTicker(s.config.CollectInterval)
	defer ticker.Stop()

	s.logger.Info("starting background metrics sampling")
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("background metrics sampling stopped")
			return
		case <-ticker.C:
			s.UpdateMetrics()
		}
	}
}

// UpdateMetrics samples the runtime's gauges. Counters (dispatches, gas,
// lazy-page faults) are not sampled here; they change only through
// RecordDispatch/RecordLazyPageFault calls.
func (s *Service) UpdateMetrics() {
	s.mu.RLock()
	rt := s.runtime
	s.mu.RUnlock()
	if rt == nil {
		return
	}

	s.metrics.BlockHeight.Set(float64(rt.BlockHeight()))
	s.metrics.QueueDepth.Set(float64(rt.QueueDepth()))
	s.metrics.WaitlistSize.Set(float64(rt.WaitlistSize()))
	s.metrics.MailboxSize.Set(float64(rt.MailboxSize()))
	s.metrics.ActivePrograms.Set(float64(rt.ActivePrograms()))
	s.logger.Debug("metrics sampled")
}

// Start starts the metrics and health HTTP servers.
func (s *Service) Start() error {
	s.logger.Info("starting monitoring service")

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	if err := s.startHealthServer(); err != nil {
		return fmt.Errorf("start health server: %w", err)
	}

	s.logger.Info("monitoring service started")
	return nil
}

func (s *Service) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle(s.config.MetricsPath, promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	s.metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", s.config.MetricsPort), Handler: mux}
	go func() {
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error: %v", err)
		}
	}()
	s.logger.Info("metrics server listening on port %d", s.config.MetricsPort)
	return nil
}

func (s *Service) startHealthServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.HealthPath, s.healthHandler)

	s.healthServer = &http.Server{Addr: fmt.Sprintf(":%d", s.config.HealthPort), Handler: mux}
	go func() {
		if err := s.healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server error: %v", err)
		}
	}()
	s.logger.Info("health server listening on port %d", s.config.HealthPort)
	return nil
}

func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	report := map[string]interface{}{
		"status": "ok",
		"uptime": s.metrics.Uptime().String(),
	}
	if s.runtime != nil {
		report["block_height"] = s.runtime.BlockHeight()
		report["queue_depth"] = s.runtime.QueueDepth()
	}

	if err := json.NewEncoder(w).Encode(report); err != nil {
		http.Error(w, "failed to encode health report", http.StatusInternalServerError)
	}
}

// Stop shuts down both HTTP servers and the background sampling loop.
func (s *Service) Stop() error {
	s.logger.Info("stopping monitoring service")
	s.cancel()

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(context.Background()); err != nil {
			s.logger.Error("failed to shut down metrics server: %v", err)
		}
	}
	if s.healthServer != nil {
		if err := s.healthServer.Shutdown(context.Background()); err != nil {
			s.logger.Error("failed to shut down health server: %v", err)
		}
	}

	s.logger.Info("monitoring service stopped")
	return nil
}

func (s *Service) GetLogger() *gearlog.Logger { return s.logger }
func (s *Service) GetMetrics() *Metrics       { return s.metrics }

func (s *Service) GetMetricsEndpoint() string {
	return fmt.Sprintf("http://localhost:%d%s", s.config.MetricsPort, s.config.MetricsPath)
}

func (s *Service) GetHealthEndpoint() string {
	return fmt.Sprintf("http://localhost:%d%s", s.config.HealthPort, s.config.HealthPath)
}
