package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Telemetry metrics
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playwarden_events_total",
			Help: "Total telemetry events received",
		},
		[]string{"device"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playwarden_events_dropped_total",
			Help: "Telemetry events dropped as malformed",
		},
		[]string{"reason"},
	)

	// Session metrics
	SessionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playwarden_sessions_opened_total",
			Help: "Sessions opened",
		},
		[]string{"user", "device"},
	)

	SessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playwarden_sessions_closed_total",
			Help: "Sessions closed",
		},
		[]string{"user", "reason"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "playwarden_sessions_active",
			Help: "Currently open sessions",
		},
	)

	SessionsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playwarden_sessions_recovered_total",
			Help: "Sessions restored from storage after a restart",
		},
	)

	PlaytimeMinutes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playwarden_playtime_minutes_total",
			Help: "Playtime minutes credited",
		},
		[]string{"user"},
	)

	// Enforcement metrics
	WarningsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playwarden_warnings_issued_total",
			Help: "Shutdown warnings issued",
		},
		[]string{"user"},
	)

	ShutdownsEnforced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playwarden_shutdowns_enforced_total",
			Help: "Standby commands enforced",
		},
		[]string{"user", "reason"},
	)

	// Bus metrics
	SensorPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playwarden_sensor_publishes_total",
			Help: "Sensor values published to the broker",
		},
		[]string{"user"},
	)

	HistoryFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playwarden_history_fallbacks_total",
			Help: "Queries answered by local aggregates after a history source failure",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		EventsTotal,
		EventsDropped,
		SessionsOpened,
		SessionsClosed,
		SessionsActive,
		SessionsRecovered,
		PlaytimeMinutes,
		WarningsIssued,
		ShutdownsEnforced,
		SensorPublishes,
		HistoryFallbacks,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
