package telemetry

import (
	"context"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/deedflow/config"
)

// Logger builds a prefixed logger for one component.
func Logger(prefix string) *log.Logger {
	return log.New(log.Writer(), "["+prefix+"] ", log.LstdFlags)
}

// Telemetry aggregates batch counters and optionally serves them over an
// ops endpoint. All counters are safe for the single-threaded pipeline.
type Telemetry struct {
	cfg    config.TelemetryConfig
	logger *log.Logger
	server *echo.Echo

	PlotOutcomes  *prometheus.CounterVec
	Payments      prometheus.Counter
	Downloads     prometheus.Counter
	PollAttempts  *prometheus.CounterVec
	ActionRetries *prometheus.CounterVec
}

// New registers the batch metrics on a private registry.
func New(cfg config.TelemetryConfig) *Telemetry {
	registry := prometheus.NewRegistry()
	t := &Telemetry{
		cfg:    cfg,
		logger: Logger("TELEMETRY"),
		PlotOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deedflow_plot_outcomes_total",
			Help: "Plots processed, by final outcome",
		}, []string{"outcome"}),
		Payments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deedflow_payments_total",
			Help: "Verified wallet payments made",
		}),
		Downloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deedflow_documents_downloaded_total",
			Help: "Documents successfully downloaded",
		}),
		PollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deedflow_poll_attempts_total",
			Help: "Readiness poll attempts, by wait name",
		}, []string{"wait"}),
		ActionRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deedflow_action_retries_total",
			Help: "Failed browser action attempts, by action name",
		}, []string{"action"}),
	}
	registry.MustRegister(t.PlotOutcomes, t.Payments, t.Downloads, t.PollAttempts, t.ActionRetries)

	if cfg.Enabled {
		e := echo.New()
		e.HideBanner = true
		e.HidePort = true
		e.GET("/healthz", func(c echo.Context) error {
			return c.String(http.StatusOK, "ok")
		})
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		t.server = e
	}
	return t
}

// Start serves the ops endpoint when telemetry is enabled.
func (t *Telemetry) Start() {
	if t.server == nil {
		return
	}
	go func() {
		if err := t.server.Start(t.cfg.Address); err != nil && err != http.ErrServerClosed {
			t.logger.Printf("ops server: %v", err)
		}
	}()
}

// Shutdown stops the ops endpoint.
func (t *Telemetry) Shutdown(ctx context.Context) {
	if t.server == nil {
		return
	}
	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Printf("ops server shutdown: %v", err)
	}
}
