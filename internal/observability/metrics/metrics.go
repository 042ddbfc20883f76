// Package metrics exposes engine counters and state gauges in the Prometheus
// exposition format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ARS-Engine/internal/engine"
	xerrors "ARS-Engine/internal/errors"
)

const namespace = "ars"

// Collector implements engine.Observer on top of a private Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	txTotal       *prometheus.CounterVec
	applyDuration *prometheus.HistogramVec

	height          prometheus.Gauge
	totalSupply     prometheus.Gauge
	vaultValue      prometheus.Gauge
	vhr             prometheus.Gauge
	oracleValue     prometheus.Gauge
	oracleFresh     prometheus.Gauge
	breakerActive   prometheus.Gauge
	activeProposals prometheus.Gauge
	agents          prometheus.Gauge
}

// New registers every metric, plus the Go runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}

	c := &Collector{
		registry: reg,
		txTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions processed by the engine, by kind, status and error code.",
		}, []string{"kind", "status", "code"}),
		applyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Time spent applying a single transaction.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"kind"}),
	}
	reg.MustRegister(c.txTotal, c.applyDuration)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c.height = gauge("height", "Number of applied transactions.")
	c.totalSupply = gauge("total_supply", "Token supply tracked by the supply controller.")
	c.vaultValue = gauge("vault_total_value", "Reserve vault value in quote units.")
	c.vhr = gauge("vault_health_ratio_bps", "Vault health ratio in basis points.")
	c.oracleValue = gauge("oracle_value", "Last committed oracle value.")
	c.oracleFresh = gauge("oracle_fresh", "1 when the committed oracle value is within the staleness window.")
	c.breakerActive = gauge("circuit_breaker_active", "1 while the circuit breaker is active.")
	c.activeProposals = gauge("active_proposals", "Proposals currently open for voting.")
	c.agents = gauge("agents", "Registered agents.")
	return c
}

// ObserveApply records one engine.Apply outcome.
func (c *Collector) ObserveApply(kind engine.Kind, status engine.ReceiptStatus, code xerrors.Code, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.txTotal.WithLabelValues(string(kind), string(status), string(code)).Inc()
	c.applyDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// ObserveState updates the state gauges after a successful transaction.
func (c *Collector) ObserveState(g engine.Gauges) {
	if c == nil {
		return
	}
	c.height.Set(float64(g.Height))
	c.totalSupply.Set(float64(g.TotalSupply))
	c.vaultValue.Set(float64(g.VaultValue))
	c.vhr.Set(float64(g.VHR))
	c.oracleValue.Set(float64(g.OracleValue))
	c.oracleFresh.Set(boolGauge(g.OracleFresh))
	c.breakerActive.Set(boolGauge(g.BreakerActive))
	c.activeProposals.Set(float64(g.ActiveProposals))
	c.agents.Set(float64(g.Agents))
}

// Registry exposes the underlying registry so other components can add collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

var _ engine.Observer = (*Collector)(nil)

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
