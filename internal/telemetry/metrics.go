// Package telemetry exposes the simulator's Prometheus metrics.
package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpsim_actions_total",
		Help: "Protocol actions sent by the device, by action name and result",
	}, []string{"action", "result"})

	FlowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpsim_flows_total",
		Help: "Flows executed, by flow name and result",
	}, []string{"flow", "result"})

	ErrorEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpsim_error_events_total",
		Help: "Error events raised by the device, by reason",
	}, []string{"reason"})

	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpsim_frames_total",
		Help: "Wire frames by direction",
	}, []string{"direction"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cpsim_active_charging_sessions",
		Help: "Charging sessions currently in progress",
	})
)

// Result labels for ActionsTotal / FlowsTotal.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// ResultLabel maps a boolean outcome to its metric label.
func ResultLabel(ok bool) string {
	if ok {
		return ResultOK
	}
	return ResultFailed
}

// Serve exposes /metrics on the given port in a background goroutine.
func Serve(port int, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Info("Serving metrics", zap.String("addr", addr))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("Metrics listener failed", zap.Error(err))
		}
	}()
}
