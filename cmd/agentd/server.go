package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/handler"
	"github.com/t77yq/agentspace/internal/model"
	"github.com/t77yq/agentspace/internal/monitor"
	"github.com/t77yq/agentspace/internal/orchestrator"
)

// runtimeStatus is what the ops endpoints read from the orchestrator
type runtimeStatus interface {
	IsRunning() bool
	Status() orchestrator.Status
	Agents() []*model.Agent
}

type statusResponse struct {
	Runtime    orchestrator.Status `json:"runtime"`
	System     *monitor.Snapshot   `json:"system,omitempty"`
	Connectors []string            `json:"connectors"`
	Agents     []agentSummary      `json:"agents"`
}

type agentSummary struct {
	ID      string             `json:"id"`
	Name    string             `json:"name"`
	Status  string             `json:"status"`
	Metrics model.AgentMetrics `json:"metrics"`
}

// newOpsRouter serves /metrics, /healthz and /status. collector and
// connectors may be nil.
func newOpsRouter(rs runtimeStatus, collector *monitor.MetricsCollector, connectors *handler.ConnectorRegistry, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	logger = logger.Named("ops")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !rs.IsRunning() {
			http.Error(w, "orchestrator not running", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		resp := statusResponse{Runtime: rs.Status(), Connectors: []string{}}
		if connectors != nil {
			resp.Connectors = connectors.Names()
		}
		if collector != nil {
			if snap, ok := collector.Last(); ok {
				resp.System = &snap
			}
		}
		for _, agent := range rs.Agents() {
			resp.Agents = append(resp.Agents, agentSummary{
				ID:      agent.ID,
				Name:    agent.Name,
				Status:  agent.Status.String(),
				Metrics: agent.Metrics,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Warn("Failed to write status", zap.Error(err))
		}
	})

	return r
}
