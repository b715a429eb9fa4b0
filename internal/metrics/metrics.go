package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SyncRuns counts orchestrated sync runs by overall outcome.
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posture_sync_runs_total",
		Help: "Total cluster sync runs by overall outcome",
	}, []string{"outcome"})

	// ClusterSyncs counts per-cluster sync attempts by outcome.
	ClusterSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posture_cluster_sync_total",
		Help: "Total per-cluster syncs by outcome",
	}, []string{"outcome"})

	ClusterSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "posture_cluster_sync_duration_seconds",
		Help:    "Duration of a single cluster sync in seconds",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
	})

	FleetNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "posture_fleet_nodes",
		Help: "Nodes across all clusters in the last sync",
	})

	FleetCPUCores = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "posture_fleet_cpu_cores",
		Help: "CPU capacity in cores across all clusters in the last sync",
	})

	FleetRAMBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "posture_fleet_ram_bytes",
		Help: "Memory capacity in bytes across all clusters in the last sync",
	})

	// HistoryRows reports rows written by the last history population, per entity.
	HistoryRows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "posture_history_rows",
		Help: "Rows copied into history by the last population, by entity",
	}, []string{"entity"})

	ClusterEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posture_cluster_events_total",
		Help: "Total cluster events recorded by severity",
	}, []string{"severity"})
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
