// Package metrics implements an optional Prometheus exporter mirroring
// the atomic counters of internal/stats and the per-database key counts
// of store.Registry. The counters themselves remain internal/stats's
// atomics - this package only reads them, fresh on every scrape.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kvloop/kvloop/internal/stats"
	"github.com/kvloop/kvloop/store"
	"github.com/kvloop/kvloop/worker"
)

// Collector adapts stats.Counters, a store.Registry and a
// worker.Directory into a prometheus.Collector, read fresh on every
// scrape rather than duplicated into a second set of counters.
type Collector struct {
	stats *stats.Counters
	reg   *store.Registry
	dir   *worker.Directory

	commandsProcessed   *prometheus.Desc
	connectionsAccepted *prometheus.Desc
	connectionsRejected *prometheus.Desc
	expiredKeys         *prometheus.Desc
	evictedKeys         *prometheus.Desc
	keyspaceHits        *prometheus.Desc
	keyspaceMisses      *prometheus.Desc
	pubsubMessages      *prometheus.Desc
	connectedClients    *prometheus.Desc
	usedMemory          *prometheus.Desc
	dbKeys              *prometheus.Desc
}

// NewCollector builds a Collector over the given counters, database
// registry and session directory. Register it with a *prometheus.Registry
// before serving /metrics.
func NewCollector(st *stats.Counters, reg *store.Registry, dir *worker.Directory) *Collector {
	return &Collector{
		stats: st,
		reg:   reg,
		dir:   dir,

		commandsProcessed:   prometheus.NewDesc("kvloop_commands_processed_total", "Total commands processed.", nil, nil),
		connectionsAccepted: prometheus.NewDesc("kvloop_connections_accepted_total", "Total connections accepted.", nil, nil),
		connectionsRejected: prometheus.NewDesc("kvloop_connections_rejected_total", "Total connections rejected at admission.", nil, nil),
		expiredKeys:         prometheus.NewDesc("kvloop_expired_keys_total", "Total keys removed by expiry.", nil, nil),
		evictedKeys:         prometheus.NewDesc("kvloop_evicted_keys_total", "Total keys removed by maxmemory eviction.", nil, nil),
		keyspaceHits:        prometheus.NewDesc("kvloop_keyspace_hits_total", "Total successful key lookups.", nil, nil),
		keyspaceMisses:      prometheus.NewDesc("kvloop_keyspace_misses_total", "Total failed key lookups.", nil, nil),
		pubsubMessages:      prometheus.NewDesc("kvloop_pubsub_messages_total", "Total pub/sub messages delivered.", nil, nil),
		connectedClients:    prometheus.NewDesc("kvloop_connected_clients", "Currently connected client sessions.", nil, nil),
		usedMemory:          prometheus.NewDesc("kvloop_used_memory_bytes", "Accounted keyspace footprint across all databases.", nil, nil),
		dbKeys:              prometheus.NewDesc("kvloop_db_keys", "Current key count per logical database.", []string{"db"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.commandsProcessed
	ch <- c.connectionsAccepted
	ch <- c.connectionsRejected
	ch <- c.expiredKeys
	ch <- c.evictedKeys
	ch <- c.keyspaceHits
	ch <- c.keyspaceMisses
	ch <- c.pubsubMessages
	ch <- c.connectedClients
	ch <- c.usedMemory
	ch <- c.dbKeys
}

// Collect implements prometheus.Collector, reading a fresh snapshot on
// every scrape.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.commandsProcessed, prometheus.CounterValue, float64(snap.CommandsProcessed))
	ch <- prometheus.MustNewConstMetric(c.connectionsAccepted, prometheus.CounterValue, float64(snap.ConnectionsAccepted))
	ch <- prometheus.MustNewConstMetric(c.connectionsRejected, prometheus.CounterValue, float64(snap.ConnectionsRejected))
	ch <- prometheus.MustNewConstMetric(c.expiredKeys, prometheus.CounterValue, float64(snap.ExpiredKeys))
	ch <- prometheus.MustNewConstMetric(c.evictedKeys, prometheus.CounterValue, float64(snap.EvictedKeys))
	ch <- prometheus.MustNewConstMetric(c.keyspaceHits, prometheus.CounterValue, float64(snap.KeyspaceHits))
	ch <- prometheus.MustNewConstMetric(c.keyspaceMisses, prometheus.CounterValue, float64(snap.KeyspaceMisses))
	ch <- prometheus.MustNewConstMetric(c.pubsubMessages, prometheus.CounterValue, float64(snap.PubsubMessages))
	ch <- prometheus.MustNewConstMetric(c.connectedClients, prometheus.GaugeValue, float64(c.dir.Count()))
	ch <- prometheus.MustNewConstMetric(c.usedMemory, prometheus.GaugeValue, float64(c.reg.UsedMemory()))

	for i, db := range c.reg.All() {
		db.RLock()
		n := db.Size()
		db.RUnlock()
		ch <- prometheus.MustNewConstMetric(c.dbKeys, prometheus.GaugeValue, float64(n), fmt.Sprintf("%d", i))
	}
}

// Server wraps the net/http server exposing /metrics, started only when
// the operator sets --metrics-addr.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a Server bound to addr, serving c's registry at
// /metrics. Call Serve to start accepting, Shutdown to stop.
func NewServer(addr string, c *Collector) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(c)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

// Serve blocks until the server is shut down, returning nil on a clean
// shutdown rather than http.ErrServerClosed.
func (s *Server) Serve() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the metrics HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
