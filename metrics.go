package shoukaku

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the live state of a node pool as Prometheus
// metrics. Values are read from the manager at scrape time, so the
// collector holds no state of its own.
//
//	registry.MustRegister(shoukaku.NewCollector(manager))
type Collector struct {
	manager *Shoukaku

	nodeState      *prometheus.Desc
	nodePenalties  *prometheus.Desc
	nodePlayers    *prometheus.Desc
	nodeReconnects *prometheus.Desc
	nodeSystemLoad *prometheus.Desc
	connections    *prometheus.Desc
	pendingDumps   *prometheus.Desc
}

func NewCollector(manager *Shoukaku) *Collector {
	nodeLabels := []string{"node", "group"}
	return &Collector{
		manager: manager,
		nodeState: prometheus.NewDesc(
			"shoukaku_node_state",
			"Connection state of the node (0 disconnected, 1 connecting, 2 nearly, 3 connected, 4 reconnecting, 5 disconnecting)",
			nodeLabels, nil,
		),
		nodePenalties: prometheus.NewDesc(
			"shoukaku_node_penalties",
			"Load-balancing penalty score of the node",
			nodeLabels, nil,
		),
		nodePlayers: prometheus.NewDesc(
			"shoukaku_node_players",
			"Number of players bound to the node",
			nodeLabels, nil,
		),
		nodeReconnects: prometheus.NewDesc(
			"shoukaku_node_reconnects",
			"Reconnect attempts of the node's current outage, zero while healthy",
			nodeLabels, nil,
		),
		nodeSystemLoad: prometheus.NewDesc(
			"shoukaku_node_system_load",
			"System load reported by the node's last stats frame",
			nodeLabels, nil,
		),
		connections: prometheus.NewDesc(
			"shoukaku_voice_connections",
			"Number of tracked voice connections",
			nil, nil,
		),
		pendingDumps: prometheus.NewDesc(
			"shoukaku_pending_restores",
			"Number of player dumps waiting for a node to restore them",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nodeState
	ch <- c.nodePenalties
	ch <- c.nodePlayers
	ch <- c.nodeReconnects
	ch <- c.nodeSystemLoad
	ch <- c.connections
	ch <- c.pendingDumps
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, node := range c.manager.Nodes() {
		labels := []string{node.Name, node.Group()}
		ch <- prometheus.MustNewConstMetric(c.nodeState, prometheus.GaugeValue, float64(node.State()), labels...)
		ch <- prometheus.MustNewConstMetric(c.nodePenalties, prometheus.GaugeValue, float64(node.Penalties()), labels...)
		ch <- prometheus.MustNewConstMetric(c.nodePlayers, prometheus.GaugeValue, float64(len(node.playerList())), labels...)
		ch <- prometheus.MustNewConstMetric(c.nodeReconnects, prometheus.GaugeValue, float64(node.reconnectCount()), labels...)
		systemLoad := 0.0
		if stats := node.Stats(); stats != nil {
			systemLoad = stats.CPU.SystemLoad
		}
		ch <- prometheus.MustNewConstMetric(c.nodeSystemLoad, prometheus.GaugeValue, systemLoad, labels...)
	}
	c.manager.mu.RLock()
	connections := len(c.manager.connections)
	pending := len(c.manager.reconnectingPlayers)
	c.manager.mu.RUnlock()
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(connections))
	ch <- prometheus.MustNewConstMetric(c.pendingDumps, prometheus.GaugeValue, float64(pending))
}
