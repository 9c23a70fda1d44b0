// Package metrics declares the prometheus collectors both binaries expose on
// /metrics. Collectors are registered at init through promauto; packages
// record into them directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedClients tracks websocket peers currently registered with a hub.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arcor2_connected_clients",
		Help: "Number of connected websocket clients.",
	})

	// RPCs counts served RPCs by discriminator and outcome.
	RPCs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcor2_rpcs_total",
		Help: "RPCs served, by request discriminator and result.",
	}, []string{"request", "result"})

	// EventsBroadcast counts events fanned out to clients, by discriminator.
	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcor2_events_broadcast_total",
		Help: "Events broadcast to clients, by event discriminator.",
	}, []string{"event"})

	// RelayDropped counts manager-relayed events evicted under backpressure.
	RelayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcor2_relay_dropped_total",
		Help: "Manager-relayed events dropped from the bounded relay queue.",
	})

	// PackageRuns counts execution package runs by final outcome.
	PackageRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcor2_package_runs_total",
		Help: "Execution package runs, by outcome.",
	}, []string{"outcome"})

	// ScriptEvents counts events parsed off the script's stdout.
	ScriptEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcor2_script_events_total",
		Help: "Events parsed from the running script, by discriminator.",
	}, []string{"event"})
)
