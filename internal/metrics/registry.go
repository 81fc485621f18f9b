// Package metrics exposes the Prometheus counters and gauges every
// Ouroboros subsystem reports into, the generalisation of the
// teacher's `internal/metrics.Collector` (a registry-wrapping
// periodic snapshotter, `prometheus/client_golang`) to the spec §A.4
// datapath and control-plane counters: PFF misses, datapath drops,
// forwarded PDUs (a qos_cube-labelled vector that Collector fills
// under the single label "all"), CDAP request timeouts, active flows,
// RIB node count, and enrolment outcomes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is one process's metric set, built on its own
// prometheus.Registry rather than the global DefaultRegisterer so
// an IRMd and any number of IPCP processes in the same test binary
// never collide registering the same metric names.
type Registry struct {
	reg *prometheus.Registry

	PFFMisses          prometheus.Counter
	TTLDrops           prometheus.Counter
	ForwardedPDUs      *prometheus.CounterVec
	DeliveredPDUs      prometheus.Counter
	TransmittedPDUs    prometheus.Counter
	CDAPTimeouts       prometheus.Counter
	ActiveFlows        prometheus.Gauge
	RIBNodes           prometheus.Gauge
	EnrolmentSuccesses prometheus.Counter
	EnrolmentFailures  prometheus.Counter
}

// NewRegistry creates and registers a fresh metric set.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		PFFMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ouroboros_pff_misses_total",
			Help: "Total PDU Forwarding Function lookups that found no route.",
		}),
		TTLDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ouroboros_ttl_drops_total",
			Help: "Total PDUs the flow manager dropped (TTL expiry, no route, malformed or undeliverable PDU, unregistered port).",
		}),
		ForwardedPDUs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ouroboros_forwarded_pdus_total",
			Help: "Total PDUs relayed onward by QoS cube.",
		}, []string{"qos_cube"}),
		DeliveredPDUs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ouroboros_delivered_pdus_total",
			Help: "Total PDUs delivered to a local N-application.",
		}),
		TransmittedPDUs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ouroboros_transmitted_pdus_total",
			Help: "Total PDUs encapsulated and sent from a local N-application.",
		}),
		CDAPTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ouroboros_cdap_timeouts_total",
			Help: "Total CDAP requests that timed out waiting for a reply.",
		}),
		ActiveFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ouroboros_active_flows",
			Help: "Current number of N-flows with routing context in the flow manager.",
		}),
		RIBNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ouroboros_rib_nodes",
			Help: "Current number of objects in the RIB tree.",
		}),
		EnrolmentSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ouroboros_enrolment_successes_total",
			Help: "Total successful enrolments into a DIF.",
		}),
		EnrolmentFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ouroboros_enrolment_failures_total",
			Help: "Total failed enrolment attempts.",
		}),
	}
	reg.MustRegister(
		r.PFFMisses, r.TTLDrops, r.ForwardedPDUs, r.DeliveredPDUs, r.TransmittedPDUs,
		r.CDAPTimeouts, r.ActiveFlows, r.RIBNodes, r.EnrolmentSuccesses, r.EnrolmentFailures,
	)
	return r
}

// Gatherer exposes the underlying registry for an HTTP /metrics
// handler (promhttp.HandlerFor).
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
