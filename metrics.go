package peerhost

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const metricsNamespace = "peerhost"

// collectorRefs counts the hosts using each registered collector. Hosts bound
// to the same address share collectors, and only the last one to go
// unregisters them.
var collectorRefs = struct {
	sync.Mutex
	counts map[prometheus.Collector]int
}{counts: make(map[prometheus.Collector]int)}

// hostMetrics are the collectors of one host, distinguished by a constant
// "host" label so that several hosts can share a registry.
type hostMetrics struct {
	registerer      prometheus.Registerer
	events          *prometheus.CounterVec
	pollErrors      prometheus.Counter
	connectFailures prometheus.Counter
	connectedPeers  prometheus.Gauge
}

// newHostMetrics creates collectors and registers them on reg. A nil reg
// leaves them unregistered.
func newHostMetrics(reg prometheus.Registerer, host string) (*hostMetrics, error) {
	labels := prometheus.Labels{"host": host}
	m := &hostMetrics{
		registerer: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "events_total",
			Help:        "Events returned by the host, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "poll_errors_total",
			Help:        "Service and CheckEvents calls that failed.",
			ConstLabels: labels,
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "connect_failures_total",
			Help:        "Connect calls that could not allocate a peer.",
			ConstLabels: labels,
		}),
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "connected_peers",
			Help:        "Peers currently connected.",
			ConstLabels: labels,
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	m.events, err = registerOrReuse(reg, m.events)
	if err != nil {
		return nil, err
	}
	if m.pollErrors, err = registerOrReuse(reg, m.pollErrors); err != nil {
		return nil, err
	}
	if m.connectFailures, err = registerOrReuse(reg, m.connectFailures); err != nil {
		return nil, err
	}
	if m.connectedPeers, err = registerOrReuse(reg, m.connectedPeers); err != nil {
		return nil, err
	}
	return m, nil
}

// registerOrReuse registers c, or returns the collector already registered
// under the same descriptor. Either way the returned collector gains a
// reference.
func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	collectorRefs.Lock()
	defer collectorRefs.Unlock()

	err := reg.Register(c)
	if err == nil {
		collectorRefs.counts[c]++
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			collectorRefs.counts[existing]++
			return existing, nil
		}
	}
	return c, err
}

// release drops one reference to c and unregisters it with the last one.
func release(reg prometheus.Registerer, c prometheus.Collector) error {
	collectorRefs.Lock()
	defer collectorRefs.Unlock()

	if n := collectorRefs.counts[c]; n > 1 {
		collectorRefs.counts[c] = n - 1
		return nil
	}
	delete(collectorRefs.counts, c)
	if !reg.Unregister(c) {
		return errors.New("metrics collector was not registered")
	}
	return nil
}

func (m *hostMetrics) observe(ev *Event) {
	switch ev.Kind.(type) {
	case ConnectEvent:
		m.events.WithLabelValues("connect").Inc()
	case ReceiveEvent:
		m.events.WithLabelValues("receive").Inc()
	case DisconnectEvent:
		m.events.WithLabelValues("disconnect").Inc()
	}
}

func (m *hostMetrics) unregister() error {
	if m.registerer == nil {
		return nil
	}
	var err error
	for _, c := range []prometheus.Collector{m.events, m.pollErrors, m.connectFailures, m.connectedPeers} {
		err = multierr.Append(err, release(m.registerer, c))
	}
	return err
}
