package pmwcas

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts MwCAS traffic. All counters are registered under the
// pmwcas_ namespace.
type Metrics struct {
	SucceededUpdates    prometheus.Counter
	FailedUpdates       prometheus.Counter
	HelpAttempts        prometheus.Counter
	DescriptorAllocs    prometheus.Counter
	DescriptorScavenges prometheus.Counter
	Reads               prometheus.Counter
}

// NewMetrics builds and registers the counter set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SucceededUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmwcas", Name: "succeeded_updates_total",
			Help: "MwCAS operations that swapped every target word.",
		}),
		FailedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmwcas", Name: "failed_updates_total",
			Help: "MwCAS operations that observed a mismatched old value.",
		}),
		HelpAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmwcas", Name: "help_attempts_total",
			Help: "Times a thread helped complete another operation.",
		}),
		DescriptorAllocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmwcas", Name: "descriptor_allocs_total",
			Help: "Descriptor allocations from partition free lists.",
		}),
		DescriptorScavenges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmwcas", Name: "descriptor_scavenges_total",
			Help: "Garbage list scavenges triggered by empty free lists.",
		}),
		Reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmwcas", Name: "reads_total",
			Help: "Target word reads through the helping reader.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.SucceededUpdates, m.FailedUpdates, m.HelpAttempts,
			m.DescriptorAllocs, m.DescriptorScavenges, m.Reads)
	}
	return m
}
