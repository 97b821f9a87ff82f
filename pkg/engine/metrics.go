package engine

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	acks      *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
	uploads   *prometheus.CounterVec
	inbound   *prometheus.CounterVec
}

// newMetrics builds the engine counters and registers them on reg when it is
// not nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_ack_waits_total",
			Help: "Acknowledgment waits by envelope kind and outcome.",
		}, []string{"kind", "outcome"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_fallback_writes_total",
			Help: "Durable writes made after an acknowledgment timeout.",
		}, []string{"target", "result"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_uploads_total",
			Help: "Attachment uploads by result.",
		}, []string{"result"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_inbound_messages_total",
			Help: "Messages received from the remote party by result.",
		}, []string{"source", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.acks, m.fallbacks, m.uploads, m.inbound)
	}
	return m
}

func outcome(ok bool) string {
	if ok {
		return "acked"
	}
	return "timeout"
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
