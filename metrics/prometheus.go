package metrics

import "github.com/prometheus/client_golang/prometheus"

type counterDesc struct {
	desc  *prometheus.Desc
	value func(Snapshot) int64
}

func newCounterDesc(name, help string, value func(Snapshot) int64) counterDesc {
	return counterDesc{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, []string{"world"}, nil),
		value: value,
	}
}

var counterDescs = []counterDesc{
	newCounterDesc("sessions_started_total", "Sessions that reached Active.", func(s Snapshot) int64 { return s.SessionsStarted }),
	newCounterDesc("sessions_stopped_total", "Sessions torn down.", func(s Snapshot) int64 { return s.SessionsStopped }),
	newCounterDesc("connection_failures_total", "Start requests that failed to connect.", func(s Snapshot) int64 { return s.ConnectionFailures }),
	newCounterDesc("steps_started_total", "Accepted step requests.", func(s Snapshot) int64 { return s.StepsStarted }),
	newCounterDesc("steps_completed_total", "Steps that produced an observation.", func(s Snapshot) int64 { return s.StepsCompleted }),
	newCounterDesc("steps_rejected_total", "Steps refused while another was in flight.", func(s Snapshot) int64 { return s.StepsRejected }),
	newCounterDesc("script_errors_total", "Errors raised on the main execution path.", func(s Snapshot) int64 { return s.ScriptErrors }),
	newCounterDesc("async_errors_total", "Errors raised by scheduled callbacks.", func(s Snapshot) int64 { return s.AsyncErrors }),
	newCounterDesc("recoveries_total", "Stuck relocations performed.", func(s Snapshot) int64 { return s.Recoveries }),
	newCounterDesc("recovery_misses_total", "Stuck relocations that failed.", func(s Snapshot) int64 { return s.RecoveryMisses }),
	newCounterDesc("reclaim_ops_total", "World operations issued by reclamation.", func(s Snapshot) int64 { return s.ReclaimOps }),
	newCounterDesc("ticks_total", "World ticks received.", func(s Snapshot) int64 { return s.Ticks }),
	newCounterDesc("ipc_decode_errors_total", "World frames that failed to decode.", func(s Snapshot) int64 { return s.IPCDecodeErrors }),
	newCounterDesc("events_received_total", "Sub-observations offered to the step buffer.", func(s Snapshot) int64 { return s.EventsReceived }),
	newCounterDesc("events_dropped_total", "Sub-observations dropped by the step buffer.", func(s Snapshot) int64 { return s.EventsDropped }),
	newCounterDesc("publish_success_total", "Step notifications delivered downstream.", func(s Snapshot) int64 { return s.PublishSuccess }),
	newCounterDesc("publish_failure_total", "Step notifications that failed to deliver.", func(s Snapshot) int64 { return s.PublishFailure }),
}

var _ prometheus.Collector = (*Collector)(nil)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range counterDescs {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.Snapshot()
	for _, d := range counterDescs {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(d.value(s)), s.World)
	}
}
