package metrics

import (
	"wabridge/internal/bus"
	"wabridge/internal/domain"
)

const namespace = "wabridge"

var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

// Recorder turns bridge events into wabridge_* series.
type Recorder struct {
	c *MetricsCollector
}

func NewRecorder(c *MetricsCollector) *Recorder {
	r := &Recorder{c: c}
	// Register the unlabelled series up front so /metrics shows them at zero.
	r.listenerAttached()
	r.latency()
	return r
}

func (r *Recorder) requests(typ, channel string) *Counter {
	return r.c.Counter(namespace+"_requests_total", "Requests handled, by message type and channel",
		Labels("type", typ, "channel", channel))
}

func (r *Recorder) failures(typ, source string) *Counter {
	return r.c.Counter(namespace+"_failures_total", "Requests answered with ok=false",
		Labels("type", typ, "source", source))
}

func (r *Recorder) imagesAttached(src domain.AttachSource) *Counter {
	return r.c.Counter(namespace+"_images_attached_total", "Images dispatched into the composer, by source",
		Labels("source", string(src)))
}

func (r *Recorder) sends() *Counter {
	return r.c.Counter(namespace+"_sends_total", "Send button clicks", "")
}

func (r *Recorder) listenerAttached() *Gauge {
	return r.c.Gauge(namespace+"_listener_attached", "1 while a page listener is bound to a WhatsApp tab", "")
}

func (r *Recorder) latency() *Histogram {
	return r.c.Histogram(namespace+"_insert_latency_seconds", "Time from request to response for insertions", "", latencyBuckets)
}

// Observe updates the series for one event.
func (r *Recorder) Observe(e bus.Event) {
	switch e.Type {
	case bus.EventPing:
		r.requests(e.Message.Type, e.Message.Channel).Inc()
	case bus.EventInsertCompleted, bus.EventInsertFailed:
		r.requests(e.Message.Type, e.Message.Channel).Inc()
		r.latency().Observe(e.Duration.Seconds())
		if e.Type == bus.EventInsertFailed {
			r.failures(e.Message.Type, e.Source).Inc()
			return
		}
		if e.Report.Attach.Dispatched {
			r.imagesAttached(e.Report.Attach.Source).Inc()
		}
		if e.Report.Sent {
			r.sends().Inc()
		}
	case bus.EventListenerAttached:
		r.listenerAttached().Set(1)
	case bus.EventListenerDetached:
		r.listenerAttached().Set(0)
	}
}

// Subscribe feeds every event on events into the recorder.
func (r *Recorder) Subscribe(events *bus.EventBus) func() {
	id := events.On("*", r.Observe)
	return func() { events.Off("*", id) }
}
