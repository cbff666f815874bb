// Package metrics defines standardised metric emission for the scan
// scheduling and dispatch pipeline.
package metrics

import (
	"time"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	obserrors "github.com/ayazgul2000/threatdiviner/internal/observability/errors"
	"github.com/ayazgul2000/threatdiviner/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// ScanMetric captures one scan lifecycle event for metric emission.
type ScanMetric struct {
	Trigger    string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitScanLifecycle emits the standard scan transition counter, plus a timing
// when a duration is known.
func EmitScanLifecycle(sink statsd.Sink, in ScanMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"trigger":    in.Trigger,
		"transition": in.Transition,
		"result":     in.Result,
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("scan.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("scan.duration", in.Duration, CloneTags(tags))
	}
}

// EmitTick records one scheduler or maintenance sweep: how many items were
// due, how many fired, and how long the sweep took.
func EmitTick(sink statsd.Sink, component string, due, fired int, duration time.Duration, err error) {
	if sink == nil {
		return
	}

	result := ResultSuccess
	tags := map[string]string{"component": component}
	if err != nil {
		result = ResultError
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	} else if due == 0 {
		result = ResultNoop
	}
	tags["result"] = result

	sink.Count("tick.count", 1, tags)
	sink.Count("tick.due", int64(due), CloneTags(tags))
	sink.Count("tick.fired", int64(fired), CloneTags(tags))
	sink.Timing("tick.duration", duration, CloneTags(tags))
}

// EmitQueueDepth gauges the per-state depth of one queue.
func EmitQueueDepth(sink statsd.Sink, queue string, counts core.StateCounts) {
	if sink == nil {
		return
	}

	for state, value := range map[string]int64{
		"waiting":   counts.Waiting,
		"active":    counts.Active,
		"delayed":   counts.Delayed,
		"completed": counts.Completed,
		"failed":    counts.Failed,
	} {
		sink.Gauge("queue.depth", float64(value), map[string]string{
			"queue": queue,
			"state": state,
		})
	}
}

// CloneTags creates a shallow copy of a tag map so concurrent emissions never
// share mutable state.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
