package observability

import "time"

// Recorder receives authorization engine measurements.
// *Metrics and *OTelMetrics both satisfy it.
type Recorder interface {
	RecordCheck(kind string, allowed bool, elapsed time.Duration)
	RecordBypass()
	RecordCycle()
	RecordAssignment(action string)
	RecordSweep(n int)
	RecordCache(backend string, hit bool)
}

// Recorders fans every measurement out to each non-nil recorder
type Recorders []Recorder

func (rs Recorders) RecordCheck(kind string, allowed bool, elapsed time.Duration) {
	for _, r := range rs {
		r.RecordCheck(kind, allowed, elapsed)
	}
}

func (rs Recorders) RecordBypass() {
	for _, r := range rs {
		r.RecordBypass()
	}
}

func (rs Recorders) RecordCycle() {
	for _, r := range rs {
		r.RecordCycle()
	}
}

func (rs Recorders) RecordAssignment(action string) {
	for _, r := range rs {
		r.RecordAssignment(action)
	}
}

func (rs Recorders) RecordSweep(n int) {
	for _, r := range rs {
		r.RecordSweep(n)
	}
}

func (rs Recorders) RecordCache(backend string, hit bool) {
	for _, r := range rs {
		r.RecordCache(backend, hit)
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordCheck(string, bool, time.Duration) {}
func (nopRecorder) RecordBypass() {}
func (nopRecorder) RecordCycle() {}
func (nopRecorder) RecordAssignment(string) {}
func (nopRecorder) RecordSweep(int) {}
func (nopRecorder) RecordCache(string, bool) {}

// NopRecorder discards all measurements
func NopRecorder() Recorder {
	return nopRecorder{}
}
