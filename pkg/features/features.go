// Package features turns per-connection events into the fixed numeric
// feature vector consumed by the classifier.
package features

import (
	"sync"
	"time"
)

// VectorSize is the fixed length of a feature vector. Index position is
// the feature's identity for the classifier and is never permuted.
const VectorSize = 10

// Feature vector indices.
const (
	IdxSourcePort = iota
	IdxDestPort
	IdxDuration
	IdxInterPacketTime
	IdxBytesSent
	IdxBytesReceived
	IdxPacketsSent
	IdxPacketsReceived
	IdxFailedLogins
	IdxCommandFreq
)

// Names returns the feature names in vector order.
func Names() []string {
	return []string{
		"source_port",
		"destination_port",
		"connection_duration",
		"inter_packet_time",
		"bytes_sent",
		"bytes_received",
		"packets_sent",
		"packets_received",
		"failed_login_attempts",
		"command_frequency",
	}
}

// Vector is an ordered, fixed-length feature vector. All values are
// finite non-negative floats; unobserved fields stay zero.
type Vector [VectorSize]float64

// Slice returns the vector as a []float64 for model inference.
func (v Vector) Slice() []float64 {
	out := make([]float64, VectorSize)
	copy(out, v[:])
	return out
}

// Direction of a traffic event relative to the monitored host.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// EventKind discriminates the low-level connection events the
// accumulator understands.
type EventKind int

const (
	// KindPacket is a byte/packet observation.
	KindPacket EventKind = iota
	// KindAuthFailure is a failed authentication attempt.
	KindAuthFailure
	// KindCommand is a command invocation observed on the session.
	KindCommand
)

// Event is one low-level observation on a session. Seq is a monotonic
// per-session sequence number assigned by the transport; the accumulator
// applies each sequence number at most once.
type Event struct {
	Seq       uint64
	Kind      EventKind
	Direction Direction
	Bytes     int64
	Timestamp time.Time
}

// Accumulator maintains the rolling feature vector for one session.
// It never fails: malformed events are clamped rather than rejected.
type Accumulator struct {
	mu sync.Mutex

	vec     Vector
	applied map[uint64]struct{}

	firstEvent time.Time
	lastEvent  time.Time
}

// NewAccumulator creates an accumulator with the connection's port pair
// pre-filled. Ports are known at accept time and never change.
func NewAccumulator(sourcePort, destPort uint16) *Accumulator {
	a := &Accumulator{
		applied: make(map[uint64]struct{}),
	}
	a.vec[IdxSourcePort] = float64(sourcePort)
	a.vec[IdxDestPort] = float64(destPort)
	return a
}

// Observe applies one event to the running feature vector. Events whose
// sequence number has already been applied are ignored, so delivery
// retries and out-of-order duplicates cannot double-count.
func (a *Accumulator) Observe(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, seen := a.applied[ev.Seq]; seen {
		return
	}
	a.applied[ev.Seq] = struct{}{}

	bytes := ev.Bytes
	if bytes < 0 {
		bytes = 0
	}

	if !ev.Timestamp.IsZero() {
		if a.firstEvent.IsZero() || ev.Timestamp.Before(a.firstEvent) {
			a.firstEvent = ev.Timestamp
		}
		if ev.Timestamp.After(a.lastEvent) {
			a.lastEvent = ev.Timestamp
		}
	}

	switch ev.Kind {
	case KindPacket:
		if ev.Direction == Outbound {
			a.vec[IdxBytesSent] += float64(bytes)
			a.vec[IdxPacketsSent]++
		} else {
			a.vec[IdxBytesReceived] += float64(bytes)
			a.vec[IdxPacketsReceived]++
		}
	case KindAuthFailure:
		a.vec[IdxFailedLogins]++
	case KindCommand:
		a.vec[IdxCommandFreq]++
	}

	a.recomputeDerived()
}

// recomputeDerived updates duration and mean inter-packet time from the
// observed event span. Span / (packets-1) is invariant under arrival
// order, so out-of-order delivery cannot skew it.
func (a *Accumulator) recomputeDerived() {
	if a.firstEvent.IsZero() {
		return
	}
	span := a.lastEvent.Sub(a.firstEvent).Seconds()
	if span < 0 {
		span = 0
	}
	a.vec[IdxDuration] = span

	packets := a.vec[IdxPacketsSent] + a.vec[IdxPacketsReceived]
	if packets > 1 {
		a.vec[IdxInterPacketTime] = span / (packets - 1)
	}
}

// Snapshot returns an immutable copy of the current feature vector.
func (a *Accumulator) Snapshot() Vector {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vec
}

// EventCount reports how many distinct events have been applied. The
// dispatcher's classification trigger gates on this.
func (a *Accumulator) EventCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}
