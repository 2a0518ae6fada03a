package raring

// TraceKind identifies an anomalous buffer condition reported through
// the trace hook.
type TraceKind int

const (
	// TraceNoFreeSegment: a write at a discontinuous position was
	// rejected because both segments already hold live runs.
	TraceNoFreeSegment TraceKind = iota + 1
	// TraceNewSegment: a position discontinuity opened the second
	// segment slot (normal during loop playback).
	TraceNewSegment
	// TraceReadMiss: a requested range is not fully resident in either
	// segment.
	TraceReadMiss
	// TraceAmbiguousRead: a requested range is resident in both
	// segments at once; the read is refused rather than resolved by
	// guessing which copy the caller wants.
	TraceAmbiguousRead
)

func (k TraceKind) String() string {
	switch k {
	case TraceNoFreeSegment:
		return "no-free-segment"
	case TraceNewSegment:
		return "new-segment"
	case TraceReadMiss:
		return "read-miss"
	case TraceAmbiguousRead:
		return "ambiguous-read"
	default:
		return "unknown"
	}
}

// SegmentInfo describes one segment's readable window. Inactive slots
// have Active == false and zero values elsewhere.
type SegmentInfo struct {
	Active   bool
	Reversed bool
	Index    uint32 // ring index of the run's initial start position
	First    int64  // first readable absolute position
	Last     int64  // one past the last readable absolute position
}

// Event carries the context of an anomalous condition: the requested
// range and a snapshot of both segment windows at the time.
type Event struct {
	Kind     TraceKind
	Start    int64
	Count    uint32
	Segments [2]SegmentInfo
}

// TraceFunc receives anomaly events from the buffer. The hook runs
// inline on the write or read path, possibly on a real-time thread, so
// implementations should be cheap and must not block. A nil trace
// disables reporting entirely.
type TraceFunc func(Event)
