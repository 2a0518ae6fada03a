// Package raring implements a random-access ring buffer for streaming
// audio samples from a disk-reading producer to a real-time playback
// consumer.
//
// Unlike a plain FIFO ring, the buffer tracks up to two "segments":
// contiguous runs of absolute sample positions currently resident in
// the ring. A writer fills the buffer sequentially from a given start
// position; a reader can fetch data at any resident absolute position,
// independent of the writer's current position, and can re-read the
// same data more than once. The use-case is audio playback with
// backward micro-seeks and loop boundaries: the ring may hold the tail
// of one loop iteration and the head of the next at the same time.
//
// A "reservation" count is fixed at construction. The writer never
// overwrites that many elements behind the read position, so the
// reader can rewind and re-read recent data (e.g. for declicking).
//
// Before writing after a loop point, the writer should check whether
// the data is already present (CanRead). If the complete loop fits in
// the buffer it only needs to be written once.
//
// Thread assignment:
//   - Write, NextWritePos: producer goroutine only; never blocks on
//     the reader
//   - Read, IncrementReadIdx, ReadFlush: consumer only; Read never
//     blocks and is safe on a real-time audio thread
//   - Reset: non-real-time control path only; the sole blocking call
package raring

import (
	"sync"
	"sync/atomic"
)

// DefaultReservation is the number of elements kept un-overwritten
// behind the read position when no explicit reservation is given.
const DefaultReservation = 8191

// segment tracks one contiguous run of absolute positions resident in
// the ring. writeOffset == 0 marks the slot inactive.
type segment struct {
	index       uint32 // ring index of the run's initial start position
	startPos    int64  // absolute position at which writing began
	writeOffset int64  // elements written since startPos; 0: inactive
	reversed    bool   // run holds reverse-playback data
}

// RaRingBuffer is a fixed-capacity circular buffer of elements T with
// absolute-position bookkeeping across up to two resident runs.
//
// T must be a plain value type; element transfers are slice copies
// with no per-element ownership.
type RaRingBuffer[T any] struct {
	buf         []T
	size        uint32
	mask        uint32
	reservation uint32

	seg [2]segment

	// writeIdx corresponds to startPos+writeOffset of the segment
	// being extended; readIdx to the most recently read position.
	// Atomic for cross-thread visibility outside the spinlock.
	writeIdx atomic.Uint32
	readIdx  atomic.Uint32

	// posLock publishes segment metadata and the matching ring index
	// together, so a reader never observes one without the other.
	posLock spinLock
	// resetMu excludes reads while a seek rewrites the position
	// mapping. Read only ever tries it; Reset holds it.
	resetMu sync.Mutex

	trace TraceFunc
}

// New creates a buffer holding at least size elements plus
// DefaultReservation. Internal capacity is rounded up to a power of
// two.
func New[T any](size uint32) *RaRingBuffer[T] {
	return NewWithReservation[T](size, DefaultReservation)
}

// NewWithReservation creates a buffer whose internal capacity is the
// smallest power of two ≥ size+reservation. The capacity and the
// backing storage are fixed for the life of the buffer; the hot paths
// never allocate.
func NewWithReservation[T any](size, reservation uint32) *RaRingBuffer[T] {
	if size == 0 {
		panic("raring: size must be > 0")
	}
	want := uint64(size) + uint64(reservation)
	if want > 1<<31 {
		panic("raring: capacity exceeds 2^31 elements")
	}

	shift := uint(1)
	for uint64(1)<<shift < want {
		shift++
	}
	capacity := uint32(1) << shift

	rb := &RaRingBuffer[T]{
		buf:         make([]T, capacity),
		size:        capacity,
		mask:        capacity - 1,
		reservation: reservation,
	}
	rb.Reset(0)
	return rb
}

// SetTrace installs the anomaly hook. Call before the buffer is shared
// between goroutines.
func (rb *RaRingBuffer[T]) SetTrace(fn TraceFunc) {
	rb.trace = fn
}

// Reset restarts position tracking at start: both segments become
// inactive, segment 0 is seeded with the new start position, and the
// write index is aligned to the read index. Non-linear writes (user
// seeks) must Reset before writing at the new position.
//
// Reset blocks until any in-flight Read has finished and must only be
// called from a non-real-time context.
func (rb *RaRingBuffer[T]) Reset(start int64) {
	rb.resetMu.Lock()
	defer rb.resetMu.Unlock()

	rb.posLock.lock()
	rb.seg[0].startPos = start
	rb.seg[0].writeOffset = 0
	rb.seg[1].writeOffset = 0
	rb.writeIdx.Store(rb.readIdx.Load())
	rb.posLock.unlock()
}

// segmentToUse returns the slot whose run start is wrap-aware closer
// behind the write index w: distance (w - index) mod capacity, smaller
// wins. Equal distances would mean both slots are being extended at
// once, which the single-writer discipline forbids.
func (rb *RaRingBuffer[T]) segmentToUse(s0, s1 segment, w uint32) int {
	d0 := int64(w) - int64(s0.index)
	if w <= s0.index {
		d0 += int64(rb.size)
	}
	d1 := int64(w) - int64(s1.index)
	if w <= s1.index {
		d1 += int64(rb.size)
	}
	if d0 == d1 {
		panic("raring: segment distance aliasing")
	}
	if d0 < d1 {
		return 0
	}
	return 1
}

// window returns the readable absolute range [first, last) of an
// active segment. The lower bound is clamped to capacity-1 elements
// because anything older has been physically overwritten.
func (rb *RaRingBuffer[T]) window(s segment) (first, last int64) {
	last = s.startPos + s.writeOffset
	first = last - min(s.writeOffset, int64(rb.size-1))
	return first, last
}

// NextWritePos reports the absolute position the next Write is
// expected to continue from. Callers compare it against their intended
// start to detect whether a write is contiguous with existing state or
// opens a new segment.
func (rb *RaRingBuffer[T]) NextWritePos() int64 {
	rb.posLock.lock()
	s0, s1 := rb.seg[0], rb.seg[1]
	w := rb.writeIdx.Load()
	rb.posLock.unlock()

	switch {
	case s0.writeOffset == 0 && s1.writeOffset == 0:
		return s0.startPos
	case s1.writeOffset == 0:
		return s0.startPos + s0.writeOffset
	case s0.writeOffset == 0:
		return s1.startPos + s1.writeOffset
	}
	if rb.segmentToUse(s0, s1, w) == 0 {
		return s0.startPos + s0.writeOffset
	}
	return s1.startPos + s1.writeOffset
}

// CanRead reports whether [start, start+cnt) is fully resident in one
// of the segments, mirroring Read's containment test without copying.
// Loop-fill logic calls this before a loop point to skip rewriting
// data that is still in the buffer.
func (rb *RaRingBuffer[T]) CanRead(start int64, cnt uint32) bool {
	rb.posLock.lock()
	s := [2]segment{rb.seg[0], rb.seg[1]}
	rb.posLock.unlock()

	for i := range s {
		if s[i].writeOffset <= 0 {
			continue
		}
		first, last := rb.window(s[i])
		if start >= first && start+int64(cnt) <= last {
			return true
		}
	}
	rb.emit(TraceReadMiss, start, cnt, s)
	return false
}

// Write copies up to len(src) elements into the buffer at absolute
// position start and returns the number copied (0..len(src)).
//
// A 0 return means "not now, retry": either the writable space is
// exhausted (retry once the reader advances), or both segments hold
// live runs and start would begin a third discontinuous run (retry
// once the reader retires a segment). Partial writes are expected;
// retry with the remaining source and an advanced start.
//
// Producer goroutine only. Write never blocks on the reader; its only
// mutual exclusion is the short metadata spinlock.
func (rb *RaRingBuffer[T]) Write(src []T, start int64) uint32 {
	rb.posLock.lock()
	s := [2]segment{rb.seg[0], rb.seg[1]}
	rb.posLock.unlock()

	w := rb.writeIdx.Load()

	var seg int
	switch {
	case s[0].writeOffset == 0 && s[1].writeOffset == 0:
		// Both slots unused: start writing into the first.
		seg = 0
		s[0].index = w
		s[0].startPos = start
	case s[0].writeOffset != 0 && s[1].writeOffset == 0:
		seg = 0
	case s[1].writeOffset != 0 && s[0].writeOffset == 0:
		seg = 1
	default:
		// Both slots hold live runs: the writer may only continue the
		// one it is extending. A third discontinuous run has nowhere
		// to go until the reader retires a segment.
		seg = rb.segmentToUse(s[0], s[1], w)
		if start != s[seg].startPos+s[seg].writeOffset {
			rb.emit(TraceNoFreeSegment, start, uint32(len(src)), s)
			return 0
		}
	}

	if next := s[seg].startPos + s[seg].writeOffset; start != next {
		// Position discontinuity (e.g. loop wrap): open the other slot.
		seg = 1 - seg
		if s[seg].writeOffset != 0 {
			panic("raring: new segment slot still active")
		}
		s[seg].index = w
		s[seg].startPos = start
		rb.emit(TraceNewSegment, start, uint32(len(src)), s)
	}

	free := rb.WriteSpace()
	if free == 0 {
		return 0
	}

	toWrite := uint32(len(src))
	if toWrite > free {
		toWrite = free
	}

	// At most two contiguous spans when the copy wraps.
	n1 := toWrite
	var n2 uint32
	if w+toWrite > rb.size {
		n1 = rb.size - w
		n2 = (w + toWrite) & rb.mask
	}

	copy(rb.buf[w:], src[:n1])
	w = (w + n1) & rb.mask
	if n2 > 0 {
		copy(rb.buf, src[n1:n1+n2])
		w = n2
	}

	s[seg].writeOffset += int64(toWrite)

	// Publish the extended segment and the new write index together.
	rb.posLock.lock()
	rb.seg[seg] = s[seg]
	rb.writeIdx.Store(w)
	rb.posLock.unlock()

	return toWrite
}

// Read copies exactly len(dest) elements at absolute position start
// into dest and returns that count, or copies nothing and returns 0 —
// never a partial nonzero count.
//
// A 0 return is a transient "try again" signal, not an error: either a
// Reset is in progress, or the range is not fully resident in any one
// segment. With commit, a successful read publishes the read index
// just past the copied range and may trim a fully-consumed segment the
// writer is no longer extending, freeing its space; a failed read
// snaps the read index to the write index, accepting that the
// requested data is unavailable and resynchronizing at the live edge.
//
// Consumer only. Read never blocks: it takes a non-blocking try on the
// reset guard and spins only for the short metadata section, so it is
// safe on a hard-real-time audio thread. Backward movement of the read
// position (intentional micro-rewinds by a declick/fade stage) is
// tolerated but not validated; callers must keep rewinds within
// Reservation().
func (rb *RaRingBuffer[T]) Read(dest []T, start int64, commit bool) uint32 {
	if !rb.resetMu.TryLock() {
		// seek in progress
		return 0
	}
	defer rb.resetMu.Unlock()

	cnt := uint32(len(dest))

	rb.posLock.lock()
	s := [2]segment{rb.seg[0], rb.seg[1]}
	w := rb.writeIdx.Load()
	rb.posLock.unlock()

	var privReadIdx uint32
	found := 0
	for i := range s {
		if s[i].writeOffset <= 0 {
			continue
		}
		first, last := rb.window(s[i])
		if start < first || start+int64(cnt) > last {
			continue
		}
		// Physical offset of start: walk backward from the segment's
		// live end, wrapping through the capacity boundary.
		p := (int64(s[i].index) + s[i].writeOffset) & int64(rb.mask)
		back := last - start
		if p > back {
			privReadIdx = uint32(p - back)
		} else {
			privReadIdx = uint32((int64(rb.size) + p - back) & int64(rb.mask))
		}
		found |= 1 << i
	}

	if found != 1 && found != 2 {
		if found == 0 {
			rb.emit(TraceReadMiss, start, cnt, s)
		} else {
			rb.emit(TraceAmbiguousRead, start, cnt, s)
		}
		if commit {
			rb.readIdx.Store(w)
		}
		return 0
	}

	n1 := cnt
	var n2 uint32
	if privReadIdx+cnt > rb.size {
		n1 = rb.size - privReadIdx
		n2 = (privReadIdx + cnt) & rb.mask
	}

	copy(dest[:n1], rb.buf[privReadIdx:])
	privReadIdx = (privReadIdx + n1) & rb.mask
	if n2 > 0 {
		copy(dest[n1:], rb.buf[:n2])
		privReadIdx = n2
	}

	if commit {
		if s[0].writeOffset != 0 && s[1].writeOffset != 0 {
			// With both segments live, the one the writer is not
			// extending can no longer grow. Consuming from it
			// invalidates everything up to the read end, so advance
			// its start and release the space for the writer.
			wseg := 1 - rb.segmentToUse(s[0], s[1], w)
			if (found == 1 && wseg == 0) || (found == 2 && wseg == 1) {
				rb.posLock.lock()
				end := start + int64(cnt)
				delta := end - rb.seg[wseg].startPos
				if delta < 0 || delta > rb.seg[wseg].writeOffset {
					panic("raring: segment trim delta out of bounds")
				}
				rb.seg[wseg].startPos = end
				rb.seg[wseg].writeOffset -= delta
				rb.seg[wseg].index = privReadIdx
				rb.posLock.unlock()
			}
		}
		// Read index points just past the copied range.
		rb.readIdx.Store(privReadIdx)
	}
	return cnt
}

// IncrementReadIdx advances the read index by up to cnt elements,
// clamped to the currently readable space.
func (rb *RaRingBuffer[T]) IncrementReadIdx(cnt uint32) {
	if space := rb.ReadSpace(); cnt > space {
		cnt = space
	}
	rb.readIdx.Store((rb.readIdx.Load() + cnt) & rb.mask)
}

// WriteSpace returns the number of elements the writer may currently
// add. One slot is withheld to distinguish full from empty, and the
// reservation window behind the read index is never handed to the
// writer.
//
// The read index can sit behind the write index after an intentional
// rewind (declick fade-out while the producer has already written
// ahead); that is safe as long as the rewind stays within the
// reservation, and WriteSpace floors at 0 rather than underflow.
func (rb *RaRingBuffer[T]) WriteSpace() uint32 {
	w := rb.writeIdx.Load()
	r := rb.readIdx.Load()

	var rv uint32
	switch {
	case w > r:
		rv = (r + rb.size - w) & rb.mask
	case w < r:
		rv = r - w
	default:
		rv = rb.size
	}
	if rv > rb.reservation {
		return rv - 1 - rb.reservation
	}
	return 0
}

// ReadSpace returns the number of elements between the read and write
// indices, i.e. how far the reader may advance before reaching the
// live edge.
func (rb *RaRingBuffer[T]) ReadSpace() uint32 {
	w := rb.writeIdx.Load()
	r := rb.readIdx.Load()

	if w > r {
		return w - r
	}
	return (w + rb.size - r) & rb.mask
}

// ReadFlush forces the read index to the current write index,
// discarding any readable backlog.
func (rb *RaRingBuffer[T]) ReadFlush() {
	rb.readIdx.Store(rb.writeIdx.Load())
}

// Segments returns a snapshot of both segment windows, taken under a
// single lock acquisition so the fields are mutually consistent.
func (rb *RaRingBuffer[T]) Segments() [2]SegmentInfo {
	rb.posLock.lock()
	s := [2]segment{rb.seg[0], rb.seg[1]}
	rb.posLock.unlock()
	return rb.describe(s)
}

// Buffer exposes the raw backing storage.
func (rb *RaRingBuffer[T]) Buffer() []T { return rb.buf }

// WriteIdx returns the current physical write index.
func (rb *RaRingBuffer[T]) WriteIdx() uint32 { return rb.writeIdx.Load() }

// ReadIdx returns the current physical read index.
func (rb *RaRingBuffer[T]) ReadIdx() uint32 { return rb.readIdx.Load() }

// Size returns the internal (power-of-two) capacity in elements.
func (rb *RaRingBuffer[T]) Size() uint32 { return rb.size }

// Reservation returns the configured rewind headroom. Callers that
// move the read position backward must stay within this many elements.
func (rb *RaRingBuffer[T]) Reservation() uint32 { return rb.reservation }

func (rb *RaRingBuffer[T]) describe(s [2]segment) [2]SegmentInfo {
	var out [2]SegmentInfo
	for i := range s {
		if s[i].writeOffset <= 0 {
			continue
		}
		first, last := rb.window(s[i])
		out[i] = SegmentInfo{
			Active:   true,
			Reversed: s[i].reversed,
			Index:    s[i].index,
			First:    first,
			Last:     last,
		}
	}
	return out
}

func (rb *RaRingBuffer[T]) emit(kind TraceKind, start int64, cnt uint32, s [2]segment) {
	if rb.trace == nil {
		return
	}
	rb.trace(Event{
		Kind:     kind,
		Start:    start,
		Count:    cnt,
		Segments: rb.describe(s),
	})
}
