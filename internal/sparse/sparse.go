// Package sparse implements the sparse byte cache: a set of
// non-overlapping, offset-ordered segments of file data held in memory,
// with batched, lock-bumping merge and eviction so that a huge segment
// never blocks the renderer thread for long.
package sparse

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kovaxis/gaze/internal/buf"
)

// Segment is one contiguous run of cached file bytes. ID is a trace
// identifier carried only for structured logging, so a segment's
// lifecycle (create, merge, evict) can be followed across log lines.
type Segment struct {
	ID     uuid.UUID
	Offset int64
	Data   *buf.Demem
}

func (s *Segment) end() int64 {
	return s.Offset + int64(s.Data.Len())
}

// Kind distinguishes the two Surroundings shapes.
type Kind int

const (
	// In means the offset falls inside a loaded segment.
	In Kind = iota
	// Out means the offset falls in a gap between segments.
	Out
)

// Surroundings describes what is loaded around a given offset: either
// the edges of the segment containing it (In), or the edges of the gap
// surrounding it (Out).
type Surroundings struct {
	Kind       Kind
	Start, End int64
}

// Range is a half-open byte range, [Start, End).
type Range struct {
	Start, End int64
}

// Data holds the sparse segments loaded from a (potentially huge) file.
type Data struct {
	Segments []*Segment
	// FileSize should only ever increase once set.
	FileSize int64
	// MaxLoaded is the total segment capacity above which cleanup evicts.
	MaxLoaded int
	// MergeBatchSize bounds how many bytes move between segments per lock hold.
	MergeBatchSize int
	// ReallocThreshold is the segment size above which merges/shrinks use a
	// freshly allocated buffer, built off the lock, instead of growing in place.
	ReallocThreshold int
	// Logger and LogSegmentLoad gate the per-segment creation trace log.
	// Both are optional; a nil Logger disables logging regardless of the flag.
	Logger         *slog.Logger
	LogSegmentLoad bool
}

// NewData constructs an empty sparse cache.
func NewData(maxLoaded, mergeBatchSize, reallocThreshold int) *Data {
	return &Data{
		MaxLoaded:        maxLoaded,
		MergeBatchSize:   mergeBatchSize,
		ReallocThreshold: reallocThreshold,
	}
}

func (d *Data) traceSegmentLoad(seg *Segment) {
	if d.LogSegmentLoad && d.Logger != nil {
		d.Logger.Debug("sparse segment loaded",
			"segment_id", seg.ID,
			"offset", seg.Offset,
			"len", seg.Data.Len(),
		)
	}
}

// Handle is the lock-bump token passed to the batched operations below.
// It guards a *Data that may be embedded inside a larger shared state
// struct; callers construct it once and share it with the loader and
// the renderer-facing facade.
type Handle struct {
	mu   *sync.Mutex
	data *Data
}

// NewHandle builds a Handle over data, guarded by mu. mu must already be
// held consistently by every other accessor of data.
func NewHandle(mu *sync.Mutex, data *Data) *Handle {
	return &Handle{mu: mu, data: data}
}

func (h *Handle) lock() *Data {
	h.mu.Lock()
	return h.data
}

func (h *Handle) unlock() {
	h.mu.Unlock()
}

// Bump drops and reacquires the lock, giving any waiter (typically the
// renderer thread) a chance to run between batches of a long operation.
func (h *Handle) Bump() {
	h.mu.Unlock()
	h.mu.Lock()
}

// findAfter returns the index of the first segment that ends at or
// after offset, or len(Segments) if there is none.
func (d *Data) findAfter(offset int64) int {
	for i, s := range d.Segments {
		if s.end() >= offset {
			return i
		}
	}
	return len(d.Segments)
}

// findBefore returns the index of the last segment that starts at or
// before offset, or len(Segments) if there is none.
func (d *Data) findBefore(offset int64) int {
	for i := len(d.Segments) - 1; i >= 0; i-- {
		if d.Segments[i].Offset <= offset {
			return i
		}
	}
	return len(d.Segments)
}

// FindSurroundings reports what is loaded around offset: the edges of
// the containing segment, or the edges of the surrounding gap.
func (d *Data) FindSurroundings(offset int64) Surroundings {
	if offset >= d.FileSize {
		offset = d.FileSize - 1
	}
	for i, s := range d.Segments {
		if s.end() > offset {
			if s.Offset <= offset {
				return Surroundings{Kind: In, Start: s.Offset, End: s.end()}
			}
			prev := int64(0)
			if i > 0 {
				prev = d.Segments[i-1].end()
			}
			return Surroundings{Kind: Out, Start: prev, End: s.Offset}
		}
	}
	prev := int64(0)
	if n := len(d.Segments); n > 0 {
		prev = d.Segments[n-1].end()
	}
	return Surroundings{Kind: Out, Start: prev, End: d.FileSize}
}

// NextLoadRange decides the next byte range the loader should fetch
// around hotOffset: if hotOffset already falls inside a loaded segment,
// it extends whichever adjacent gap is closer (capped at readSize),
// falling back to the other side when the closer side has no gap left;
// otherwise it loads a readSize-wide window centered on hotOffset,
// clipped to the surrounding segments and the file bounds. A returned
// Range with Start >= End means there is nothing left to load there.
func (d *Data) NextLoadRange(hotOffset int64, readSize int64) Range {
	if hotOffset < 0 {
		hotOffset = 0
	}

	for i, s := range d.Segments {
		if s.Offset <= hotOffset && hotOffset < s.end() {
			lside, rside := s.Offset, s.end()
			prevEnd := int64(0)
			if i > 0 {
				prevEnd = d.Segments[i-1].end()
			}
			nextStart := d.FileSize
			if i+1 < len(d.Segments) {
				nextStart = d.Segments[i+1].Offset
			}
			left := Range{Start: max64(prevEnd, lside-readSize), End: lside}
			right := Range{Start: rside, End: min64(nextStart, rside+readSize)}
			if right.Start >= right.End || (hotOffset-lside < rside-hotOffset && left.Start < left.End) {
				return left
			}
			return right
		}
		if hotOffset < s.Offset {
			prevEnd := int64(0)
			if i > 0 {
				prevEnd = d.Segments[i-1].end()
			}
			return Range{
				Start: max64(prevEnd, hotOffset-readSize/2),
				End:   min64(s.Offset, hotOffset+readSize/2),
			}
		}
	}

	prevEnd := int64(0)
	if n := len(d.Segments); n > 0 {
		prevEnd = d.Segments[n-1].end()
	}
	return Range{
		Start: max64(prevEnd, hotOffset-readSize/2),
		End:   min64(d.FileSize, hotOffset+readSize/2),
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// insertSegment splices data into the segment list at offset, trimming
// or dropping whatever segments it overlaps. It does not merge with
// segments it ends up touching; callers handle that separately so the
// lock can be bumped during any resulting merge.
func (d *Data) insertSegment(offset int64, data []byte) int {
	i := d.findBefore(offset)
	j := d.findAfter(offset + int64(len(data)))

	if i < len(d.Segments) {
		s := d.Segments[i]
		origLen := int64(s.Data.Len())
		overlap := s.end() - offset
		if overlap > 0 {
			if overlap >= int64(len(data)) {
				// The provided data is completely redundant.
				return i
			}
			s.Data.ConsumeRight(int(overlap))
		}
		if overlap < origLen {
			i++
		}
	} else {
		i = 0
	}

	if j < len(d.Segments) {
		s := d.Segments[j]
		origLen := int64(s.Data.Len())
		overlap := offset + int64(len(data)) - s.Offset
		if overlap > 0 {
			s.Offset += overlap
			s.Data.ConsumeLeft(int(overlap))
		}
		if overlap >= origLen {
			j++
		}
	}

	fresh := &Segment{ID: uuid.New(), Offset: offset, Data: buf.FromBytes(data)}
	d.Segments = spliceSegment(d.Segments, i, j, fresh)
	d.traceSegmentLoad(fresh)

	return i
}

func spliceSegment(segs []*Segment, i, j int, fresh *Segment) []*Segment {
	out := make([]*Segment, 0, len(segs)-(j-i)+1)
	out = append(out, segs[:i]...)
	out = append(out, fresh)
	out = append(out, segs[j:]...)
	return out
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p *= 2
	}
	return p
}

// mergeSegments merges the adjacent segments at lIdx and lIdx+1, which
// must already touch edge-to-edge. forceIntoLeft overrides the
// cheaper-side heuristic; pass nil to let it decide.
func mergeSegments(h *Handle, lIdx int, forceIntoLeft *bool) {
	sparse := h.lock()

	l := sparse.Segments[lIdx]
	r := sparse.Segments[lIdx+1]

	lRealloc := l.Data.Capacity()+r.Data.Len() >= sparse.ReallocThreshold && l.Data.SpareRight() < r.Data.Len()
	rRealloc := r.Data.Capacity()+l.Data.Len() >= sparse.ReallocThreshold && r.Data.SpareLeft() < l.Data.Len()
	reallocSize := nextPowerOfTwo(l.Data.Len() + r.Data.Len())

	intoLeft := r.Data.Len() <= l.Data.Len()
	if forceIntoLeft != nil {
		intoLeft = *forceIntoLeft
	}

	if intoLeft && lRealloc {
		off := sparse.Segments[lIdx].Offset
		h.unlock()
		seg := &Segment{ID: uuid.New(), Offset: off, Data: buf.NewWithSpare(0, reallocSize)}
		sparse = h.lock()
		sparse.Segments = insertAt(sparse.Segments, lIdx, seg)
		h.unlock()
		mergeSegments(h, lIdx, boolPtr(true))
		sparse = h.lock()
	} else if !intoLeft && rRealloc {
		off := sparse.Segments[lIdx+1].end()
		h.unlock()
		seg := &Segment{ID: uuid.New(), Offset: off, Data: buf.NewWithSpare(reallocSize, 0)}
		sparse = h.lock()
		sparse.Segments = insertAt(sparse.Segments, lIdx+2, seg)
		h.unlock()
		mergeSegments(h, lIdx+1, boolPtr(false))
		sparse = h.lock()
	}

	for {
		batchSize := sparse.MergeBatchSize
		l = sparse.Segments[lIdx]
		r = sparse.Segments[lIdx+1]
		if intoLeft {
			bs := min(batchSize, r.Data.Len())
			l.Data.ExtendRight(r.Data.Bytes()[:bs])
			r.Data.ConsumeLeft(bs)
			r.Offset += int64(bs)
			if r.Data.Len() == 0 {
				break
			}
		} else {
			bs := min(batchSize, l.Data.Len())
			ld := l.Data.Bytes()
			r.Data.ExtendLeft(ld[len(ld)-bs:])
			r.Offset -= int64(bs)
			l.Data.ConsumeRight(bs)
			if l.Data.Len() == 0 {
				break
			}
		}
		h.Bump()
	}

	removeIdx := lIdx
	if intoLeft {
		removeIdx = lIdx + 1
	}
	sparse.Segments = removeAt(sparse.Segments, removeIdx)
	h.unlock()
}

func boolPtr(b bool) *bool { return &b }

func insertAt(segs []*Segment, i int, seg *Segment) []*Segment {
	out := make([]*Segment, 0, len(segs)+1)
	out = append(out, segs[:i]...)
	out = append(out, seg)
	out = append(out, segs[i:]...)
	return out
}

func removeAt(segs []*Segment, i int) []*Segment {
	out := make([]*Segment, 0, len(segs)-1)
	out = append(out, segs[:i]...)
	out = append(out, segs[i+1:]...)
	return out
}

// InsertData inserts data at offset and merges it into any segments it
// now touches.
func InsertData(h *Handle, offset int64, data []byte) {
	if len(data) == 0 {
		return
	}

	sparse := h.lock()
	i := sparse.insertSegment(offset, data)

	mergeLeft := i > 0 && sparse.Segments[i-1].end() == sparse.Segments[i].Offset
	if mergeLeft {
		h.unlock()
		mergeSegments(h, i-1, nil)
		i--
		sparse = h.lock()
	}

	mergeRight := i+1 < len(sparse.Segments) && sparse.Segments[i].end() == sparse.Segments[i+1].Offset
	h.unlock()
	if mergeRight {
		mergeSegments(h, i, nil)
	}
}

// CleanupOptions configures the logging behavior of Cleanup.
type CleanupOptions struct {
	// LogMemRelease gates the structured "memory released" log line.
	LogMemRelease bool
	Logger        *slog.Logger
}

// Cleanup evicts data outside keep if the total loaded capacity exceeds
// MaxLoaded, batching any large shrink-copies off the lock.
func Cleanup(h *Handle, keep Range, opts CleanupOptions) {
	sparse := h.lock()

	totalCap := 0
	for _, s := range sparse.Segments {
		totalCap += s.Data.Capacity()
	}
	if totalCap <= sparse.MaxLoaded {
		h.unlock()
		return
	}

	shrinkedBy := 0

	// Dropped segments simply stop being referenced here; unlike the
	// reference implementation we don't need to defer their release off
	// the lock, since the GC reclaims them asynchronously regardless.
	kept := make([]*Segment, 0, len(sparse.Segments))
	for _, s := range sparse.Segments {
		lconsume := clamp(keep.Start-s.Offset, 0, int64(s.Data.Len()))
		s.Data.ConsumeLeft(int(lconsume))
		s.Offset += lconsume
		rconsume := clamp(s.end()-keep.End, 0, int64(s.Data.Len()))
		s.Data.ConsumeRight(int(rconsume))
		if s.Data.Len() == 0 {
			shrinkedBy += s.Data.Capacity()
			continue
		}
		kept = append(kept, s)
	}
	sparse.Segments = kept

	dataAcc := 0
	for i, s := range sparse.Segments {
		shrinkedBy += s.Data.Capacity() - s.Data.Len()
		if dataAcc+s.Data.Capacity() >= sparse.ReallocThreshold {
			size := s.Data.Len()
			h.unlock()
			fresh := buf.NewWithSpare(0, size)
			sparse = h.lock()
			for {
				s = sparse.Segments[i]
				bs := min(sparse.MergeBatchSize, size-fresh.Len())
				fresh.ExtendRight(s.Data.Bytes()[fresh.Len() : fresh.Len()+bs])
				if fresh.Len() >= size {
					break
				}
				h.Bump()
			}
			sparse.Segments[i].Data = fresh
			dataAcc = 0
		} else {
			dataAcc += s.Data.Capacity()
			s.Data.ShrinkToFit()
		}
	}

	h.unlock()

	if opts.LogMemRelease && opts.Logger != nil {
		remaining := make([]string, 0, len(sparse.Segments))
		for _, s := range sparse.Segments {
			remaining = append(remaining, fmt.Sprintf("[%d, %d)", s.Offset, s.end()))
		}
		opts.Logger.Info("sparse cache shrunk",
			"cleanup_id", uuid.NewString(),
			"used_mb", float64(totalCap)/1024/1024,
			"budget_mb", float64(sparse.MaxLoaded)/1024/1024,
			"freed_mb", float64(shrinkedBy)/1024/1024,
			"segments", remaining,
		)
	}
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// LongestPrefix returns the contiguous loaded run that starts exactly at
// startingAt and extends to the end of its segment, or nil if the byte
// at startingAt isn't loaded.
func (d *Data) LongestPrefix(startingAt int64) []byte {
	for i := len(d.Segments) - 1; i >= 0; i-- {
		s := d.Segments[i]
		if s.Offset <= startingAt {
			skip := startingAt - s.Offset
			if skip >= int64(s.Data.Len()) {
				return nil
			}
			return s.Data.Bytes()[skip:]
		}
	}
	return nil
}

// LongestSuffix returns the contiguous loaded run that ends exactly at
// endingAt, starting from the beginning of its segment, or nil if the
// byte just before endingAt isn't loaded.
func (d *Data) LongestSuffix(endingAt int64) []byte {
	for _, s := range d.Segments {
		if s.end() >= endingAt {
			keep := endingAt - s.Offset
			if keep <= 0 {
				return nil
			}
			return s.Data.Bytes()[:keep]
		}
	}
	return nil
}
