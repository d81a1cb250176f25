// Package linemap translates byte offsets into (line, x) screen
// coordinates without ever holding the whole file's layout in memory.
// Like the sparse byte cache, it keeps a short list of merged segments
// covering whatever ranges have been scanned so far; unlike the byte
// cache, a segment's extent is measured in anchors, not bytes, and its
// coordinates are a mix of absolute and origin-relative frames so that
// merging two segments never requires rewriting an entire segment's
// worth of X coordinates.
package linemap

import (
	"log/slog"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/kovaxis/gaze/internal/layout"
)

// bomLen reports how many leading bytes of data are a byte-order mark,
// using x/text's BOM sniffer so detection matches a real UTF-8/16
// decoder's notion of a BOM rather than a hand-rolled prefix check.
// Only called for the segment starting at file offset 0; actual
// decoding of the remaining bytes still goes through unicode/utf8.
func bomLen(data []byte) int {
	if len(data) < 3 {
		return 0
	}
	head := data[:3]
	dst := make([]byte, 3)
	nDst, nSrc, err := unicode.BOMOverride(transform.Nop).Transform(dst, head, false)
	if err != nil || nSrc != 3 || nDst != 0 {
		return 0
	}
	return 3
}

// Anchor is a known reference point inside a mapped segment: a byte
// offset paired with the line/column it falls on.
type Anchor struct {
	// Offset is the absolute byte offset this anchor marks.
	Offset int64
	// YOffset is the line number relative to the containing segment's BaseY.
	YOffset int64
	// XOffset is the X position, relative or absolute depending on where
	// this anchor falls relative to its segment's FirstAbsolute index.
	XOffset float64
}

// XRel interprets XOffset as relative and adds baseX.
func (a Anchor) XRel(baseX float64) float64 {
	return a.XOffset + baseX
}

// XAbs interprets XOffset as already absolute.
func (a Anchor) XAbs() float64 {
	return a.XOffset
}

// X resolves XOffset given whether this anchor is absolute.
func (a Anchor) X(baseX float64, isAbs bool) float64 {
	if isAbs {
		return a.XOffset
	}
	return a.XOffset + baseX
}

// Y resolves YOffset against the containing segment's BaseY.
func (a Anchor) Y(baseY int64) int64 {
	return a.YOffset + baseY
}

// approxAnchorSize estimates an Anchor's in-memory footprint, used to
// derive bytes-per-anchor from a memory budget.
const approxAnchorSize = 24

// MappedSegment is a contiguous run of the file for which line/column
// coordinates are known at every anchor.
type MappedSegment struct {
	ID uuid.UUID
	// Start is the inclusive byte offset this segment begins at. If it
	// is 0, Y coordinates are absolute from the start of the file.
	Start int64
	// End is the exclusive byte offset this segment ends at.
	End int64
	// FirstAbsolute is the index of the first anchor with an absolute X
	// coordinate; anchors before it are relative to BaseXRelative. Equal
	// to len(Anchors) if none are absolute yet.
	FirstAbsolute int
	// BaseY is added to every anchor's YOffset to get its real line number.
	BaseY int64
	// BaseXRelative is added to a relative anchor's XOffset; it has no
	// effect on absolute anchors.
	BaseXRelative float64
	Anchors       *anchorDeque
	// WidestLine and RelWidth cache the widest X reached by any absolute
	// (resp. still-relative) anchor in this segment, for bounding_rect.
	// They are write-through caches, not migrated during merges: the
	// absolute-x promotion path can change which anchor is widest, so
	// both are simply recomputed from the merged anchors (see recomputeWidth).
	WidestLine float64
	RelWidth   float64
}

// recomputeWidth recomputes WidestLine and RelWidth from the current
// anchors. Called after creation and after every merge, since promoting
// a relative prefix to absolute (or merging two differently-framed
// segments) can change which anchor holds the widest X.
func (s *MappedSegment) recomputeWidth() {
	widest := 0.0
	relWidest := 0.0
	for i := 0; i < s.Anchors.Len(); i++ {
		a := s.Anchors.At(i)
		if i >= s.FirstAbsolute {
			if x := a.X(s.BaseXRelative, true); x > widest {
				widest = x
			}
		} else {
			if x := a.X(s.BaseXRelative, false); x > relWidest {
				relWidest = x
			}
		}
	}
	s.WidestLine = widest
	s.RelWidth = relWidest
}

func newPlaceholderSegment() *MappedSegment {
	return &MappedSegment{Anchors: newAnchorDeque(0)}
}

// isXAbsolute reports whether anchor, which must belong to this
// segment, carries an absolute X coordinate.
func (s *MappedSegment) isXAbsolute(anchor Anchor) bool {
	if s.FirstAbsolute >= s.Anchors.Len() {
		return false
	}
	abs := s.Anchors.At(s.FirstAbsolute)
	return anchor.Offset >= abs.Offset
}

// findLower returns the last anchor at or before offset.
func (s *MappedSegment) findLower(offset int64) (Anchor, bool) {
	n := s.Anchors.Len()
	i := sort.Search(n, func(i int) bool { return s.Anchors.At(i).Offset > offset })
	if i == 0 {
		return Anchor{}, false
	}
	return s.Anchors.At(i - 1), true
}

// findUpper returns the first anchor at or after offset.
func (s *MappedSegment) findUpper(offset int64) (Anchor, bool) {
	n := s.Anchors.Len()
	i := sort.Search(n, func(i int) bool { return s.Anchors.At(i).Offset >= offset })
	if i >= n {
		return Anchor{}, false
	}
	return s.Anchors.At(i), true
}

// relOffset returns the byte offset at which this segment's anchors
// become absolute, used to break ties between relative/absolute anchors
// sharing a Y coordinate.
func (s *MappedSegment) relOffset() int64 {
	if s.FirstAbsolute < s.Anchors.Len() {
		return s.Anchors.At(s.FirstAbsolute).Offset
	}
	return s.End + 1
}

// locateLower returns the last anchor at or before (y, x), breaking Y
// ties by X.
func (s *MappedSegment) locateLower(y int64, x float64) (Anchor, bool) {
	relOffset := s.relOffset()
	n := s.Anchors.Len()
	i := sort.Search(n, func(i int) bool {
		a := s.Anchors.At(i)
		ay := a.Y(s.BaseY)
		if ay < y {
			return false
		}
		if ay == y && a.X(s.BaseXRelative, a.Offset >= relOffset) <= x {
			return false
		}
		return true
	})
	if i == 0 {
		return Anchor{}, false
	}
	return s.Anchors.At(i - 1), true
}

// locateUpper returns the first anchor at or after (y, x), breaking Y
// ties by X.
func (s *MappedSegment) locateUpper(y int64, x float64) (Anchor, bool) {
	relOffset := s.relOffset()
	n := s.Anchors.Len()
	i := sort.Search(n, func(i int) bool {
		a := s.Anchors.At(i)
		ay := a.Y(s.BaseY)
		if ay < y {
			return false
		}
		if ay == y && a.X(s.BaseXRelative, a.Offset >= relOffset) < x {
			return false
		}
		return true
	})
	if i >= n {
		return Anchor{}, false
	}
	return s.Anchors.At(i), true
}

// LineMap holds the merged list of mapped segments scanned so far.
// Like SparseData, it is kept short by merging segments that touch on
// insert; nothing evicts mapped segments, so the list is not bounded.
type LineMap struct {
	Segments []*MappedSegment
}

// New returns an empty line map.
func New() *LineMap {
	return &LineMap{}
}

func (m *LineMap) findAfter(offset int64) int {
	for i, s := range m.Segments {
		if s.End >= offset {
			return i
		}
	}
	return len(m.Segments)
}

func (m *LineMap) findBefore(offset int64) int {
	for i := len(m.Segments) - 1; i >= 0; i-- {
		if m.Segments[i].Start <= offset {
			return i
		}
	}
	return len(m.Segments)
}

// ScanlineToAnchors maps a base offset and a delta range to the pair of
// anchors bounding the requested scanline, along with the reference
// anchor the deltas were resolved against. It returns ok=false if
// baseOffset isn't mapped, if the query would require absolute X that
// isn't known yet, or if the target line isn't covered by the segment.
// On the segment's last line the final anchor bounds the scanline.
func (m *LineMap) ScanlineToAnchors(baseOffset int64, dy int64, dx0, dx1 float64) (lo, hi, base Anchor, ok bool) {
	i := m.findAfter(baseOffset)
	if i >= len(m.Segments) {
		return Anchor{}, Anchor{}, Anchor{}, false
	}
	s := m.Segments[i]
	if s.Start > baseOffset {
		return Anchor{}, Anchor{}, Anchor{}, false
	}
	base, ok = s.findLower(baseOffset)
	if !ok {
		return Anchor{}, Anchor{}, Anchor{}, false
	}
	isXAbs := s.isXAbsolute(base)
	if !isXAbs && dy != 0 {
		return Anchor{}, Anchor{}, Anchor{}, false
	}
	y := base.Y(s.BaseY) + dy
	x0 := base.X(s.BaseXRelative, isXAbs) + dx0
	x1 := base.X(s.BaseXRelative, isXAbs) + dx1
	if x0 < 0 {
		x0 = 0
	}
	if x1 < 0 {
		x1 = 0
	}
	lo, ok = s.locateLower(y, x0)
	if !ok {
		return Anchor{}, Anchor{}, Anchor{}, false
	}
	hi, ok = s.locateUpper(y, x1)
	if !ok {
		last := s.Anchors.At(s.Anchors.Len() - 1)
		if last.Y(s.BaseY) != y {
			return Anchor{}, Anchor{}, Anchor{}, false
		}
		hi = last
	}
	return lo, hi, base, true
}

// Handle is the lock-bump token for LineMap operations, guarding a
// *LineMap that typically lives alongside a sparse.Data under the same
// mutex.
type Handle struct {
	mu   *sync.Mutex
	data *LineMap
}

// NewHandle builds a Handle over data, guarded by mu.
func NewHandle(mu *sync.Mutex, data *LineMap) *Handle {
	return &Handle{mu: mu, data: data}
}

func (h *Handle) lock() *LineMap {
	h.mu.Lock()
	return h.data
}

func (h *Handle) unlock() {
	h.mu.Unlock()
}

// Bump drops and reacquires the lock.
func (h *Handle) Bump() {
	h.mu.Unlock()
	h.mu.Lock()
}

// Mapper turns raw bytes into mapped segments and merges them into a
// LineMap. It carries no mutable state itself; BytesPerAnchor is fixed
// at construction from the configured memory budget, and
// MigrateBatchSize starts at 1024 for the caller to override.
type Mapper struct {
	BytesPerAnchor   int
	Layout           *layout.CharLayout
	MigrateBatchSize int

	Logger         *slog.Logger
	LogSegmentLoad bool
}

// NewMapper derives BytesPerAnchor from maxMemory and fileSize: enough
// anchors to cover fileSize without exceeding the memory budget, never
// fewer than one anchor's worth of bytes.
func NewMapper(lay *layout.CharLayout, maxMemory int, fileSize int64) *Mapper {
	maxAnchors := int64(maxMemory / approxAnchorSize)
	bytesPerAnchor := approxAnchorSize
	if maxAnchors > 0 {
		if v := int(fileSize / maxAnchors); v > bytesPerAnchor {
			bytesPerAnchor = v
		}
	}
	return &Mapper{
		BytesPerAnchor:   bytesPerAnchor,
		Layout:           lay,
		MigrateBatchSize: 1024,
	}
}

func (m *Mapper) traceSegmentLoad(seg *MappedSegment) {
	if m.LogSegmentLoad && m.Logger != nil {
		m.Logger.Debug("linemap segment scanned",
			"segment_id", seg.ID,
			"start", seg.Start,
			"end", seg.End,
			"anchors", seg.Anchors.Len(),
		)
	}
}

// createSegment scans data (assumed to start at offset) and produces a
// fresh mapped segment, placing an anchor every BytesPerAnchor bytes
// plus a final anchor at the end. Up to 3 leading/trailing bytes are
// discarded to align to UTF-8 character boundaries.
func (m *Mapper) createSegment(offset int64, data []byte) *MappedSegment {
	if offset == 0 {
		if n := bomLen(data); n > 0 {
			offset += int64(n)
			data = data[n:]
		}
	}
	for i := 0; i < 3 && i < len(data); i++ {
		if utf8.RuneStart(data[0]) {
			break
		}
		offset++
		data = data[1:]
	}
	for i := 0; i < 3 && i < len(data); i++ {
		b := data[len(data)-i-1]
		if utf8SeqLen(b) > i+1 {
			data = data[:len(data)-i-1]
			break
		}
	}

	end := offset + int64(len(data))
	seg := &MappedSegment{
		ID:            uuid.New(),
		Start:         offset,
		End:           end,
		BaseY:         0,
		BaseXRelative: 0,
		FirstAbsolute: 0,
		Anchors:       newAnchorDeque(len(data)/max(m.BytesPerAnchor, 1) + 1),
	}

	anchorAcc := m.BytesPerAnchor
	i := 0
	curY := int64(0)
	curX := 0.0
	absX := offset == 0

	for i < len(data) {
		c, adv := utf8.DecodeRune(data[i:])
		if c == utf8.RuneError && adv <= 1 {
			c = layout.ReplacementChar
			adv = 1
		}
		placeAnchor := anchorAcc >= m.BytesPerAnchor
		ci := i
		i += adv
		anchorAcc += adv

		if placeAnchor {
			anchorAcc -= m.BytesPerAnchor
			xOff := curX
			if !absX {
				xOff = curX - seg.BaseXRelative
			}
			seg.Anchors.PushBack(Anchor{
				Offset:   offset + int64(ci),
				YOffset:  curY - seg.BaseY,
				XOffset:  xOff,
			})
			if !absX {
				seg.FirstAbsolute++
			}
		}

		if c == '\n' {
			curX = 0
			curY++
			absX = true
		} else {
			curX += m.Layout.AdvanceFor(c)
		}
	}
	if len(data) > 0 {
		xOff := curX
		if !absX {
			xOff = curX - seg.BaseXRelative
		}
		seg.Anchors.PushBack(Anchor{Offset: end, YOffset: curY - seg.BaseY, XOffset: xOff})
		if !absX {
			seg.FirstAbsolute++
		}
	}
	seg.recomputeWidth()
	return seg
}

// mergeSegments merges the two exactly-adjacent segments at lIdx and
// lIdx+1, bumping the lock every MigrateBatchSize anchors.
func (m *Mapper) mergeSegments(h *Handle, lIdx int) {
	lmap := h.lock()
	intoLeft := lmap.Segments[lIdx].Anchors.Len() >= lmap.Segments[lIdx+1].Anchors.Len()

	if !intoLeft {
		lsrc := lmap.Segments[lIdx]
		rdst := lmap.Segments[lIdx+1]
		if lsrc.FirstAbsolute < lsrc.Anchors.Len() {
			endX := lsrc.Anchors.Back().XAbs()
			for rdst.FirstAbsolute > 0 {
				lo := rdst.FirstAbsolute - m.MigrateBatchSize
				if lo < 0 {
					lo = 0
				}
				for i := lo; i < rdst.FirstAbsolute; i++ {
					a := rdst.Anchors.At(i)
					a.XOffset = a.XOffset + (rdst.BaseXRelative + endX)
					rdst.Anchors.Set(i, a)
				}
				rdst.FirstAbsolute = lo
				h.Bump()
				lmap = h.data
				lsrc = lmap.Segments[lIdx]
				rdst = lmap.Segments[lIdx+1]
			}
		}
	}

	for {
		if intoLeft {
			ldst := lmap.Segments[lIdx]
			rsrc := lmap.Segments[lIdx+1]
			batchSize := m.MigrateBatchSize
			if v := rsrc.Anchors.Len() - 1; v < batchSize {
				batchSize = v
			}
			if batchSize <= 0 {
				break
			}
			ogLdstLen := ldst.Anchors.Len()
			dstEndAnchor := ldst.Anchors.PopBack()
			endY := dstEndAnchor.Y(ldst.BaseY)
			endX := dstEndAnchor.X(ldst.BaseXRelative, ldst.FirstAbsolute <= ldst.Anchors.Len())

			ogSrcFirstAbsolute := rsrc.FirstAbsolute
			if ldst.FirstAbsolute >= ogLdstLen {
				fa := rsrc.FirstAbsolute
				if batchSize+1 < fa {
					fa = batchSize + 1
				}
				ldst.FirstAbsolute = ogLdstLen - 1 + fa
			}
			rsrc.FirstAbsolute = satSub(rsrc.FirstAbsolute, batchSize)

			for i := 0; i < batchSize+1; i++ {
				a := rsrc.Anchors.Front()
				if i != batchSize {
					rsrc.Anchors.PopFront()
				}
				a.YOffset = a.YOffset + (rsrc.BaseY - ldst.BaseY + endY)
				dstAbs := ogLdstLen-1+i >= ldst.FirstAbsolute
				srcAbs := i >= ogSrcFirstAbsolute
				switch {
				case dstAbs && srcAbs:
					// no conversion
				case dstAbs && !srcAbs:
					a.XOffset = a.XOffset + (rsrc.BaseXRelative + endX)
				case !dstAbs && !srcAbs:
					a.XOffset = a.XOffset + (rsrc.BaseXRelative - ldst.BaseXRelative + endX)
				default:
					// An absolute anchor never becomes relative while
					// loading data before it.
					panic("linemap: absolute anchor downgraded to relative")
				}
				ldst.Anchors.PushBack(a)
			}
			srcStart := rsrc.Anchors.Front()
			ldst.End = srcStart.Offset
			rsrc.Start = srcStart.Offset
		} else {
			lsrc := lmap.Segments[lIdx]
			rdst := lmap.Segments[lIdx+1]
			batchSize := m.MigrateBatchSize
			if v := lsrc.Anchors.Len() - 1; v < batchSize {
				batchSize = v
			}
			if batchSize <= 0 {
				break
			}
			ogLsrcLen := lsrc.Anchors.Len()
			srcCapAnchor := lsrc.Anchors.PopBack()
			srcEndIdx := lsrc.Anchors.Len() - batchSize
			srcEndAnchor := lsrc.Anchors.At(srcEndIdx)

			shiftY := srcCapAnchor.YOffset - srcEndAnchor.YOffset
			shiftX := 0.0
			if lsrc.FirstAbsolute >= ogLsrcLen {
				shiftX = srcCapAnchor.XOffset - srcEndAnchor.XOffset
			}

			ogLsrcFirstAbsolute := lsrc.FirstAbsolute
			rdst.FirstAbsolute += batchSize
			if lsrc.FirstAbsolute < ogLsrcLen {
				bound := lsrc.FirstAbsolute
				if srcEndIdx > bound {
					bound = srcEndIdx
				}
				bound -= srcEndIdx
				if bound < rdst.FirstAbsolute {
					rdst.FirstAbsolute = bound
				}
			}
			if srcEndIdx < lsrc.FirstAbsolute {
				lsrc.FirstAbsolute = srcEndIdx
			}
			rdst.BaseY += shiftY
			rdst.BaseXRelative += shiftX

			for i := batchSize - 1; i >= 0; i-- {
				a := lsrc.Anchors.Back()
				if i != 0 {
					lsrc.Anchors.PopBack()
				}
				srcAbs := ogLsrcLen-1-batchSize+i >= ogLsrcFirstAbsolute
				if !srcAbs {
					a.XOffset = a.XOffset + (lsrc.BaseXRelative - rdst.BaseXRelative)
				}
				a.YOffset = a.YOffset + (lsrc.BaseY - rdst.BaseY)
				rdst.Anchors.PushFront(a)
			}
			rdstStart := rdst.Anchors.Front()
			lsrc.End = rdstStart.Offset
			rdst.Start = rdstStart.Offset
		}
		h.Bump()
		lmap = h.data
	}

	removeIdx := lIdx
	dstIdx := lIdx + 1
	if intoLeft {
		removeIdx = lIdx + 1
		dstIdx = lIdx
	}
	lmap.Segments[dstIdx].recomputeWidth()
	lmap.Segments = removeSegmentAt(lmap.Segments, removeIdx)
	h.unlock()
}

func satSub(a, b int) int {
	if b > a {
		return 0
	}
	return a - b
}

func removeSegmentAt(segs []*MappedSegment, i int) []*MappedSegment {
	out := make([]*MappedSegment, 0, len(segs)-1)
	out = append(out, segs[:i]...)
	out = append(out, segs[i+1:]...)
	return out
}

func insertSegmentAt(segs []*MappedSegment, i int, seg *MappedSegment) []*MappedSegment {
	out := make([]*MappedSegment, 0, len(segs)+1)
	out = append(out, segs[:i]...)
	out = append(out, seg)
	out = append(out, segs[i:]...)
	return out
}

// insertSegment splices seg into the line map, then merges it into
// whatever segments it now touches.
func (m *Mapper) insertSegment(h *Handle, seg *MappedSegment) {
	if seg.Start == seg.End {
		return
	}

	lmap := h.lock()
	i := lmap.findBefore(seg.Start)
	mergeLeft := false
	if i == len(lmap.Segments) {
		i = 0
	} else if lmap.Segments[i].End >= seg.Start {
		if lmap.Segments[i].End != seg.Start {
			panic("linemap: attempt to insert partially overlapping segment")
		}
		mergeLeft = true
		i++
	}

	j := lmap.findAfter(seg.End)
	mergeRight := false
	if j < len(lmap.Segments) && lmap.Segments[j].Start <= seg.End {
		if lmap.Segments[j].Start != seg.End {
			panic("linemap: attempt to insert partially overlapping segment")
		}
		mergeRight = true
	}

	lmap.Segments = insertSegmentAt(removeRange(lmap.Segments, i, j), i, seg)
	m.traceSegmentLoad(seg)
	h.unlock()

	if mergeLeft {
		m.mergeSegments(h, i-1)
		i--
	}
	if mergeRight {
		m.mergeSegments(h, i)
	}
}

func removeRange(segs []*MappedSegment, i, j int) []*MappedSegment {
	out := make([]*MappedSegment, 0, len(segs)-(j-i))
	out = append(out, segs[:i]...)
	out = append(out, segs[j:]...)
	return out
}

// ProcessData ingests data (spanning [offset, offset+len(data))) and
// maps whatever holes in the line map it covers, skipping ranges that
// are already mapped.
func (m *Mapper) ProcessData(h *Handle, offset int64, data []byte) {
	end := offset + int64(len(data))

	lmap := h.lock()
	i := lmap.findAfter(offset)
	l := offset
	if i < len(lmap.Segments) {
		s := lmap.Segments[i]
		if s.Start <= offset {
			l = s.End
			if l > end {
				l = end
			}
			data = data[l-offset:]
			i++
		}
	}
	h.unlock()

	for {
		lmap = h.lock()
		var r, nextL int64
		if i < len(lmap.Segments) {
			s := lmap.Segments[i]
			r = s.Start
			if r > end {
				r = end
			}
			nextL = s.End
			if nextL > end {
				nextL = end
			}
		} else {
			r = end
			nextL = end
		}
		h.unlock()

		seg := m.createSegment(l, data[:r-l])
		m.insertSegment(h, seg)

		if r >= end {
			break
		}
		data = data[nextL-l:]
		l = nextL
		i++
	}
}

func utf8SeqLen(b byte) int {
	switch {
	case b&0x80 == 0:
		return 1
	case b&0x40 == 0:
		return 0
	case b&0x20 == 0:
		return 2
	case b&0x10 == 0:
		return 3
	default:
		return 4
	}
}

