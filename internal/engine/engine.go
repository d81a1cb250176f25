// Package engine defines the shared state a loader and a renderer
// facade both operate on: the scroll coordinate types and the single
// mutex-guarded container holding the sparse byte cache and line map
// for one open file.
package engine

import (
	"sync"

	"github.com/kovaxis/gaze/internal/linemap"
	"github.com/kovaxis/gaze/internal/sparse"
)

// ScrollPos is the persistent scroll anchor. BaseOffset lets a position
// stay numerically stable across rebases; DeltaY is in lines, DeltaX in
// font-height units.
type ScrollPos struct {
	BaseOffset int64
	DeltaX     float64
	DeltaY     float64
}

// FileRect is an axis-aligned rectangle anchored at a ScrollPos, with
// its size expressed in the same normalized units.
type FileRect struct {
	Corner ScrollPos
	Width  float64
	Height float64
}

// HotArea is the region the renderer is currently showing. It drives
// what the loader fetches next and what cleanup retains; Selection, if
// set, is also retained regardless of distance from Corner.
type HotArea struct {
	Corner    ScrollPos
	ViewSize  [2]float64
	Selection *[2]int64
}

// LoadedData is the single mutex-guarded container shared between the
// loader goroutine and the facade. All mutation of Sparse and LineMap
// happens with Mu held; Hot is written by the facade and read by the
// loader under the same lock so the two never disagree about what is
// "hot".
type LoadedData struct {
	Mu      sync.Mutex
	Sparse  *sparse.Data
	LineMap *linemap.LineMap
	Hot     HotArea
}

// NewLoadedData constructs an empty shared container for a file of the
// given size.
func NewLoadedData(fileSize int64, maxLoaded, mergeBatchSize, reallocThreshold int) *LoadedData {
	d := sparse.NewData(maxLoaded, mergeBatchSize, reallocThreshold)
	d.FileSize = fileSize
	return &LoadedData{
		Sparse:  d,
		LineMap: linemap.New(),
	}
}

// SparseHandle returns a lock-bump handle over Sparse, sharing Mu.
func (ld *LoadedData) SparseHandle() *sparse.Handle {
	return sparse.NewHandle(&ld.Mu, ld.Sparse)
}

// LineMapHandle returns a lock-bump handle over LineMap, sharing Mu.
func (ld *LoadedData) LineMapHandle() *linemap.Handle {
	return linemap.NewHandle(&ld.Mu, ld.LineMap)
}

// KeepRange computes the byte range cleanup must retain for the given
// hot area: the view extent widened by radius bytes on either side as
// slack for smooth scrolling, plus any active selection (in either
// direction).
func KeepRange(hot HotArea, viewStartOffset, viewEndOffset int64, radius int64) sparse.Range {
	start := viewStartOffset - radius
	end := viewEndOffset + radius
	if hot.Selection != nil {
		selStart, selEnd := hot.Selection[0], hot.Selection[1]
		if selStart > selEnd {
			selStart, selEnd = selEnd, selStart
		}
		if selStart < start {
			start = selStart
		}
		if selEnd > end {
			end = selEnd
		}
	}
	if start < 0 {
		start = 0
	}
	return sparse.Range{Start: start, End: end}
}
