package linemap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kovaxis/gaze/internal/layout"
)

func newTestMapper() *Mapper {
	lay := layout.New(1.0)
	return &Mapper{BytesPerAnchor: 4, Layout: lay, MigrateBatchSize: 2}
}

func newTestHandle() (*Handle, *LineMap) {
	lm := New()
	return NewHandle(&sync.Mutex{}, lm), lm
}

func TestProcessDataSinglePass(t *testing.T) {
	m := newTestMapper()
	h, lm := newTestHandle()

	m.ProcessData(h, 0, []byte("hello\nworld"))

	require.Len(t, lm.Segments, 1)
	seg := lm.Segments[0]
	assert.Equal(t, int64(0), seg.Start)
	assert.Equal(t, int64(11), seg.End)
	assert.True(t, seg.Anchors.Len() > 0)
}

func TestProcessDataSkipsAlreadyMappedRanges(t *testing.T) {
	m := newTestMapper()
	h, lm := newTestHandle()

	m.ProcessData(h, 0, []byte("0123456789"))
	require.Len(t, lm.Segments, 1)

	// Re-processing the same range must be a no-op (no overlapping insert).
	m.ProcessData(h, 0, []byte("0123456789"))
	require.Len(t, lm.Segments, 1)
	assert.Equal(t, int64(10), lm.Segments[0].End)
}

func TestProcessDataMergesAdjacentHoles(t *testing.T) {
	m := newTestMapper()
	h, lm := newTestHandle()

	m.ProcessData(h, 0, []byte("aaaa"))
	m.ProcessData(h, 4, []byte("bbbb"))

	require.Len(t, lm.Segments, 1)
	assert.Equal(t, int64(0), lm.Segments[0].Start)
	assert.Equal(t, int64(8), lm.Segments[0].End)
}

func TestScanlineToAnchorsUnmappedReturnsFalse(t *testing.T) {
	_, lm := newTestHandle()
	_, _, _, ok := lm.ScanlineToAnchors(0, 0, 0, 0)
	assert.False(t, ok)
}

func TestScanlineToAnchorsAtFileStart(t *testing.T) {
	m := newTestMapper()
	h, lm := newTestHandle()
	m.ProcessData(h, 0, []byte("line one\nline two\n"))

	lo, hi, base, ok := lm.ScanlineToAnchors(0, 0, 0, 1000)
	require.True(t, ok)
	assert.Equal(t, int64(0), base.Offset)
	assert.LessOrEqual(t, lo.Offset, hi.Offset)
}

func TestCreateSegmentStripsLeadingUTF8BOM(t *testing.T) {
	m := newTestMapper()
	h, lm := newTestHandle()

	bom := []byte{0xEF, 0xBB, 0xBF}
	m.ProcessData(h, 0, append(bom, []byte("hello")...))

	require.Len(t, lm.Segments, 1)
	assert.Equal(t, int64(3), lm.Segments[0].Start)
	assert.Equal(t, int64(8), lm.Segments[0].End)
}

func TestBomLenIgnoresNonBOMPrefix(t *testing.T) {
	assert.Equal(t, 0, bomLen([]byte("hello")))
	assert.Equal(t, 0, bomLen([]byte{0x00, 0x01}))
}

func TestUtf8SeqLen(t *testing.T) {
	assert.Equal(t, 1, utf8SeqLen('a'))
	assert.Equal(t, 0, utf8SeqLen(0b1000_0000))
	assert.Equal(t, 2, utf8SeqLen(0b1100_0000))
	assert.Equal(t, 3, utf8SeqLen(0b1110_0000))
	assert.Equal(t, 4, utf8SeqLen(0b1111_0000))
}
