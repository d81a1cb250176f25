// Package layout provides CharLayout, the pure character-to-advance
// function the line mapper uses to place anchors. Layout is
// monospaced: every rune that isn't a line break advances by a fixed
// width in font-height units. There is no bidi, shaping, or grapheme
// clustering.
package layout

// ReplacementChar substitutes any byte sequence that fails to decode
// as UTF-8 while scanning a segment.
const ReplacementChar = '�'

// CharLayout maps runes to horizontal advance, in units of font
// height. Every rune other than newline advances by the same fixed
// width; there is nothing per-rune to compute or cache.
type CharLayout struct {
	advanceWidth float64
}

// New returns a monospaced layout where every non-newline rune
// advances by advanceWidth font-height units.
func New(advanceWidth float64) *CharLayout {
	return &CharLayout{advanceWidth: advanceWidth}
}

// AdvanceFor returns the horizontal advance for r. Newline always
// advances by zero; callers place the line break themselves.
func (l *CharLayout) AdvanceFor(r rune) float64 {
	if r == '\n' {
		return 0
	}
	return l.advanceWidth
}
