package focalplane

import (
	"fmt"
)

// RawAmpBuffer is the 1D pixel stream of one amplifier, length NumPixAmp.
type RawAmpBuffer []uint16

// Mosaic is one assembled 2D image.  Pixels are strided by Width.  Once
// Assembled is set the buffer is treated as immutable; Assemble becomes a
// no-op until Reset is called.
type Mosaic struct {
	Width  int
	Height int
	Pix    []float32

	Assembled bool
	Trimmed   bool
}

// At returns the pixel at column x, row y.  Used by tests and display
// consumers; hot paths index Pix directly.
func (m *Mosaic) At(x, y int) float32 {
	return m.Pix[y*m.Width+x]
}

// Reset clears the assembled flag so the mosaic may be rebuilt.
func (m *Mosaic) Reset() {
	m.Assembled = false
	m.Trimmed = false
}

// Assembler deinterlaces per-amplifier raw buffers into a Mosaic.
type Assembler struct {
	// Geom is the focal plane layout to assemble against
	Geom *Geometry

	// Trim drops under/overscan pixels during placement
	Trim bool

	// Scales and Offsets apply (pix - offset) * scale per amplifier
	// during the copy.  Empty slices mean scale=1, offset=0.
	Scales  []float32
	Offsets []float32
}

// NewAssembler returns an assembler with unit gain and zero bias for
// every amplifier.
func NewAssembler(g *Geometry) *Assembler {
	n := g.NumAmpsImage()
	a := &Assembler{
		Geom:    g,
		Scales:  make([]float32, n),
		Offsets: make([]float32, n),
	}
	for i := 0; i < n; i++ {
		a.Scales[i] = 1.0
	}
	return a
}

// SetScaling installs per-amplifier gains and offsets.
func (a *Assembler) SetScaling(gains, offsets []float32) error {
	n := a.Geom.NumAmpsImage()
	if len(gains) != n || len(offsets) != n {
		return fmt.Errorf("focalplane: scaling needs %d gains and offsets, got %d/%d",
			n, len(gains), len(offsets))
	}
	a.Scales = gains
	a.Offsets = offsets
	return nil
}

// Assemble places each amplifier's rows at its mosaic position, applying
// the per-amplifier flip code and gain/bias normalization.  Re-assembly of
// an already assembled mosaic is a no-op.
func (a *Assembler) Assemble(amps []RawAmpBuffer, dst *Mosaic) error {
	if dst.Assembled {
		return nil
	}
	g := a.Geom
	if len(amps) != g.NumAmpsImage() {
		return fmt.Errorf("focalplane: %d raw buffers for %d amplifiers", len(amps), g.NumAmpsImage())
	}
	for i, amp := range amps {
		if len(amp) != g.NumPixAmp() {
			return fmt.Errorf("focalplane: amp %d has %d pixels, expected %d", i, len(amp), g.NumPixAmp())
		}
	}

	var preCols, ovrCols, preRows, ovrRows int
	if a.Trim {
		preCols = g.underscanCols()
		ovrCols = g.overscanCols()
		preRows = g.underscanRows()
		ovrRows = g.overscanRows()
	}

	srcAmpX := g.AmpCols()
	srcAmpY := g.AmpRows()
	dstAmpX := srcAmpX - preCols - ovrCols
	dstAmpY := srcAmpY - preRows - ovrRows

	dst.Width = dstAmpX * g.NumAmpsX
	dst.Height = dstAmpY * g.NumAmpsY
	if need := dst.Width * dst.Height; len(dst.Pix) != need {
		dst.Pix = make([]float32, need)
	}

	// one amplifier row ("parallel" group) at a time, one mosaic line at
	// a time within it, one serial amplifier's segment per line
	for parAmp := 0; parAmp < g.NumAmpsY; parAmp++ {
		slotBase := parAmp * g.NumAmpsX
		for k := 0; k < dstAmpY; k++ {
			line := parAmp*dstAmpY + k
			lineStart := line * dst.Width
			for serAmp := 0; serAmp < g.NumAmpsX; serAmp++ {
				idx := g.ampIndex(slotBase + serAmp)
				flip := g.Flips[idx]
				scale := a.Scales[idx]
				offset := a.Offsets[idx]

				srcRow := preRows + k
				if flip == FlipY || flip == FlipXY {
					// visible rows read in reverse order
					srcRow = preRows + (dstAmpY - 1 - k)
				}
				src := amps[idx][srcRow*srcAmpX+preCols:]
				out := dst.Pix[lineStart : lineStart+dstAmpX]

				if flip == FlipX || flip == FlipXY {
					for x := 0; x < dstAmpX; x++ {
						out[x] = (float32(src[dstAmpX-1-x]) - offset) * scale
					}
				} else {
					for x := 0; x < dstAmpX; x++ {
						out[x] = (float32(src[x]) - offset) * scale
					}
				}
				lineStart += dstAmpX
			}
		}
	}

	dst.Assembled = true
	dst.Trimmed = a.Trim
	return nil
}
