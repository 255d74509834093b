package focalplane

import (
	"testing"
)

// rampAmp fills one amplifier buffer with base + pixel index.
func rampAmp(g *Geometry, base uint16) RawAmpBuffer {
	buf := make(RawAmpBuffer, g.NumPixAmp())
	for i := range buf {
		buf[i] = base + uint16(i)
	}
	return buf
}

func TestAssembleNoFlipPlacesRawRows(t *testing.T) {
	g, err := NewGeometry(4, 3, 2, 1, []FlipCode{FlipNone, FlipNone})
	if err != nil {
		t.Fatal(err)
	}
	a := NewAssembler(g)
	amps := []RawAmpBuffer{rampAmp(g, 0), rampAmp(g, 100)}
	var m Mosaic
	if err := a.Assemble(amps, &m); err != nil {
		t.Fatal(err)
	}
	if m.Width != 8 || m.Height != 3 {
		t.Fatalf("mosaic is %dx%d, expected 8x3", m.Width, m.Height)
	}
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			if got, want := m.At(x, y), float32(amps[0][y*4+x]); got != want {
				t.Errorf("amp0 (%d,%d) = %v, want %v", x, y, got, want)
			}
			if got, want := m.At(4+x, y), float32(amps[1][y*4+x]); got != want {
				t.Errorf("amp1 (%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}
}

func TestAssembleFlipXReversesRows(t *testing.T) {
	g, err := NewGeometry(4, 2, 1, 1, []FlipCode{FlipX})
	if err != nil {
		t.Fatal(err)
	}
	a := NewAssembler(g)
	amps := []RawAmpBuffer{rampAmp(g, 0)}
	var m Mosaic
	if err := a.Assemble(amps, &m); err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			want := float32(amps[0][y*4+(3-x)])
			if got := m.At(x, y); got != want {
				t.Errorf("(%d,%d) = %v, want reversed %v", x, y, got, want)
			}
		}
	}
}

func TestAssembleFlipYReversesRowOrder(t *testing.T) {
	g, err := NewGeometry(3, 3, 1, 1, []FlipCode{FlipY})
	if err != nil {
		t.Fatal(err)
	}
	a := NewAssembler(g)
	amps := []RawAmpBuffer{rampAmp(g, 0)}
	var m Mosaic
	if err := a.Assemble(amps, &m); err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			want := float32(amps[0][(2-y)*3+x])
			if got := m.At(x, y); got != want {
				t.Errorf("(%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}
}

func TestAssembleFlipXYBothAxes(t *testing.T) {
	g, err := NewGeometry(2, 2, 1, 1, []FlipCode{FlipXY})
	if err != nil {
		t.Fatal(err)
	}
	a := NewAssembler(g)
	amps := []RawAmpBuffer{{1, 2, 3, 4}}
	var m Mosaic
	if err := a.Assemble(amps, &m); err != nil {
		t.Fatal(err)
	}
	want := []float32{4, 3, 2, 1}
	for i, w := range want {
		if m.Pix[i] != w {
			t.Errorf("pix[%d] = %v, want %v", i, m.Pix[i], w)
		}
	}
}

func TestAssembleTrimDropsScanRegions(t *testing.T) {
	g, err := NewGeometry(2, 2, 1, 1, []FlipCode{FlipNone})
	if err != nil {
		t.Fatal(err)
	}
	g.Format.UnderscanCols = 1
	g.Format.OverscanCols = 1
	g.Format.OverscanRows = 1
	// amp is 4 cols x 3 rows; visible region is cols 1..2 of rows 0..1
	amps := []RawAmpBuffer{{
		90, 1, 2, 91,
		92, 3, 4, 93,
		94, 95, 96, 97,
	}}

	a := NewAssembler(g)
	a.Trim = true
	var m Mosaic
	if err := a.Assemble(amps, &m); err != nil {
		t.Fatal(err)
	}
	if m.Width != 2 || m.Height != 2 {
		t.Fatalf("trimmed mosaic is %dx%d, expected 2x2", m.Width, m.Height)
	}
	want := []float32{1, 2, 3, 4}
	for i, w := range want {
		if m.Pix[i] != w {
			t.Errorf("pix[%d] = %v, want %v", i, m.Pix[i], w)
		}
	}
	if !m.Trimmed {
		t.Error("Trimmed flag not set")
	}
}

func TestAssembleScaleOffset(t *testing.T) {
	g, err := NewGeometry(2, 1, 1, 1, []FlipCode{FlipNone})
	if err != nil {
		t.Fatal(err)
	}
	a := NewAssembler(g)
	if err := a.SetScaling([]float32{2.0}, []float32{10.0}); err != nil {
		t.Fatal(err)
	}
	amps := []RawAmpBuffer{{12, 15}}
	var m Mosaic
	if err := a.Assemble(amps, &m); err != nil {
		t.Fatal(err)
	}
	if m.Pix[0] != 4 || m.Pix[1] != 10 {
		t.Errorf("got %v, want [(12-10)*2 (15-10)*2]", m.Pix)
	}
}

func TestAssembleIdempotentUntilReset(t *testing.T) {
	g, err := NewGeometry(2, 1, 1, 1, []FlipCode{FlipNone})
	if err != nil {
		t.Fatal(err)
	}
	a := NewAssembler(g)
	var m Mosaic
	if err := a.Assemble([]RawAmpBuffer{{1, 2}}, &m); err != nil {
		t.Fatal(err)
	}
	// second assemble with different data must not disturb the mosaic
	if err := a.Assemble([]RawAmpBuffer{{8, 9}}, &m); err != nil {
		t.Fatal(err)
	}
	if m.Pix[0] != 1 || m.Pix[1] != 2 {
		t.Errorf("assembled mosaic was mutated: %v", m.Pix)
	}
	m.Reset()
	if err := a.Assemble([]RawAmpBuffer{{8, 9}}, &m); err != nil {
		t.Fatal(err)
	}
	if m.Pix[0] != 8 {
		t.Error("reset mosaic was not rebuilt")
	}
}

func TestAssembleOrderPermutation(t *testing.T) {
	g, err := NewGeometry(1, 1, 2, 1, []FlipCode{FlipNone, FlipNone})
	if err != nil {
		t.Fatal(err)
	}
	g.Order = []int{1, 0}
	a := NewAssembler(g)
	var m Mosaic
	if err := a.Assemble([]RawAmpBuffer{{5}, {7}}, &m); err != nil {
		t.Fatal(err)
	}
	if m.Pix[0] != 7 || m.Pix[1] != 5 {
		t.Errorf("permutation not applied: %v", m.Pix)
	}
}

// Two amplifiers, 10x10 each, no overscan: amp 0 block is row-identical to
// its raw input, amp 1 block has each row reversed.
func TestAssembleTwoAmpEndToEnd(t *testing.T) {
	g, err := NewGeometry(10, 10, 2, 1, []FlipCode{FlipNone, FlipX})
	if err != nil {
		t.Fatal(err)
	}
	amp := make(RawAmpBuffer, 100)
	for i := range amp {
		amp[i] = uint16(i)
	}
	a := NewAssembler(g)
	var m Mosaic
	if err := a.Assemble([]RawAmpBuffer{amp, amp}, &m); err != nil {
		t.Fatal(err)
	}
	if m.Width != 20 || m.Height != 10 {
		t.Fatalf("mosaic is %dx%d, expected 20x10", m.Width, m.Height)
	}
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			if got, want := m.At(x, y), float32(amp[y*10+x]); got != want {
				t.Errorf("amp0 (%d,%d) = %v, want %v", x, y, got, want)
			}
			if got, want := m.At(10+x, y), float32(amp[y*10+(9-x)]); got != want {
				t.Errorf("amp1 (%d,%d) = %v, want reversed %v", x, y, got, want)
			}
		}
	}
}

func TestValidateFlipCountInvariant(t *testing.T) {
	_, err := NewGeometry(10, 10, 2, 2, []FlipCode{FlipNone})
	if err == nil {
		t.Error("expected error for 1 flip code on a 4-amp geometry")
	}
}

func TestSetROIShrinksImage(t *testing.T) {
	g, err := NewGeometry(100, 100, 1, 1, []FlipCode{FlipNone})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.SetROI(ROI{FirstCol: 1, LastCol: 50, FirstRow: 1, LastRow: 40, ColBin: 1, RowBin: 2}); err != nil {
		t.Fatal(err)
	}
	if g.AmpCols() != 50 || g.AmpRows() != 20 {
		t.Errorf("roi geometry is %dx%d, expected 50x20", g.AmpCols(), g.AmpRows())
	}
	g.ResetROI()
	if g.AmpCols() != 100 {
		t.Errorf("reset roi cols = %d, expected 100", g.AmpCols())
	}
}

func TestSetROIRejectsOutOfRange(t *testing.T) {
	g, err := NewGeometry(10, 10, 1, 1, []FlipCode{FlipNone})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.SetROI(ROI{FirstCol: 1, LastCol: 11, FirstRow: 1, LastRow: 10, ColBin: 1, RowBin: 1}); err == nil {
		t.Error("expected error for roi wider than format")
	}
}
