/*Package focalplane describes the pixel layout of a multi-amplifier sensor
mosaic and assembles per-amplifier raw buffers into one coherent image.

A sensor is read out through one or more amplifiers.  Each amplifier
produces a 1D pixel stream covering its share of the focal plane, possibly
with extra underscan/overscan pixels and possibly mirrored in X, Y or both
depending on the physical corner it reads from.  Geometry captures all of
that; Assembler undoes it.
*/
package focalplane

import (
	"fmt"
)

// FlipCode describes the readout orientation of one amplifier.
type FlipCode int

const (
	// FlipNone means rows are stored in mosaic order already
	FlipNone FlipCode = iota

	// FlipX means each row is reversed
	FlipX

	// FlipY means rows are read bottom-up
	FlipY

	// FlipXY means both of the above
	FlipXY
)

func (f FlipCode) String() string {
	switch f {
	case FlipNone:
		return "none"
	case FlipX:
		return "flip-x"
	case FlipY:
		return "flip-y"
	case FlipXY:
		return "flip-xy"
	}
	return fmt.Sprintf("FlipCode(%d)", int(f))
}

// Format holds the unbinned detector format.  All values are pixel counts
// for a single amplifier's serial (cols) and parallel (rows) direction.
type Format struct {
	// VisCols is the number of visible (photosensitive) columns
	VisCols int

	// VisRows is the number of visible rows
	VisRows int

	// UnderscanCols is the number of dark columns read before the visible region
	UnderscanCols int

	// OverscanCols is the number of dark columns read after the visible region
	OverscanCols int

	// UnderscanRows is the number of dark rows read before the visible region
	UnderscanRows int

	// OverscanRows is the number of dark rows read after the visible region
	OverscanRows int
}

// Geometry is the immutable-after-configuration description of the focal
// plane.  Mutating methods recompute the derived counts; once exposures
// begin the value is only read.
type Geometry struct {
	Format Format

	// NumDetectors is the number of physical detectors in the mosaic
	NumDetectors int

	// NumAmpsX is the number of amplifiers along the column direction
	NumAmpsX int

	// NumAmpsY is the number of amplifiers along the row direction
	NumAmpsY int

	// ColBin and RowBin are the binning factors applied during readout
	ColBin int
	RowBin int

	// roi restricts the visible region; zero value means full frame
	roi ROI

	// Flips holds one flip code per amplifier, indexed by amp position
	Flips []FlipCode

	// Order optionally permutes amplifier positions when the controller
	// does not wire amps in physical order; Order[slot] is the raw-buffer
	// index feeding mosaic slot.  Empty means identity.
	Order []int

	// BytesPerPixel is the size of one pixel on the data socket
	BytesPerPixel int
}

// NewGeometry returns a single-detector geometry with no over/underscan,
// 1x1 binning and 2 bytes per pixel.
func NewGeometry(visCols, visRows, numAmpsX, numAmpsY int, flips []FlipCode) (*Geometry, error) {
	g := &Geometry{
		Format:        Format{VisCols: visCols, VisRows: visRows},
		NumDetectors:  1,
		NumAmpsX:      numAmpsX,
		NumAmpsY:      numAmpsY,
		ColBin:        1,
		RowBin:        1,
		Flips:         flips,
		BytesPerPixel: 2,
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate checks the amplifier count invariant.
func (g *Geometry) Validate() error {
	if g.NumDetectors < 1 || g.NumAmpsX < 1 || g.NumAmpsY < 1 {
		return fmt.Errorf("focalplane: amplifier grid %dx%dx%d is not positive",
			g.NumDetectors, g.NumAmpsX, g.NumAmpsY)
	}
	if g.ColBin < 1 || g.RowBin < 1 {
		return fmt.Errorf("focalplane: binning %dx%d is not positive", g.ColBin, g.RowBin)
	}
	n := g.NumAmpsImage()
	if len(g.Flips) != n {
		return fmt.Errorf("focalplane: %d flip codes for %d amplifiers", len(g.Flips), n)
	}
	if len(g.Order) != 0 {
		if len(g.Order) != n {
			return fmt.Errorf("focalplane: order permutation has %d entries for %d amplifiers", len(g.Order), n)
		}
		seen := make([]bool, n)
		for _, idx := range g.Order {
			if idx < 0 || idx >= n || seen[idx] {
				return fmt.Errorf("focalplane: order is not a permutation of 0..%d", n-1)
			}
			seen[idx] = true
		}
	}
	if g.BytesPerPixel != 1 && g.BytesPerPixel != 2 {
		return fmt.Errorf("focalplane: unsupported bytes per pixel %d", g.BytesPerPixel)
	}
	return nil
}

// NumAmpsImage is the total number of amplifiers in the image.
func (g *Geometry) NumAmpsImage() int {
	return g.NumAmpsX * g.NumAmpsY * g.NumDetectors
}

// AmpCols is the binned column count per amplifier including scan regions.
func (g *Geometry) AmpCols() int {
	return g.underscanCols() + g.visColsBinned() + g.overscanCols()
}

// AmpRows is the binned row count per amplifier including scan regions.
func (g *Geometry) AmpRows() int {
	return g.underscanRows() + g.visRowsBinned() + g.overscanRows()
}

// NumPixAmp is the pixel count of one amplifier's raw buffer.
func (g *Geometry) NumPixAmp() int {
	return g.AmpCols() * g.AmpRows()
}

// NumPixImage is the total pixel count of one frame.
func (g *Geometry) NumPixImage() int {
	return g.NumPixAmp() * g.NumAmpsImage()
}

// NumBytesImage is the total byte count of one frame on the data socket.
func (g *Geometry) NumBytesImage() int {
	return g.NumPixImage() * g.BytesPerPixel
}

// ImageCols is the untrimmed mosaic width.
func (g *Geometry) ImageCols() int {
	return g.AmpCols() * g.NumAmpsX
}

// ImageRows is the untrimmed mosaic height.
func (g *Geometry) ImageRows() int {
	return g.AmpRows() * g.NumAmpsY
}

// VisibleCols is the trimmed mosaic width.
func (g *Geometry) VisibleCols() int {
	return g.visColsBinned() * g.NumAmpsX
}

// VisibleRows is the trimmed mosaic height.
func (g *Geometry) VisibleRows() int {
	return g.visRowsBinned() * g.NumAmpsY
}

// ampIndex resolves the raw-buffer index feeding mosaic slot i.
func (g *Geometry) ampIndex(slot int) int {
	if len(g.Order) == 0 {
		return slot
	}
	return g.Order[slot]
}

func (g *Geometry) visColsBinned() int {
	cols := g.Format.VisCols
	if g.roi.LastCol != 0 {
		cols = g.roi.LastCol - g.roi.FirstCol + 1
	}
	return cols / g.ColBin
}

func (g *Geometry) visRowsBinned() int {
	rows := g.Format.VisRows
	if g.roi.LastRow != 0 {
		rows = g.roi.LastRow - g.roi.FirstRow + 1
	}
	return rows / g.RowBin
}

// scan pixels are not binned; they are read as-is

func (g *Geometry) underscanCols() int { return g.Format.UnderscanCols }
func (g *Geometry) overscanCols() int  { return g.Format.OverscanCols }
func (g *Geometry) underscanRows() int { return g.Format.UnderscanRows }
func (g *Geometry) overscanRows() int  { return g.Format.OverscanRows }

// ROI is a region of interest over the full focal plane, 1-based inclusive
// pixel indices like the controller uses.
type ROI struct {
	FirstCol int
	LastCol  int
	FirstRow int
	LastRow  int
	ColBin   int
	RowBin   int
}

// ROI returns the current region of interest; the zero LastCol/LastRow
// values of the full-frame default are filled in from the format.
func (g *Geometry) ROI() ROI {
	r := g.roi
	if r.LastCol == 0 {
		r = ROI{FirstCol: 1, LastCol: g.Format.VisCols, FirstRow: 1, LastRow: g.Format.VisRows}
	}
	r.ColBin = g.ColBin
	r.RowBin = g.RowBin
	return r
}

// SetROI applies a region of interest, shrinking the per-amplifier visible
// extents and updating binning.  Returns an error when the ROI does not
// fit the detector format.
func (g *Geometry) SetROI(r ROI) error {
	if r.ColBin < 1 || r.RowBin < 1 {
		return fmt.Errorf("focalplane: binning %dx%d is not positive", r.ColBin, r.RowBin)
	}
	if r.FirstCol < 1 || r.FirstRow < 1 || r.LastCol < r.FirstCol || r.LastRow < r.FirstRow {
		return fmt.Errorf("focalplane: degenerate roi %+v", r)
	}
	if r.LastCol > g.Format.VisCols || r.LastRow > g.Format.VisRows {
		return fmt.Errorf("focalplane: roi %+v exceeds format %dx%d",
			r, g.Format.VisCols, g.Format.VisRows)
	}
	g.roi = r
	g.ColBin = r.ColBin
	g.RowBin = r.RowBin
	return g.Validate()
}

// ResetROI restores the full visible frame at the current binning.
func (g *Geometry) ResetROI() {
	g.roi = ROI{}
}
