package imgrec

import (
	"io"
	"math"

	"github.com/astrogo/fitsio"

	"github.com/observatory-tools/goacq/focalplane"
)

// writeFITS streams an assembled mosaic to w as a single-HDU FITS file.
// Pixels are stored as 16-bit integers with the conventional unsigned
// offset (BZERO 32768, BSCALE 1).
func writeFITS(w io.Writer, m *focalplane.Mosaic, cards []fitsio.Card) error {
	cards = append(cards,
		fitsio.Card{Name: "BZERO", Value: 32768},
		fitsio.Card{Name: "BSCALE", Value: 1.0},
	)
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{m.Width, m.Height}
	im := fitsio.NewImage(16, dims)
	defer im.Close()
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	ints := make([]int16, len(m.Pix))
	for i, v := range m.Pix {
		ints[i] = int16(clamp16(v) - 32768)
	}
	if err := im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}

// clamp16 rounds v to the nearest unsigned 16-bit count
func clamp16(v float32) uint16 {
	if v <= 0 {
		return 0
	}
	if v >= math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v + 0.5)
}
