package processor

import (
	"fmt"
	"math"
)

// DefaultNoData is used for images whose source does not declare a nodata value.
const DefaultNoData = -9999.0

// Image is a realised multi-band raster. Data is band-major: the sample for
// band b at (row, col) lives at Data[b*Width*Height+row*Width+col].
type Image struct {
	Data          []float32
	Height, Width int
	BBox          []float64
	CRS           string
	BandNames     []string
	NoData        float64

	// Valid optionally narrows per-pixel validity beyond nodata, e.g. when a
	// loader knows which part of the tile it actually read.
	Valid []bool
}

// NewImage returns an image filled with the nodata value.
func NewImage(width, height int, bands []string, bbox []float64, crs string, noData float64) *Image {
	nBands := len(bands)
	if nBands == 0 {
		nBands = 1
	}
	img := &Image{
		Data:      initNoDataSlice(noData, width*height*nBands),
		Height:    height,
		Width:     width,
		BBox:      append([]float64(nil), bbox...),
		CRS:       crs,
		BandNames: append([]string(nil), bands...),
		NoData:    noData,
	}
	return img
}

func initNoDataSlice(noData float64, size int) []float32 {
	out := make([]float32, size)
	fill := float32(noData)
	for i := range out {
		out[i] = fill
	}
	return out
}

// BandCount returns the number of bands held in Data.
func (img *Image) BandCount() int {
	size := img.Width * img.Height
	if size == 0 {
		return len(img.BandNames)
	}
	return len(img.Data) / size
}

// Band returns the samples of band b. The returned slice aliases Data.
func (img *Image) Band(b int) []float32 {
	size := img.Width * img.Height
	return img.Data[b*size : (b+1)*size]
}

// BandIndex looks a band up by name.
func (img *Image) BandIndex(name string) (int, error) {
	for i, n := range img.BandNames {
		if n == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("band '%v' not found", name)
}

// IsNoData reports whether v is a nodata sample for this image.
func (img *Image) IsNoData(v float32) bool {
	return math.IsNaN(float64(v)) || v == float32(img.NoData)
}

// ValidMask returns per-pixel data validity: a pixel is valid when at least
// one band holds data and the optional Valid mask allows it.
func (img *Image) ValidMask() []bool {
	size := img.Width * img.Height
	out := make([]bool, size)
	nBands := img.BandCount()
	for i := 0; i < size; i++ {
		if img.Valid != nil && !img.Valid[i] {
			continue
		}
		for b := 0; b < nBands; b++ {
			if !img.IsNoData(img.Data[b*size+i]) {
				out[i] = true
				break
			}
		}
	}
	return out
}

// Clone returns a deep copy.
func (img *Image) Clone() *Image {
	out := *img
	out.Data = append([]float32(nil), img.Data...)
	out.BBox = append([]float64(nil), img.BBox...)
	out.BandNames = append([]string(nil), img.BandNames...)
	if img.Valid != nil {
		out.Valid = append([]bool(nil), img.Valid...)
	}
	return &out
}

func (img *Image) checkShape(width, height, nBands int) error {
	if img.Width != width || img.Height != height {
		return fmt.Errorf("%w: image is %dx%d, expected %dx%d", ErrShapeMismatch, img.Width, img.Height, width, height)
	}
	if nBands > 0 && img.BandCount() != nBands {
		return fmt.Errorf("%w: image has %d bands, expected %d", ErrShapeMismatch, img.BandCount(), nBands)
	}
	if len(img.Data) != width*height*img.BandCount() {
		return fmt.Errorf("%w: data length %d does not match %dx%d", ErrShapeMismatch, len(img.Data), width, height)
	}
	return nil
}

// BBox2Geot returns the geotransform of a north-up grid covering bbox
// (xMin, yMin, xMax, yMax) with the given size.
func BBox2Geot(width, height int, bbox []float64) []float64 {
	return []float64{bbox[0], (bbox[2] - bbox[0]) / float64(width), 0, bbox[3], 0, (bbox[1] - bbox[3]) / float64(height)}
}
