package processor

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nci/gsky-openeo/metrics"
)

// Method is a pixel selection policy used both to composite a time series
// and to mosaic tiles sharing a timestamp.
type Method string

const (
	First        Method = "first"
	Highest      Method = "highest"
	Lowest       Method = "lowest"
	Mean         Method = "mean"
	Median       Method = "median"
	Stdev        Method = "stdev"
	LastBandLow  Method = "lastbandlow"
	LastBandHigh Method = "lastbandhigh"
	Count        Method = "count"
)

var methods = []Method{First, Highest, Lowest, Mean, Median, Stdev, LastBandLow, LastBandHigh, Count}

// ParseMethod accepts a method name case-insensitively.
func ParseMethod(name string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range methods {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: pixel selection %q", ErrUnknownMethod, name)
}

// EarlyExit reports whether the method may stop realising images once every
// coverable pixel has a value.
func (m Method) EarlyExit() bool {
	return m == First
}

// SelectionOptions tune a pixel selection run.
type SelectionOptions struct {
	// Tolerate lists errors that drop an image from the composite instead
	// of failing it. Matching uses errors.Is.
	Tolerate []error

	// Mask marks pixels invalid from a quality band after realisation.
	Mask *QualityMask

	// NoData for the output image; DefaultNoData when nil.
	NoData *float64

	Metrics *metrics.MetricsCollector
	Verbose bool
}

func (o *SelectionOptions) noData() float64 {
	if o != nil && o.NoData != nil {
		return *o.NoData
	}
	return DefaultNoData
}

// TimedRef pairs an ImageRef with the timestamp that keys it.
type TimedRef struct {
	TimeStamp time.Time
	Ref       *ImageRef
}

// ApplyPixelSelection composites every timestamp of the stack into a single
// image and returns it as a one-entry stack keyed by the earliest timestamp.
func ApplyPixelSelection(ctx context.Context, stack *RasterStack, method Method, opts *SelectionOptions) (*RasterStack, error) {
	refs := stack.ImageRefs()
	if len(refs) == 0 {
		return nil, ErrEmptyStack
	}
	img, err := SelectPixels(ctx, refs, method, opts)
	if err != nil {
		return nil, err
	}
	return FromImages(map[time.Time]*Image{refs[0].TimeStamp: img}), nil
}

// SelectPixels composites refs in the given order. Footprints are combined
// before any pixel is read so that positions no ref can cover never hold up
// early termination.
func SelectPixels(ctx context.Context, refs []TimedRef, method Method, opts *SelectionOptions) (*Image, error) {
	if opts == nil {
		opts = &SelectionOptions{}
	}
	if _, err := ParseMethod(string(method)); err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, ErrEmptyStack
	}

	start := time.Now()
	var info *metrics.StackInfo
	if opts.Metrics != nil {
		info = opts.Metrics.Info.Stack
		info.NumTimestamps += len(refs)
	}

	// Footprints are rasterised on the declared grid up front. Without one
	// they are rasterised on the grid of the first image realised.
	first := refs[0].Ref
	gridWidth, gridHeight := first.Width(), first.Height()
	declared := gridWidth > 0 && gridHeight > 0

	var cutlines [][]bool
	var coverage []bool
	if declared {
		var err error
		cutlines, coverage, err = cutlineUnion(refs, gridWidth*gridHeight, func(r *ImageRef) ([]bool, error) {
			return r.CutlineMask()
		})
		if err != nil {
			return nil, err
		}
	}

	var acc *compositor
	if declared && first.BandCount() > 0 {
		acc = newCompositor(method, gridWidth, gridHeight, first.BandCount(), coverage)
	}

	var firstImg *Image
	realized := 0
	for i, tr := range refs {
		if acc != nil && method.EarlyExit() && acc.done() {
			if opts.Verbose {
				log.Printf("pixel selection: all pixels resolved after %d of %d images", realized, len(refs))
			}
			if info != nil {
				info.EarlyTerminated = true
			}
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("pixel selection context has been cancel: %w", ctx.Err())
		default:
		}

		img, err := tr.Ref.Realize()
		if err != nil {
			if isTolerable(err, opts.Tolerate) {
				if info != nil {
					info.NumToleratedErrors++
				}
				if opts.Verbose {
					log.Printf("pixel selection: skipping %v: %v", tr.TimeStamp, err)
				}
				continue
			}
			if info != nil {
				info.NumLoaderErrors++
			}
			return nil, err
		}
		realized++
		if info != nil {
			info.NumRealized++
		}
		if firstImg == nil {
			firstImg = img
		}

		if !declared && cutlines == nil {
			gridWidth, gridHeight = img.Width, img.Height
			cutlines, coverage, err = cutlineUnion(refs, gridWidth*gridHeight, func(r *ImageRef) ([]bool, error) {
				return RasterizeGeometry(r.Geometry(), img.Width, img.Height, img.BBox, img.CRS)
			})
			if err != nil {
				return nil, err
			}
		}
		if acc == nil {
			acc = newCompositor(method, gridWidth, gridHeight, img.BandCount(), coverage)
		}
		if err := img.checkShape(acc.width, acc.height, acc.nBands); err != nil {
			return nil, fmt.Errorf("image at %v: %w", tr.TimeStamp, err)
		}

		valid := img.ValidMask()
		for j := range valid {
			valid[j] = valid[j] && cutlines[i][j]
		}
		if opts.Mask != nil {
			invalid, err := opts.Mask.Compute(img)
			if err != nil {
				return nil, err
			}
			for j := range valid {
				valid[j] = valid[j] && !invalid[j]
			}
		}

		acc.feed(img, valid)
	}

	if acc == nil {
		// every image was dropped and nothing was declared
		return nil, fmt.Errorf("%w: no image could be realised", ErrEmptyStack)
	}

	out := acc.result(opts.noData())
	out.BBox = append([]float64(nil), first.BBox()...)
	out.CRS = first.CRS()
	if len(out.BBox) == 0 && firstImg != nil {
		out.BBox = append([]float64(nil), firstImg.BBox...)
		out.CRS = firstImg.CRS
	}
	names := first.BandNames()
	if len(names) == 0 && firstImg != nil {
		names = firstImg.BandNames
	}
	out.BandNames = acc.outBandNames(names)

	if info != nil {
		info.Duration += time.Since(start)
	}
	return out, nil
}

// cutlineUnion rasterises the footprint of every ref with mask and returns
// the masks together with the positions any of them covers.
func cutlineUnion(refs []TimedRef, size int, mask func(*ImageRef) ([]bool, error)) ([][]bool, []bool, error) {
	cutlines := make([][]bool, len(refs))
	coverage := make([]bool, size)
	for i, tr := range refs {
		m, err := mask(tr.Ref)
		if err != nil {
			return nil, nil, err
		}
		if len(m) != size {
			return nil, nil, fmt.Errorf("%w: ref at %v declares %dx%d", ErrShapeMismatch, tr.TimeStamp, tr.Ref.Width(), tr.Ref.Height())
		}
		cutlines[i] = m
		for j, v := range m {
			if v {
				coverage[j] = true
			}
		}
	}
	return cutlines, coverage, nil
}

// compositor accumulates valid pixels according to a Method.
type compositor struct {
	method        Method
	width, height int
	nBands        int
	size          int

	coverage   []bool
	unresolved int

	value   []float32 // band-major, first/highest/lowest/lastband*
	set     []bool    // per band sample for value
	decided []float32 // lastband* decision value per pixel

	sum, sumSq []float64
	count      []int
	samples    [][]float32 // median
}

func newCompositor(method Method, width, height, nBands int, coverage []bool) *compositor {
	size := width * height
	c := &compositor{method: method, width: width, height: height, nBands: nBands, size: size, coverage: coverage}
	for _, v := range coverage {
		if v {
			c.unresolved++
		}
	}

	n := size * nBands
	switch method {
	case First, Highest, Lowest:
		c.value = make([]float32, n)
		c.set = make([]bool, n)
	case LastBandLow, LastBandHigh:
		c.value = make([]float32, n)
		c.set = make([]bool, n)
		c.decided = make([]float32, size)
	case Mean, Stdev, Count:
		c.sum = make([]float64, n)
		c.sumSq = make([]float64, n)
		c.count = make([]int, n)
	case Median:
		c.count = make([]int, n)
		c.samples = make([][]float32, n)
	}
	return c
}

func (c *compositor) done() bool {
	return c.unresolved == 0
}

func (c *compositor) resolve(i int) {
	if c.coverage[i] {
		c.coverage[i] = false
		c.unresolved--
	}
}

func (c *compositor) feed(img *Image, valid []bool) {
	size := c.size
	switch c.method {
	case First:
		// each band sample takes the first valid value; a position is
		// resolved once all of its bands are set
		for i := 0; i < size; i++ {
			if !valid[i] {
				continue
			}
			complete := true
			for b := 0; b < c.nBands; b++ {
				k := b*size + i
				if c.set[k] {
					continue
				}
				v := img.Data[k]
				if img.IsNoData(v) {
					complete = false
					continue
				}
				c.value[k] = v
				c.set[k] = true
			}
			if complete {
				c.resolve(i)
			}
		}

	case Highest, Lowest:
		for i := 0; i < size; i++ {
			if !valid[i] {
				continue
			}
			for b := 0; b < c.nBands; b++ {
				k := b*size + i
				v := img.Data[k]
				if img.IsNoData(v) {
					continue
				}
				if !c.set[k] || (c.method == Highest && v > c.value[k]) || (c.method == Lowest && v < c.value[k]) {
					c.value[k] = v
					c.set[k] = true
				}
			}
		}

	case LastBandLow, LastBandHigh:
		last := c.nBands - 1
		for i := 0; i < size; i++ {
			if !valid[i] {
				continue
			}
			d := img.Data[last*size+i]
			if img.IsNoData(d) {
				continue
			}
			if c.set[last*size+i] {
				if c.method == LastBandHigh && d <= c.decided[i] {
					continue
				}
				if c.method == LastBandLow && d >= c.decided[i] {
					continue
				}
			}
			c.decided[i] = d
			for b := 0; b < c.nBands; b++ {
				k := b*size + i
				c.value[k] = img.Data[k]
				c.set[k] = !img.IsNoData(img.Data[k])
			}
			c.set[last*size+i] = true
		}

	case Mean, Stdev, Count:
		for i := 0; i < size; i++ {
			if !valid[i] {
				continue
			}
			for b := 0; b < c.nBands; b++ {
				k := b*size + i
				v := img.Data[k]
				if img.IsNoData(v) {
					continue
				}
				c.sum[k] += float64(v)
				c.sumSq[k] += float64(v) * float64(v)
				c.count[k]++
			}
		}

	case Median:
		for i := 0; i < size; i++ {
			if !valid[i] {
				continue
			}
			for b := 0; b < c.nBands; b++ {
				k := b*size + i
				v := img.Data[k]
				if img.IsNoData(v) {
					continue
				}
				c.samples[k] = append(c.samples[k], v)
				c.count[k]++
			}
		}
	}
}

func (c *compositor) outBands() int {
	if (c.method == LastBandLow || c.method == LastBandHigh) && c.nBands > 1 {
		return c.nBands - 1
	}
	return c.nBands
}

func (c *compositor) outBandNames(names []string) []string {
	n := c.outBands()
	if len(names) >= n {
		return append([]string(nil), names[:n]...)
	}
	return append([]string(nil), names...)
}

// result turns the accumulator into an image. Samples without a single
// valid contribution are left as nodata.
func (c *compositor) result(noData float64) *Image {
	nOut := c.outBands()
	out := &Image{
		Data:   initNoDataSlice(noData, c.size*nOut),
		Width:  c.width,
		Height: c.height,
		NoData: noData,
	}

	for k := 0; k < c.size*nOut; k++ {
		switch c.method {
		case First, Highest, Lowest, LastBandLow, LastBandHigh:
			if c.set[k] {
				out.Data[k] = c.value[k]
			}
		case Mean:
			if c.count[k] > 0 {
				out.Data[k] = float32(c.sum[k] / float64(c.count[k]))
			}
		case Stdev:
			if n := float64(c.count[k]); n > 0 {
				mean := c.sum[k] / n
				variance := c.sumSq[k]/n - mean*mean
				if variance < 0 {
					variance = 0
				}
				out.Data[k] = float32(math.Sqrt(variance))
			}
		case Count:
			if c.count[k] > 0 {
				out.Data[k] = float32(c.count[k])
			}
		case Median:
			if c.count[k] > 0 {
				out.Data[k] = median(c.samples[k])
			}
		}
	}
	return out
}

func median(values []float32) float32 {
	sorted := append([]float32(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
