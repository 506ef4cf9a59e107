package processor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nci/gsky-openeo/metrics"
)

// TemporalReducer collapses the valid values of one pixel, in timestamp
// order, into a single value. The boolean reports whether the result is valid.
type TemporalReducer func(values []float32) (float32, bool)

var temporalReducers = map[string]TemporalReducer{
	"mean":     reduceMean,
	"median":   func(v []float32) (float32, bool) { return median(v), true },
	"min":      reduceMin,
	"max":      reduceMax,
	"sum":      reduceSum,
	"count":    func(v []float32) (float32, bool) { return float32(len(v)), true },
	"sd":       func(v []float32) (float32, bool) { return float32(math.Sqrt(variance(v))), len(v) > 1 },
	"variance": func(v []float32) (float32, bool) { return float32(variance(v)), len(v) > 1 },
	"first":    func(v []float32) (float32, bool) { return v[0], true },
	"last":     func(v []float32) (float32, bool) { return v[len(v)-1], true },
}

// TemporalReducerByName returns a built-in temporal reducer.
func TemporalReducerByName(name string) (TemporalReducer, error) {
	r, ok := temporalReducers[strings.ToLower(name)]
	if !ok {
		temporal, _ := Describe()
		return nil, fmt.Errorf("%w: temporal reducer %q, want one of %s", ErrUnknownMethod, name, strings.Join(temporal, ", "))
	}
	return r, nil
}

func reduceMean(v []float32) (float32, bool) {
	total := 0.0
	for _, x := range v {
		total += float64(x)
	}
	return float32(total / float64(len(v))), true
}

func reduceSum(v []float32) (float32, bool) {
	total := 0.0
	for _, x := range v {
		total += float64(x)
	}
	return float32(total), true
}

func reduceMin(v []float32) (float32, bool) {
	out := v[0]
	for _, x := range v[1:] {
		if x < out {
			out = x
		}
	}
	return out, true
}

func reduceMax(v []float32) (float32, bool) {
	out := v[0]
	for _, x := range v[1:] {
		if x > out {
			out = x
		}
	}
	return out, true
}

// variance is the sample variance.
func variance(v []float32) float64 {
	if len(v) < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range v {
		mean += float64(x)
	}
	mean /= float64(len(v))
	ss := 0.0
	for _, x := range v {
		d := float64(x) - mean
		ss += d * d
	}
	return ss / float64(len(v)-1)
}

// ReduceOptions tune dimension reductions.
type ReduceOptions struct {
	NoData  *float64
	Metrics *metrics.MetricsCollector
}

func (o *ReduceOptions) noData() float64 {
	if o != nil && o.NoData != nil {
		return *o.NoData
	}
	return DefaultNoData
}

// ReduceTemporal collapses the time dimension. Every entry is realised since
// the reducer may need all values. The result is a one-entry stack keyed by
// the earliest timestamp.
func ReduceTemporal(ctx context.Context, stack *RasterStack, reducer TemporalReducer, opts *ReduceOptions) (*RasterStack, error) {
	if stack.Len() == 0 {
		return nil, ErrEmptyStack
	}
	start := time.Now()

	refs := stack.ImageRefs()
	imgs, err := stack.Images(ctx)
	if err != nil {
		return nil, err
	}

	first := imgs[0]
	width, height, nBands := first.Width, first.Height, first.BandCount()
	size := width * height

	valid := make([][]bool, len(imgs))
	for i, img := range imgs {
		if err := img.checkShape(width, height, nBands); err != nil {
			return nil, fmt.Errorf("image at %v: %w", refs[i].TimeStamp, err)
		}
		cutline, err := RasterizeGeometry(refs[i].Ref.Geometry(), width, height, img.BBox, img.CRS)
		if err != nil {
			return nil, err
		}
		if img.Valid != nil {
			for j := range cutline {
				cutline[j] = cutline[j] && img.Valid[j]
			}
		}
		valid[i] = cutline
	}

	noData := opts.noData()
	out := NewImage(width, height, first.BandNames, first.BBox, first.CRS, noData)
	if len(first.BandNames) == 0 {
		out.Data = initNoDataSlice(noData, size*nBands)
	}

	values := make([]float32, 0, len(imgs))
	for b := 0; b < nBands; b++ {
		for p := 0; p < size; p++ {
			values = values[:0]
			k := b*size + p
			for i, img := range imgs {
				if !valid[i][p] || img.IsNoData(img.Data[k]) {
					continue
				}
				values = append(values, img.Data[k])
			}
			if len(values) == 0 {
				continue
			}
			if v, ok := reducer(values); ok && !math.IsNaN(float64(v)) {
				out.Data[k] = v
			}
		}
	}

	if opts != nil && opts.Metrics != nil {
		info := opts.Metrics.Info.Stack
		info.NumTimestamps += len(imgs)
		info.NumRealized += len(imgs)
		info.Duration += time.Since(start)
	}
	return FromImages(map[time.Time]*Image{refs[0].TimeStamp: out}), nil
}

// SpectralReducer collapses the bands of one image into a single band.
type SpectralReducer interface {
	ReduceBands(img *Image) ([]float32, error)
}

// SpectralFunc reduces the band values of one pixel.
type SpectralFunc func(values []float32) (float32, bool)

// ReduceBands implements SpectralReducer by applying f to every pixel with
// all bands valid.
func (f SpectralFunc) ReduceBands(img *Image) ([]float32, error) {
	size := img.Width * img.Height
	nBands := img.BandCount()
	out := initNoDataSlice(img.NoData, size)
	values := make([]float32, nBands)
	for p := 0; p < size; p++ {
		if img.Valid != nil && !img.Valid[p] {
			continue
		}
		ok := true
		for b := 0; b < nBands; b++ {
			values[b] = img.Data[b*size+p]
			if img.IsNoData(values[b]) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if v, valid := f(values); valid && !math.IsNaN(float64(v)) {
			out[p] = v
		}
	}
	return out, nil
}

var spectralReducers = map[string]SpectralFunc{
	"mean": reduceMean,
	"min":  reduceMin,
	"max":  reduceMax,
	"sum":  reduceSum,
}

// SpectralReducerByName returns a built-in spectral reducer.
func SpectralReducerByName(name string) (SpectralReducer, error) {
	r, ok := spectralReducers[strings.ToLower(name)]
	if !ok {
		_, spectral := Describe()
		return nil, fmt.Errorf("%w: spectral reducer %q, want one of %s", ErrUnknownMethod, name, strings.Join(spectral, ", "))
	}
	return r, nil
}

// NormalizedDifference computes (A - B) / (A + B) from two named bands.
type NormalizedDifference struct {
	A, B string
}

func (nd NormalizedDifference) ReduceBands(img *Image) ([]float32, error) {
	ia, err := img.BandIndex(nd.A)
	if err != nil {
		return nil, err
	}
	ib, err := img.BandIndex(nd.B)
	if err != nil {
		return nil, err
	}
	a, b := img.Band(ia), img.Band(ib)
	out := initNoDataSlice(img.NoData, len(a))
	for i := range out {
		if img.Valid != nil && !img.Valid[i] {
			continue
		}
		if img.IsNoData(a[i]) || img.IsNoData(b[i]) || a[i]+b[i] == 0 {
			continue
		}
		out[i] = (a[i] - b[i]) / (a[i] + b[i])
	}
	return out, nil
}

// ReduceBands collapses the band dimension of every entry. The returned
// stack is lazy: each source entry is only realised when the derived entry is.
func ReduceBands(stack *RasterStack, reducer SpectralReducer, bandName string) *RasterStack {
	return derive(stack, []string{bandName}, func(src *Image) (*Image, error) {
		data, err := reducer.ReduceBands(src)
		if err != nil {
			return nil, err
		}
		return &Image{
			Data:      data,
			Width:     src.Width,
			Height:    src.Height,
			BBox:      src.BBox,
			CRS:       src.CRS,
			BandNames: []string{bandName},
			NoData:    src.NoData,
			Valid:     src.Valid,
		}, nil
	})
}

// Apply maps fn over every entry lazily. fn must preserve the grid; it may
// change the bands.
func Apply(stack *RasterStack, fn func(*Image) (*Image, error)) *RasterStack {
	return derive(stack, nil, fn)
}

func derive(stack *RasterStack, bands []string, fn func(*Image) (*Image, error)) *RasterStack {
	src := stack.ImageRefs()
	out := make([]TimedRef, len(src))
	for i, tr := range src {
		ref := tr.Ref
		meta := ref.Meta()
		meta.BandNames = bands
		out[i] = TimedRef{
			TimeStamp: tr.TimeStamp,
			Ref: NewLazyImageRef(func() (*Image, error) {
				img, err := ref.Realize()
				if err != nil {
					return nil, err
				}
				return fn(img)
			}, meta),
		}
	}
	return fromTimedRefs(out, stack.concurrency, true)
}

// Describe lists the built-in reducer names.
func Describe() (temporal, spectral []string) {
	for k := range temporalReducers {
		temporal = append(temporal, k)
	}
	for k := range spectralReducers {
		spectral = append(spectral, k)
	}
	sort.Strings(temporal)
	sort.Strings(spectral)
	return
}
