package processor

import (
	"fmt"
	"sync"

	"github.com/nci/gsky-openeo/utils"
)

// Loader reads one observation. It is opaque to the stack: a loader may hit
// the network, a worker or memory.
type Loader func() (*Image, error)

// RefState tracks whether a ref's loader has run.
type RefState int

const (
	Pending RefState = iota
	Realized
	Failed
)

func (s RefState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Realized:
		return "realized"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("RefState(%d)", int(s))
}

// RefMeta is what an ImageRef declares about its pixels before they are read.
type RefMeta struct {
	Width, Height int
	BBox          []float64
	CRS           string
	BandNames     []string
	Geometry      *utils.Geometry
}

// ImageRef is a handle to one observation that is either still lazy (backed
// by a Loader) or already realised. Realize runs the loader at most once per
// successful load; a failed load leaves the ref retryable.
type ImageRef struct {
	meta RefMeta

	mu      sync.Mutex
	loader  Loader
	state   RefState
	image   *Image
	lastErr error
	loads   int
}

// NewLazyImageRef wraps a loader without invoking it.
func NewLazyImageRef(loader Loader, meta RefMeta) *ImageRef {
	return &ImageRef{meta: meta, loader: loader, state: Pending}
}

// NewImageRef wraps an image that is already in memory. Its declared
// metadata is read off the image.
func NewImageRef(img *Image) *ImageRef {
	return &ImageRef{
		meta: RefMeta{
			Width:     img.Width,
			Height:    img.Height,
			BBox:      img.BBox,
			CRS:       img.CRS,
			BandNames: img.BandNames,
		},
		state: Realized,
		image: img,
	}
}

func (r *ImageRef) Width() int { return r.meta.Width }
func (r *ImageRef) Height() int { return r.meta.Height }
func (r *ImageRef) BBox() []float64 { return r.meta.BBox }
func (r *ImageRef) CRS() string { return r.meta.CRS }
func (r *ImageRef) BandNames() []string { return r.meta.BandNames }
func (r *ImageRef) Geometry() *utils.Geometry { return r.meta.Geometry }
func (r *ImageRef) Meta() RefMeta { return r.meta }

// BandCount is the declared number of bands, falling back to the realised
// image when nothing was declared.
func (r *ImageRef) BandCount() int {
	if len(r.meta.BandNames) > 0 {
		return len(r.meta.BandNames)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.image != nil {
		return r.image.BandCount()
	}
	return 0
}

// State returns the current load state.
func (r *ImageRef) State() RefState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Realized reports whether pixel data is cached.
func (r *ImageRef) Realized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == Realized
}

// Err returns the error of the last failed load, if the ref is in the failed state.
func (r *ImageRef) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Failed {
		return r.lastErr
	}
	return nil
}

// Loads returns how many times the loader has been invoked.
func (r *ImageRef) Loads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads
}

// Realize returns the cached image, invoking the loader on first use.
// Concurrent callers are serialised so the loader never runs twice for one
// successful result.
func (r *ImageRef) Realize() (*Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Realized {
		return r.image, nil
	}
	if r.loader == nil {
		return nil, fmt.Errorf("image ref has neither an image nor a loader")
	}

	r.loads++
	img, err := r.loader()
	if err == nil && img == nil {
		err = fmt.Errorf("loader returned no image")
	}
	if err != nil {
		r.state = Failed
		r.lastErr = err
		return nil, err
	}

	r.state = Realized
	r.image = img
	r.lastErr = nil
	return img, nil
}

// CutlineMask returns the declared validity of each pixel computed from the
// footprint geometry alone. It never loads pixel data; without a geometry
// every pixel is potentially valid.
func (r *ImageRef) CutlineMask() ([]bool, error) {
	return RasterizeGeometry(r.meta.Geometry, r.meta.Width, r.meta.Height, r.meta.BBox, r.meta.CRS)
}
