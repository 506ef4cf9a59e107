package processor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nci/gsky-openeo/utils"
)

// Asset is the metadata a task source attaches to each loader.
type Asset struct {
	ID         string
	TimeStamp  time.Time
	Properties map[string]interface{}
	Geometry   *utils.Geometry

	Width, Height int
	BBox          []float64
	CRS           string
	BandNames     []string
}

// Task is one lazily loadable observation.
type Task struct {
	Loader Loader
	Asset  *Asset
}

// TimestampFunc derives the stack key of an asset.
type TimestampFunc func(*Asset) (time.Time, error)

// AssetTimeStamp keys assets by their TimeStamp field.
func AssetTimeStamp(a *Asset) (time.Time, error) {
	if a.TimeStamp.IsZero() {
		return time.Time{}, fmt.Errorf("asset %q has no timestamp", a.ID)
	}
	return a.TimeStamp, nil
}

// PropertyTimeStamp keys assets by an RFC 3339 property such as "datetime".
func PropertyTimeStamp(key string) TimestampFunc {
	return func(a *Asset) (time.Time, error) {
		raw, ok := a.Properties[key]
		if !ok {
			return time.Time{}, fmt.Errorf("asset %q has no %q property", a.ID, key)
		}
		switch v := raw.(type) {
		case time.Time:
			return v, nil
		case string:
			return time.Parse(time.RFC3339Nano, v)
		}
		return time.Time{}, fmt.Errorf("asset %q property %q is %T, not a time", a.ID, key, raw)
	}
}

// StackOptions configure RasterStack construction. Declared dimensions,
// when set, override whatever the assets report.
type StackOptions struct {
	TimestampFunc TimestampFunc

	Width, Height int
	BBox          []float64
	CRS           string
	BandNames     []string

	// Concurrency bounds parallel loads in mosaics and Prefetch.
	Concurrency int

	// Tolerate lists errors that exclude one member from its mosaic.
	Tolerate []error

	// MosaicMethod merges tiles sharing a timestamp. Defaults to First.
	MosaicMethod Method

	NoData  *float64
	Verbose bool
}

// RasterStack maps timestamps to images. Keys are unique and always
// iterated in ascending order.
type RasterStack struct {
	keys    []time.Time
	times   map[time.Time]time.Time
	refs    map[time.Time]*ImageRef
	members map[time.Time][]*ImageRef

	lazy        bool
	concurrency int
}

// stackKey identifies an instant regardless of location or monotonic
// clock reading, so equal instants share one entry.
func stackKey(t time.Time) time.Time {
	return t.UTC().Round(0)
}

func (s *RasterStack) sortKeys() {
	sort.Slice(s.keys, func(i, j int) bool { return s.keys[i].Before(s.keys[j]) })
}

func newRasterStack(concurrency int, lazy bool) *RasterStack {
	return &RasterStack{
		times:       make(map[time.Time]time.Time),
		refs:        make(map[time.Time]*ImageRef),
		members:     make(map[time.Time][]*ImageRef),
		lazy:        lazy,
		concurrency: concurrency,
	}
}

// NewRasterStack groups tasks by timestamp without running any loader.
// Tasks sharing a timestamp become one mosaic ref whose members are merged
// in the order they were supplied.
func NewRasterStack(tasks []Task, opts StackOptions) (*RasterStack, error) {
	if opts.TimestampFunc == nil {
		return nil, ErrMissingTimestampFunc
	}
	method := opts.MosaicMethod
	if len(method) == 0 {
		method = First
	}
	if _, err := ParseMethod(string(method)); err != nil {
		return nil, err
	}

	type group struct {
		t      time.Time
		assets []*Asset
		refs   []*ImageRef
	}
	groups := make(map[time.Time]*group)
	for i, task := range tasks {
		asset := task.Asset
		if asset == nil {
			asset = &Asset{}
		}
		t, err := opts.TimestampFunc(asset)
		if err != nil {
			return nil, fmt.Errorf("%w: task %d (%s): %v", ErrTimestamp, i, asset.ID, err)
		}
		key := stackKey(t)
		g, ok := groups[key]
		if !ok {
			g = &group{t: t}
			groups[key] = g
		}
		g.assets = append(g.assets, asset)
		g.refs = append(g.refs, NewLazyImageRef(task.Loader, opts.declare(asset)))
	}

	stack := newRasterStack(opts.Concurrency, true)
	for key, g := range groups {
		stack.keys = append(stack.keys, key)
		stack.times[key] = g.t
		stack.members[key] = g.refs

		if len(g.refs) == 1 {
			stack.refs[key] = g.refs[0]
			continue
		}

		geoms := make([]*utils.Geometry, len(g.assets))
		for i, a := range g.assets {
			geoms[i] = a.Geometry
		}
		meta := opts.declare(g.assets[0])
		meta.Geometry = utils.Union(geoms...)
		stack.refs[key] = NewLazyImageRef(mosaicLoader(g.t, g.refs, method, &opts, meta), meta)

		if opts.Verbose {
			log.Printf("raster stack: %d tiles share timestamp %v", len(g.refs), g.t.Format(time.RFC3339))
		}
	}
	stack.sortKeys()
	return stack, nil
}

func (o *StackOptions) declare(a *Asset) RefMeta {
	meta := RefMeta{
		Width:     a.Width,
		Height:    a.Height,
		BBox:      a.BBox,
		CRS:       a.CRS,
		BandNames: a.BandNames,
		Geometry:  a.Geometry,
	}
	if o.Width > 0 && o.Height > 0 {
		meta.Width = o.Width
		meta.Height = o.Height
	}
	if len(o.BBox) == 4 {
		meta.BBox = o.BBox
	}
	if len(o.CRS) > 0 {
		meta.CRS = o.CRS
	}
	if len(o.BandNames) > 0 {
		meta.BandNames = o.BandNames
	}
	return meta
}

// mosaicLoader merges same-timestamp members. Sequential mosaics stop as
// soon as the method is satisfied; concurrent ones read every member first.
func mosaicLoader(t time.Time, members []*ImageRef, method Method, opts *StackOptions, meta RefMeta) Loader {
	selOpts := &SelectionOptions{Tolerate: opts.Tolerate, NoData: opts.NoData, Verbose: opts.Verbose}
	conc := opts.Concurrency

	return func() (*Image, error) {
		refs := make([]TimedRef, 0, len(members))

		if conc > 1 {
			ok := make([]bool, len(members))
			var g errgroup.Group
			g.SetLimit(conc)
			for i, m := range members {
				i, m := i, m
				g.Go(func() error {
					_, err := m.Realize()
					if err == nil {
						ok[i] = true
						return nil
					}
					if isTolerable(err, opts.Tolerate) {
						return nil
					}
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}
			for i, m := range members {
				if ok[i] {
					refs = append(refs, TimedRef{TimeStamp: t, Ref: m})
				}
			}
			if len(refs) == 0 {
				return emptyMosaic(t, meta, selOpts.noData())
			}
		} else {
			for _, m := range members {
				refs = append(refs, TimedRef{TimeStamp: t, Ref: m})
			}
		}

		return SelectPixels(context.Background(), refs, method, selOpts)
	}
}

// emptyMosaic stands in for a timestamp whose every member was tolerated away.
func emptyMosaic(t time.Time, meta RefMeta, noData float64) (*Image, error) {
	if meta.Width == 0 || meta.Height == 0 || len(meta.BandNames) == 0 {
		return nil, fmt.Errorf("%w: every tile at %v failed", ErrEmptyStack, t)
	}
	return NewImage(meta.Width, meta.Height, meta.BandNames, meta.BBox, meta.CRS, noData), nil
}

// FromImages builds a stack from images that are already in memory.
// Images whose timestamps denote the same instant are mosaicked in
// ascending order of their location name.
func FromImages(images map[time.Time]*Image) *RasterStack {
	stack := newRasterStack(0, false)

	type entry struct {
		t   time.Time
		img *Image
	}
	var entries []entry
	for t, img := range images {
		entries = append(entries, entry{t, img})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].t.Equal(entries[j].t) {
			return entries[i].t.Before(entries[j].t)
		}
		return entries[i].t.Location().String() < entries[j].t.Location().String()
	})

	for _, e := range entries {
		key := stackKey(e.t)
		if _, ok := stack.times[key]; !ok {
			stack.keys = append(stack.keys, key)
			stack.times[key] = e.t
		}
		stack.members[key] = append(stack.members[key], NewImageRef(e.img))
	}

	opts := &StackOptions{}
	for _, key := range stack.keys {
		members := stack.members[key]
		if len(members) == 1 {
			stack.refs[key] = members[0]
			continue
		}
		stack.refs[key] = NewLazyImageRef(mosaicLoader(stack.times[key], members, First, opts, members[0].Meta()), members[0].Meta())
	}
	return stack
}

// fromTimedRefs wraps refs already keyed by distinct timestamps.
func fromTimedRefs(refs []TimedRef, concurrency int, lazy bool) *RasterStack {
	stack := newRasterStack(concurrency, lazy)
	for _, tr := range refs {
		key := stackKey(tr.TimeStamp)
		stack.keys = append(stack.keys, key)
		stack.times[key] = tr.TimeStamp
		stack.refs[key] = tr.Ref
		stack.members[key] = []*ImageRef{tr.Ref}
	}
	stack.sortKeys()
	return stack
}

// Len returns the number of distinct timestamps.
func (s *RasterStack) Len() int {
	return len(s.keys)
}

// IsLazy distinguishes stacks built from tasks from those built from
// images already in memory.
func (s *RasterStack) IsLazy() bool {
	return s.lazy
}

// Timestamps returns the keys in ascending order.
func (s *RasterStack) Timestamps() []time.Time {
	out := make([]time.Time, len(s.keys))
	for i, k := range s.keys {
		out[i] = s.times[k]
	}
	return out
}

// ImageRefs exposes the refs in timestamp order without realising them.
func (s *RasterStack) ImageRefs() []TimedRef {
	out := make([]TimedRef, len(s.keys))
	for i, k := range s.keys {
		out[i] = TimedRef{TimeStamp: s.times[k], Ref: s.refs[k]}
	}
	return out
}

// Ref returns the ref stored for t.
func (s *RasterStack) Ref(t time.Time) (*ImageRef, bool) {
	r, ok := s.refs[stackKey(t)]
	return r, ok
}

// Members returns the refs merged into the entry for t, in supplied order.
func (s *RasterStack) Members(t time.Time) []*ImageRef {
	return s.members[stackKey(t)]
}

// Get realises the image stored for t.
func (s *RasterStack) Get(t time.Time) (*Image, error) {
	r, ok := s.Ref(t)
	if !ok {
		return nil, fmt.Errorf("timestamp %v not in raster stack", t)
	}
	return r.Realize()
}

// First realises the image at the earliest timestamp.
func (s *RasterStack) First() (*Image, error) {
	if len(s.keys) == 0 {
		return nil, ErrEmptyStack
	}
	return s.refs[s.keys[0]].Realize()
}

// Last realises the image at the latest timestamp.
func (s *RasterStack) Last() (*Image, error) {
	if len(s.keys) == 0 {
		return nil, ErrEmptyStack
	}
	return s.refs[s.keys[len(s.keys)-1]].Realize()
}

// Images realises every entry and returns them in timestamp order.
func (s *RasterStack) Images(ctx context.Context) ([]*Image, error) {
	if err := s.Prefetch(ctx); err != nil {
		return nil, err
	}
	out := make([]*Image, len(s.keys))
	for i, k := range s.keys {
		img, err := s.refs[k].Realize()
		if err != nil {
			return nil, err
		}
		out[i] = img
	}
	return out, nil
}

// Prefetch realises every entry using at most the configured concurrency.
func (s *RasterStack) Prefetch(ctx context.Context) error {
	conc := s.concurrency
	if conc < 1 {
		conc = 1
	}

	cLimiter := NewConcLimiter(conc)
	for _, k := range s.keys {
		r := s.refs[k]
		if err := cLimiter.Go(ctx, func() error {
			_, err := r.Realize()
			return err
		}); err != nil {
			cLimiter.Wait()
			return fmt.Errorf("raster stack prefetch context has been cancel: %w", err)
		}
	}
	return cLimiter.Wait()
}
