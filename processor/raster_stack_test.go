package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nci/gsky-openeo/utils"
)

func failingLoader(id string) Loader {
	return func() (*Image, error) {
		return nil, fmt.Errorf("loader %s must not run", id)
	}
}

func gridOptions(width, height int, bands ...string) StackOptions {
	return StackOptions{
		TimestampFunc: AssetTimeStamp,
		Width:         width,
		Height:        height,
		BBox:          testBBox,
		CRS:           utils.WGS84,
		BandNames:     bands,
	}
}

func TestNewRasterStackRequiresTimestampFunc(t *testing.T) {
	_, err := NewRasterStack([]Task{{Loader: failingLoader("a"), Asset: &Asset{TimeStamp: day(1)}}}, StackOptions{})
	if !errors.Is(err, ErrMissingTimestampFunc) {
		t.Errorf("expected ErrMissingTimestampFunc, got %v", err)
	}
}

func TestNewRasterStackTimestampError(t *testing.T) {
	tasks := []Task{{Loader: failingLoader("a"), Asset: &Asset{ID: "a"}}}
	_, err := NewRasterStack(tasks, StackOptions{TimestampFunc: AssetTimeStamp})
	if !errors.Is(err, ErrTimestamp) {
		t.Errorf("expected ErrTimestamp, got %v", err)
	}
}

func TestRasterStackOrdering(t *testing.T) {
	var tasks []Task
	for _, d := range []int{5, 1, 9, 3, 7} {
		tasks = append(tasks, Task{Loader: failingLoader(fmt.Sprint(d)), Asset: &Asset{TimeStamp: day(d)}})
	}
	stack, err := NewRasterStack(tasks, gridOptions(2, 2, "b"))
	if err != nil {
		t.Fatal(err)
	}
	if stack.Len() != 5 || !stack.IsLazy() {
		t.Fatalf("unexpected stack: len %d lazy %v", stack.Len(), stack.IsLazy())
	}
	ts := stack.Timestamps()
	for i := 1; i < len(ts); i++ {
		if !ts[i-1].Before(ts[i]) {
			t.Errorf("timestamps not strictly ascending: %v", ts)
		}
	}
	for i, tr := range stack.ImageRefs() {
		if !tr.TimeStamp.Equal(ts[i]) {
			t.Errorf("ref %d keyed %v, expected %v", i, tr.TimeStamp, ts[i])
		}
		if tr.Ref.Realized() {
			t.Errorf("ref %d realised during construction", i)
		}
	}
}

func TestRasterStackPropertyTimeStamp(t *testing.T) {
	tasks := []Task{
		{Loader: failingLoader("b"), Asset: &Asset{ID: "b", Properties: map[string]interface{}{"datetime": "2021-06-02T10:00:00Z"}}},
		{Loader: failingLoader("a"), Asset: &Asset{ID: "a", Properties: map[string]interface{}{"datetime": "2021-06-01T10:00:00Z"}}},
	}
	stack, err := NewRasterStack(tasks, StackOptions{TimestampFunc: PropertyTimeStamp("datetime")})
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC)
	if ts := stack.Timestamps(); !ts[0].Equal(want) {
		t.Errorf("first timestamp %v, expected %v", ts[0], want)
	}

	tasks = append(tasks, Task{Loader: failingLoader("c"), Asset: &Asset{ID: "c"}})
	if _, err := NewRasterStack(tasks, StackOptions{TimestampFunc: PropertyTimeStamp("datetime")}); !errors.Is(err, ErrTimestamp) {
		t.Errorf("expected ErrTimestamp for missing property, got %v", err)
	}
}

func TestRasterStackFirstIsLazy(t *testing.T) {
	first := &countingLoader{img: filledImage(2, 2, []string{"b"}, 1)}
	tasks := []Task{
		{Loader: failingLoader("late"), Asset: &Asset{TimeStamp: day(3)}},
		{Loader: first.load, Asset: &Asset{TimeStamp: day(1)}},
		{Loader: failingLoader("middle"), Asset: &Asset{TimeStamp: day(2)}},
	}
	stack, err := NewRasterStack(tasks, gridOptions(2, 2, "b"))
	if err != nil {
		t.Fatal(err)
	}
	img, err := stack.First()
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if img.Data[0] != 1 || first.count() != 1 {
		t.Errorf("unexpected first image %v after %d loads", img.Data[0], first.count())
	}
	if _, err := stack.Last(); err == nil {
		t.Errorf("expected the last loader to fail")
	}
}

func TestRasterStackEmpty(t *testing.T) {
	stack := FromImages(map[time.Time]*Image{})
	if stack.Len() != 0 || len(stack.Timestamps()) != 0 || len(stack.ImageRefs()) != 0 {
		t.Errorf("empty stack is not empty")
	}
	if _, err := stack.First(); !errors.Is(err, ErrEmptyStack) {
		t.Errorf("First: expected ErrEmptyStack, got %v", err)
	}
	if _, err := stack.Last(); !errors.Is(err, ErrEmptyStack) {
		t.Errorf("Last: expected ErrEmptyStack, got %v", err)
	}
	if _, err := ApplyPixelSelection(context.Background(), stack, First, nil); !errors.Is(err, ErrEmptyStack) {
		t.Errorf("ApplyPixelSelection: expected ErrEmptyStack, got %v", err)
	}

	lazy, err := NewRasterStack(nil, StackOptions{TimestampFunc: AssetTimeStamp})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := lazy.First(); !errors.Is(err, ErrEmptyStack) {
		t.Errorf("lazy First: expected ErrEmptyStack, got %v", err)
	}
}

func TestRasterStackTimestampCollision(t *testing.T) {
	left := &countingLoader{img: filledImage(4, 4, []string{"b"}, 1)}
	right := &countingLoader{img: filledImage(4, 4, []string{"b"}, 2)}
	tasks := []Task{
		{Loader: left.load, Asset: &Asset{ID: "left", TimeStamp: day(1), Geometry: utils.BBoxGeometry([]float64{0, 0, 2, 4}, utils.WGS84)}},
		{Loader: right.load, Asset: &Asset{ID: "right", TimeStamp: day(1), Geometry: utils.BBoxGeometry([]float64{2, 0, 4, 4}, utils.WGS84)}},
	}

	for _, conc := range []int{1, 4} {
		left.calls, right.calls = 0, 0
		opts := gridOptions(4, 4, "b")
		opts.Concurrency = conc
		stack, err := NewRasterStack(tasks, opts)
		if err != nil {
			t.Fatal(err)
		}
		if stack.Len() != 1 {
			t.Fatalf("expected one entry, got %d", stack.Len())
		}
		if n := len(stack.Members(day(1))); n != 2 {
			t.Errorf("expected 2 members, got %d", n)
		}
		if left.count()+right.count() != 0 {
			t.Errorf("construction invoked loaders")
		}

		ref, _ := stack.Ref(day(1))
		if ref.Geometry() == nil || len(ref.Geometry().Polygons) != 2 {
			t.Errorf("mosaic geometry should be the union of both footprints")
		}

		img, err := stack.Get(day(1))
		if err != nil {
			t.Fatal(err)
		}
		for row := 0; row < 4; row++ {
			for col := 0; col < 4; col++ {
				want := float32(1)
				if col >= 2 {
					want = 2
				}
				if got := img.Data[row*4+col]; got != want {
					t.Errorf("conc %d pixel (%d,%d): got %v, want %v", conc, row, col, got, want)
				}
			}
		}
	}
}

func TestRasterStackTimestampCollisionWithoutGrid(t *testing.T) {
	// footprints are placed on the grid of the loaded tiles
	left := &countingLoader{img: filledImage(4, 4, []string{"b"}, 1)}
	right := &countingLoader{img: filledImage(4, 4, []string{"b"}, 2)}
	tasks := []Task{
		{Loader: left.load, Asset: &Asset{ID: "left", TimeStamp: day(1), Geometry: utils.BBoxGeometry([]float64{0, 0, 2, 4}, utils.WGS84)}},
		{Loader: right.load, Asset: &Asset{ID: "right", TimeStamp: day(1), Geometry: utils.BBoxGeometry([]float64{2, 0, 4, 4}, utils.WGS84)}},
	}

	for _, conc := range []int{1, 4} {
		left.calls, right.calls = 0, 0
		stack, err := NewRasterStack(tasks, StackOptions{TimestampFunc: AssetTimeStamp, Concurrency: conc})
		if err != nil {
			t.Fatal(err)
		}
		img, err := stack.First()
		if err != nil {
			t.Fatal(err)
		}
		for row := 0; row < 4; row++ {
			for col := 0; col < 4; col++ {
				want := float32(1)
				if col >= 2 {
					want = 2
				}
				if got := img.Data[row*4+col]; got != want {
					t.Errorf("conc %d pixel (%d,%d): got %v, want %v", conc, row, col, got, want)
				}
			}
		}
		if left.count() != 1 || right.count() != 1 {
			t.Errorf("conc %d: expected both tiles loaded once, got %d and %d", conc, left.count(), right.count())
		}
		if len(img.BBox) != 4 || img.CRS != utils.WGS84 {
			t.Errorf("conc %d: mosaic should take the tile grid, got %v %s", conc, img.BBox, img.CRS)
		}
	}
}

func TestRasterStackDistantTimestamps(t *testing.T) {
	// outside the range of nanosecond keys
	early := time.Date(1500, 6, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2500, 6, 1, 0, 0, 0, 0, time.UTC)
	lateSydney := late.In(time.FixedZone("AEST", 10*3600))

	tasks := []Task{
		{Loader: failingLoader("late"), Asset: &Asset{TimeStamp: lateSydney}},
		{Loader: failingLoader("early"), Asset: &Asset{TimeStamp: early}},
		{Loader: failingLoader("late"), Asset: &Asset{TimeStamp: late}},
		{Loader: failingLoader("now"), Asset: &Asset{TimeStamp: day(1)}},
	}
	stack, err := NewRasterStack(tasks, gridOptions(2, 2, "b"))
	if err != nil {
		t.Fatal(err)
	}
	ts := stack.Timestamps()
	if len(ts) != 3 {
		t.Fatalf("expected 3 entries, got %v", ts)
	}
	if !ts[0].Equal(early) || !ts[1].Equal(day(1)) || !ts[2].Equal(late) {
		t.Errorf("unexpected order %v", ts)
	}
	if n := len(stack.Members(late)); n != 2 {
		t.Errorf("expected both zones of the same instant to share an entry, got %d", n)
	}
	if _, ok := stack.Ref(early); !ok {
		t.Errorf("lookup of a pre-1678 timestamp failed")
	}
}

func TestRasterStackMosaicCoversUnion(t *testing.T) {
	// overlapping footprints: the merged image must be valid wherever any
	// member is
	a := NewImage(4, 4, []string{"b"}, testBBox, utils.WGS84, DefaultNoData)
	b := NewImage(4, 4, []string{"b"}, testBBox, utils.WGS84, DefaultNoData)
	a.Data[0], a.Data[5] = 1, 1
	b.Data[5], b.Data[15] = 2, 2

	tasks := []Task{
		{Loader: func() (*Image, error) { return a, nil }, Asset: &Asset{TimeStamp: day(1)}},
		{Loader: func() (*Image, error) { return b, nil }, Asset: &Asset{TimeStamp: day(1)}},
	}
	stack, err := NewRasterStack(tasks, gridOptions(4, 4, "b"))
	if err != nil {
		t.Fatal(err)
	}
	img, err := stack.First()
	if err != nil {
		t.Fatal(err)
	}
	want := map[int]float32{0: 1, 5: 1, 15: 2}
	for i, v := range img.Data {
		if w, ok := want[i]; ok {
			if v != w {
				t.Errorf("pixel %d: got %v, want %v", i, v, w)
			}
		} else if !img.IsNoData(v) {
			t.Errorf("pixel %d should be nodata, got %v", i, v)
		}
	}
}

func TestRasterStackMosaicMethod(t *testing.T) {
	tasks := []Task{
		{Loader: func() (*Image, error) { return filledImage(2, 2, []string{"b"}, 3), nil }, Asset: &Asset{TimeStamp: day(1)}},
		{Loader: func() (*Image, error) { return filledImage(2, 2, []string{"b"}, 8), nil }, Asset: &Asset{TimeStamp: day(1)}},
	}
	opts := gridOptions(2, 2, "b")
	opts.MosaicMethod = Highest
	stack, err := NewRasterStack(tasks, opts)
	if err != nil {
		t.Fatal(err)
	}
	img, err := stack.First()
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range img.Data {
		if v != 8 {
			t.Errorf("pixel %d: got %v, want 8", i, v)
		}
	}

	opts.MosaicMethod = "brightest"
	if _, err := NewRasterStack(tasks, opts); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("expected ErrUnknownMethod, got %v", err)
	}
}

func TestRasterStackMosaicTolerance(t *testing.T) {
	missing := func() (*Image, error) { return nil, fmt.Errorf("s3 get: %w", ErrAssetNotFound) }
	tasks := []Task{
		{Loader: missing, Asset: &Asset{TimeStamp: day(1)}},
		{Loader: func() (*Image, error) { return filledImage(2, 2, []string{"b"}, 4), nil }, Asset: &Asset{TimeStamp: day(1)}},
	}

	for _, conc := range []int{1, 2} {
		opts := gridOptions(2, 2, "b")
		opts.Concurrency = conc
		opts.Tolerate = []error{ErrAssetNotFound}
		stack, err := NewRasterStack(tasks, opts)
		if err != nil {
			t.Fatal(err)
		}
		img, err := stack.First()
		if err != nil {
			t.Fatalf("conc %d: %v", conc, err)
		}
		if img.Data[0] != 4 {
			t.Errorf("conc %d: got %v, want 4", conc, img.Data[0])
		}

		opts.Tolerate = nil
		stack, _ = NewRasterStack(tasks, opts)
		if _, err := stack.First(); !errors.Is(err, ErrAssetNotFound) {
			t.Errorf("conc %d: expected ErrAssetNotFound, got %v", conc, err)
		}
	}

	// every member tolerated away leaves an all nodata image
	opts := gridOptions(2, 2, "b")
	opts.Concurrency = 2
	opts.Tolerate = []error{ErrAssetNotFound}
	stack, _ := NewRasterStack([]Task{{Loader: missing, Asset: &Asset{TimeStamp: day(1)}}, {Loader: missing, Asset: &Asset{TimeStamp: day(1)}}}, opts)
	img, err := stack.First()
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range img.Data {
		if !img.IsNoData(v) {
			t.Errorf("pixel %d: expected nodata, got %v", i, v)
		}
	}
}

func TestFromImages(t *testing.T) {
	images := map[time.Time]*Image{
		day(2): filledImage(2, 2, []string{"b"}, 2),
		day(1): filledImage(2, 2, []string{"b"}, 1),
	}
	stack := FromImages(images)
	if stack.IsLazy() {
		t.Errorf("stack from images should not be lazy")
	}
	for _, tr := range stack.ImageRefs() {
		if !tr.Ref.Realized() {
			t.Errorf("ref at %v should be realized", tr.TimeStamp)
		}
	}
	first, _ := stack.First()
	last, _ := stack.Last()
	if first.Data[0] != 1 || last.Data[0] != 2 {
		t.Errorf("unexpected order: first %v last %v", first.Data[0], last.Data[0])
	}
}

func TestFromImagesSameInstant(t *testing.T) {
	utc := day(1)
	local := utc.In(time.FixedZone("AEST", 10*3600))
	top := NewImage(2, 2, []string{"b"}, testBBox, utils.WGS84, DefaultNoData)
	top.Data[0], top.Data[1] = 1, 1
	bottom := filledImage(2, 2, []string{"b"}, 2)

	stack := FromImages(map[time.Time]*Image{local: top, utc: bottom})
	if stack.Len() != 1 {
		t.Fatalf("expected one entry, got %d", stack.Len())
	}
	img, err := stack.First()
	if err != nil {
		t.Fatal(err)
	}
	// AEST sorts before UTC so top wins where it has data
	want := []float32{1, 1, 2, 2}
	for i, v := range img.Data {
		if v != want[i] {
			t.Errorf("pixel %d: got %v, want %v", i, v, want[i])
		}
	}
}

func TestRasterStackPrefetch(t *testing.T) {
	var loaders []*countingLoader
	var tasks []Task
	for d := 1; d <= 6; d++ {
		cl := &countingLoader{img: filledImage(2, 2, []string{"b"}, float32(d))}
		loaders = append(loaders, cl)
		tasks = append(tasks, Task{Loader: cl.load, Asset: &Asset{TimeStamp: day(d)}})
	}
	opts := gridOptions(2, 2, "b")
	opts.Concurrency = 3
	stack, err := NewRasterStack(tasks, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := stack.Prefetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i, cl := range loaders {
		if cl.count() != 1 {
			t.Errorf("loader %d invoked %d times", i, cl.count())
		}
	}

	imgs, err := stack.Images(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for i, img := range imgs {
		if img.Data[0] != float32(i+1) {
			t.Errorf("image %d: got %v", i, img.Data[0])
		}
	}
	for i, cl := range loaders {
		if cl.count() != 1 {
			t.Errorf("loader %d invoked %d times after Images", i, cl.count())
		}
	}
}

func TestRasterStackPrefetchCancelled(t *testing.T) {
	stack, _ := NewRasterStack([]Task{{Loader: failingLoader("a"), Asset: &Asset{TimeStamp: day(1)}}}, gridOptions(1, 1, "b"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := stack.Prefetch(ctx); err == nil {
		t.Errorf("expected a cancellation error")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	noData := -1.0
	opts, err := OptionsFromConfig(utils.StackConfig{
		Width:        8,
		Height:       8,
		BBox:         testBBox,
		CRS:          "EPSG:4326",
		Bands:        []string{"red", "nir"},
		Concurrency:  4,
		MosaicMethod: "Highest",
		Tolerate:     []string{"not_found", "tile_outside_bounds"},
		NoData:       &noData,
	})
	if err != nil {
		t.Fatal(err)
	}
	if opts.MosaicMethod != Highest || opts.Concurrency != 4 || len(opts.BandNames) != 2 {
		t.Errorf("unexpected options %+v", opts)
	}
	if !isTolerable(fmt.Errorf("x: %w", ErrTileOutsideBounds), opts.Tolerate) {
		t.Errorf("tile_outside_bounds not tolerated")
	}
	if opts.TimestampFunc == nil {
		t.Errorf("timestamp func not set")
	}

	if _, err := OptionsFromConfig(utils.StackConfig{Tolerate: []string{"everything"}}); err == nil {
		t.Errorf("expected an error for an unknown tolerated error")
	}
	if _, err := OptionsFromConfig(utils.StackConfig{MosaicMethod: "brightest"}); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("expected ErrUnknownMethod, got %v", err)
	}
}
