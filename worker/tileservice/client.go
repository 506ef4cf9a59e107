package tileservice

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"

	"golang.org/x/net/context"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nci/gsky-openeo/metrics"
	"github.com/nci/gsky-openeo/processor"
	"github.com/nci/gsky-openeo/utils"
	"github.com/nci/gsky-openeo/worker/tilecache"
)

// Client spreads tile reads over a set of workers round-robin.
type Client struct {
	conns []*grpc.ClientConn
	next  uint32

	// Cache, when set, holds encoded tile payloads keyed by request.
	Cache   tilecache.Store
	Verbose bool

	// Metrics, when set, accumulates tile counts across concurrent loaders.
	Metrics *metrics.MetricsCollector
	mu      sync.Mutex
}

// Dial connects to every reachable worker address in random order.
func Dial(addresses []string, maxRecvMsgSize int) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithInsecure(),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxRecvMsgSize)),
	}

	idx := rand.Perm(len(addresses))
	var conns []*grpc.ClientConn
	for _, i := range idx {
		conn, err := grpc.Dial(addresses[i], opts...)
		if err != nil {
			log.Printf("gRPC connection problem: %v", err)
			continue
		}
		conns = append(conns, conn)
	}
	if len(conns) == 0 {
		return nil, fmt.Errorf("All gRPC servers offline")
	}
	return NewClient(conns...), nil
}

// DialConfig dials addresses with the worker settings of cfg and, when
// memcache servers are listed, caches tile payloads there.
func DialConfig(addresses []string, cfg utils.WorkerConfig) (*Client, error) {
	maxMsgSize := cfg.MaxMsgSize
	if maxMsgSize <= 0 {
		maxMsgSize = utils.DefaultMaxMsgSize
	}
	c, err := Dial(addresses, maxMsgSize)
	if err != nil {
		return nil, err
	}
	if len(cfg.MemcacheServers) > 0 {
		c.Cache = tilecache.NewMemcache(cfg.MemcacheServers...)
	}
	return c, nil
}

// NewClient wraps connections that are already established.
func NewClient(conns ...*grpc.ClientConn) *Client {
	return &Client{conns: conns}
}

func (c *Client) Close() error {
	var firstErr error
	for _, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) conn() *grpc.ClientConn {
	n := atomic.AddUint32(&c.next, 1)
	return c.conns[int(n-1)%len(c.conns)]
}

// ReadTile fetches one tile, consulting the cache first.
func (c *Client) ReadTile(ctx context.Context, req *TileRequest) (*processor.Image, error) {
	var key string
	if c.Cache != nil {
		key = tilecache.Key(req.CacheKey()...)
		if payload, ok, err := c.Cache.Get(key); err == nil && ok {
			if img, err := decodePayload(req, payload); err == nil {
				c.record(len(payload), true, nil)
				return img, nil
			}
		} else if err != nil && c.Verbose {
			log.Printf("tile cache get: %v", err)
		}
	}

	in, err := req.ToStruct()
	if err != nil {
		return nil, err
	}
	out := new(wrapperspb.BytesValue)
	if err := c.conn().Invoke(ctx, readTileMethod, in, out); err != nil {
		err = fromStatus(err)
		c.record(0, false, err)
		return nil, err
	}

	img, err := decodePayload(req, out.GetValue())
	c.record(len(out.GetValue()), false, err)
	if err != nil {
		return nil, err
	}
	if c.Cache != nil {
		// best effort; memcache may not retain it anyway
		if err := c.Cache.Set(key, out.GetValue()); err != nil && c.Verbose {
			log.Printf("tile cache set: %v", err)
		}
	}
	return img, nil
}

func (c *Client) record(n int, hit bool, err error) {
	if c.Metrics == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rpc := c.Metrics.Info.RPC
	if err != nil {
		rpc.NumErrors++
		return
	}
	rpc.NumTiles++
	rpc.BytesRead += int64(n)
	if hit {
		rpc.CacheHits++
	}
}

// Loader defers ReadTile until a RasterStack realises the ref.
func (c *Client) Loader(ctx context.Context, req TileRequest) processor.Loader {
	return func() (*processor.Image, error) {
		return c.ReadTile(ctx, &req)
	}
}

// Grid is the target raster every tile is resampled onto.
type Grid struct {
	Width, Height int
	BBox          []float64
	CRS           string
	Bands         []string
}

// Tasks builds one lazy task per asset, ready for processor.NewRasterStack.
// Asset metadata is narrowed to the grid so refs declare what the loader
// will return.
func (c *Client) Tasks(ctx context.Context, assets []*processor.Asset, grid Grid) []processor.Task {
	tasks := make([]processor.Task, 0, len(assets))
	for _, a := range assets {
		bands := grid.Bands
		if len(bands) == 0 {
			bands = a.BandNames
		}
		crs := grid.CRS
		if len(crs) == 0 {
			crs = a.CRS
		}

		declared := *a
		declared.Width = grid.Width
		declared.Height = grid.Height
		declared.BBox = grid.BBox
		declared.CRS = crs
		declared.BandNames = bands

		tasks = append(tasks, processor.Task{
			Loader: c.Loader(ctx, TileRequest{
				Asset:  a.ID,
				Bands:  bands,
				BBox:   grid.BBox,
				CRS:    crs,
				Width:  grid.Width,
				Height: grid.Height,
			}),
			Asset: &declared,
		})
	}
	return tasks
}
