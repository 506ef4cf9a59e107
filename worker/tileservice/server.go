package tileservice

import (
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/net/context"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nci/gsky-openeo/metrics"
	"github.com/nci/gsky-openeo/processor"
	"github.com/nci/gsky-openeo/utils"
)

const (
	serviceName    = "gskyopeneo.TileService"
	readTileMethod = "/" + serviceName + "/ReadTile"
)

// TileServer is the server API of the tile service.
type TileServer interface {
	ReadTile(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
}

var tileServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TileServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ReadTile",
			Handler:    readTileHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tileservice",
}

func readTileHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TileServer).ReadTile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: readTileMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TileServer).ReadTile(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterTileServer attaches srv to a gRPC server.
func RegisterTileServer(s *grpc.Server, srv TileServer) {
	s.RegisterService(&tileServiceDesc, srv)
}

type task struct {
	ctx  context.Context
	req  *TileRequest
	resp chan *processor.Image
	err  chan error
}

// Pool runs tile reads on a fixed number of goroutines fed from a bounded
// queue. A full queue rejects work instead of blocking the caller.
type Pool struct {
	TaskQueue chan *task
	reader    TileReader
	done      chan struct{}
}

const defaultQueueSize = 400

func NewPool(reader TileReader, n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		TaskQueue: make(chan *task, defaultQueueSize),
		reader:    reader,
		done:      make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	for {
		select {
		case <-p.done:
			return
		case t := <-p.TaskQueue:
			select {
			case <-t.ctx.Done():
				t.err <- t.ctx.Err()
				continue
			default:
			}
			img, err := p.reader.ReadTile(t.ctx, t.req)
			if err != nil {
				t.err <- err
				continue
			}
			t.resp <- img
		}
	}
}

// ErrQueueFull is returned when the worker has no room for another task.
var ErrQueueFull = errors.New("pool TaskQueue is full")

func (p *Pool) AddQueue(t *task) error {
	select {
	case p.TaskQueue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the worker goroutines. Queued tasks are abandoned.
func (p *Pool) Close() {
	close(p.done)
}

// Server implements TileServer on top of a Pool.
type Server struct {
	Pool    *Pool
	Metrics metrics.Logger
	Verbose bool
}

func NewServer(reader TileReader, poolSize int, logger metrics.Logger, verbose bool) *Server {
	return &Server{Pool: NewPool(reader, poolSize), Metrics: logger, Verbose: verbose}
}

func (s *Server) ReadTile(ctx context.Context, in *structpb.Struct) (*wrapperspb.BytesValue, error) {
	start := time.Now()
	mc := metrics.NewMetricsCollector(s.Metrics)
	mc.Info.Operation = "read_tile"
	defer func() {
		mc.Info.ReqDuration = time.Since(start)
		mc.Info.RPC.Duration = mc.Info.ReqDuration
		mc.Log()
	}()

	req, err := TileRequestFromStruct(in)
	if err != nil {
		mc.Info.Error = err.Error()
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if len(req.BBox) == 4 {
		mc.Info.Footprint = utils.BBoxGeometry(req.BBox, req.CRS)
	}

	// buffered so a worker never blocks on a caller that has gone away
	t := &task{ctx: ctx, req: req, resp: make(chan *processor.Image, 1), err: make(chan error, 1)}
	if err := s.Pool.AddQueue(t); err != nil {
		mc.Info.Error = err.Error()
		mc.Info.RPC.NumErrors++
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	}

	select {
	case img := <-t.resp:
		payload := encodePayload(img)
		mc.Info.RPC.NumTiles++
		mc.Info.RPC.BytesRead += int64(len(payload))
		if s.Verbose {
			log.Printf("tile %s %dx%d %v: %d bytes", req.Asset, req.Width, req.Height, req.BBox, len(payload))
		}
		return wrapperspb.Bytes(payload), nil
	case err := <-t.err:
		mc.Info.Error = err.Error()
		mc.Info.RPC.NumErrors++
		if s.Verbose {
			log.Printf("tile %s: %v", req.Asset, err)
		}
		return nil, toStatus(err)
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, processor.ErrAssetNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, processor.ErrTileOutsideBounds):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, utils.ErrUnsupportedCRS):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, fmt.Sprintf("Error in ops: %v", err))
}

// fromStatus maps a worker status back onto the sentinel errors loaders
// are expected to return.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", processor.ErrAssetNotFound, st.Message())
	case codes.OutOfRange:
		return fmt.Errorf("%w: %s", processor.ErrTileOutsideBounds, st.Message())
	case codes.Unimplemented:
		return fmt.Errorf("%w: %s", utils.ErrUnsupportedCRS, st.Message())
	}
	return err
}
